package calseq

import (
	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/dsp"
)

// mixVcas is the search order within a pass. Each VCA is measured with the
// oscillator shapes that put most of its waveform above the high-pass.
var mixVcas = [...]struct {
	name   string
	sel    func(*MixLevels) *float32
	shape0 float32
	shape1 float32
}{
	{"xor", func(m *MixLevels) *float32 { return &m.Xor }, 0, 0},
	{"tri 2", func(m *MixLevels) *float32 { return &m.Tri1 }, 0, 1},
	{"square 1", func(m *MixLevels) *float32 { return &m.Sqr0 }, -0.2, 1},
	{"square 2", func(m *MixLevels) *float32 { return &m.Sqr1 }, 1, 0.2},
	{"tri 1", func(m *MixLevels) *float32 { return &m.Tri0 }, 1, 0},
}

// mixRoutine finds the mixer VCA levels that null each oscillator's leakage into
// the filter. The trial level is applied with the voice's trims at zero; the
// converged levels become the trims.
type mixRoutine struct {
	p       MixParams
	startup int

	voice  int
	index  int // search number within the voice
	fresh  bool
	levels MixLevels
	srch   Search
	window int
	count  int

	hp    *dsp.Cascade
	meter dsp.EnergyMeter

	// dump holds (search, trial, cost) per evaluation of the current voice.
	dump []float32
}

func newMixRoutine(p MixParams) mixRoutine {
	if p.Passes < 1 {
		p.Passes = 1
	}
	if p.AverageBuffers < 1 {
		p.AverageBuffers = 1
	}
	return mixRoutine{
		p:     p,
		fresh: true,
		hp:    dsp.NewLowpassCascade(p.HighpassHz, analog.SampleRate, 4),
	}
}

func (m *mixRoutine) searches() int { return len(mixVcas) * m.p.Passes }

func (m *mixRoutine) setup(s *Sequencer) {
	s.setupAll()
	for _, v := range s.voices {
		v.SetTuningGain(m.p.TuningGain)
	}
}

func (m *mixRoutine) run(s *Sequencer, f *Frame) {
	if m.startup < m.p.StartupBuffers {
		if m.startup == 0 {
			m.voice = s.nextVoice(m.voice)
			if m.voice < analog.NumVoices {
				s.voices[m.voice].SetMixVcaOffsets(0, 0, 0, 0, 0)
			}
			m.setup(s)
		}
		m.startup++
		return
	}
	if m.fresh {
		m.voice = s.nextVoice(m.voice)
	}
	if m.voice == analog.NumVoices {
		s.finish(true)
		return
	}
	if m.fresh {
		m.begin(s)
	}

	for _, x := range f.Left {
		m.meter.Add(x - m.hp.Process(x))
	}
	m.count++
	if m.count >= m.window {
		m.evaluate(s)
	}
	if m.voice < analog.NumVoices {
		vca := mixVcas[m.index%len(mixVcas)]
		s.ctl[m.voice].SetMixVca(m.levels, vca.shape0, vca.shape1)
	}
}

func (m *mixRoutine) begin(s *Sequencer) {
	s.voices[m.voice].SetMixVcaOffsets(0, 0, 0, 0, 0)
	m.setup(s)

	scale, w := passScale(m.index / len(mixVcas))
	m.window = m.p.AverageBuffers * w
	cfg := SearchConfig{
		Step:   m.p.Step * scale,
		Ring:   m.p.Ring,
		Window: m.p.ResultWindow,
		Budget: m.p.Budget,
	}
	vca := mixVcas[m.index%len(mixVcas)]
	m.srch = NewSearch(cfg, *vca.sel(&m.levels))
	if m.index == 0 {
		m.dump = make([]float32, 0, 3*64)
	}
	m.hp.Reset()
	m.meter.Reset()
	m.count = 0
	m.fresh = false
}

func (m *mixRoutine) evaluate(s *Sequencer) {
	cost := m.meter.Root()
	m.meter.Reset()
	m.count = 0

	vca := mixVcas[m.index%len(mixVcas)]
	m.dump = append(m.dump, float32(m.index), m.srch.Value, cost)
	var out Outcome
	m.srch, out = m.srch.Advance(cost)
	*vca.sel(&m.levels) = m.srch.Value
	if out == Continue {
		return
	}
	if out == Exhausted {
		s.log.Warnf("calibration: voice %d %s VCA did not converge in %d trials, keeping %g",
			m.voice, vca.name, m.srch.Iterations(), m.srch.Value)
	}

	m.index++
	m.fresh = true
	if m.index < m.searches() {
		return
	}

	l := m.levels
	s.voices[m.voice].SetMixVcaOffsets(l.Tri0, l.Tri1, l.Sqr0, l.Sqr1, l.Xor)
	s.log.Infof("calibration: voice %d mix trims tri %g %g square %g %g xor %g",
		m.voice, l.Tri0, l.Tri1, l.Sqr0, l.Sqr1, l.Xor)
	s.submitDump("mix VCA dump", MixVcaDumpPath(s.params.DumpDir, m.voice), m.dump)
	s.ctl[m.voice].SetOff()
	m.voice = s.nextVoice(m.voice + 1)
	m.index = 0
	m.levels = MixLevels{}
}
