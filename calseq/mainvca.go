package calseq

import (
	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/dsp"
)

// Band edges of the output VCA measurements, Hz.
const (
	mainBandTop    = 2100
	mainBandLeft   = 1900
	mainBandRight  = 2000
	analysisStages = 4
)

// mainRoutine nulls the left and right output VCAs of one voice at a time by
// playing a tone into the voice and minimising what leaks through. The two
// channels are searched together; each stops once it has converged.
type mainRoutine struct {
	p MainParams

	voice int
	fresh bool
	l, r  Search
	doneL bool
	doneR bool
	skipR bool
	count int

	tone           *dsp.Tone
	topL, lowL     *dsp.Cascade
	topR, lowR     *dsp.Cascade
	meterL, meterR dsp.EnergyMeter

	dump []float32
}

func newMainRoutine(p MainParams) mainRoutine {
	if p.WindowBuffers < 1 {
		p.WindowBuffers = 1
	}
	return mainRoutine{
		p:     p,
		fresh: true,
		tone:  dsp.NewTone(p.ToneHz, analog.SampleRate, p.ToneLevel),
		topL:  dsp.NewLowpassCascade(mainBandTop, analog.SampleRate, analysisStages),
		lowL:  dsp.NewLowpassCascade(mainBandLeft, analog.SampleRate, analysisStages),
		topR:  dsp.NewLowpassCascade(mainBandTop, analog.SampleRate, analysisStages),
		lowR:  dsp.NewLowpassCascade(mainBandRight, analog.SampleRate, analysisStages),
	}
}

func (m *mainRoutine) cfg() SearchConfig {
	return SearchConfig{Step: m.p.Step, Ring: m.p.Ring, Budget: m.p.Budget}
}

func (m *mainRoutine) run(s *Sequencer, f *Frame) {
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

	var dig *[analog.BufferSize]float32
	if f.Digital != nil {
		dig = &f.Digital[m.voice]
	}
	for i := 0; i < analog.BufferSize; i++ {
		t := m.tone.Next()
		if dig != nil {
			dig[i] = t
		}
		l, r := f.Left[i], f.Right[i]
		m.meterL.Add(m.topL.Process(l) - m.lowL.Process(l))
		m.meterR.Add(m.topR.Process(r) - m.lowR.Process(r))
	}

	m.count++
	if m.count >= m.p.WindowBuffers {
		m.evaluate(s)
	}
	if m.voice < analog.NumVoices {
		s.ctl[m.voice].SetMainVca(m.l.Value, m.r.Value)
	}
}

func (m *mainRoutine) begin(s *Sequencer) {
	s.voices[m.voice].SetMainVcaOffsets(0, 0)
	s.setupAll()
	for _, c := range []*dsp.Cascade{m.topL, m.lowL, m.topR, m.lowR} {
		c.Reset()
	}
	m.meterL.Reset()
	m.meterR.Reset()
	m.l = NewSearch(m.cfg(), 0)
	m.r = NewSearch(m.cfg(), 0)
	m.doneL, m.doneR, m.skipR = false, false, false
	m.count = 0
	m.dump = make([]float32, 0, 3*64)
	m.fresh = false
}

func (m *mainRoutine) evaluate(s *Sequencer) {
	costL, costR := m.meterL.Root(), m.meterR.Root()
	m.meterL.Reset()
	m.meterR.Reset()
	m.count = 0
	m.dump = append(m.dump, m.l.Value, costL, costR)

	var out Outcome
	if !m.doneL {
		m.l, out = m.l.Advance(costL)
		m.doneL = m.settled(s, "left", m.l, out)
	}
	if !m.doneR {
		m.r, out = m.r.Advance(costR)
		if out == Converged && m.p.SkipFirstRightConvergence && !m.skipR {
			m.skipR = true
			m.r = NewSearch(m.cfg(), m.r.Value)
			out = Continue
		}
		m.doneR = m.settled(s, "right", m.r, out)
	}
	if !m.doneL || !m.doneR {
		return
	}

	s.voices[m.voice].SetMainVcaOffsets(m.l.Value, m.r.Value)
	s.log.Infof("calibration: voice %d main trims %g %g", m.voice, m.l.Value, m.r.Value)
	s.submitDump("main VCA dump", MainVcaDumpPath(s.params.DumpDir, m.voice), m.dump)
	s.ctl[m.voice].SetOff()
	m.voice = s.nextVoice(m.voice + 1)
	m.fresh = true
}

func (m *mainRoutine) settled(s *Sequencer, side string, srch Search, out Outcome) bool {
	if out == Exhausted {
		s.log.Warnf("calibration: voice %d %s VCA did not converge in %d trials, keeping %g",
			m.voice, side, srch.Iterations(), srch.Value)
	}
	return out != Continue
}
