package calseq

import (
	"fmt"
	"path/filepath"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/diag"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/fitcommon"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/persist"
)

// Voice is the part of an analog voice the routines drive.
type Voice interface {
	SetAllocated(a bool)
	SetMainOutMute(l, r bool)
	SetMixVcaOffsets(tri0, tri1, sqr0, sqr1, xor float32)
	SetMainVcaOffsets(l, r float32)
	SetTuningGain(g float32)
	FilterCal() analog.FilterCal
	SetFilterCal(c analog.FilterCal)
	Filter() *analog.Filter
	TemperatureProxy() float32
	SaveCalibration() bool
	Blacklisted() bool
}

// Routine identifies a calibration routine.
type Routine int

const (
	NoRoutine Routine = iota
	MixVca
	MainVca
	FilterSweep
)

func (r Routine) String() string {
	switch r {
	case NoRoutine:
		return "none"
	case MixVca:
		return "mix-vca"
	case MainVca:
		return "main-vca"
	case FilterSweep:
		return "filter-sweep"
	}
	return fmt.Sprintf("Routine(%d)", int(r))
}

// Frame is one buffer of audio around the voices.
type Frame struct {
	// Left and Right are the loopback input. A nil channel reads as silence.
	Left, Right *[analog.BufferSize]float32

	// Digital is the per-voice digital audio sent into the filters. The
	// sequencer owns it while a routine runs.
	Digital *[analog.NumVoices][analog.BufferSize]float32

	// Inputs receive the test patterns.
	Inputs *[analog.NumVoices]analog.VoiceInput
}

type Config struct {
	Params *Params
	Sink   analog.Sink
	Log    diag.Logger
}

// Sequencer runs one calibration routine at a time across all voices, in voice
// order. Run is called once per buffer on the audio goroutine.
type Sequencer struct {
	voices []Voice
	ctl    [analog.NumVoices]Controller
	params Params
	sink   analog.Sink
	log    diag.Logger

	routine Routine
	running bool

	mix   mixRoutine
	main  mainRoutine
	sweep filterSweep

	silence [analog.BufferSize]float32
}

func NewSequencer(voices [analog.NumVoices]Voice, cfg Config) *Sequencer {
	p := cfg.Params
	if p == nil {
		p = NewDefaultParams()
	}
	log := diag.OrNop(cfg.Log)
	s := &Sequencer{
		voices: voices[:],
		params: *p,
		sink:   cfg.Sink,
		log:    log,
	}
	if s.sink == nil {
		s.sink = persist.Inline{Log: log}
	}
	for i := range s.ctl {
		s.ctl[i] = NewController()
	}
	return s
}

// Running reports whether a routine has started and not yet completed.
func (s *Sequencer) Running() bool { return s.running }

// Routine is the active or last run routine.
func (s *Sequencer) Routine() Routine { return s.routine }

// Controller returns the test pattern currently applied to voice v.
func (s *Sequencer) Controller(v int) Controller { return s.ctl[v] }

func (s *Sequencer) StartMixCal() { s.start(MixVca) }

func (s *Sequencer) StartMainVcaCal() { s.start(MainVca) }

func (s *Sequencer) StartFilterCal() { s.start(FilterSweep) }

// start resets every counter and history of r. Any routine in progress is
// abandoned; an abandoned filter sweep puts the saved filter cals back first.
func (s *Sequencer) start(r Routine) {
	if s.running && s.routine == FilterSweep {
		s.sweep.restore(s)
		s.log.Warnf("calibration: %s abandoned at voice %d", s.routine, s.sweep.voice)
	}
	s.routine = r
	s.running = true
	switch r {
	case MixVca:
		s.mix = newMixRoutine(s.params.Mix)
	case MainVca:
		s.main = newMainRoutine(s.params.Main)
	case FilterSweep:
		s.sweep = newFilterSweep(s.params.Filter, s.voices)
	}
	s.log.Infof("calibration: %s started", r)
}

// Run advances the active routine by one buffer.
func (s *Sequencer) Run(f *Frame) {
	if !s.running {
		return
	}
	if f.Digital != nil {
		*f.Digital = [analog.NumVoices][analog.BufferSize]float32{}
	}
	fr := *f
	if fr.Left == nil {
		fr.Left = &s.silence
	}
	if fr.Right == nil {
		fr.Right = &s.silence
	}
	switch s.routine {
	case MixVca:
		s.mix.run(s, &fr)
	case MainVca:
		s.main.run(s, &fr)
	case FilterSweep:
		s.sweep.run(s, &fr)
	}
	if !s.running || f.Inputs == nil {
		return
	}
	for i, v := range s.voices {
		s.ctl[i].Apply(&f.Inputs[i], v)
	}
}

// setupAll puts every voice in the off pattern and claims it for calibration.
func (s *Sequencer) setupAll() {
	for i, v := range s.voices {
		s.ctl[i].SetOff()
		v.SetAllocated(true)
	}
}

// nextVoice is the first voice from v on that is not blacklisted, or NumVoices.
// Blacklisted voices keep their stored trims.
func (s *Sequencer) nextVoice(v int) int {
	for v < analog.NumVoices && s.voices[v].Blacklisted() {
		s.log.Infof("calibration: %s skipping blacklisted voice %d", s.routine, v)
		v++
	}
	return v
}

func (s *Sequencer) finish(save bool) {
	if save {
		for i, v := range s.voices {
			if v.Blacklisted() {
				continue
			}
			if !v.SaveCalibration() {
				s.log.Warnf("calibration: voice %d save refused, writer queue full", i)
			}
		}
	}
	for i := range s.ctl {
		s.ctl[i].SetOff()
	}
	s.running = false
	s.log.Infof("calibration: %s complete", s.routine)
}

func (s *Sequencer) submitDump(name string, path string, parts ...[]float32) {
	job := &persist.Job{
		Name: name,
		Run:  func() error { return fitcommon.WriteFloatDump(path, parts...) },
	}
	if !s.sink.Submit(job) {
		s.log.Warnf("calibration: %s dropped, writer queue full", name)
	}
}

func MixVcaDumpPath(dir string, voice int) string {
	return filepath.Join(dir, fmt.Sprintf("voice_%d_mix_vca_audio.dat", voice))
}

func MainVcaDumpPath(dir string, voice int) string {
	return filepath.Join(dir, fmt.Sprintf("voice_%d_main_vca.dat", voice))
}

func FilterDumpPath(dir string, voice int) string {
	return filepath.Join(dir, fmt.Sprintf("voice_%d_filter.dat", voice))
}

func SignalDumpPath(dir string, voice int) string {
	return filepath.Join(dir, fmt.Sprintf("voice_%d_signal.dat", voice))
}
