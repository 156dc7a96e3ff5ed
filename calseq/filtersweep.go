package calseq

import "github.com/Melbourne-Instruments/nina-vst-sub000/analog"

// sweepCal opens the cutoff range and pins the resonance at self-oscillation
// for the sweep. The fitted model terms are kept.
func sweepCal(c analog.FilterCal) analog.FilterCal {
	c.FcHighClip = 0.5
	c.FcLowClip = -0.2
	c.FcGain = (c.FcHighClip - c.FcLowClip) / 2
	c.FcOffset = c.FcLowClip + c.FcGain
	c.FcTempTrack = 0
	c.ResHighClip = 0
	c.ResZeroOffset = 0
	c.ResGain = -0.46
	c.ResLowClip = -0.46
	return c
}

// filterSweep steps each voice's cutoff downward with the filter self-oscillating
// and captures the loopback audio with the cutoff voltages that produced it. The
// dumps feed the offline filter fit; nothing is fitted here.
type filterSweep struct {
	p FilterParams

	voice int
	call  int
	n     int
	stim  float32

	audio  []float32
	cutoff []float32
	saved  [analog.NumVoices]analog.FilterCal
}

func newFilterSweep(p FilterParams, voices []Voice) filterSweep {
	f := filterSweep{p: p, n: 1, stim: p.StimulusStart}
	for i, v := range voices {
		f.saved[i] = v.FilterCal()
	}
	f.alloc()
	return f
}

func (f *filterSweep) alloc() {
	n := (f.p.CaptureEnd - f.p.CaptureStart) * analog.BufferSize
	if n < 0 {
		n = 0
	}
	f.audio = make([]float32, 0, n)
	f.cutoff = make([]float32, 0, n)
}

// stepCall is the call at which the stimulus takes its n-th step down. The gaps
// widen so lower cutoffs, with longer periods, get more buffers.
func (f *filterSweep) stepCall() int {
	scale := float64(f.p.StepScale)
	return int(float64(f.n*f.n)*0.15*scale) + f.p.StepScale*f.n
}

func (f *filterSweep) restore(s *Sequencer) {
	for i, v := range s.voices {
		v.SetFilterCal(f.saved[i])
	}
}

func (f *filterSweep) run(s *Sequencer, fr *Frame) {
	if f.call == 0 {
		f.voice = s.nextVoice(f.voice)
	}
	if f.voice == analog.NumVoices {
		f.restore(s)
		s.finish(false)
		return
	}
	v := s.voices[f.voice]
	if f.call == 0 {
		s.setupAll()
		for i, sv := range s.voices {
			sv.SetFilterCal(sweepCal(f.saved[i]))
		}
		s.log.Infof("calibration: filter sweep voice %d", f.voice)
	}

	s.ctl[f.voice].SetFilterTune(f.stim)
	if f.call == f.stepCall() {
		f.n++
		f.stim -= f.p.StimulusStep
	}

	if f.call > f.p.CaptureStart && f.call < f.p.CaptureEnd {
		trace := v.Filter().CutoffTrace()
		f.audio = append(f.audio, fr.Left[:]...)
		for i := 0; i < analog.BufferSize; i++ {
			f.cutoff = append(f.cutoff, trace[i/analog.CVMuxInc])
		}
	}

	if f.call == f.p.CaptureEnd+1 {
		temp := v.TemperatureProxy()
		dir := s.params.DumpDir
		s.submitDump("filter sweep dump", FilterDumpPath(dir, f.voice), []float32{temp}, f.audio, f.cutoff)
		s.submitDump("filter signal dump", SignalDumpPath(dir, f.voice), f.audio)
		s.ctl[f.voice].SetOff()
		f.alloc()
		f.voice++
		f.call = -1
		f.n = 1
		f.stim = f.p.StimulusStart
	}
	f.call++
}
