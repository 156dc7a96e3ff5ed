// Package instrument assembles the twelve analog voices, the calibration
// sequencer and the persistence worker into the engine the synthesis layer
// drives once per buffer.
package instrument

import (
	"context"
	"math"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/calseq"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/diag"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/fitcommon"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/persist"
)

// DefaultOutboxSize bounds the file jobs waiting for the worker.
const DefaultOutboxSize = 64

// CalInfoName is the calibration status dump written by WriteCalInfo.
const CalInfoName = "cal_info.dat"

type Config struct {
	Params *analog.Params
	Cal    *calseq.Params
	Log    diag.Logger

	// Sink replaces the background worker. Offline tools pass persist.Inline.
	Sink       analog.Sink
	OutboxSize int
}

// Control requests, applied at the start of the next buffer.
const (
	reqTuneOn uint32 = 1 << iota
	reqTuneOff
	reqGain
	reqTestMode
	reqReload
	reqSave
	reqMix
	reqMain
	reqFilter
	reqCalInfo
)

// Instrument is the analog engine. Process and Voice belong to the audio
// goroutine; the request methods are safe from any goroutine and take effect at
// the start of the next Process call.
type Instrument struct {
	voices [analog.NumVoices]*analog.Voice
	seq    *calseq.Sequencer
	params analog.Params
	log    diag.Logger

	sink   analog.Sink
	worker *persist.Worker
	outbox *persist.Outbox

	requests atomic.Uint32
	gainBits atomic.Uint32
	running  atomic.Bool

	gain      float32
	gainSet   bool
	calInputs [analog.NumVoices]analog.VoiceInput
	scratch   [analog.NumVoices][analog.BufferSize]float32
	allocated [analog.NumVoices]bool
	calActive bool
}

// New builds the voices and loads their calibration. Missing files are
// reported through cfg.Log and leave the voices uncalibrated.
func New(cfg Config) *Instrument {
	p := cfg.Params
	if p == nil {
		p = analog.NewDefaultParams()
	}
	calp := cfg.Cal
	if calp == nil {
		calp = calseq.NewDefaultParams()
		calp.DumpDir = p.TuningDir
	}
	log := diag.OrNop(cfg.Log)
	in := &Instrument{params: *p, log: log, gain: p.TuningGain}

	in.sink = cfg.Sink
	if in.sink == nil {
		size := cfg.OutboxSize
		if size <= 0 {
			size = DefaultOutboxSize
		}
		in.worker = persist.NewWorker(log)
		in.worker.Start()
		in.outbox = persist.NewOutbox(size, in.worker)
		in.sink = in.outbox
	}

	var seqVoices [analog.NumVoices]calseq.Voice
	for i := range in.voices {
		v := analog.NewVoice(analog.VoiceConfig{
			Index:     i,
			CalDir:    p.CalDir,
			TuningDir: p.TuningDir,
			Sink:      in.sink,
			Log:       log,
		})
		v.SetTuningGain(p.TuningGainFor(i))
		v.SetDisableMutes(p.DisableMutes)
		in.voices[i] = v
		seqVoices[i] = v
	}
	in.seq = calseq.NewSequencer(seqVoices, calseq.Config{Params: calp, Sink: in.sink, Log: log})
	return in
}

// Voice returns voice v for the synthesis layer's per-voice controls.
func (in *Instrument) Voice(v int) *analog.Voice { return in.voices[v] }

// SetAllocated hands voice v to or from the synthesis layer. Voices disabled in
// the configuration stay unallocated; the request is ignored while a
// calibration routine owns the voices.
func (in *Instrument) SetAllocated(v int, a bool) {
	if in.params.VoiceDisabled(v) {
		a = false
	}
	in.allocated[v] = a
	if !in.calActive {
		in.voices[v].SetAllocated(a)
	}
}

func (in *Instrument) request(r uint32) {
	for {
		old := in.requests.Load()
		if in.requests.CompareAndSwap(old, old|r) {
			return
		}
	}
}

// SetTuning starts or stops auto-tune captures on every oscillator.
func (in *Instrument) SetTuning(on bool) {
	if on {
		in.request(reqTuneOn)
	} else {
		in.request(reqTuneOff)
	}
}

// SetTuningGain sets the drift corrector gain for every voice, replacing the
// per-voice configuration.
func (in *Instrument) SetTuningGain(g float32) {
	in.gainBits.Store(math.Float32bits(g))
	in.request(reqGain)
}

// SetTestMode puts every oscillator in Normal with fixed offsets.
func (in *Instrument) SetTestMode() { in.request(reqTestMode) }

// ReloadCalibration rereads every voice's calibration files on the worker.
func (in *Instrument) ReloadCalibration() { in.request(reqReload) }

// SaveCalibration writes every voice's .cal file on the worker.
func (in *Instrument) SaveCalibration() { in.request(reqSave) }

func (in *Instrument) StartMixCal() { in.request(reqMix) }

func (in *Instrument) StartMainVcaCal() { in.request(reqMain) }

func (in *Instrument) StartFilterCal() { in.request(reqFilter) }

// WriteCalInfo dumps the temperature proxies and the running flag.
func (in *Instrument) WriteCalInfo() { in.request(reqCalInfo) }

// CalibrationRunning reports whether a routine was running at the end of the
// last buffer, or one has been requested and not yet started.
func (in *Instrument) CalibrationRunning() bool {
	return in.running.Load() || in.requests.Load()&(reqMix|reqMain|reqFilter) != 0
}

// Routine is the active or last routine. Audio goroutine only.
func (in *Instrument) Routine() calseq.Routine { return in.seq.Routine() }

func (in *Instrument) applyRequests() {
	r := in.requests.Swap(0)
	if r == 0 {
		return
	}
	if r&reqGain != 0 {
		in.gain = math.Float32frombits(in.gainBits.Load())
		in.gainSet = true
		if !in.calActive {
			for _, v := range in.voices {
				v.SetTuningGain(in.gain)
			}
		}
	}
	if r&reqTestMode != 0 {
		for _, v := range in.voices {
			v.SetTestMode()
		}
	}
	if r&reqTuneOn != 0 {
		for _, v := range in.voices {
			v.StartTuning()
		}
	}
	if r&reqTuneOff != 0 {
		for _, v := range in.voices {
			v.StopTuning()
		}
	}
	if r&reqReload != 0 {
		for i, v := range in.voices {
			if !v.ReloadCalibration() {
				in.log.Warnf("voice %d reload refused, writer queue full", i)
			}
		}
	}
	if r&reqSave != 0 {
		for i, v := range in.voices {
			if !v.SaveCalibration() {
				in.log.Warnf("voice %d save refused, writer queue full", i)
			}
		}
	}
	switch {
	case r&reqMix != 0:
		in.beginCal()
		in.seq.StartMixCal()
	case r&reqMain != 0:
		in.beginCal()
		in.seq.StartMainVcaCal()
	case r&reqFilter != 0:
		in.beginCal()
		in.seq.StartFilterCal()
	}
	if r&reqCalInfo != 0 {
		in.submitCalInfo()
	}
}

func (in *Instrument) beginCal() {
	if in.calActive {
		return
	}
	in.calActive = true
	in.running.Store(true)
	for _, v := range in.voices {
		v.SetDisableMutes(true)
	}
}

// endCal hands the voices back to the synthesis layer as they were before the
// routine started.
func (in *Instrument) endCal() {
	in.calActive = false
	for i, v := range in.voices {
		v.SetAllocated(in.allocated[i])
		if in.gainSet {
			v.SetTuningGain(in.gain)
		} else {
			v.SetTuningGain(in.params.TuningGainFor(i))
		}
		v.SetDisableMutes(in.params.DisableMutes)
		v.ReEvaluateMutes()
	}
}

func (in *Instrument) submitCalInfo() {
	info := make([]float32, 0, analog.NumVoices+1)
	for _, v := range in.voices {
		info = append(info, v.TemperatureProxy())
	}
	var flag float32
	if in.calActive {
		flag = 1
	}
	info = append(info, flag)
	path := filepath.Join(in.params.TuningDir, CalInfoName)
	ok := in.sink.Submit(&persist.Job{
		Name: "write " + path,
		Run:  func() error { return fitcommon.WriteFloatDump(path, info) },
	})
	if !ok {
		in.log.Warnf("calibration info dropped, writer queue full")
	}
}

// Feedback delivers one buffer of raw period counts to the oscillators.
func (in *Instrument) Feedback(fb *[analog.FeedbackLen]float32) {
	for i, v := range in.voices {
		for k := 0; k < analog.OscsPerVoice; k++ {
			up, down := analog.FeedbackIndex(i, k)
			v.Feedback(k, fb[up], fb[down])
		}
	}
}

// Process runs one buffer. inputs are the synthesis layer's control values;
// left and right are the codec loopback from the previous buffer, nil when no
// loopback is wired, which calibration reads as silence; digital is
// the per-voice digital audio into the filters and is overwritten while a
// calibration routine runs. out receives each voice's multiplexed CV buffers.
func (in *Instrument) Process(inputs *[analog.NumVoices]analog.VoiceInput, left, right *[analog.BufferSize]float32,
	digital *[analog.NumVoices][analog.BufferSize]float32, out *[analog.NumVoices]analog.VoiceOutput) {
	in.applyRequests()

	src := inputs
	if in.calActive {
		if digital == nil {
			digital = &in.scratch
		}
		in.seq.Run(&calseq.Frame{Left: left, Right: right, Digital: digital, Inputs: &in.calInputs})
		if in.seq.Running() {
			src = &in.calInputs
		} else {
			in.endCal()
		}
	}

	for i, v := range in.voices {
		v.Process(&src[i], &out[i])
	}

	if in.outbox != nil {
		in.outbox.Pump()
	}
	in.running.Store(in.calActive)
}

// Close waits for queued file jobs to reach the disk and stops the worker. Call
// it after the last Process.
func (in *Instrument) Close(ctx context.Context) error {
	if in.worker == nil {
		return nil
	}
	for in.outbox.Len() > 0 {
		in.outbox.Pump()
		if in.outbox.Len() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return in.worker.Close(ctx)
}
