package analog

import (
	"sync/atomic"

	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/diag"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/persist"
)

const (
	idlePitch      = 1.2
	autoMuteThresh = 1e-4
)

// VoiceInput is one buffer of control values for a voice, at the CV rate. The
// synthesis engine owns and fills it; per-oscillator and per-mixer arrays are
// indexed by oscillator number.
type VoiceInput struct {
	Pitch     [OscsPerVoice][CVBufferSize]float32
	Shape     [OscsPerVoice][CVBufferSize]float32
	TriLevel  [OscsPerVoice][CVBufferSize]float32
	SqrLevel  [OscsPerVoice][CVBufferSize]float32
	XorLevel  [CVBufferSize]float32
	FilterCut [CVBufferSize]float32
	FilterRes [CVBufferSize]float32
	VcaL      [CVBufferSize]float32
	VcaR      [CVBufferSize]float32

	HardSync  [CVBufferSize]bool
	SubOsc    [CVBufferSize]bool
	Overdrive [CVBufferSize]bool
	Mute      [4][CVBufferSize]bool

	Filter2Pole bool

	// LastAllocated marks the voice the synthesis layer allocated most
	// recently. It may auto-mute without a ReEvaluateMutes.
	LastAllocated bool
}

// VoiceOutput is a voice's pair of multiplexed output buffers.
type VoiceOutput struct {
	Osc [BufferSize]float32 // oscillator and mixer CVs
	Ctl [BufferSize]float32 // filter, VCA and control bits
}

// VoiceConfig locates a voice's calibration and wires its collaborators.
type VoiceConfig struct {
	Index     int
	CalDir    string
	TuningDir string
	Sink      Sink
	Log       diag.Logger
}

// Voice owns one analog voice circuit: two oscillators, the filter and seven
// VCAs. All methods except ReloadCalibration's worker job run on the audio
// goroutine.
type Voice struct {
	index int

	osc    [OscsPerVoice]*Oscillator
	filter *Filter
	tri    [OscsPerVoice]Vca
	sqr    [OscsPerVoice]Vca
	xor    Vca
	left   Vca
	right  Vca

	blacklist    bool
	allocated    bool
	muteAllowed  bool
	disableMutes bool
	mainMuteL    bool
	mainMuteR    bool
	lastBits     uint32

	idle    VoiceInput
	pending atomic.Pointer[voiceCal]

	calDir string
	sink   Sink
	log    diag.Logger
}

// NewVoice builds a voice and loads its calibration. Missing or malformed files
// leave defaults in place and are reported through cfg.Log.
func NewVoice(cfg VoiceConfig) *Voice {
	log := diag.OrNop(cfg.Log)
	v := &Voice{
		index:  cfg.Index,
		filter: NewFilter(),
		tri:    [OscsPerVoice]Vca{NewVca(Cv0MixOsc1Tri, false), NewVca(Cv0MixOsc2Tri, true)},
		sqr:    [OscsPerVoice]Vca{NewVca(Cv0MixOsc1Sqr, false), NewVca(Cv0MixOsc2Sqr, true)},
		xor:    NewVca(Cv1MixXor, false),
		left:   NewVca(Cv1AmpL, false),
		right:  NewVca(Cv1AmpR, false),
		calDir: cfg.CalDir,
		sink:   sinkOrInline(cfg.Sink, log),
		log:    log,
	}
	for k := range v.osc {
		v.osc[k] = NewOscillator(OscConfig{
			Voice:     cfg.Index,
			Index:     k,
			TuningDir: cfg.TuningDir,
			Sink:      v.sink,
			Log:       log,
		})
	}
	for k := 0; k < OscsPerVoice; k++ {
		for i := 0; i < CVBufferSize; i++ {
			v.idle.Pitch[k][i] = idlePitch
		}
	}
	v.applyCal(loadVoiceCal(cfg.CalDir, cfg.Index, log))
	return v
}

func (v *Voice) Index() int { return v.index }

func (v *Voice) Osc(k int) *Oscillator { return v.osc[k] }

func (v *Voice) Filter() *Filter { return v.filter }

func (v *Voice) Blacklisted() bool { return v.blacklist }

func (v *Voice) SetAllocated(a bool) { v.allocated = a }

func (v *Voice) Allocated() bool { return v.allocated }

// ReEvaluateMutes allows the auto-mute to engage again on the next silent buffer.
func (v *Voice) ReEvaluateMutes() { v.muteAllowed = true }

func (v *Voice) SetDisableMutes(d bool) { v.disableMutes = d }

func (v *Voice) SetMainOutMute(l, r bool) {
	v.mainMuteL = l
	v.mainMuteR = r
}

// LastBits returns the control bit field written in the last buffer.
func (v *Voice) LastBits() uint32 { return v.lastBits }

// Feedback delivers the period counts of oscillator k.
func (v *Voice) Feedback(k int, countUp, countDown float32) {
	v.osc[k].Feedback(countUp, countDown)
}

// TemperatureProxy averages the oscillators' proxies.
func (v *Voice) TemperatureProxy() float32 {
	var sum float32
	for _, o := range v.osc {
		sum += o.TemperatureProxy()
	}
	return sum / OscsPerVoice
}

func (v *Voice) StartTuning() {
	for _, o := range v.osc {
		o.StartTuning()
	}
}

func (v *Voice) StopTuning() {
	for _, o := range v.osc {
		o.StopTuning()
	}
}

func (v *Voice) SetTuningGain(g float32) {
	for _, o := range v.osc {
		o.SetTuningGain(g)
	}
}

func (v *Voice) SetTestMode() {
	for _, o := range v.osc {
		o.SetTestMode()
	}
}

// SetMixVcaOffsets commits mixer trims found by the calibration search. The
// values are the levels each VCA must add at zero input.
func (v *Voice) SetMixVcaOffsets(tri0, tri1, sqr0, sqr1, xor float32) {
	v.tri[0].SetOffset(tri0)
	v.tri[1].SetOffset(-tri1)
	v.sqr[0].SetOffset(sqr0)
	v.sqr[1].SetOffset(-sqr1)
	v.xor.SetOffset(xor)
}

func (v *Voice) SetMainVcaOffsets(l, r float32) {
	v.left.SetOffset(l)
	v.right.SetOffset(r)
}

// MainVcaOffsets returns the left and right output trims.
func (v *Voice) MainVcaOffsets() (l, r float32) { return v.left.Offset(), v.right.Offset() }

func (v *Voice) FilterCal() FilterCal { return v.filter.Cal() }

func (v *Voice) SetFilterCal(c FilterCal) { v.filter.SetCal(c) }

// CalRecord snapshots the persisted calibration.
func (v *Voice) CalRecord() CalRecord {
	return CalRecord{
		Mix: MixTrims{
			Tri0: v.tri[0].Offset(),
			Sqr0: v.sqr[0].Offset(),
			Tri1: v.tri[1].Offset(),
			Sqr1: v.sqr[1].Offset(),
			Xor:  v.xor.Offset(),
		},
		MainL:     v.left.Offset(),
		MainR:     v.right.Offset(),
		Filter:    v.filter.Cal(),
		Blacklist: v.blacklist,
	}
}

// SaveCalibration queues a write of voice_N.cal.
func (v *Voice) SaveCalibration() bool {
	rec := v.CalRecord()
	path := CalPath(v.calDir, v.index)
	return v.sink.Submit(&persist.Job{
		Name: "save " + path,
		Run:  func() error { return WriteCalFile(path, rec) },
	})
}

// ReloadCalibration reads the calibration files on the background writer; the
// result is applied at the start of the next Process call.
func (v *Voice) ReloadCalibration() bool {
	dir, idx, log := v.calDir, v.index, v.log
	return v.sink.Submit(&persist.Job{
		Name: "reload voice calibration",
		Run: func() error {
			c := loadVoiceCal(dir, idx, log)
			v.pending.Store(&c)
			return nil
		},
	})
}

// Process renders one buffer. Oscillator tracking runs first so the filter sees
// the current temperature proxy.
func (v *Voice) Process(in *VoiceInput, out *VoiceOutput) {
	if c := v.pending.Swap(nil); c != nil {
		v.applyCal(*c)
	}

	active := v.allocated && !v.blacklist
	if !active {
		in = &v.idle
	}

	v.osc[1].SetSynced(active && in.HardSync[0] && v.osc[1].IsNormal())
	for k, o := range v.osc {
		o.Run(&in.Pitch[k], &in.Shape[k], &out.Osc)
	}

	v.filter.SetTemp(v.TemperatureProxy())
	v.filter.Run(&in.FilterCut, &in.FilterRes, &out.Ctl)

	for k := 0; k < OscsPerVoice; k++ {
		v.tri[k].Run(&in.TriLevel[k], &out.Osc)
		v.sqr[k].Run(&in.SqrLevel[k], &out.Osc)
	}
	v.xor.Run(&in.XorLevel, &out.Ctl)
	sumL := v.left.Run(&in.VcaL, &out.Ctl)
	sumR := v.right.Run(&in.VcaR, &out.Ctl)

	for i := 0; i < CVBufferSize; i++ {
		out.Ctl[MuxIndex(i, Cv1Drive)] = 0
		out.Ctl[MuxIndex(i, Cv1Unused)] = 0
	}

	if !active || !v.osc[0].IsNormal() || !v.osc[1].IsNormal() {
		v.writeBits(out, func(int) uint32 { return DisableVoiceBits })
		return
	}

	v.muteAllowed = (v.muteAllowed || in.LastAllocated) && !v.disableMutes
	mute := absf(sumL)+absf(sumR) < autoMuteThresh && v.muteAllowed
	v.muteAllowed = mute

	v.writeBits(out, func(i int) uint32 {
		var bits uint32
		set := func(on bool, bit uint) {
			if on {
				bits |= 1 << bit
			}
		}
		set(in.Mute[0][i] || mute, BitVoiceMuteL)
		set(in.Mute[1][i] || mute, BitVoiceMuteR)
		set(in.Mute[2][i] || mute, BitVoiceMute3)
		set(in.Mute[3][i] || mute, BitVoiceMute4)
		set(in.HardSync[i], BitHardSync)
		set(in.Overdrive[i], BitDriveEnN)
		set(!in.SubOsc[i], BitSubOscEnN)
		set(v.mainMuteL, BitMixMuteL)
		set(v.mainMuteR, BitMixMuteR)
		set(in.Filter2Pole, BitFilterType)
		return bits
	})
}

func (v *Voice) writeBits(out *VoiceOutput, bits func(i int) uint32) {
	for i := 0; i < CVBufferSize; i++ {
		b := bits(i)
		v.lastBits = b
		out.Ctl[MuxIndex(i, Cv1BitArray)] = EncodeBits(b)
	}
}

// voiceCal is everything read from a voice's calibration files.
type voiceCal struct {
	models    [OscsPerVoice][2]VoltageModel
	haveModel [OscsPerVoice]bool

	rec     CalRecord
	haveRec bool

	filterA, filterC, baseTemp float32
	haveFilterModel            bool
}

func loadVoiceCal(dir string, voice int, log diag.Logger) voiceCal {
	var c voiceCal
	for k := 0; k < OscsPerVoice; k++ {
		up, down, err := ReadModelFile(ModelPath(dir, voice, k))
		if err != nil {
			log.Warnf("voice %d osc %d running uncalibrated: %v", voice, k, err)
			continue
		}
		c.models[k] = [2]VoltageModel{up, down}
		c.haveModel[k] = true
	}

	rec, err := ReadCalFile(CalPath(dir, voice))
	if err != nil {
		log.Warnf("voice %d using default trims: %v", voice, err)
	} else {
		c.rec = rec
		c.haveRec = true
	}

	a, cc, base, err := ReadFilterModel(FilterModelPath(dir, voice))
	if err != nil {
		log.Warnf("voice %d using default filter model: %v", voice, err)
	} else {
		c.filterA, c.filterC, c.baseTemp = a, cc, base
		c.haveFilterModel = true
	}
	return c
}

func (v *Voice) applyCal(c voiceCal) {
	for k, o := range v.osc {
		if c.haveModel[k] {
			o.SetModels(c.models[k][0], c.models[k][1])
		}
	}

	fc := v.filter.Cal()
	if c.haveRec {
		r := c.rec
		v.tri[0].SetOffset(r.Mix.Tri0)
		v.sqr[0].SetOffset(r.Mix.Sqr0)
		v.tri[1].SetOffset(r.Mix.Tri1)
		v.sqr[1].SetOffset(r.Mix.Sqr1)
		v.xor.SetOffset(r.Mix.Xor)
		v.left.SetOffset(r.MainL)
		v.right.SetOffset(r.MainR)

		a, cc, base := fc.A, fc.C, fc.BaseTemp
		fc = r.Filter
		fc.A, fc.C, fc.BaseTemp = a, cc, base

		v.blacklist = r.Blacklist
		for _, o := range v.osc {
			o.SetDisabled(r.Blacklist)
		}
		if r.Blacklist {
			v.log.Warnf("voice %d is blacklisted", v.index)
		}
	}
	if c.haveFilterModel {
		fc.A, fc.C, fc.BaseTemp = c.filterA, c.filterC, c.baseTemp
	}
	v.filter.SetCal(fc)
}
