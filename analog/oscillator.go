package analog

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/diag"
)

// OscState is the lifecycle of an oscillator. Lock acquisition runs forward from
// Restart to Normal; the tuning states hang off Normal.
type OscState int

const (
	Restart OscState = iota
	FindSync
	FindSyncWait
	WarmUp
	Normal
	TuningMeasure
	TuningWait
)

func (s OscState) String() string {
	switch s {
	case Restart:
		return "restart"
	case FindSync:
		return "find-sync"
	case FindSyncWait:
		return "find-sync-wait"
	case WarmUp:
		return "warm-up"
	case Normal:
		return "normal"
	case TuningMeasure:
		return "tuning-measure"
	case TuningWait:
		return "tuning-wait"
	}
	return fmt.Sprintf("OscState(%d)", int(s))
}

const (
	ResetLevel   = 0.9999
	StartupLevel = -0.95
	WarmUpFreq   = 100.0

	// Feedback periods outside (MinPeriod, MaxPeriod) seconds are not trusted.
	MinPeriod = 1e-5
	MaxPeriod = 0.2

	// WatchdogLimit is the number of consecutive invalid or stale readings that
	// sends the oscillator back to FindSync.
	WatchdogLimit = 10 * CVSampleRate / 8

	InitialOffset  = -3.0
	TestModeOffset = -0.3

	warmUpGain    = 15.0
	defaultGain   = 1.0
	tuneGainScale = 20.0

	restartBuffers      = 150
	restartPulseBuffers = 50
	retryBuffers        = 300
	findSyncStep        = 0.02
	findSyncSettle      = BufferRate / 10
	findSyncWaitBuffers = BufferRate / 2
	warmUpBuffers       = BufferRate * 3 / 2
	minSyncPeriod       = 1.0 / 5000

	shapeCurve  = 3.0
	tempProxyHz = 500.0
)

var (
	warmUpLog2    = float32(math.Log2(WarmUpFreq))
	maxOscLog2    = float32(math.Log2(30000))
	freqHighClip  = float32(math.Log2(9000))
	freqLowClip   = float32(math.Log2(20))
	tempProxyLog2 = float32(math.Log2(tempProxyHz))

	upSearch   = OffsetSearch{Start: -2, Step: 0.03, Tolerance: 0.02, MaxIter: 1000}
	downSearch = OffsetSearch{Start: -2, Step: 0.01, Tolerance: 0.02, MaxIter: 1000}
)

// SplitShape maps a base log2 frequency and a shape in -1..1 onto the log2
// frequencies of the up and down halves. Shape 0 gives both halves freq+1; toward
// ±1 one half approaches the oscillator's maximum frequency and the other the
// base frequency.
func SplitShape(freq, shape float32) (up, down float32) {
	freq = clip(freq, freqLowClip, freqHighClip)
	edge := pow2Approx(freq - maxOscLog2)

	duty := float32(0.5)
	switch {
	case shape > 0:
		s := (8.0 / 7.0) * (1 - pow2Approx((1-shape)*shapeCurve)/8)
		duty = s/2 + 0.5
		if duty+edge > 1 {
			duty = 1 - edge
		}
	case shape < 0:
		s := -(8.0 / 7.0) * (1 - pow2Approx((1+shape)*shapeCurve)/8)
		duty = s/2 + 0.5
		if duty < edge {
			duty = edge
		}
	}
	return freq - log2f(duty), freq - log2f(1-duty)
}

type oscHalf struct {
	model  VoltageModel
	loop   Integrator
	level  float32 // output while searching for oscillation
	period float32 // last feedback period, seconds
	avg    float32 // mean commanded log2 frequency over the last buffer
	prev   float32
	last   float32 // last value written
}

// OscConfig identifies an oscillator and wires its collaborators.
type OscConfig struct {
	Voice     int
	Index     int
	TuningDir string
	Sink      Sink
	Log       diag.Logger
	Seed      int64 // auto-tune point generator; 0 derives one from Voice and Index
}

// Oscillator locks one analog oscillator and keeps it tracking the commanded
// pitch. It is driven once per buffer by Run, and Feedback delivers the hardware
// period readings.
type Oscillator struct {
	voice, index int
	muxUp        int
	muxDown      int

	state   OscState
	counter int

	up, down   oscHalf
	activity   PitchActivity
	normalGain float32

	valid         bool
	invalidCount  int
	lastCountUp   float32
	lastCountDown float32
	fresh         bool

	synced   bool
	disabled bool
	tuning   bool
	tune     tuneRun

	tuningDir string
	sink      Sink
	log       diag.Logger
}

func NewOscillator(cfg OscConfig) *Oscillator {
	o := &Oscillator{
		voice:      cfg.Voice,
		index:      cfg.Index,
		muxUp:      Cv0Osc1Up + 2*cfg.Index,
		muxDown:    Cv0Osc1Down + 2*cfg.Index,
		state:      Restart,
		counter:    restartBuffers,
		normalGain: defaultGain,
		tuningDir:  cfg.TuningDir,
		sink:       sinkOrInline(cfg.Sink, cfg.Log),
		log:        diag.OrNop(cfg.Log),
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = int64(cfg.Voice*OscsPerVoice+cfg.Index) + 1
	}
	o.tune.rng = rand.New(rand.NewSource(seed))
	for _, h := range []*oscHalf{&o.up, &o.down} {
		h.model = DefaultVoltageModel()
		h.loop = NewIntegrator(InitialOffset, defaultGain)
		h.level = StartupLevel
		h.last = StartupLevel
		h.prev = 10
	}
	return o
}

func (o *Oscillator) State() OscState { return o.state }

func (o *Oscillator) IsNormal() bool { return o.state == Normal }

// Offsets returns the tracking offsets of the up and down halves.
func (o *Oscillator) Offsets() (up, down float32) { return o.up.loop.State, o.down.loop.State }

// Outputs returns the last control voltages written for each half.
func (o *Oscillator) Outputs() (up, down float32) { return o.up.last, o.down.last }

func (o *Oscillator) Models() (up, down VoltageModel) { return o.up.model, o.down.model }

func (o *Oscillator) SetModels(up, down VoltageModel) {
	o.up.model = up
	o.down.model = down
}

// SetDisabled holds the oscillator at the startup level and ignores feedback.
func (o *Oscillator) SetDisabled(disabled bool) { o.disabled = disabled }

func (o *Oscillator) Disabled() bool { return o.disabled }

// SetSynced marks the oscillator as hard-synced; its feedback is then ignored.
func (o *Oscillator) SetSynced(synced bool) { o.synced = synced }

func (o *Oscillator) StartTuning() { o.tuning = true }

func (o *Oscillator) StopTuning() { o.tuning = false }

func (o *Oscillator) Tuning() bool { return o.tuning }

// SetTuningGain sets the drift corrector gain used in Normal.
func (o *Oscillator) SetTuningGain(gain float32) {
	o.normalGain = gain * tuneGainScale
	if o.state == Normal {
		o.setGain(o.normalGain)
	}
}

// SetTestMode puts the oscillator straight into Normal with fixed offsets and the
// corrector switched off.
func (o *Oscillator) SetTestMode() {
	o.state = Normal
	o.up.loop.State = TestModeOffset
	o.down.loop.State = TestModeOffset
	o.setGain(0)
}

// TemperatureProxy is the up half's model voltage at 500 Hz with the current
// tracking offset. Drift in the offset follows die temperature.
func (o *Oscillator) TemperatureProxy() float32 {
	return o.up.model.Voltage(tempProxyLog2, tempProxyLog2, o.up.loop.State)
}

func (o *Oscillator) setGain(g float32) {
	o.up.loop.Gain = g
	o.down.loop.Gain = g
}

// Feedback takes one pair of raw period counts.
func (o *Oscillator) Feedback(countUp, countDown float32) {
	o.fresh = true
	if o.disabled {
		return
	}
	o.up.period = countUp * CountScale
	o.down.period = countDown * CountScale
	if o.synced {
		return
	}
	if !periodValid(o.up.period) || !periodValid(o.down.period) {
		o.valid = false
		o.invalidCount++
		return
	}
	o.valid = true

	if countUp == o.lastCountUp && countDown == o.lastCountDown {
		o.invalidCount++
	} else {
		o.invalidCount = 0
	}
	o.lastCountUp = countUp
	o.lastCountDown = countDown

	if o.state == Normal || o.state == WarmUp {
		o.correct()
	}
}

func periodValid(p float32) bool {
	return p > MinPeriod && p < MaxPeriod
}

func (o *Oscillator) correct() {
	if !o.activity.Settle(o.state == Normal) {
		return
	}
	o.up.loop.Step(o.up.avg + log2f(o.up.period))
	o.down.loop.Step(o.down.avg + log2f(o.down.period))
}

// Run writes one buffer of control voltages for both halves into out, a voice's
// oscillator/mixer buffer.
func (o *Oscillator) Run(pitch, shape *[CVBufferSize]float32, out *[BufferSize]float32) {
	if o.disabled {
		o.fill(out, StartupLevel, StartupLevel)
		o.fresh = false
		return
	}

	switch o.state {
	case Restart:
		o.runRestart(out)
	case FindSync:
		o.runFindSync(out)
	case FindSyncWait:
		o.counter--
		if o.counter <= 0 {
			o.state = WarmUp
			o.counter = warmUpBuffers
		}
		o.fill(out, o.up.level, o.down.level)
	case WarmUp:
		o.runWarmUp(out)
	case Normal:
		o.runNormal(pitch, shape, out)
	case TuningMeasure:
		o.runTuningMeasure(out)
	case TuningWait:
		o.runTuningWait(out)
	}

	if o.invalidCount > WatchdogLimit {
		o.log.Warnf("voice %d osc %d: feedback lost in %s, searching again", o.voice, o.index, o.state)
		o.state = FindSync
		o.invalidCount = 0
		o.counter = retryBuffers
	}
	o.fresh = false
}

func (o *Oscillator) runRestart(out *[BufferSize]float32) {
	o.counter--
	if o.counter > restartPulseBuffers {
		o.fill(out, StartupLevel, StartupLevel)
	} else {
		o.fill(out, ResetLevel, ResetLevel)
	}
	if o.counter <= 0 {
		o.up.level = StartupLevel
		o.down.level = StartupLevel
		o.fill(out, StartupLevel, StartupLevel)
		o.state = FindSync
		o.counter = findSyncSettle
	}
}

func halfTooSlow(period float32) bool {
	return period < minSyncPeriod || 1/period < WarmUpFreq
}

func (o *Oscillator) runFindSync(out *[BufferSize]float32) {
	if o.counter < 0 {
		upLow := halfTooSlow(o.up.period)
		downLow := halfTooSlow(o.down.period)

		if o.up.level > ResetLevel || o.down.level > ResetLevel {
			o.state = Restart
			o.counter = retryBuffers
			o.fill(out, o.up.level, o.down.level)
			return
		}

		if upLow || downLow || !o.valid {
			if upLow {
				o.up.level += findSyncStep
				o.counter = findSyncSettle
			}
			if downLow {
				o.down.level += findSyncStep
				o.counter = findSyncSettle
			}
		} else {
			o.seedOffsets()
			o.state = FindSyncWait
			o.counter = findSyncWaitBuffers
		}
	}
	o.counter--
	o.fill(out, o.up.level, o.down.level)
}

// seedOffsets inverts the models at the warm-up frequency so the corrector starts
// from the offsets that reproduce the levels where oscillation was found.
func (o *Oscillator) seedOffsets() {
	for _, h := range []struct {
		half *oscHalf
		s    OffsetSearch
	}{{&o.up, upSearch}, {&o.down, downSearch}} {
		t, iters, ok := h.half.model.SolveOffset(h.half.level, warmUpLog2, warmUpLog2, h.s)
		if !ok {
			o.log.Warnf("voice %d osc %d: offset search stopped after %d steps", o.voice, o.index, iters)
		}
		h.half.loop.State = t
		h.half.level = h.half.model.Voltage(warmUpLog2, warmUpLog2, t)
	}
}

func (o *Oscillator) runWarmUp(out *[BufferSize]float32) {
	o.setGain(warmUpGain)
	o.counter--
	vUp := o.up.model.Voltage(warmUpLog2, warmUpLog2, o.up.loop.State)
	vDown := o.down.model.Voltage(warmUpLog2, warmUpLog2, o.down.loop.State)
	o.fill(out, vUp, vDown)
	o.up.avg = warmUpLog2
	o.down.avg = warmUpLog2
	if o.counter <= 0 {
		o.setGain(o.normalGain)
		o.state = Normal
		o.log.Infof("voice %d osc %d: tracking", o.voice, o.index)
	}
}

// Voltages returns the control voltages and half frequencies for a base log2
// frequency and shape with the current tracking offsets.
func (o *Oscillator) Voltages(freq, shape float32) (vUp, vDown, fUp, fDown float32) {
	fUp, fDown = SplitShape(freq, shape)
	vUp = o.up.model.Voltage(fUp, fDown, o.up.loop.State)
	vDown = o.down.model.Voltage(fDown, fUp, o.down.loop.State)
	return vUp, vDown, fUp, fDown
}

func (o *Oscillator) runNormal(pitch, shape *[CVBufferSize]float32, out *[BufferSize]float32) {
	if o.tuning {
		o.state = TuningMeasure
		o.setGain(0)
	}
	var sumUp, sumDown float32
	for i := 0; i < CVBufferSize; i++ {
		vUp, vDown, fUp, fDown := o.Voltages(pitch[i]*NoteGain, shape[i])
		o.up.last = safe(vUp)
		o.down.last = safe(vDown)
		out[MuxIndex(i, o.muxUp)] = o.up.last
		out[MuxIndex(i, o.muxDown)] = o.down.last

		o.activity.Add(absf(o.up.prev-fUp) + absf(o.down.prev-fDown))
		o.up.prev = fUp
		o.down.prev = fDown
		sumUp += fUp
		sumDown += fDown
	}
	o.up.avg = sumUp / CVBufferSize
	o.down.avg = sumDown / CVBufferSize
}

func (o *Oscillator) fill(out *[BufferSize]float32, up, down float32) {
	o.up.last = safe(up)
	o.down.last = safe(down)
	for i := 0; i < CVBufferSize; i++ {
		out[MuxIndex(i, o.muxUp)] = o.up.last
		out[MuxIndex(i, o.muxDown)] = o.down.last
	}
}

func (o *Oscillator) hold(out *[BufferSize]float32) {
	o.fill(out, o.up.last, o.down.last)
}
