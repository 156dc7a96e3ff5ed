// Package sim is a behavioural model of the twelve analog voice boards: the
// oscillator cores with their period counters, the mixer and output VCAs, the
// resonant filter and the AC-coupled loopback into the codec. It stands in for
// hardware when closing the calibration loops offline.
package sim

import (
	"math"
	"math/rand"

	"github.com/cwbudde/algo-approx"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/dsp"
)

// Config shapes the simulated circuit. Spreads are the widths of the uniform
// distributions the hidden per-part values are drawn from.
type Config struct {
	Seed int64

	// TempCoeff is the oscillator tracking offset shift per unit of plant
	// temperature.
	TempCoeff  float32
	TempDrift  float32 // peak of the slow temperature swing
	TempPeriod float64 // seconds

	ModelSpread  float32 // relative spread of the voltage model slopes
	OffsetSpread float32 // spread of the tracking offsets
	MixLeak      float32 // spread of the mixer VCA zero points
	MainLeak     float32 // spread of the output VCA zero points
	FilterSpread float32 // relative spread of the filter slope and intercept

	FeedbackNoise float32 // relative jitter of the period readings
	LoopbackDelay int     // samples between the voice outputs and the codec
	DCBlock       float32 // loopback DC blocker pole
	CodecHz       float64 // loopback anti-alias corner
}

func DefaultConfig() Config {
	return Config{
		Seed:          1,
		TempCoeff:     0.02,
		TempDrift:     0,
		TempPeriod:    600,
		ModelSpread:   0.03,
		OffsetSpread:  0.06,
		MixLeak:       0.004,
		MainLeak:      0.001,
		FilterSpread:  0.05,
		FeedbackNoise: 2e-5,
		DCBlock:       0.9995,
		CodecHz:       30000,
	}
}

const (
	baseOffset  = -1.05
	minOscLog2  = 3.321928 // 10 Hz; slower cores are reported as stopped
	solverSteps = 28
	newtonSteps = 4
	newtonTol   = 1e-5
)

var maxOscLog2 = float32(math.Log2(30000))

// MixZeros are the control voltages that close each mixer VCA.
type MixZeros struct {
	Tri0, Tri1, Sqr0, Sqr1, Xor float32
}

type core struct {
	model  analog.VoltageModel
	offset float32
	freq   float32 // log2 Hz; 0 when stopped
}

type oscillator struct {
	up, down core
	phase    float64
	inc      float64 // cycles per sample; 0 when either core is stopped
	duty     float64
	sqr      float32
	tri      float32
}

type board struct {
	osc      [analog.OscsPerVoice]oscillator
	mix      MixZeros
	mainL    float32
	mainR    float32
	filterA  float32
	filterC  float32
	filter   ladder
	lastBits uint32
}

// Plant is the simulated hardware. It is driven once per buffer by Step and is
// not safe for concurrent use.
type Plant struct {
	cfg    Config
	boards [analog.NumVoices]board
	rng    *rand.Rand

	baseTemp float32
	temp     float32
	elapsed  float64

	coupleL, coupleR coupler
	delayL, delayR   *dsp.DelayLine
}

func NewPlant(cfg Config) *Plant {
	p := &Plant{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		coupleL: newCoupler(cfg.DCBlock, cfg.CodecHz),
		coupleR: newCoupler(cfg.DCBlock, cfg.CodecHz),
	}
	if cfg.LoopbackDelay > 0 {
		p.delayL = dsp.NewDelayLine(cfg.LoopbackDelay + 1)
		p.delayR = dsp.NewDelayLine(cfg.LoopbackDelay + 1)
	}
	for v := range p.boards {
		b := &p.boards[v]
		for k := range b.osc {
			b.osc[k].up = p.newCore()
			b.osc[k].down = p.newCore()
		}
		b.mix = MixZeros{
			Tri0: p.spread(cfg.MixLeak),
			Tri1: p.spread(cfg.MixLeak),
			Sqr0: p.spread(cfg.MixLeak),
			Sqr1: p.spread(cfg.MixLeak),
			Xor:  p.spread(cfg.MixLeak),
		}
		b.mainL = p.spread(cfg.MainLeak)
		b.mainR = p.spread(cfg.MainLeak)
		def := analog.DefaultFilterCal()
		b.filterA = def.A * (1 + p.spread(cfg.FilterSpread))
		b.filterC = def.C * (1 + p.spread(cfg.FilterSpread))
		b.filter.set(float64(analog.CutoffHz(0)), 0)
	}
	return p
}

// spread draws from [-w, w].
func (p *Plant) spread(w float32) float32 {
	return w * (2*p.rng.Float32() - 1)
}

func (p *Plant) newCore() core {
	m := analog.DefaultVoltageModel()
	m.A *= 1 + p.spread(p.cfg.ModelSpread)
	m.B *= 1 + p.spread(p.cfg.ModelSpread)
	return core{model: m, offset: baseOffset + p.spread(p.cfg.OffsetSpread)}
}

// Temperature is the current plant temperature.
func (p *Plant) Temperature() float32 { return p.temp }

// SetTemperature sets the centre of the temperature swing.
func (p *Plant) SetTemperature(t float32) {
	p.baseTemp = t
	p.updateTemp()
}

func (p *Plant) updateTemp() {
	p.temp = p.baseTemp
	if p.cfg.TempDrift != 0 && p.cfg.TempPeriod > 0 {
		p.temp += p.cfg.TempDrift * float32(math.Sin(2*math.Pi*p.elapsed/p.cfg.TempPeriod))
	}
}

// TrueModels returns oscillator k's hidden voltage models and its tracking
// offsets at the current temperature.
func (p *Plant) TrueModels(voice, k int) (up, down analog.VoltageModel, offUp, offDown float32) {
	o := &p.boards[voice].osc[k]
	shift := p.cfg.TempCoeff * p.temp
	return o.up.model, o.down.model, o.up.offset + shift, o.down.offset + shift
}

// Frequencies returns the log2 frequencies oscillator k's halves ran at in the
// last buffer. Zero means the core was stopped.
func (p *Plant) Frequencies(voice, k int) (up, down float32) {
	o := &p.boards[voice].osc[k]
	return o.up.freq, o.down.freq
}

func (p *Plant) MixZeros(voice int) MixZeros { return p.boards[voice].mix }

func (p *Plant) MainZeros(voice int) (l, r float32) {
	return p.boards[voice].mainL, p.boards[voice].mainR
}

// FilterTruth returns the slope and intercept of voice's cutoff response at
// zero temperature, in the terms of analog.FilterCal.
func (p *Plant) FilterTruth(voice int) (a, c float32) {
	return p.boards[voice].filterA, p.boards[voice].filterC
}

// LastBits is the control bit field voice wrote in its last CV sample.
func (p *Plant) LastBits(voice int) uint32 { return p.boards[voice].lastBits }

// solve finds the log2 frequency at which a core's control voltage equals cv,
// given the complementary half's frequency. It returns 0 when cv is below the
// oscillation threshold. Newton steps start from the last frequency; bisection
// takes over when they leave the range or fail to settle.
func solve(c *core, cv, cross, offset float32) float32 {
	lo, hi := float32(minOscLog2), maxOscLog2
	if c.model.Voltage(lo, cross, offset) > cv {
		return 0
	}
	if c.model.Voltage(hi, cross, offset) <= cv {
		return hi
	}
	if f := c.freq; f > lo && f < hi {
		for i := 0; i < newtonSteps; i++ {
			step := (c.model.Voltage(f, cross, offset) - cv) / slope(&c.model, f, offset)
			f -= step
			if f <= lo || f >= hi {
				break
			}
			if absf(step) < newtonTol {
				return f
			}
		}
	}
	for i := 0; i < solverSteps; i++ {
		mid := (lo + hi) / 2
		if c.model.Voltage(mid, cross, offset) > cv {
			hi = mid
		} else {
			lo = mid
		}
	}
	return (lo + hi) / 2
}

// slope is dV/df1 of m at f1.
func slope(m *analog.VoltageModel, f1, t float32) float32 {
	const ln2 = math.Ln2
	hz := float32(math.Exp2(float64(f1)))
	den := hz + m.J
	return m.A*t + m.B + m.D*ln2*hz + 2*m.H*f1 + 3*m.G*f1*f1 - 0.001*ln2*hz/(den*den)
}

func absf(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

// count converts a half period into a raw counter reading.
func (p *Plant) count(freq float32) float32 {
	if freq == 0 {
		return 0
	}
	period := float32(math.Exp2(float64(-freq)))
	if p.cfg.FeedbackNoise > 0 {
		period *= 1 + p.cfg.FeedbackNoise*float32(p.rng.NormFloat64())
	}
	return period / analog.CountScale
}

func pow2(x float32) float32 {
	const ln2 = 0.69314718055994530942
	return approx.FastExp(x * ln2)
}

// Step runs one buffer. out is what the voices wrote, digital the per-voice
// digital audio into the filters. fb receives the period readings and left and
// right the codec input.
func (p *Plant) Step(out *[analog.NumVoices]analog.VoiceOutput, digital *[analog.NumVoices][analog.BufferSize]float32,
	fb *[analog.FeedbackLen]float32, left, right *[analog.BufferSize]float32) {
	p.updateTemp()
	shift := p.cfg.TempCoeff * p.temp

	var sumL, sumR [analog.BufferSize]float32
	for v := range p.boards {
		b := &p.boards[v]
		o := &out[v]
		for k := range b.osc {
			p.tune(&b.osc[k], o, k, shift)
			up, down := analog.FeedbackIndex(v, k)
			fb[up] = p.count(b.osc[k].up.freq)
			fb[down] = p.count(b.osc[k].down.freq)
		}
		var dig *[analog.BufferSize]float32
		if digital != nil {
			dig = &digital[v]
		}
		p.render(b, o, dig, shift, &sumL, &sumR)
	}

	for i := 0; i < analog.BufferSize; i++ {
		l := p.coupleL.process(sumL[i])
		r := p.coupleR.process(sumR[i])
		if p.delayL != nil {
			p.delayL.Write(l)
			p.delayR.Write(r)
			l = p.delayL.Read(p.cfg.LoopbackDelay + 1)
			r = p.delayR.Read(p.cfg.LoopbackDelay + 1)
		}
		left[i] = l
		right[i] = r
	}
	p.elapsed += float64(analog.BufferSize) / analog.SampleRate
}

// tune settles oscillator k on the last control voltages of the buffer.
func (p *Plant) tune(osc *oscillator, o *analog.VoiceOutput, k int, shift float32) {
	last := analog.CVBufferSize - 1
	cvUp := o.Osc[analog.MuxIndex(last, analog.Cv0Osc1Up+2*k)]
	cvDown := o.Osc[analog.MuxIndex(last, analog.Cv0Osc1Down+2*k)]
	crossUp, crossDown := osc.down.freq, osc.up.freq
	if crossUp == 0 {
		crossUp = minOscLog2
	}
	if crossDown == 0 {
		crossDown = minOscLog2
	}
	osc.up.freq = solve(&osc.up, cvUp, crossUp, osc.up.offset+shift)
	osc.down.freq = solve(&osc.down, cvDown, crossDown, osc.down.offset+shift)

	osc.inc = 0
	if osc.up.freq == 0 || osc.down.freq == 0 {
		return
	}
	tUp := float64(pow2(-osc.up.freq))
	period := tUp + float64(pow2(-osc.down.freq))
	osc.duty = tUp / period
	osc.inc = 1 / (period * analog.SampleRate)
}

// advance moves an oscillator one sample and updates its waveforms. It reports
// whether the cycle wrapped.
func (osc *oscillator) advance() bool {
	if osc.inc == 0 {
		return false
	}
	duty := osc.duty
	osc.phase += osc.inc
	wrapped := osc.phase >= 1
	if wrapped {
		osc.phase -= math.Floor(osc.phase)
	}
	if osc.phase < duty {
		osc.sqr = 1
		osc.tri = float32(2*osc.phase/duty - 1)
	} else {
		osc.sqr = -1
		osc.tri = float32(1 - 2*(osc.phase-duty)/(1-duty))
	}
	return wrapped
}

func (osc *oscillator) reset() {
	osc.phase = 0
}

// render mixes one voice into the output sums.
func (p *Plant) render(b *board, o *analog.VoiceOutput, dig *[analog.BufferSize]float32, shift float32, sumL, sumR *[analog.BufferSize]float32) {
	var bits [analog.CVBufferSize]uint32
	silent := true
	for s := range bits {
		bits[s] = analog.DecodeBits(o.Ctl[analog.MuxIndex(s, analog.Cv1BitArray)])
		if !mutedL(bits[s]) || !mutedR(bits[s]) {
			silent = false
		}
	}
	b.lastBits = bits[analog.CVBufferSize-1]
	if silent {
		return
	}

	last := analog.CVBufferSize - 1
	cut := o.Ctl[analog.MuxIndex(last, analog.Cv1FilterCut)]
	res := o.Ctl[analog.MuxIndex(last, analog.Cv1FilterRes)]
	x := (cut - b.filterC - analog.FilterTempOffset*shift) / (b.filterA + analog.FilterTempGain*shift)
	b.filter.set(float64(analog.CutoffHz(x)), res)

	for i := 0; i < analog.BufferSize; i++ {
		s := i / analog.CVMuxInc
		if b.osc[0].advance() && bits[s]&(1<<analog.BitHardSync) != 0 {
			b.osc[1].reset()
		}
		b.osc[1].advance()

		o0, o1 := &b.osc[0], &b.osc[1]
		mix := (o.Osc[analog.MuxIndex(s, analog.Cv0MixOsc1Tri)]-b.mix.Tri0)*o0.tri +
			(b.mix.Tri1-o.Osc[analog.MuxIndex(s, analog.Cv0MixOsc2Tri)])*o1.tri +
			(o.Osc[analog.MuxIndex(s, analog.Cv0MixOsc1Sqr)]-b.mix.Sqr0)*o0.sqr +
			(b.mix.Sqr1-o.Osc[analog.MuxIndex(s, analog.Cv0MixOsc2Sqr)])*o1.sqr +
			(o.Ctl[analog.MuxIndex(s, analog.Cv1MixXor)]-b.mix.Xor)*(-o0.sqr*o1.sqr)
		if dig != nil {
			mix += dig[i]
		}
		y := b.filter.process(mix)

		if !mutedL(bits[s]) {
			sumL[i] += (o.Ctl[analog.MuxIndex(s, analog.Cv1AmpL)] - b.mainL) * y
		}
		if !mutedR(bits[s]) {
			sumR[i] += (o.Ctl[analog.MuxIndex(s, analog.Cv1AmpR)] - b.mainR) * y
		}
	}
}

func mutedL(bits uint32) bool {
	return bits&(1<<analog.BitVoiceMuteL|1<<analog.BitMixMuteL) != 0
}

func mutedR(bits uint32) bool {
	return bits&(1<<analog.BitVoiceMuteR|1<<analog.BitMixMuteR) != 0
}
