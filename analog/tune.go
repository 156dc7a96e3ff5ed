package analog

import (
	"math"
	"math/rand"

	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/persist"
)

// TunePoints is the number of test points per auto-tune sequence.
const TunePoints = 2

const (
	tuneDelay       = BufferRate / 5
	tuneRestBuffers = BufferRate / 10
	maxTuneSamples  = CVSampleRate / 2 / CVBufferSize
)

var tuneShapes = [...]float32{.999, .55, .9, .85, .65, -.15, -.70, -.90, -.99, -.55, -.9999}

// TunePoint is an auto-tune stimulus: a frequency in Hz and a shape.
type TunePoint struct {
	Freq  float32
	Shape float32
}

// TuneResult is one row of the auto-tune table: the applied voltages and the
// mean measured period of each half.
type TuneResult struct {
	CVUp       float32
	CVDown     float32
	PeriodUp   float32
	PeriodDown float32
}

type tuneRun struct {
	rng     *rand.Rand
	points  [TunePoints]TunePoint
	results [TunePoints]TuneResult
	index   int

	sumUp   float64
	sumDown float64
	n       int
}

// generate draws one low and one high frequency per pair in random order, each
// with a random shape, so the fitted model sees no ordering bias.
func (t *tuneRun) generate() {
	for i := 0; i < TunePoints/2; i++ {
		f := [2]float32{
			float32(math.Exp2(12*(0.4*t.rng.Float64()+0.3))) + 20,
			float32(math.Exp2(12 * (0.7 + 0.4*t.rng.Float64()))),
		}
		s1 := tuneShapes[t.rng.Intn(len(tuneShapes))]
		s2 := tuneShapes[t.rng.Intn(len(tuneShapes))]
		hi := t.rng.Intn(2)
		t.points[2*i] = TunePoint{Freq: f[hi], Shape: s1}
		t.points[2*i+1] = TunePoint{Freq: f[1-hi], Shape: s2}
	}
}

func (t *tuneRun) sample(up, down float32) {
	if t.n >= maxTuneSamples {
		return
	}
	t.sumUp += float64(up)
	t.sumDown += float64(down)
	t.n++
}

func (t *tuneRun) mean() (up, down float32) {
	if t.n == 0 {
		return 0, 0
	}
	up = float32(t.sumUp / float64(t.n))
	down = float32(t.sumDown / float64(t.n))
	t.sumUp, t.sumDown, t.n = 0, 0, 0
	return up, down
}

func (o *Oscillator) runTuningMeasure(out *[BufferSize]float32) {
	if !o.tuning {
		o.state = Normal
		o.setGain(o.normalGain)
	} else {
		o.counter--
		if o.counter < 0 {
			o.state = TuningWait
			o.tune.generate()
			o.counter = 0
			o.tune.index = -1
		}
	}
	o.hold(out)
}

func (o *Oscillator) runTuningWait(out *[BufferSize]float32) {
	if o.tune.index >= TunePoints {
		o.submitTuneTable()
		o.state = TuningMeasure
		o.counter = tuneRestBuffers
		o.hold(out)
		return
	}

	if o.fresh && o.counter < tuneDelay {
		o.tune.sample(o.up.period, o.down.period)
	}

	if o.counter <= 0 {
		if o.tune.index >= 0 {
			pUp, pDown := o.tune.mean()
			o.tune.results[o.tune.index] = TuneResult{
				CVUp:       o.up.last,
				CVDown:     o.down.last,
				PeriodUp:   pUp,
				PeriodDown: pDown,
			}
		}
		if o.tune.index < TunePoints-1 {
			p := o.tune.points[o.tune.index+1]
			vUp, vDown, fUp, fDown := o.Voltages(log2f(p.Freq), p.Shape)
			o.fill(out, vUp, vDown)
			o.tune.mean()
			settle := 1/pow2Approx(fUp) + 1/pow2Approx(fDown)
			o.counter = 20*int(BufferRate*settle) + tuneDelay
		}
		o.tune.index++
	}
	o.counter--
	o.hold(out)
}

func (o *Oscillator) submitTuneTable() {
	rows := o.tune.results
	path := TuningTablePath(o.tuningDir, o.voice, o.index)
	job := &persist.Job{
		Name: "append " + path,
		Run:  func() error { return AppendTuningTable(path, rows[:]) },
	}
	if !o.sink.Submit(job) {
		o.log.Warnf("voice %d osc %d: tuning table dropped, writer busy", o.voice, o.index)
	}
}
