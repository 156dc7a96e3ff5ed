package calseq

import (
	"math"
	"testing"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/diag"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/persist"
)

type fakeVoice struct {
	allocated bool
	mix       MixLevels
	mainL     float32
	mainR     float32
	gain      float32
	filter    *analog.Filter
	temp      float32
	saves     int
	savedCal  analog.FilterCal
	blacklist bool
}

func newFakeVoice() *fakeVoice {
	return &fakeVoice{filter: analog.NewFilter(), temp: 0.42}
}

func (f *fakeVoice) SetAllocated(a bool)      { f.allocated = a }
func (f *fakeVoice) SetMainOutMute(l, r bool) {}
func (f *fakeVoice) SetMixVcaOffsets(tri0, tri1, sqr0, sqr1, xor float32) {
	f.mix = MixLevels{Tri0: tri0, Tri1: tri1, Sqr0: sqr0, Sqr1: sqr1, Xor: xor}
}
func (f *fakeVoice) SetMainVcaOffsets(l, r float32)  { f.mainL, f.mainR = l, r }
func (f *fakeVoice) SetTuningGain(g float32)         { f.gain = g }
func (f *fakeVoice) FilterCal() analog.FilterCal     { return f.filter.Cal() }
func (f *fakeVoice) SetFilterCal(c analog.FilterCal) { f.filter.SetCal(c) }
func (f *fakeVoice) Filter() *analog.Filter          { return f.filter }
func (f *fakeVoice) TemperatureProxy() float32       { return f.temp }
func (f *fakeVoice) Blacklisted() bool               { return f.blacklist }
func (f *fakeVoice) SaveCalibration() bool {
	f.saves++
	f.savedCal = f.filter.Cal()
	return true
}

// rig closes the loop around a sequencer with a synthetic leakage model: each
// VCA leaks a tone in proportion to its distance from a hidden zero.
type rig struct {
	seq    *Sequencer
	voices [analog.NumVoices]*fakeVoice

	mixZero  [analog.NumVoices]MixLevels
	mainZero [analog.NumVoices][2]float32

	inputs  [analog.NumVoices]analog.VoiceInput
	digital [analog.NumVoices][analog.BufferSize]float32
	left    [analog.BufferSize]float32
	right   [analog.BufferSize]float32
	ctlBuf  [analog.BufferSize]float32
	n       int
	log     *diag.Recorder
}

func newRig(t *testing.T, p *Params) *rig {
	t.Helper()
	r := &rig{log: &diag.Recorder{}}
	var vs [analog.NumVoices]Voice
	for i := range r.voices {
		r.voices[i] = newFakeVoice()
		vs[i] = r.voices[i]
		r.mixZero[i] = MixLevels{
			Tri0: 0.0031 - 0.0004*float32(i),
			Tri1: -0.0022 + 0.0003*float32(i),
			Sqr0: 0.0017,
			Sqr1: -0.0009 * float32(i%3),
			Xor:  0.0026 - 0.0002*float32(i),
		}
		r.mainZero[i] = [2]float32{0.0007 - 0.0001*float32(i), -0.0004 + 0.00005*float32(i)}
	}
	r.seq = NewSequencer(vs, Config{Params: p, Sink: persist.Inline{}, Log: r.log})
	return r
}

var leakHz = [...]float64{1500, 2300, 3100, 3900, 4700}

// loopback renders the next buffer from the patterns applied on the last one.
func (r *rig) loopback() {
	r.left = [analog.BufferSize]float32{}
	r.right = [analog.BufferSize]float32{}
	for v := range r.voices {
		c := r.seq.Controller(v)
		if c.Muted() {
			continue
		}
		z := r.mixZero[v]
		gains := [...]float32{
			c.mix.Tri0 - z.Tri0, c.mix.Tri1 - z.Tri1, c.mix.Sqr0 - z.Sqr0, c.mix.Sqr1 - z.Sqr1, c.mix.Xor - z.Xor,
		}
		gl := c.vcaL - r.mainZero[v][0]
		gr := c.vcaR - r.mainZero[v][1]
		for i := 0; i < analog.BufferSize; i++ {
			ts := float64(r.n+i) / analog.SampleRate
			var mix float32
			for k, g := range gains {
				mix += g * float32(math.Sin(2*math.Pi*leakHz[k]*ts))
			}
			x := mix + r.digital[v][i]
			r.left[i] += gl * x
			r.right[i] += gr * x
		}
	}
	r.n += analog.BufferSize
}

func (r *rig) step() {
	r.loopback()
	r.run(&Frame{Left: &r.left, Right: &r.right, Digital: &r.digital, Inputs: &r.inputs})
}

// run hands f to the sequencer and runs the filters on the patterns it wrote.
func (r *rig) run(f *Frame) {
	r.seq.Run(f)
	for v, fv := range r.voices {
		fv.filter.Run(&r.inputs[v].FilterCut, &r.inputs[v].FilterRes, &r.ctlBuf)
	}
}

func (r *rig) runUntilDone(t *testing.T, limit int) int {
	t.Helper()
	for i := 0; i < limit; i++ {
		r.step()
		if !r.seq.Running() {
			return i + 1
		}
	}
	t.Fatalf("%s still running after %d buffers", r.seq.Routine(), limit)
	return limit
}
