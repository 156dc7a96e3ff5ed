package sim

import (
	"math"

	dspcore "github.com/cwbudde/algo-dsp/dsp/core"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/dsp"
)

const (
	fullResonance = 0.46 // magnitude of the resonance voltage at full resonance
	selfOscAmount = 0.9
	selfOscLevel  = 0.25
	maxCutoffHz   = 0.45 * analog.SampleRate
	minCutoffHz   = 20
)

// peak is a two-pole resonator adding the filter's resonant bump at cutoff.
type peak struct {
	a1, a2, b0 float32
	y1, y2     float32
}

func (p *peak) tune(centerHz, bandwidthHz float64) {
	const fs = analog.SampleRate
	if bandwidthHz < 10 {
		bandwidthHz = 10
	}
	r := math.Exp(-math.Pi * bandwidthHz / fs)
	w0 := 2 * math.Pi * centerHz / fs
	p.a1 = float32(2 * r * math.Cos(w0))
	p.a2 = float32(-(r * r))
	p.b0 = float32(1 - r)
}

func (p *peak) process(x float32) float32 {
	y := p.b0*x + p.a1*p.y1 + p.a2*p.y2
	y = float32(dspcore.FlushDenormals(float64(y)))
	p.y2 = p.y1
	p.y1 = y
	return y
}

// ladder is the voice filter: a lowpass with a resonant peak that breaks into a
// sine at cutoff when the resonance is near full.
type ladder struct {
	lp    dsp.Biquad
	pk    peak
	amt   float32
	hz    float64
	phase float64
}

// set retunes the filter for one buffer from the hardware cutoff and resonance
// voltages.
func (l *ladder) set(hz float64, res float32) {
	hz = math.Max(minCutoffHz, math.Min(hz, maxCutoffHz))
	amt := -res / fullResonance
	if amt < 0 {
		amt = 0
	}
	if amt > 1 {
		amt = 1
	}
	l.amt = amt
	l.hz = hz
	l.lp.SetLowpass(float32(hz), analog.SampleRate, 0.7)
	l.pk.tune(hz, hz/float64(1+12*amt*amt))
}

func (l *ladder) process(x float32) float32 {
	y := l.lp.Process(x) + l.amt*l.pk.process(x)
	if l.amt > selfOscAmount {
		level := selfOscLevel * (l.amt - selfOscAmount) / (1 - selfOscAmount)
		y += level * float32(math.Sin(2*math.Pi*l.phase))
		l.phase += l.hz / analog.SampleRate
		if l.phase >= 1 {
			l.phase -= 1
		}
	}
	return y
}

// coupler models the AC-coupled codec input the loopback passes through: a DC
// blocker followed by a one-pole anti-alias lowpass.
type coupler struct {
	dcR     float32
	prevIn  float32
	prevOut float32
	lpA     float32
	lpState float32
}

func newCoupler(dcR float32, cutoffHz float64) coupler {
	return coupler{
		dcR: dcR,
		lpA: float32(math.Exp(-2 * math.Pi * cutoffHz / analog.SampleRate)),
	}
}

func (c *coupler) process(x float32) float32 {
	dc := x - c.prevIn + c.dcR*c.prevOut
	c.prevIn = x
	c.prevOut = dc

	lp := (1-c.lpA)*dc + c.lpA*c.lpState
	lp = float32(dspcore.FlushDenormals(float64(lp)))
	c.lpState = lp
	return lp
}
