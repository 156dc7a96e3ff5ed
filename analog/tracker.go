package analog

import (
	"math"

	dspcore "github.com/cwbudde/algo-dsp/dsp/core"
)

const (
	integratorScale = 1e-4
	errorLimit      = 1.0

	pitchHoldReadings = 12000
	pitchJumpLimit    = 0.3
)

// pitchDecay is the per-reading decay of the pitch-change statistic.
var pitchDecay = float32(math.Pow(0.5, 1.0/(0.01*BufferRate)))

// Integrator is the drift corrector: a clipped discrete integral controller whose
// state is the tracking offset of one oscillator half.
type Integrator struct {
	State float32
	Gain  float32
	Scale float32
	Limit float32
}

func NewIntegrator(state, gain float32) Integrator {
	return Integrator{State: state, Gain: gain, Scale: integratorScale, Limit: errorLimit}
}

// Step clips err to ±Limit, integrates it and returns the new state.
func (c *Integrator) Step(err float32) float32 {
	err = clip(err, -c.Limit, c.Limit)
	c.State += err * c.Gain * c.Scale
	c.State = float32(dspcore.FlushDenormals(float64(c.State)))
	return c.State
}

// PitchActivity measures how much the commanded pitch is moving. Drift correction
// is suspended while it is above the jump limit, and a hold timer slows its decay
// after a large jump so vibrato and glides don't fight the corrector.
type PitchActivity struct {
	delta    float32
	hold     int
	tracking bool
}

// Add accumulates a per-sample log-frequency change.
func (p *PitchActivity) Add(d float32) {
	if d < 0 {
		d = -d
	}
	p.delta += d
}

func (p *PitchActivity) Reset() { p.delta = 0 }

func (p *PitchActivity) Delta() float32 { return p.delta }

func (p *PitchActivity) Holding() bool { return p.hold > 0 }

// Settle advances the statistic by one feedback reading and reports whether
// correction may run.
func (p *PitchActivity) Settle(normal bool) bool {
	delayed := float32(pitchHoldReadings-p.hold) / pitchHoldReadings
	p.delta *= 1 - pitchDecay*delayed
	p.delta = float32(dspcore.FlushDenormals(float64(p.delta)))
	if !normal {
		p.delta = 0
	}
	if p.hold > 0 {
		p.hold--
	}
	if p.delta > pitchJumpLimit {
		if p.tracking {
			p.tracking = false
			p.hold = pitchHoldReadings
		}
		return false
	}
	p.tracking = true
	return true
}
