package analog

import "math"

// VoltageModel holds the fitted coefficients for one oscillator half. The quartic
// term (I) is kept for file compatibility but does not contribute.
type VoltageModel struct {
	A, B, C, D, E, F, G, H, I, J float32
}

// DefaultVoltageModel is used until a fitted model is loaded.
func DefaultVoltageModel() VoltageModel {
	return VoltageModel{
		A: -1.9e-2,
		B: 5.2e-2,
		C: -9.6e-8,
		D: 1e-7,
		E: -4.4e-9,
		F: -2.5e-5,
		G: -9.2e-16,
		H: 3.3e-11,
		I: 1.1e-20,
		J: 0,
	}
}

// Voltage maps an own log2 frequency f1, the complementary half's log2 frequency
// f2 and a tracking offset t to a control voltage.
func (m *VoltageModel) Voltage(f1, f2, t float32) float32 {
	hz := float32(math.Exp2(float64(f1)))
	cross := float32(math.Exp2(float64(f2)))
	return m.E*cross + t + (m.A*t+m.B)*f1 + m.C + m.F*f2 +
		m.D*hz + m.H*f1*f1 + m.G*f1*f1*f1 + 0.001/(hz+m.J)
}

// Slope is dV/dt, the sensitivity of the output to the tracking offset at f1.
func (m *VoltageModel) Slope(f1 float32) float32 {
	return 1 + m.A*f1
}

// Coeffs returns the coefficients persisted in a .model line.
func (m *VoltageModel) Coeffs() [ModelFileFields]float32 {
	return [ModelFileFields]float32{m.A, m.B, m.C, m.D, m.E, m.F, m.G, m.H}
}

// SetCoeffs loads a..h; I and J keep their values.
func (m *VoltageModel) SetCoeffs(c [ModelFileFields]float32) {
	m.A, m.B, m.C, m.D, m.E, m.F, m.G, m.H = c[0], c[1], c[2], c[3], c[4], c[5], c[6], c[7]
}

// OffsetSearch configures the inversion used during lock acquisition.
type OffsetSearch struct {
	Start     float32
	Step      float32
	Tolerance float32
	MaxIter   int
}

// SolveOffset walks t in fixed steps until Voltage(f1, f2, t) is within
// Tolerance of target. ok is false if MaxIter steps did not get there; t is then
// the last value tried.
func (m *VoltageModel) SolveOffset(target, f1, f2 float32, s OffsetSearch) (t float32, iters int, ok bool) {
	t = s.Start
	for iters = 0; iters < s.MaxIter; iters++ {
		v := m.Voltage(f1, f2, t)
		if v > target+s.Tolerance {
			t -= s.Step
		} else if v < target-s.Tolerance {
			t += s.Step
		} else {
			return t, iters, true
		}
	}
	return t, iters, false
}
