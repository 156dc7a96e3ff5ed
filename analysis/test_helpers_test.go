package analysis

import (
	"math"
	"math/rand"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
)

// sweepSignal builds a capture with one resonance tone per stimulus. Each
// segment's tone sits where the cutoff map stim = pos·(a + b·T) + c + d·T puts
// it at temperature temp.
func sweepSignal(stims []float32, lengths []int, a, c, temp float64) (audio, cutoff []float32) {
	n := 0
	for si, s := range stims {
		pos := (float64(s) - c - analog.FilterTempOffset*temp) / (a + analog.FilterTempGain*temp)
		hz := float64(analog.CutoffHz(float32(pos)))
		for i := 0; i < lengths[si]; i++ {
			audio = append(audio, float32(0.3*math.Sin(2*math.Pi*hz*float64(n)/analog.SampleRate)))
			cutoff = append(cutoff, s)
			n++
		}
	}
	return audio, cutoff
}

// syntheticTable draws auto-tune rows from m with a per-sequence offset.
func syntheticTable(m analog.VoltageModel, seqs int, seed int64) ([][]analog.TuneResult, []float64) {
	rng := rand.New(rand.NewSource(seed))
	table := make([][]analog.TuneResult, seqs)
	offsets := make([]float64, seqs)
	for s := range table {
		t := float32(-1.3 + 0.6*rng.Float64())
		offsets[s] = float64(t)
		for k := 0; k < analog.TunePoints; k++ {
			fu := float32(8 + 6*rng.Float64())
			fd := float32(8 + 6*rng.Float64())
			table[s] = append(table[s], analog.TuneResult{
				CVUp:       m.Voltage(fu, fd, t),
				CVDown:     m.Voltage(fd, fu, t),
				PeriodUp:   float32(math.Exp2(-float64(fu))),
				PeriodDown: float32(math.Exp2(-float64(fd))),
			})
		}
	}
	return table, offsets
}

func trueModel() analog.VoltageModel {
	m := analog.DefaultVoltageModel()
	m.A = -0.021
	m.B = 0.049
	m.C = 0
	return m
}
