package analog

import "math"

// countFor converts a frequency into the raw period count the hardware reports.
func countFor(hz float64) float32 {
	return float32(1 / hz / float64(CountScale))
}

// jittered alternates the count by a few ppm between readings so the stale
// feedback detector stays quiet.
func jittered(hz float64, i int) float32 {
	return countFor(hz) * (1 + 1e-5*float32(i%2))
}

type oscRig struct {
	pitch [CVBufferSize]float32
	shape [CVBufferSize]float32
	out   [BufferSize]float32
}

func (r *oscRig) run(o *Oscillator) {
	o.Run(&r.pitch, &r.shape, &r.out)
}

func (r *oscRig) setPitch(log2Hz float32) {
	for i := range r.pitch {
		r.pitch[i] = log2Hz / NoteGain
	}
}

func outputsInRange(buf []float32) bool {
	for _, v := range buf {
		if math.IsNaN(float64(v)) || v < SafeMin || v > SafeMax {
			return false
		}
	}
	return true
}
