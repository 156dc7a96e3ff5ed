package analog

import (
	"math"

	"github.com/cwbudde/algo-approx"
)

func pow2Approx(x float32) float32 {
	const ln2 = 0.69314718055994530942
	return approx.FastExp(x * ln2)
}

func log2f(x float32) float32 {
	return float32(math.Log2(float64(x)))
}

func isFinite(x float32) bool {
	return !math.IsNaN(float64(x)) && !math.IsInf(float64(x), 0)
}

func absf(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
