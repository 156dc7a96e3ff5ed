package analysis

import (
	"math"

	"github.com/pkg/errors"
)

// ErrSingular is returned when a least-squares system has no unique solution.
var ErrSingular = errors.New("singular system")

// leastSquares solves min |X·beta - y|² for the row-major design rows. Columns
// are scaled to unit RMS before forming the normal equations; ridge adds a tiny
// diagonal load relative to the scaled problem.
func leastSquares(rows [][]float64, y []float64, ridge float64) ([]float64, error) {
	if len(rows) == 0 {
		return nil, errors.Wrap(ErrSingular, "no rows")
	}
	n := len(rows[0])
	scale := make([]float64, n)
	for _, r := range rows {
		for j, v := range r {
			scale[j] += v * v
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / float64(len(rows)))
		if scale[j] == 0 {
			scale[j] = 1
		}
	}

	a := make([][]float64, n)
	for i := range a {
		a[i] = make([]float64, n+1)
	}
	for k, r := range rows {
		for i := 0; i < n; i++ {
			xi := r[i] / scale[i]
			for j := i; j < n; j++ {
				a[i][j] += xi * r[j] / scale[j]
			}
			a[i][n] += xi * y[k]
		}
	}
	for i := 0; i < n; i++ {
		for j := 0; j < i; j++ {
			a[i][j] = a[j][i]
		}
		a[i][i] += ridge * float64(len(rows))
	}

	beta, err := gaussSolve(a)
	if err != nil {
		return nil, err
	}
	for j := range beta {
		beta[j] /= scale[j]
	}
	return beta, nil
}

// gaussSolve solves the augmented n×(n+1) system in place with partial pivoting.
func gaussSolve(a [][]float64) ([]float64, error) {
	n := len(a)
	for col := 0; col < n; col++ {
		p := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[p][col]) {
				p = r
			}
		}
		if math.Abs(a[p][col]) < 1e-300 {
			return nil, errors.Wrapf(ErrSingular, "column %d", col)
		}
		a[col], a[p] = a[p], a[col]
		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			if f == 0 {
				continue
			}
			for c := col; c <= n; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}
	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		s := a[r][n]
		for c := r + 1; c < n; c++ {
			s -= a[r][c] * x[c]
		}
		x[r] = s / a[r][r]
	}
	return x, nil
}

// goldenMin minimises f on [lo, hi] assuming a single minimum.
func goldenMin(f func(float64) float64, lo, hi, tol float64) (x, fx float64) {
	const invPhi = 0.6180339887498949
	c := hi - invPhi*(hi-lo)
	d := lo + invPhi*(hi-lo)
	fc, fd := f(c), f(d)
	for hi-lo > tol {
		if fc < fd {
			hi, d, fd = d, c, fc
			c = hi - invPhi*(hi-lo)
			fc = f(c)
		} else {
			lo, c, fc = c, d, fd
			d = lo + invPhi*(hi-lo)
			fd = f(d)
		}
	}
	if fc < fd {
		return c, fc
	}
	return d, fd
}

func rms(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
