package analysis

import (
	"math"

	"github.com/pkg/errors"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
)

// Half selects which side of an oscillator a fit describes.
type Half int

const (
	Up Half = iota
	Down
)

func (h Half) String() string {
	if h == Down {
		return "down"
	}
	return "up"
}

// TuneSample is one auto-tune row with the periods converted to log2 Hz.
type TuneSample struct {
	CVUp, CVDown     float64
	FreqUp, FreqDown float64
	Seq              int // rows of one sequence share a tracking offset
}

func (s *TuneSample) own(h Half) (cv, f1, f2 float64) {
	if h == Down {
		return s.CVDown, s.FreqDown, s.FreqUp
	}
	return s.CVUp, s.FreqUp, s.FreqDown
}

// TuneSamples flattens the sequences of a tuning table. Rows where either half
// ran faster than maxHz, or reported no period, are dropped, as is the leading
// skip fraction of the table, which is recorded before the tracking settles.
func TuneSamples(seqs [][]analog.TuneResult, maxHz, skip float64) []TuneSample {
	total := 0
	for _, s := range seqs {
		total += len(s)
	}
	drop := int(float64(total) * skip)
	var out []TuneSample
	n := 0
	for si, s := range seqs {
		for _, r := range s {
			n++
			if n <= drop {
				continue
			}
			if r.PeriodUp <= 0 || r.PeriodDown <= 0 {
				continue
			}
			fu := -math.Log2(float64(r.PeriodUp))
			fd := -math.Log2(float64(r.PeriodDown))
			if maxHz > 0 && (fu > math.Log2(maxHz) || fd > math.Log2(maxHz)) {
				continue
			}
			out = append(out, TuneSample{
				CVUp: float64(r.CVUp), CVDown: float64(r.CVDown),
				FreqUp: fu, FreqDown: fd,
				Seq: si,
			})
		}
	}
	return out
}

// OscFitConfig controls the Voltage Model regression.
type OscFitConfig struct {
	MaxHz  float64   // faster rows are treated as miscounts
	Skip   float64   // leading fraction of the table discarded
	ALo    float64   // search range of the offset slope coefficient a
	AHi    float64
	ATol   float64
	Reject []float64 // successive residual limits for outlier removal
}

func DefaultOscFitConfig() OscFitConfig {
	return OscFitConfig{
		MaxHz:  80000,
		Skip:   1.0 / 8,
		ALo:    -0.08,
		AHi:    0.04,
		ATol:   1e-6,
		Reject: []float64{0.01, 0.005},
	}
}

// HalfFit is the regression result for one half.
type HalfFit struct {
	Model   analog.VoltageModel
	Offsets map[int]float64 // per sequence
	RMS     float64
	Kept    int
}

// linear columns: b·f1, d·2^f1, e·2^f2, f·f2, g·f1³, h·f1²
const halfCols = 6

func halfRow(f1, f2 float64, row []float64) {
	row[0] = f1
	row[1] = math.Exp2(f1)
	row[2] = math.Exp2(f2)
	row[3] = f2
	row[4] = f1 * f1 * f1
	row[5] = f1 * f1
}

// HalfCost fits the linear coefficients for a fixed offset slope a and returns
// the residual RMS. Each sequence's tracking offset is eliminated in closed
// form: within a sequence the model is v = t·(1 + a·f1) + X·beta, so projecting
// out the weight vector w = 1 + a·f1 leaves an ordinary least-squares problem in
// beta. c is fixed at zero since the offsets absorb any constant.
func HalfCost(samples []TuneSample, h Half, a float64) (HalfFit, error) {
	type acc struct{ ww, wy float64 }
	groups := make(map[int]*acc)
	xs := make([][]float64, len(samples))
	ys := make([]float64, len(samples))
	ws := make([]float64, len(samples))
	for i := range samples {
		cv, f1, f2 := samples[i].own(h)
		xs[i] = make([]float64, halfCols)
		halfRow(f1, f2, xs[i])
		ys[i] = cv - 0.001/math.Exp2(f1)
		ws[i] = 1 + a*f1
		g := groups[samples[i].Seq]
		if g == nil {
			g = &acc{}
			groups[samples[i].Seq] = g
		}
		g.ww += ws[i] * ws[i]
	}

	// Project y and each column onto the complement of w within its sequence.
	project := func(col func(i int) float64) []float64 {
		sums := make(map[int]float64, len(groups))
		for i := range samples {
			sums[samples[i].Seq] += ws[i] * col(i)
		}
		out := make([]float64, len(samples))
		for i := range samples {
			g := groups[samples[i].Seq]
			out[i] = col(i) - ws[i]*sums[samples[i].Seq]/g.ww
		}
		return out
	}
	py := project(func(i int) float64 { return ys[i] })
	px := make([][]float64, len(samples))
	for i := range px {
		px[i] = make([]float64, halfCols)
	}
	for j := 0; j < halfCols; j++ {
		col := project(func(i int) float64 { return xs[i][j] })
		for i := range px {
			px[i][j] = col[i]
		}
	}

	beta, err := leastSquares(px, py, 1e-14)
	if err != nil {
		return HalfFit{}, errors.Wrapf(err, "%s half", h)
	}

	m := analog.VoltageModel{
		A: float32(a),
		B: float32(beta[0]),
		D: float32(beta[1]),
		E: float32(beta[2]),
		F: float32(beta[3]),
		G: float32(beta[4]),
		H: float32(beta[5]),
	}
	fit := HalfFit{Model: m, Offsets: make(map[int]float64, len(groups)), Kept: len(samples)}
	for i := range samples {
		var xb float64
		for j := 0; j < halfCols; j++ {
			xb += xs[i][j] * beta[j]
		}
		groups[samples[i].Seq].wy += ws[i] * (ys[i] - xb)
	}
	for s, g := range groups {
		fit.Offsets[s] = g.wy / g.ww
	}
	res := make([]float64, len(samples))
	for i := range samples {
		var xb float64
		for j := 0; j < halfCols; j++ {
			xb += xs[i][j] * beta[j]
		}
		res[i] = ys[i] - xb - ws[i]*fit.Offsets[samples[i].Seq]
	}
	fit.RMS = rms(res)
	return fit, nil
}

// Residuals returns each sample's voltage error under fit.
func (f *HalfFit) Residuals(samples []TuneSample, h Half) []float64 {
	out := make([]float64, len(samples))
	for i := range samples {
		cv, f1, f2 := samples[i].own(h)
		t := float32(f.Offsets[samples[i].Seq])
		out[i] = cv - float64(f.Model.Voltage(float32(f1), float32(f2), t))
	}
	return out
}

// FitHalf searches the offset slope a, then drops rows whose residual exceeds
// each rejection limit in turn and refits.
func FitHalf(samples []TuneSample, h Half, cfg OscFitConfig) (HalfFit, error) {
	return FitHalfWith(samples, h, cfg, func(cost func(a float64) float64) float64 {
		a, _ := goldenMin(cost, cfg.ALo, cfg.AHi, cfg.ATol)
		return a
	})
}

// FitHalfWith is FitHalf with a caller-supplied search over a. search receives
// the cost of a candidate slope and returns the best slope it found.
func FitHalfWith(samples []TuneSample, h Half, cfg OscFitConfig, search func(cost func(a float64) float64) float64) (HalfFit, error) {
	cur := samples
	var fit HalfFit
	for pass := 0; pass <= len(cfg.Reject); pass++ {
		if len(cur) < halfCols+2 {
			return fit, errors.Errorf("%s half: %d samples left, need %d", h, len(cur), halfCols+2)
		}
		cost := func(a float64) float64 {
			f, err := HalfCost(cur, h, a)
			if err != nil {
				return math.Inf(1)
			}
			return f.RMS
		}
		var err error
		fit, err = HalfCost(cur, h, search(cost))
		if err != nil {
			return fit, err
		}
		if pass == len(cfg.Reject) {
			break
		}
		res := fit.Residuals(cur, h)
		kept := cur[:0:0]
		for i, r := range res {
			if math.Abs(r) < cfg.Reject[pass] {
				kept = append(kept, cur[i])
			}
		}
		cur = kept
	}
	return fit, nil
}

// OscFit holds both halves of one oscillator.
type OscFit struct {
	Up, Down HalfFit
}

// FitOscillator fits both halves from one tuning table.
func FitOscillator(seqs [][]analog.TuneResult, cfg OscFitConfig) (OscFit, error) {
	samples := TuneSamples(seqs, cfg.MaxHz, cfg.Skip)
	up, err := FitHalf(samples, Up, cfg)
	if err != nil {
		return OscFit{}, err
	}
	down, err := FitHalf(samples, Down, cfg)
	if err != nil {
		return OscFit{}, err
	}
	return OscFit{Up: up, Down: down}, nil
}

// Write stores the fit as a .model file.
func (f OscFit) Write(dir string, voice, osc int) error {
	return analog.WriteModelFile(analog.ModelPath(dir, voice, osc), f.Up.Model, f.Down.Model)
}
