package analysis

import (
	"math"
	"math/cmplx"
	"sort"

	algofft "github.com/cwbudde/algo-fft"
	"github.com/pkg/errors"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/fitcommon"
)

// PeakBand selects the sweep segments the filter fit trusts.
type PeakBand struct {
	MinHz, MaxHz float64
	Jump         float32 // cutoff change that starts a new segment
	MinSamples   int     // shorter segments are skipped
}

func DefaultPeakBand() PeakBand {
	return PeakBand{MinHz: 50, MaxHz: 2000, Jump: 0.001, MinSamples: 256}
}

// FilterDump is a filter-sweep capture: the temperature proxy at the end of the
// sweep, the loopback audio and the cutoff CV trace aligned with it.
type FilterDump struct {
	Temp   float32
	Audio  []float32
	Cutoff []float32
}

// ReadFilterDump reads a voice_N_filter.dat file.
func ReadFilterDump(path string) (FilterDump, error) {
	data, err := fitcommon.ReadFloatDump(path)
	if err != nil {
		return FilterDump{}, err
	}
	if len(data) < 3 || (len(data)-1)%2 != 0 {
		return FilterDump{}, errors.Errorf("filter dump %s: %d values is not temp plus two equal halves", path, len(data))
	}
	n := (len(data) - 1) / 2
	return FilterDump{Temp: data[0], Audio: data[1 : 1+n], Cutoff: data[1+n:]}, nil
}

// Segment is a run of samples at one sweep stimulus.
type Segment struct {
	Start, End int
	Stimulus   float32 // median cutoff CV over the run
}

// SplitSweep cuts the trace where the cutoff CV moves by more than jump between
// samples. The run after the last jump has no closing edge and is dropped.
func SplitSweep(cutoff []float32, jump float32) []Segment {
	var segs []Segment
	start := 0
	for i := 0; i+1 < len(cutoff); i++ {
		d := cutoff[i+1] - cutoff[i]
		if d <= jump && d >= -jump {
			continue
		}
		if i > start {
			segs = append(segs, Segment{Start: start, End: i, Stimulus: median(cutoff[start:i])})
		}
		start = i + 1
	}
	return segs
}

func median(x []float32) float32 {
	s := append([]float32(nil), x...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// ResonancePeak returns the frequency of the strongest spectral line in x over
// the whole band. The segment is Hann windowed and zero padded; the peak is
// refined by a parabola through the log magnitudes around the top bin.
func ResonancePeak(x []float32, sampleRate float64) (float64, error) {
	if len(x) < 8 {
		return 0, errors.Errorf("segment of %d samples is too short", len(x))
	}
	size := 1
	for size < 2*len(x) {
		size <<= 1
	}
	plan, err := algofft.NewPlanReal64(size)
	if err != nil {
		return 0, errors.Wrap(err, "fft plan")
	}
	buf := make([]float64, size)
	var mean float64
	for _, v := range x {
		mean += float64(v)
	}
	mean /= float64(len(x))
	n := len(x)
	for i, v := range x {
		w := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		buf[i] = (float64(v) - mean) * w
	}
	spec := make([]complex128, size/2+1)
	plan.Forward(spec, buf)

	best := 1
	mag := make([]float64, len(spec))
	for k := 1; k < len(spec); k++ {
		mag[k] = cmplx.Abs(spec[k])
		if mag[k] > mag[best] {
			best = k
		}
	}
	if mag[best] == 0 {
		return 0, errors.New("silent segment")
	}
	pos := float64(best)
	if best > 1 && best < len(spec)-1 {
		a, b, c := logMag(mag[best-1]), logMag(mag[best]), logMag(mag[best+1])
		if den := a - 2*b + c; den < 0 {
			pos += 0.5 * (a - c) / den
		}
	}
	return pos * sampleRate / float64(size), nil
}

func logMag(m float64) float64 {
	if m < 1e-300 {
		m = 1e-300
	}
	return math.Log(m)
}

// FilterPoint pairs a sweep stimulus with the normalised cutoff position it
// produced.
type FilterPoint struct {
	Stimulus float64
	Position float64 // analog.CutoffPosition of the resonance peak
	Hz       float64
	Temp     float64
}

// Points measures every segment of the sweep and keeps the ones whose
// resonance lies inside the band.
func (d *FilterDump) Points(band PeakBand) []FilterPoint {
	n := len(d.Audio)
	if len(d.Cutoff) < n {
		n = len(d.Cutoff)
	}
	var pts []FilterPoint
	for _, s := range SplitSweep(d.Cutoff[:n], band.Jump) {
		if s.End-s.Start < band.MinSamples {
			continue
		}
		hz, err := ResonancePeak(d.Audio[s.Start:s.End], analog.SampleRate)
		if err != nil || hz <= band.MinHz || hz >= band.MaxHz {
			continue
		}
		pts = append(pts, FilterPoint{
			Stimulus: float64(s.Stimulus),
			Position: float64(analog.CutoffPosition(float32(hz))),
			Hz:       hz,
			Temp:     float64(d.Temp),
		})
	}
	return pts
}

// FilterFit is the fitted cutoff map of one voice.
type FilterFit struct {
	A, C     float32
	BaseTemp float32
	Points   int
	RMS      float64 // stimulus residual
}

// FitFilter fits stim = pos·(A + b·T) + C + d·T with the shared temperature
// terms b and d held at analog.FilterTempGain and analog.FilterTempOffset, and
// T measured from baseTemp.
func FitFilter(points []FilterPoint, baseTemp float32) (FilterFit, error) {
	if len(points) < 2 {
		return FilterFit{}, errors.Errorf("%d usable sweep points, need 2", len(points))
	}
	rows := make([][]float64, len(points))
	y := make([]float64, len(points))
	for i, p := range points {
		t := p.Temp - float64(baseTemp)
		rows[i] = []float64{p.Position, 1}
		y[i] = p.Stimulus - analog.FilterTempGain*p.Position*t - analog.FilterTempOffset*t
	}
	beta, err := leastSquares(rows, y, 0)
	if err != nil {
		return FilterFit{}, errors.Wrap(err, "filter fit")
	}
	res := make([]float64, len(points))
	for i := range rows {
		res[i] = y[i] - beta[0]*rows[i][0] - beta[1]
	}
	fit := FilterFit{
		A:        float32(beta[0]),
		C:        float32(beta[1]),
		BaseTemp: baseTemp,
		Points:   len(points),
		RMS:      rms(res),
	}
	if !isFinite(beta[0]) || !isFinite(beta[1]) {
		return fit, errors.New("filter fit diverged")
	}
	return fit, nil
}

// Write stores the fit as voice's filter model in dir.
func (f FilterFit) Write(dir string, voice int) error {
	return analog.WriteFilterModel(analog.FilterModelPath(dir, voice), f.A, f.C, f.BaseTemp)
}
