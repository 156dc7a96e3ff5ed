package analysis

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/fitcommon"
)

func TestSplitSweepDropsTrailingRun(t *testing.T) {
	trace := []float32{1, 1, 1, 2, 2, 2, 3, 3}
	segs := SplitSweep(trace, 0.001)
	if len(segs) != 2 {
		t.Fatalf("segments got=%d want=2", len(segs))
	}
	if segs[0].Start != 0 || segs[0].End != 2 || segs[0].Stimulus != 1 {
		t.Fatalf("first segment got=%+v", segs[0])
	}
	if segs[1].Start != 3 || segs[1].End != 5 || segs[1].Stimulus != 2 {
		t.Fatalf("second segment got=%+v", segs[1])
	}
}

func TestSplitSweepIgnoresDrift(t *testing.T) {
	trace := make([]float32, 100)
	for i := range trace {
		trace[i] = 0.5 + 0.0005*float32(i%2)
	}
	trace = append(trace, 0.2)
	segs := SplitSweep(trace, 0.001)
	if len(segs) != 1 || segs[0].End != 99 {
		t.Fatalf("segments got=%+v", segs)
	}
}

func TestResonancePeakFindsTone(t *testing.T) {
	for _, hz := range []float64{120.5, 437.3, 1890} {
		x := make([]float32, 9000)
		for i := range x {
			x[i] = float32(math.Sin(2*math.Pi*hz*float64(i)/analog.SampleRate)) + 0.2
		}
		got, err := ResonancePeak(x, analog.SampleRate)
		if err != nil {
			t.Fatalf("peak: %v", err)
		}
		if math.Abs(got-hz)/hz > 0.005 {
			t.Fatalf("peak got=%v want=%v", got, hz)
		}
	}
}

func TestResonancePeakRejectsSilence(t *testing.T) {
	if _, err := ResonancePeak(make([]float32, 512), analog.SampleRate); err == nil {
		t.Fatalf("silent segment accepted")
	}
}

func TestFilterFitRecoversCutoffMap(t *testing.T) {
	const (
		a    = 0.27
		c    = 0.09
		temp = 0.3
	)
	stims := []float32{0.12, 0.05, 0, -0.05, -0.1, 0.5, 0.15}
	lengths := []int{6000, 7000, 8000, 9000, 10000, 4000, 3000}
	audio, cutoff := sweepSignal(stims, lengths, a, c, 0)

	path := filepath.Join(t.TempDir(), "voice_0_filter.dat")
	if err := fitcommon.WriteFloatDump(path, []float32{temp}, audio, cutoff); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := ReadFilterDump(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if d.Temp != temp || len(d.Audio) != len(audio) {
		t.Fatalf("dump got temp=%v len=%d want temp=%v len=%d", d.Temp, len(d.Audio), temp, len(audio))
	}

	pts := d.Points(DefaultPeakBand())
	// 0.5 maps above the band and the final run has no closing edge.
	if len(pts) != 5 {
		t.Fatalf("points got=%d want=5", len(pts))
	}
	fit, err := FitFilter(pts, temp)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if math.Abs(float64(fit.A)-a) > 2e-3 || math.Abs(float64(fit.C)-c) > 1e-3 {
		t.Fatalf("fit got=%v/%v want=%v/%v", fit.A, fit.C, a, c)
	}
	if fit.BaseTemp != temp {
		t.Fatalf("base temp got=%v want=%v", fit.BaseTemp, temp)
	}

	dir := t.TempDir()
	if err := fit.Write(dir, 4); err != nil {
		t.Fatalf("write model: %v", err)
	}
	ga, gc, gt, err := analog.ReadFilterModel(analog.FilterModelPath(dir, 4))
	if err != nil || ga != fit.A || gc != fit.C || gt != temp {
		t.Fatalf("model file got=%v/%v/%v err=%v", ga, gc, gt, err)
	}
}

func TestFilterFitAcrossTemperatures(t *testing.T) {
	const a, c = 0.24, 0.12
	stims := []float32{0.25, 0.15, 0.05, -0.05, -0.3, 0}
	lengths := []int{5000, 6000, 7000, 8000, 9000, 2000}

	var pts []FilterPoint
	for _, temp := range []float64{0.1, 0.18} {
		audio, cutoff := sweepSignal(stims, lengths, a, c, temp-0.1)
		d := FilterDump{Temp: float32(temp), Audio: audio, Cutoff: cutoff}
		pts = append(pts, d.Points(DefaultPeakBand())...)
	}
	fit, err := FitFilter(pts, 0.1)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if math.Abs(float64(fit.A)-a) > 2e-3 || math.Abs(float64(fit.C)-c) > 1e-3 {
		t.Fatalf("fit got=%v/%v want=%v/%v (%d points)", fit.A, fit.C, a, c, fit.Points)
	}
}

func TestFilterFitNeedsTwoPoints(t *testing.T) {
	if _, err := FitFilter([]FilterPoint{{Stimulus: 0.1, Position: 0.2}}, 0); err == nil {
		t.Fatalf("single point accepted")
	}
}

func TestReadFilterDumpRejectsOddHalves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.dat")
	if err := fitcommon.WriteFloatDump(path, []float32{0.1, 1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadFilterDump(path); err == nil {
		t.Fatalf("uneven dump accepted")
	}
}
