package instrument

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/analysis"
	"github.com/Melbourne-Instruments/nina-vst-sub000/calseq"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/fitcommon"
	"github.com/Melbourne-Instruments/nina-vst-sub000/sim"
)

func TestVoicesLockWithoutCalibrationFiles(t *testing.T) {
	b := newBench(t, nil)
	if len(b.log.Warnings()) == 0 {
		t.Fatalf("missing calibration files were not reported")
	}
	b.run(lockBuffers)
	for v := 0; v < analog.NumVoices; v++ {
		for k := 0; k < analog.OscsPerVoice; k++ {
			if st := b.in.Voice(v).Osc(k).State(); st != analog.Normal {
				t.Fatalf("voice %d osc %d state got=%v want=%v", v, k, st, analog.Normal)
			}
		}
	}
}

func TestTrueModelsTrackPitch(t *testing.T) {
	b := newBench(t, func(p *analog.Params, _ *calseq.Params, plant *sim.Plant) {
		writeTrueModels(t, p.CalDir, plant)
	})
	b.run(lockBuffers)
	if !b.allLocked() {
		t.Fatalf("oscillators did not lock")
	}
	for v := 0; v < analog.NumVoices; v++ {
		for k := 0; k < analog.OscsPerVoice; k++ {
			up, down := b.in.Voice(v).Osc(k).Offsets()
			_, _, wantUp, wantDown := b.plant.TrueModels(v, k)
			if absf(up-wantUp) > 0.005 || absf(down-wantDown) > 0.005 {
				t.Fatalf("voice %d osc %d offsets got=%v/%v want=%v/%v", v, k, up, down, wantUp, wantDown)
			}
		}
	}

	b.in.SetAllocated(2, true)
	for _, note := range []float32{8, 10.5, 6.25} {
		b.setPitch(2, note, 0)
		b.run(200)
		wantUp, wantDown := analog.SplitShape(note, 0)
		for k := 0; k < analog.OscsPerVoice; k++ {
			up, down := b.plant.Frequencies(2, k)
			if absf(up-wantUp) > 0.01 || absf(down-wantDown) > 0.01 {
				t.Fatalf("note %v osc %d got=%v/%v want=%v/%v", note, k, up, down, wantUp, wantDown)
			}
		}
	}
}

func TestSetTestModeAppliesAtNextBuffer(t *testing.T) {
	b := newBench(t, nil)
	b.in.SetTestMode()
	if b.in.Voice(0).Osc(0).IsNormal() {
		t.Fatalf("request applied before Process")
	}
	b.step()
	for v := 0; v < analog.NumVoices; v++ {
		o := b.in.Voice(v).Osc(1)
		up, down := o.Offsets()
		if !o.IsNormal() || up != analog.TestModeOffset || down != analog.TestModeOffset {
			t.Fatalf("voice %d got state=%v offsets=%v/%v", v, o.State(), up, down)
		}
	}
}

func TestWriteCalInfo(t *testing.T) {
	b := newBench(t, nil)
	b.run(10)
	b.in.WriteCalInfo()
	b.step()
	path := filepath.Join(b.params.TuningDir, CalInfoName)
	info, err := fitcommon.ReadFloatDump(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(info) != analog.NumVoices+1 {
		t.Fatalf("len got=%d want=%d", len(info), analog.NumVoices+1)
	}
	if info[analog.NumVoices] != 0 {
		t.Fatalf("running flag got=%v want=0", info[analog.NumVoices])
	}
	for v := 0; v < analog.NumVoices; v++ {
		if math.IsNaN(float64(info[v])) || info[v] == 0 {
			t.Fatalf("voice %d proxy got=%v", v, info[v])
		}
	}

	b.in.StartMainVcaCal()
	b.in.WriteCalInfo()
	b.step()
	info, err = fitcommon.ReadFloatDump(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if info[analog.NumVoices] != 1 {
		t.Fatalf("running flag got=%v want=1", info[analog.NumVoices])
	}
}

func TestSaveAndReloadCalibration(t *testing.T) {
	b := newBench(t, nil)
	b.in.Voice(3).SetMainVcaOffsets(0.01, -0.02)
	b.in.SaveCalibration()
	b.step()
	rec, err := analog.ReadCalFile(analog.CalPath(b.params.CalDir, 3))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.MainL != 0.01 || rec.MainR != -0.02 {
		t.Fatalf("saved main trims got=%v/%v", rec.MainL, rec.MainR)
	}

	b.in.Voice(3).SetMainVcaOffsets(0, 0)
	b.in.ReloadCalibration()
	b.step()
	if l, r := b.in.Voice(3).MainVcaOffsets(); l != 0.01 || r != -0.02 {
		t.Fatalf("reloaded main trims got=%v/%v want=0.01/-0.02", l, r)
	}
}

func TestCalibrationRestoresAllocation(t *testing.T) {
	b := newBench(t, func(_ *analog.Params, c *calseq.Params, _ *sim.Plant) {
		c.Main.WindowBuffers = 4
	})
	b.in.SetAllocated(1, true)
	b.in.StartMainVcaCal()
	if !b.in.CalibrationRunning() {
		t.Fatalf("pending routine not reported as running")
	}
	b.step()
	if got := b.in.Routine(); got != calseq.MainVca {
		t.Fatalf("routine got=%v want=%v", got, calseq.MainVca)
	}
	b.in.SetAllocated(4, true)
	b.runCal(t, 400000)
	for v := 0; v < analog.NumVoices; v++ {
		want := v == 1 || v == 4
		if got := b.in.Voice(v).Allocated(); got != want {
			t.Fatalf("voice %d allocated got=%v want=%v", v, got, want)
		}
	}
}

func TestDisabledVoiceNeverAllocated(t *testing.T) {
	p, c := benchParams(t)
	p.PerVoice[5] = &analog.VoiceParams{Disabled: true}
	in := New(Config{Params: p, Cal: c})
	defer in.Close(context.Background())
	in.SetAllocated(5, true)
	in.SetAllocated(6, true)
	if in.Voice(5).Allocated() || !in.Voice(6).Allocated() {
		t.Fatalf("allocated got=%v/%v want=false/true", in.Voice(5).Allocated(), in.Voice(6).Allocated())
	}
}

func TestCloseFlushesQueuedWrites(t *testing.T) {
	p, c := benchParams(t)
	in := New(Config{Params: p, Cal: c})
	var (
		inputs [analog.NumVoices]analog.VoiceInput
		out    [analog.NumVoices]analog.VoiceOutput
		l, r   [analog.BufferSize]float32
	)
	in.SaveCalibration()
	in.Process(&inputs, &l, &r, nil, &out)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := in.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	for v := 0; v < analog.NumVoices; v++ {
		if _, err := os.Stat(analog.CalPath(p.CalDir, v)); err != nil {
			t.Fatalf("voice %d: %v", v, err)
		}
	}
}

func TestCalibrationWithoutLoopback(t *testing.T) {
	p, c := benchParams(t)
	in := New(Config{Params: p, Cal: c})
	defer in.Close(context.Background())
	var (
		inputs [analog.NumVoices]analog.VoiceInput
		out    [analog.NumVoices]analog.VoiceOutput
	)
	in.StartMainVcaCal()
	for i := 0; i < 20; i++ {
		in.Process(&inputs, nil, nil, nil, &out)
	}
	if got := in.Routine(); got != calseq.MainVca || !in.CalibrationRunning() {
		t.Fatalf("routine got=%v running=%v", got, in.CalibrationRunning())
	}
}

func TestMixCalibrationFindsPlantZeros(t *testing.T) {
	if testing.Short() {
		t.Skip("closed-loop calibration")
	}
	b := newBench(t, func(_ *analog.Params, c *calseq.Params, _ *sim.Plant) {
		c.Mix.StartupBuffers = 500
		c.Mix.AverageBuffers = 16
	})
	b.run(lockBuffers)

	b.in.StartMixCal()
	b.runCal(t, 400000)

	var before, after float64
	for v := 0; v < analog.NumVoices; v++ {
		z := b.plant.MixZeros(v)
		m := b.in.Voice(v).CalRecord().Mix
		// The second oscillator's VCAs invert, so their trims are stored negated.
		got := []float32{m.Tri0, -m.Tri1, m.Sqr0, -m.Sqr1, m.Xor}
		want := []float32{z.Tri0, z.Tri1, z.Sqr0, z.Sqr1, z.Xor}
		for i := range got {
			if absf(got[i]-want[i]) > 1e-3 {
				t.Fatalf("voice %d trim %d got=%v want=%v", v, i, got[i], want[i])
			}
			before += float64(want[i] * want[i])
			d := got[i] - want[i]
			after += float64(d * d)
		}
		if _, err := os.Stat(analog.CalPath(b.params.CalDir, v)); err != nil {
			t.Fatalf("voice %d not saved: %v", v, err)
		}
	}
	if after > 0.1*before {
		t.Fatalf("squared error got=%v, uncalibrated=%v", after, before)
	}
}

func TestMainVcaCalibrationFindsPlantZeros(t *testing.T) {
	if testing.Short() {
		t.Skip("closed-loop calibration")
	}
	b := newBench(t, func(_ *analog.Params, c *calseq.Params, _ *sim.Plant) {
		c.Main.WindowBuffers = 8
	})
	b.run(lockBuffers)

	b.in.StartMainVcaCal()
	b.runCal(t, 400000)
	for v := 0; v < analog.NumVoices; v++ {
		wantL, wantR := b.plant.MainZeros(v)
		l, r := b.in.Voice(v).MainVcaOffsets()
		if absf(l-wantL) > 3e-4 || absf(r-wantR) > 3e-4 {
			t.Fatalf("voice %d got=%v/%v want=%v/%v", v, l, r, wantL, wantR)
		}
		if _, err := os.Stat(calseq.MainVcaDumpPath(b.params.TuningDir, v)); err != nil {
			t.Fatalf("voice %d trace: %v", v, err)
		}
	}
}

func TestFilterSweepFitRecoversPlantCutoff(t *testing.T) {
	if testing.Short() {
		t.Skip("closed-loop calibration")
	}
	b := newBench(t, nil)
	b.run(lockBuffers)
	// Reference the temperature compensation to the locked state so the sweep
	// runs at zero relative temperature.
	for v := 0; v < analog.NumVoices; v++ {
		fc := b.in.Voice(v).FilterCal()
		fc.BaseTemp = b.in.Voice(v).TemperatureProxy()
		b.in.Voice(v).SetFilterCal(fc)
	}

	b.in.StartFilterCal()
	b.runCal(t, 400000)

	for v := 0; v < analog.NumVoices; v++ {
		d, err := analysis.ReadFilterDump(calseq.FilterDumpPath(b.params.TuningDir, v))
		if err != nil {
			t.Fatalf("voice %d: %v", v, err)
		}
		pts := d.Points(analysis.DefaultPeakBand())
		fit, err := analysis.FitFilter(pts, d.Temp)
		if err != nil {
			t.Fatalf("voice %d fit: %v", v, err)
		}
		wantA, wantC := b.plant.FilterTruth(v)
		if math.Abs(float64(fit.A-wantA)) > 0.02*float64(wantA) || absf(fit.C-wantC) > 0.005 {
			t.Fatalf("voice %d fit got=%v/%v want=%v/%v (%d points)", v, fit.A, fit.C, wantA, wantC, fit.Points)
		}
	}
}
