package main

import (
	"fmt"
	"math"

	"github.com/fatih/color"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/analysis"
	"github.com/Melbourne-Instruments/nina-vst-sub000/calseq"
)

var (
	good = color.New(color.FgGreen)
	bad  = color.New(color.FgRed)
)

func mark(ok bool) *color.Color {
	if ok {
		return good
	}
	return bad
}

func reportLock(r *rig) {
	locked := 0
	for v := 0; v < analog.NumVoices; v++ {
		for k := 0; k < analog.OscsPerVoice; k++ {
			if r.in.Voice(v).Osc(k).IsNormal() {
				locked++
			}
		}
	}
	total := analog.NumVoices * analog.OscsPerVoice
	mark(locked == total).Printf("Oscillators tracking: %d/%d\n", locked, total)
}

func reportRoutine(r *rig, routine string) {
	fmt.Printf("%-6s %-40s %-40s\n", "voice", "found", "plant")
	for v := 0; v < analog.NumVoices; v++ {
		voice := r.in.Voice(v)
		switch routine {
		case "mix":
			m := voice.CalRecord().Mix
			z := r.plant.MixZeros(v)
			got := [5]float32{m.Tri0, -m.Tri1, m.Sqr0, -m.Sqr1, m.Xor}
			want := [5]float32{z.Tri0, z.Tri1, z.Sqr0, z.Sqr1, z.Xor}
			worst := 0.0
			for i := range got {
				worst = math.Max(worst, math.Abs(float64(got[i]-want[i])))
			}
			mark(worst < 1e-3).Printf("%-6d %-40s %-40s\n", v,
				fmt.Sprintf("%+.5f %+.5f %+.5f %+.5f %+.5f", got[0], got[1], got[2], got[3], got[4]),
				fmt.Sprintf("%+.5f %+.5f %+.5f %+.5f %+.5f", want[0], want[1], want[2], want[3], want[4]))
		case "main":
			l, rr := voice.MainVcaOffsets()
			zl, zr := r.plant.MainZeros(v)
			ok := math.Abs(float64(l-zl)) < 3e-4 && math.Abs(float64(rr-zr)) < 3e-4
			mark(ok).Printf("%-6d %-40s %-40s\n", v,
				fmt.Sprintf("%+.5f %+.5f", l, rr), fmt.Sprintf("%+.5f %+.5f", zl, zr))
		case "filter":
			fc := voice.FilterCal()
			fmt.Printf("%-6d %-40s %-40s\n", v,
				fmt.Sprintf("base temp %.4f", fc.BaseTemp), calseq.FilterDumpPath(r.tuningDir, v))
		}
	}
}

// fitFilters runs the offline filter fit on the sweep dumps and installs the
// models for the next start.
func fitFilters(r *rig, p *analog.Params) {
	fmt.Printf("%-6s %-24s %-24s %s\n", "voice", "fit a/c", "plant a/c", "points")
	for v := 0; v < analog.NumVoices; v++ {
		d, err := analysis.ReadFilterDump(calseq.FilterDumpPath(p.TuningDir, v))
		if err != nil {
			bad.Printf("%-6d %v\n", v, err)
			continue
		}
		fit, err := analysis.FitFilter(d.Points(analysis.DefaultPeakBand()), d.Temp)
		if err != nil {
			bad.Printf("%-6d %v\n", v, err)
			continue
		}
		if err := fit.Write(p.CalDir, v); err != nil {
			bad.Printf("%-6d %v\n", v, err)
			continue
		}
		a, c := r.plant.FilterTruth(v)
		ok := math.Abs(float64(fit.A-a)) < 0.02*float64(a) && math.Abs(float64(fit.C-c)) < 0.005
		mark(ok).Printf("%-6d %-24s %-24s %d\n", v,
			fmt.Sprintf("%.4f %.4f", fit.A, fit.C), fmt.Sprintf("%.4f %.4f", a, c), fit.Points)
	}
}

// fitOscillators fits every tuning table and compares the predicted voltages
// against the plant at its current tracking offsets.
func fitOscillators(r *rig, p *analog.Params) {
	cfg := analysis.DefaultOscFitConfig()
	fmt.Printf("%-10s %-12s %-12s %s\n", "osc", "rms up", "rms down", "worst error")
	for v := 0; v < analog.NumVoices; v++ {
		for k := 0; k < analog.OscsPerVoice; k++ {
			seqs, err := analog.ReadTuningTable(analog.TuningTablePath(p.TuningDir, v, k))
			if err != nil {
				bad.Printf("%d/%d        %v\n", v, k, err)
				continue
			}
			fit, err := analysis.FitOscillator(seqs, cfg)
			if err != nil {
				bad.Printf("%d/%d        %v\n", v, k, err)
				continue
			}
			if err := fit.Write(p.CalDir, v, k); err != nil {
				bad.Printf("%d/%d        %v\n", v, k, err)
				continue
			}
			up, down, offUp, offDown := r.plant.TrueModels(v, k)
			tUp, tDown := latestOffset(fit.Up), latestOffset(fit.Down)
			worst := 0.0
			for _, f := range [][2]float32{{9, 10}, {11, 11}, {12.5, 9.5}} {
				eu := fit.Up.Model.Voltage(f[0], f[1], tUp) - up.Voltage(f[0], f[1], offUp)
				ed := fit.Down.Model.Voltage(f[1], f[0], tDown) - down.Voltage(f[1], f[0], offDown)
				worst = math.Max(worst, math.Max(math.Abs(float64(eu)), math.Abs(float64(ed))))
			}
			mark(worst < 5e-3).Printf("%-10s %-12.2e %-12.2e %.2e\n",
				fmt.Sprintf("%d/%d", v, k), fit.Up.RMS, fit.Down.RMS, worst)
		}
	}
}

func latestOffset(h analysis.HalfFit) float32 {
	last := -1
	for s := range h.Offsets {
		if s > last {
			last = s
		}
	}
	return float32(h.Offsets[last])
}
