package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/analysis"
	"github.com/Melbourne-Instruments/nina-vst-sub000/calseq"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/fitcommon"
)

func main() {
	tuningDir := flag.String("tuning-dir", analog.DefaultTuningDir, "Directory holding the filter sweep dumps")
	calDir := flag.String("cal-dir", analog.DefaultCalDir, "Directory the .filter files are written to")
	voice := flag.Int("voice", -1, "Voice to fit (-1 = all)")
	wavPath := flag.String("wav", "", "Fit a recorded sweep instead of the dump audio (needs -voice)")
	minHz := flag.Float64("min-hz", 50, "Lowest accepted resonance")
	maxHz := flag.Float64("max-hz", 2000, "Highest accepted resonance")
	jump := flag.Float64("jump", 0.001, "Cutoff change that starts a new segment")
	minSamples := flag.Int("min-samples", 256, "Shortest segment analysed")
	verbose := flag.Bool("v", false, "Print every measured segment")
	dryRun := flag.Bool("dry-run", false, "Report fits without writing model files")
	flag.Parse()

	band := analysis.PeakBand{MinHz: *minHz, MaxHz: *maxHz, Jump: float32(*jump), MinSamples: *minSamples}
	if band.MinHz <= 0 || band.MaxHz <= band.MinHz {
		die("invalid band %.1f..%.1f Hz", band.MinHz, band.MaxHz)
	}
	if *wavPath != "" && *voice < 0 {
		die("-wav needs -voice")
	}

	failed, total := 0, 0
	for v := 0; v < analog.NumVoices; v++ {
		if *voice >= 0 && v != *voice {
			continue
		}
		total++
		fit, pts, err := fitVoice(calseq.FilterDumpPath(*tuningDir, v), *wavPath, band)
		if *verbose {
			for _, p := range pts {
				fmt.Printf("  voice %d stim %+.4f -> %7.1f Hz (pos %+.4f)\n", v, p.Stimulus, p.Hz, p.Position)
			}
		}
		if err != nil {
			failed++
			color.New(color.FgRed).Printf("voice %-2d %v\n", v, err)
			continue
		}
		fmt.Printf("voice %-2d a=%.5f c=%+.5f base=%.4f points=%d rms=%.2e\n",
			v, fit.A, fit.C, fit.BaseTemp, fit.Points, fit.RMS)
		if *dryRun {
			continue
		}
		if err := fit.Write(*calDir, v); err != nil {
			failed++
			color.New(color.FgRed).Printf("voice %-2d write: %v\n", v, err)
		}
	}
	if total == 0 {
		die("no voice selected (0..%d)", analog.NumVoices-1)
	}
	if failed > 0 {
		color.New(color.FgYellow).Printf("%d/%d voices failed\n", failed, total)
		if failed == total {
			os.Exit(1)
		}
		return
	}
	color.New(color.FgGreen).Printf("Fitted %d voices\n", total)
}

func fitVoice(dumpPath, wavPath string, band analysis.PeakBand) (analysis.FilterFit, []analysis.FilterPoint, error) {
	d, err := analysis.ReadFilterDump(dumpPath)
	if err != nil {
		return analysis.FilterFit{}, nil, err
	}
	if wavPath != "" {
		audio, err := loadSweepWAV(wavPath, len(d.Cutoff))
		if err != nil {
			return analysis.FilterFit{}, nil, err
		}
		d.Audio = audio
	}
	pts := d.Points(band)
	fit, err := analysis.FitFilter(pts, d.Temp)
	return fit, pts, err
}

// loadSweepWAV reads a recording of the sweep at the engine rate, cut or
// zero-padded to the cutoff trace.
func loadSweepWAV(path string, n int) ([]float32, error) {
	mono, rate, err := fitcommon.ReadWAVMono(path)
	if err != nil {
		return nil, err
	}
	mono, err = fitcommon.ResampleIfNeeded(mono, rate, analog.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("resample %s: %w", path, err)
	}
	out := make([]float32, n)
	for i := 0; i < n && i < len(mono); i++ {
		out[i] = float32(mono[i])
	}
	return out, nil
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
