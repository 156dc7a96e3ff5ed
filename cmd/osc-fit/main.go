package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/analysis"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/fitcommon"
)

type oscJob struct {
	voice, osc int
}

type oscResult struct {
	oscJob
	fit     analysis.OscFit
	samples int
	err     error
}

func main() {
	tuningDir := flag.String("tuning-dir", analog.DefaultTuningDir, "Directory holding the tuning tables")
	calDir := flag.String("cal-dir", analog.DefaultCalDir, "Directory the .model files are written to")
	voice := flag.Int("voice", -1, "Voice to fit (-1 = all)")
	osc := flag.Int("osc", -1, "Oscillator to fit (-1 = both)")
	maxHz := flag.Float64("max-hz", 80000, "Rows faster than this are treated as miscounts")
	skip := flag.Float64("skip", 1.0/8, "Leading fraction of each table discarded")
	optimizer := flag.String("optimizer", "golden", "Slope search: golden|mayfly")
	variant := flag.String("mayfly-variant", "desma", "Mayfly variant: ma|desma|olce|eobbma|gsasma|mpma|aoblmoa")
	pop := flag.Int("mayfly-pop", 10, "Mayfly population size")
	iters := flag.Int("mayfly-iters", 40, "Mayfly iterations per search")
	seed := flag.Int64("seed", 1, "Random seed for mayfly")
	workersRaw := flag.String("workers", "auto", "Parallel fits (integer or auto)")
	dryRun := flag.Bool("dry-run", false, "Report fits without writing model files")
	flag.Parse()

	workers, err := fitcommon.Workers(*workersRaw)
	if err != nil {
		die("invalid -workers: %v", err)
	}

	cfg := analysis.DefaultOscFitConfig()
	cfg.MaxHz = *maxHz
	cfg.Skip = *skip
	sc := searchConfig{optimizer: *optimizer, variant: *variant, pop: *pop, iters: *iters, seed: *seed}
	if sc.optimizer != "golden" && sc.optimizer != "mayfly" {
		die("unknown -optimizer %q (use golden|mayfly)", sc.optimizer)
	}
	if _, err := slopeSearch(sc, cfg, 0); err != nil {
		die("invalid mayfly setup: %v", err)
	}

	jobs := selectJobs(*voice, *osc)
	if len(jobs) == 0 {
		die("no oscillator selected (voice 0..%d, osc 0..%d)", analog.NumVoices-1, analog.OscsPerVoice-1)
	}

	start := time.Now()
	results := fitAll(jobs, *tuningDir, cfg, sc, workers)

	failed := 0
	fmt.Printf("%-6s %-8s %-10s %-10s %-10s %-10s\n", "osc", "samples", "a up", "rms up", "a down", "rms down")
	for _, r := range results {
		name := fmt.Sprintf("%d/%d", r.voice, r.osc)
		if r.err != nil {
			failed++
			color.New(color.FgRed).Printf("%-6s %v\n", name, r.err)
			continue
		}
		fmt.Printf("%-6s %-8d %-10.5f %-10.2e %-10.5f %-10.2e\n", name, r.samples,
			r.fit.Up.Model.A, r.fit.Up.RMS, r.fit.Down.Model.A, r.fit.Down.RMS)
		if *dryRun {
			continue
		}
		if err := r.fit.Write(*calDir, r.voice, r.osc); err != nil {
			failed++
			color.New(color.FgRed).Printf("%-6s write: %v\n", name, err)
		}
	}

	summary := color.New(color.FgGreen)
	if failed > 0 {
		summary = color.New(color.FgYellow)
	}
	summary.Printf("Fitted %d/%d oscillators in %.1fs\n", len(results)-failed, len(results), time.Since(start).Seconds())
	if failed == len(results) {
		os.Exit(1)
	}
}

func selectJobs(voice, osc int) []oscJob {
	var jobs []oscJob
	for v := 0; v < analog.NumVoices; v++ {
		if voice >= 0 && v != voice {
			continue
		}
		for k := 0; k < analog.OscsPerVoice; k++ {
			if osc >= 0 && k != osc {
				continue
			}
			jobs = append(jobs, oscJob{voice: v, osc: k})
		}
	}
	return jobs
}

// fitAll fits the selected tables concurrently; results keep the job order.
func fitAll(jobs []oscJob, tuningDir string, cfg analysis.OscFitConfig, sc searchConfig, workers int) []oscResult {
	results := make([]oscResult, len(jobs))
	next := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < min(workers, len(jobs)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				results[i] = fitOne(jobs[i], tuningDir, cfg, sc, int64(i))
			}
		}()
	}
	for i := range jobs {
		next <- i
	}
	close(next)
	wg.Wait()
	return results
}

func fitOne(j oscJob, tuningDir string, cfg analysis.OscFitConfig, sc searchConfig, round int64) oscResult {
	res := oscResult{oscJob: j}
	seqs, err := analog.ReadTuningTable(analog.TuningTablePath(tuningDir, j.voice, j.osc))
	if err != nil {
		res.err = err
		return res
	}
	samples := analysis.TuneSamples(seqs, cfg.MaxHz, cfg.Skip)
	res.samples = len(samples)

	search, err := slopeSearch(sc, cfg, round)
	if err != nil {
		res.err = err
		return res
	}
	fitHalf := func(h analysis.Half) (analysis.HalfFit, error) {
		if search == nil {
			return analysis.FitHalf(samples, h, cfg)
		}
		return analysis.FitHalfWith(samples, h, cfg, search)
	}
	if res.fit.Up, err = fitHalf(analysis.Up); err != nil {
		res.err = err
		return res
	}
	if res.fit.Down, err = fitHalf(analysis.Down); err != nil {
		res.err = err
	}
	return res
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
