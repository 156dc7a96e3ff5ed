package main

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"

	"github.com/cwbudde/mayfly"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analysis"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/fitcommon"
)

type searchConfig struct {
	optimizer string
	variant   string
	pop       int
	iters     int
	seed      int64
}

// slopeSearch returns the search FitHalfWith runs over the offset slope a.
// Mayfly positions are normalized to [0,1] across [lo,hi].
func slopeSearch(sc searchConfig, fit analysis.OscFitConfig, round int64) (func(cost func(a float64) float64) float64, error) {
	if strings.ToLower(sc.optimizer) == "golden" {
		return nil, nil
	}
	variant := strings.ToLower(sc.variant)
	if _, err := newMayflyConfig(variant, sc.pop, 1, sc.iters); err != nil {
		return nil, err
	}
	lo, hi := fit.ALo, fit.AHi
	return func(cost func(a float64) float64) float64 {
		cfg, _ := newMayflyConfig(variant, sc.pop, 1, sc.iters)
		cfg.Rand = rand.New(rand.NewSource(sc.seed + round*7919))

		best, bestCost := 0.5*(lo+hi), math.Inf(1)
		cfg.ObjectiveFunc = func(pos []float64) float64 {
			a := lo + fitcommon.Clamp(pos[0], 0, 1)*(hi-lo)
			c := cost(a)
			if c < bestCost {
				best, bestCost = a, c
			}
			return c
		}
		if _, err := runMayfly(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "mayfly round %d failed: %v\n", round, err)
		}
		return best
	}, nil
}

func newMayflyConfig(variant string, pop int, dims int, iters int) (*mayfly.Config, error) {
	var cfg *mayfly.Config
	switch variant {
	case "ma":
		cfg = mayfly.NewDefaultConfig()
	case "desma":
		cfg = mayfly.NewDESMAConfig()
	case "olce":
		cfg = mayfly.NewOLCEConfig()
	case "eobbma":
		cfg = mayfly.NewEOBBMAConfig()
	case "gsasma":
		cfg = mayfly.NewGSASMAConfig()
	case "mpma":
		cfg = mayfly.NewMPMAConfig()
	case "aoblmoa":
		cfg = mayfly.NewAOBLMOAConfig()
	default:
		return nil, fmt.Errorf("unsupported variant %q", variant)
	}
	cfg.ProblemSize = dims
	cfg.LowerBound = 0.0
	cfg.UpperBound = 1.0
	cfg.MaxIterations = iters
	cfg.NPop = pop
	cfg.NPopF = pop
	// NC/2 parent pairs are drawn from both populations.
	cfg.NC = 2 * pop
	cfg.NM = max(1, int(math.Round(0.05*float64(pop))))
	return cfg, nil
}

func runMayfly(cfg *mayfly.Config) (_ *mayfly.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mayfly panic: %v", r)
		}
	}()
	return mayfly.Optimize(cfg)
}
