package calseq

import (
	"math"
	"testing"
)

func vCost(min float32) func(float32) float32 {
	return func(x float32) float32 { return absf(x - min) }
}

func runSearch(s Search, cost func(float32) float32, limit int) (Search, Outcome, int) {
	out := Continue
	n := 0
	for out == Continue && n < limit {
		s, out = s.Advance(cost(s.Value))
		n++
	}
	return s, out, n
}

func TestSearchConvergesNearMinimum(t *testing.T) {
	for _, min := range []float32{0.0123, -0.0071, 0.00021} {
		cfg := SearchConfig{Step: 5e-4, Ring: 10, Window: 5, Budget: 500}
		s, out, n := runSearch(NewSearch(cfg, 0), vCost(min), 1000)
		if out != Converged {
			t.Fatalf("min %f: outcome got=%s after %d steps", min, out, n)
		}
		if d := math.Abs(float64(s.Value - min)); d > float64(cfg.Step) {
			t.Fatalf("min %f: result got=%f off by %g, want within one step", min, s.Value, d)
		}
	}
}

func TestSearchWholeRingAverage(t *testing.T) {
	cfg := SearchConfig{Step: 1e-4, Ring: 20, Budget: 2000}
	s, out, _ := runSearch(NewSearch(cfg, 0), vCost(-0.0015), 5000)
	if out != Converged {
		t.Fatalf("outcome got=%s", out)
	}
	if d := math.Abs(float64(s.Value + 0.0015)); d > 1e-4 {
		t.Fatalf("result got=%f want≈-0.0015", s.Value)
	}
}

func TestSearchBudgetCommitsBestTrial(t *testing.T) {
	cfg := SearchConfig{Step: 0.01, Ring: 10, Budget: 50}
	falling := func(x float32) float32 { return -x }
	s, out, n := runSearch(NewSearch(cfg, 0), falling, 1000)
	if out != Exhausted || n != 50 {
		t.Fatalf("outcome got=%s after %d, want exhausted after 50", out, n)
	}
	if d := math.Abs(float64(s.Value - 0.49)); d > 1e-4 {
		t.Fatalf("best trial got=%f want=0.49", s.Value)
	}
}

func TestSearchAdvanceLeavesReceiverUnchanged(t *testing.T) {
	s0 := NewSearch(SearchConfig{Step: 0.1, Ring: 4}, 1)
	s1, out := s0.Advance(3)
	if out != Continue {
		t.Fatalf("outcome got=%s", out)
	}
	if s0.Value != 1 || s0.Iterations() != 0 {
		t.Fatalf("receiver mutated: value=%f iter=%d", s0.Value, s0.Iterations())
	}
	if s1.Value != 1.1 || s1.Iterations() != 1 {
		t.Fatalf("next state got value=%f iter=%d", s1.Value, s1.Iterations())
	}
}

func TestSearchFlipsOnRisingCost(t *testing.T) {
	s := NewSearch(SearchConfig{Step: 0.5, Ring: 8}, 0)
	s, _ = s.Advance(1)
	if s.Step() != 0.5 {
		t.Fatalf("step got=%f want=0.5", s.Step())
	}
	s, _ = s.Advance(2)
	if s.Step() != -0.5 || s.Value != 0 {
		t.Fatalf("after rise step=%f value=%f", s.Step(), s.Value)
	}
}
