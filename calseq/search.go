// Package calseq runs the automated calibration routines: mixer VCA and main
// VCA trim searches and the open-loop filter sweep.
package calseq

import "math"

// MaxRing bounds the history a Search can keep.
const MaxRing = 32

// SearchConfig shapes a sign-flip gradient search.
type SearchConfig struct {
	Step   float32
	Ring   int // history length; convergence compares against the oldest slot
	Window int // newest slots averaged into the result; 0 averages the ring
	Budget int // evaluations before giving up; 0 means unlimited
}

// Outcome is the result of one Advance.
type Outcome int

const (
	Continue Outcome = iota
	Converged
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Converged:
		return "converged"
	case Exhausted:
		return "exhausted"
	}
	return "unknown"
}

// Search is the state of one trim search. It is a plain value: Advance returns
// the next state and leaves the receiver untouched.
type Search struct {
	cfg SearchConfig

	Value float32
	step  float32
	prev  float32

	hist  [MaxRing]float32
	head  int
	count int
	iter  int

	bestCost  float32
	bestValue float32
}

func NewSearch(cfg SearchConfig, start float32) Search {
	if cfg.Ring < 2 {
		cfg.Ring = 2
	}
	if cfg.Ring > MaxRing {
		cfg.Ring = MaxRing
	}
	if cfg.Window <= 0 || cfg.Window > cfg.Ring {
		cfg.Window = cfg.Ring
	}
	return Search{
		cfg:       cfg,
		Value:     start,
		step:      cfg.Step,
		prev:      math.MaxFloat32,
		bestCost:  math.MaxFloat32,
		bestValue: start,
	}
}

// Iterations is the number of costs consumed so far.
func (s Search) Iterations() int { return s.iter }

// Step is the signed step the next trial will move by.
func (s Search) Step() float32 { return s.step }

// Advance consumes the cost measured at s.Value. On Converged the returned
// Value is the mean of the newest Window trials; on Exhausted it is the trial
// with the lowest cost seen.
func (s Search) Advance(cost float32) (Search, Outcome) {
	s.iter++
	if cost < s.bestCost {
		s.bestCost = cost
		s.bestValue = s.Value
	}
	rising := cost > s.prev
	s.prev = cost

	s.hist[s.head] = s.Value
	s.head = (s.head + 1) % s.cfg.Ring
	if s.count < s.cfg.Ring {
		s.count++
	}

	if s.count == s.cfg.Ring {
		oldest := s.hist[s.head]
		if absf(oldest-s.Value) < absf(2*s.step) {
			s.Value = s.recentMean()
			return s, Converged
		}
	}
	if s.cfg.Budget > 0 && s.iter >= s.cfg.Budget {
		s.Value = s.bestValue
		return s, Exhausted
	}

	if rising {
		s.step = -s.step
	}
	s.Value += s.step
	return s, Continue
}

func (s Search) recentMean() float32 {
	var sum float32
	for k := 1; k <= s.cfg.Window; k++ {
		sum += s.hist[(s.head-k+s.cfg.Ring)%s.cfg.Ring]
	}
	return sum / float32(s.cfg.Window)
}

func absf(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
