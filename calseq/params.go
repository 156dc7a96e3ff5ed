package calseq

// MixParams configure the mixer VCA routine.
type MixParams struct {
	StartupBuffers int     // settle time before the first voice
	Step           float32 // first pass step size
	AverageBuffers int     // measurement window of the first pass
	Ring           int
	ResultWindow   int // most recent ring slots averaged into the result
	Passes         int
	Budget         int // evaluations per search before giving up
	TuningGain     float32
	HighpassHz     float32
}

// MainParams configure the main output VCA routine.
type MainParams struct {
	ToneHz        float32
	ToneLevel     float32
	WindowBuffers int
	Step          float32
	Ring          int
	Budget        int

	// SkipFirstRightConvergence ignores the right channel's first convergence
	// and keeps searching until it converges a second time.
	SkipFirstRightConvergence bool
}

// FilterParams configure the open-loop filter sweep.
type FilterParams struct {
	StimulusStart float32
	StimulusStep  float32
	StepScale     int // stimulus drops at calls n²·0.15·StepScale + StepScale·n
	CaptureStart  int
	CaptureEnd    int
}

// Params groups the routine settings and the directory receiving dumps.
type Params struct {
	DumpDir string
	Mix     MixParams
	Main    MainParams
	Filter  FilterParams
}

func NewDefaultParams() *Params {
	return &Params{
		DumpDir: "/udata/nina/tuning",
		Mix: MixParams{
			StartupBuffers: 7000,
			Step:           5e-4,
			AverageBuffers: 100,
			Ring:           10,
			ResultWindow:   5,
			Passes:         3,
			Budget:         2000,
			TuningGain:     0.3,
			HighpassHz:     800,
		},
		Main: MainParams{
			ToneHz:        2000,
			ToneLevel:     0.1,
			WindowBuffers: 400,
			Step:          1e-4,
			Ring:          20,
			Budget:        2000,
		},
		Filter: FilterParams{
			StimulusStart: 0.95,
			StimulusStep:  0.11,
			StepScale:     20,
			CaptureStart:  10,
			CaptureEnd:    1400,
		},
	}
}

// passStep and passWindow shrink the step and lengthen the measurement on the
// refinement passes.
var (
	passStep   = [...]float32{1, 0.25, 0.15}
	passWindow = [...]int{1, 2, 2}
)

func passScale(pass int) (step float32, window int) {
	if pass >= len(passStep) {
		pass = len(passStep) - 1
	}
	return passStep[pass], passWindow[pass]
}
