package analog

// Default locations of the calibration and raw tuning data on the instrument.
const (
	DefaultCalDir    = "/udata/nina/calibration"
	DefaultTuningDir = "/udata/nina/tuning"
)

// DefaultTuningGain gives the corrector its nominal loop gain of 1.
const DefaultTuningGain = defaultGain / tuneGainScale

// Params holds the engine-wide voice settings.
type Params struct {
	CalDir    string
	TuningDir string

	TuningGain   float32
	DisableMutes bool

	PerVoice map[int]*VoiceParams
}

// VoiceParams overrides engine settings for one voice.
type VoiceParams struct {
	TuningGain float32 // used when > 0
	Disabled   bool    // never allocated, so the voice stays muted
}

func NewDefaultParams() *Params {
	return &Params{
		CalDir:     DefaultCalDir,
		TuningDir:  DefaultTuningDir,
		TuningGain: DefaultTuningGain,
		PerVoice:   make(map[int]*VoiceParams),
	}
}

// TuningGainFor returns the corrector gain for voice v.
func (p *Params) TuningGainFor(v int) float32 {
	if vp, ok := p.PerVoice[v]; ok && vp != nil && vp.TuningGain > 0 {
		return vp.TuningGain
	}
	return p.TuningGain
}

// VoiceDisabled reports whether voice v is switched off by configuration.
func (p *Params) VoiceDisabled(v int) bool {
	vp, ok := p.PerVoice[v]
	return ok && vp != nil && vp.Disabled
}
