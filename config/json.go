// Package config loads the engine settings from a JSON file on top of the
// built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/calseq"
	"github.com/Melbourne-Instruments/nina-vst-sub000/sim"
)

// File is the JSON schema of an engine configuration. Absent fields keep their
// defaults.
type File struct {
	CalDir       string                  `json:"cal_dir"`
	TuningDir    string                  `json:"tuning_dir"`
	TuningGain   *float32                `json:"tuning_gain"`
	DisableMutes *bool                   `json:"disable_mutes"`
	PerVoice     map[string]VoiceSetting `json:"per_voice"`

	Mix    *MixSetting    `json:"mix"`
	Main   *MainSetting   `json:"main"`
	Filter *FilterSetting `json:"filter"`
	Sim    *SimSetting    `json:"sim"`
}

// VoiceSetting is a partial voice override.
type VoiceSetting struct {
	TuningGain *float32 `json:"tuning_gain"`
	Disabled   *bool    `json:"disabled"`
}

type MixSetting struct {
	StartupBuffers *int     `json:"startup_buffers"`
	Step           *float32 `json:"step"`
	AverageBuffers *int     `json:"average_buffers"`
	Passes         *int     `json:"passes"`
	Budget         *int     `json:"budget"`
	TuningGain     *float32 `json:"tuning_gain"`
}

type MainSetting struct {
	ToneHz                    *float32 `json:"tone_hz"`
	ToneLevel                 *float32 `json:"tone_level"`
	WindowBuffers             *int     `json:"window_buffers"`
	Step                      *float32 `json:"step"`
	Budget                    *int     `json:"budget"`
	SkipFirstRightConvergence *bool    `json:"skip_first_right_convergence"`
}

type FilterSetting struct {
	StimulusStart *float32 `json:"stimulus_start"`
	StimulusStep  *float32 `json:"stimulus_step"`
	StepScale     *int     `json:"step_scale"`
	CaptureEnd    *int     `json:"capture_end"`
}

// SimSetting shapes the simulated voice boards used by the simulator tool.
type SimSetting struct {
	Seed          *int64   `json:"seed"`
	TempDrift     *float32 `json:"temp_drift"`
	TempPeriod    *float64 `json:"temp_period"`
	MixLeak       *float32 `json:"mix_leak"`
	MainLeak      *float32 `json:"main_leak"`
	FeedbackNoise *float32 `json:"feedback_noise"`
	LoopbackDelay *int     `json:"loopback_delay"`
}

// Settings is a complete engine configuration.
type Settings struct {
	Analog *analog.Params
	Cal    *calseq.Params
	Sim    sim.Config
}

// Default returns the built-in settings. Calibration dumps go to the tuning
// directory.
func Default() *Settings {
	s := &Settings{
		Analog: analog.NewDefaultParams(),
		Cal:    calseq.NewDefaultParams(),
		Sim:    sim.DefaultConfig(),
	}
	s.Cal.DumpDir = s.Analog.TuningDir
	return s
}

// LoadJSON loads a configuration file and applies it on top of the defaults.
// Relative directories are resolved against the file's directory.
func LoadJSON(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}

	s := Default()
	if err := ApplyFile(s, &f); err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	for _, dir := range []*string{&s.Analog.CalDir, &s.Analog.TuningDir} {
		if *dir != "" && !filepath.IsAbs(*dir) {
			*dir = filepath.Clean(filepath.Join(base, *dir))
		}
	}
	s.Cal.DumpDir = s.Analog.TuningDir
	return s, nil
}

// ApplyFile applies a parsed configuration onto existing settings.
func ApplyFile(dst *Settings, f *File) error {
	if dst == nil || dst.Analog == nil || dst.Cal == nil {
		return fmt.Errorf("nil destination settings")
	}
	if f == nil {
		return nil
	}

	a := dst.Analog
	if f.CalDir != "" {
		a.CalDir = strings.TrimSpace(f.CalDir)
	}
	if f.TuningDir != "" {
		a.TuningDir = strings.TrimSpace(f.TuningDir)
		dst.Cal.DumpDir = a.TuningDir
	}
	if f.TuningGain != nil {
		if *f.TuningGain < 0 {
			return fmt.Errorf("tuning_gain must be >= 0")
		}
		a.TuningGain = *f.TuningGain
	}
	if f.DisableMutes != nil {
		a.DisableMutes = *f.DisableMutes
	}
	if err := applyVoices(a, f.PerVoice); err != nil {
		return err
	}
	if err := applyMix(&dst.Cal.Mix, f.Mix); err != nil {
		return err
	}
	if err := applyMain(&dst.Cal.Main, f.Main); err != nil {
		return err
	}
	if err := applyFilter(&dst.Cal.Filter, f.Filter); err != nil {
		return err
	}
	return applySim(&dst.Sim, f.Sim)
}

func applyVoices(dst *analog.Params, per map[string]VoiceSetting) error {
	if len(per) == 0 {
		return nil
	}
	if dst.PerVoice == nil {
		dst.PerVoice = make(map[int]*analog.VoiceParams)
	}
	keys := make([]string, 0, len(per))
	for k := range per {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := strconv.Atoi(k)
		if err != nil || v < 0 || v >= analog.NumVoices {
			return fmt.Errorf("invalid per_voice key %q (expected 0..%d)", k, analog.NumVoices-1)
		}
		override := per[k]
		vp, ok := dst.PerVoice[v]
		if !ok || vp == nil {
			vp = &analog.VoiceParams{}
			dst.PerVoice[v] = vp
		}
		if override.TuningGain != nil {
			if *override.TuningGain <= 0 {
				return fmt.Errorf("per_voice[%d].tuning_gain must be > 0", v)
			}
			vp.TuningGain = *override.TuningGain
		}
		if override.Disabled != nil {
			vp.Disabled = *override.Disabled
		}
	}
	return nil
}

func positiveInt(name string, src *int, dst *int) error {
	if src == nil {
		return nil
	}
	if *src < 1 {
		return fmt.Errorf("%s must be >= 1", name)
	}
	*dst = *src
	return nil
}

func positiveFloat(name string, src *float32, dst *float32) error {
	if src == nil {
		return nil
	}
	if *src <= 0 {
		return fmt.Errorf("%s must be > 0", name)
	}
	*dst = *src
	return nil
}

func applyMix(dst *calseq.MixParams, f *MixSetting) error {
	if f == nil {
		return nil
	}
	if f.StartupBuffers != nil {
		if *f.StartupBuffers < 0 {
			return fmt.Errorf("mix.startup_buffers must be >= 0")
		}
		dst.StartupBuffers = *f.StartupBuffers
	}
	if err := positiveFloat("mix.step", f.Step, &dst.Step); err != nil {
		return err
	}
	if err := positiveInt("mix.average_buffers", f.AverageBuffers, &dst.AverageBuffers); err != nil {
		return err
	}
	if err := positiveInt("mix.passes", f.Passes, &dst.Passes); err != nil {
		return err
	}
	if err := positiveInt("mix.budget", f.Budget, &dst.Budget); err != nil {
		return err
	}
	return positiveFloat("mix.tuning_gain", f.TuningGain, &dst.TuningGain)
}

func applyMain(dst *calseq.MainParams, f *MainSetting) error {
	if f == nil {
		return nil
	}
	if f.ToneHz != nil {
		if *f.ToneHz <= 0 || *f.ToneHz >= analog.SampleRate/2 {
			return fmt.Errorf("main.tone_hz must be in (0,%d)", analog.SampleRate/2)
		}
		dst.ToneHz = *f.ToneHz
	}
	if f.ToneLevel != nil {
		if *f.ToneLevel <= 0 || *f.ToneLevel > 1 {
			return fmt.Errorf("main.tone_level must be in (0,1]")
		}
		dst.ToneLevel = *f.ToneLevel
	}
	if err := positiveInt("main.window_buffers", f.WindowBuffers, &dst.WindowBuffers); err != nil {
		return err
	}
	if err := positiveFloat("main.step", f.Step, &dst.Step); err != nil {
		return err
	}
	if err := positiveInt("main.budget", f.Budget, &dst.Budget); err != nil {
		return err
	}
	if f.SkipFirstRightConvergence != nil {
		dst.SkipFirstRightConvergence = *f.SkipFirstRightConvergence
	}
	return nil
}

func applyFilter(dst *calseq.FilterParams, f *FilterSetting) error {
	if f == nil {
		return nil
	}
	if f.StimulusStart != nil {
		if *f.StimulusStart < -1 || *f.StimulusStart > 1 {
			return fmt.Errorf("filter.stimulus_start must be in [-1,1]")
		}
		dst.StimulusStart = *f.StimulusStart
	}
	if err := positiveFloat("filter.stimulus_step", f.StimulusStep, &dst.StimulusStep); err != nil {
		return err
	}
	if err := positiveInt("filter.step_scale", f.StepScale, &dst.StepScale); err != nil {
		return err
	}
	if f.CaptureEnd != nil {
		if *f.CaptureEnd <= dst.CaptureStart {
			return fmt.Errorf("filter.capture_end must be > %d", dst.CaptureStart)
		}
		dst.CaptureEnd = *f.CaptureEnd
	}
	return nil
}

func applySim(dst *sim.Config, f *SimSetting) error {
	if f == nil {
		return nil
	}
	if f.Seed != nil {
		dst.Seed = *f.Seed
	}
	if f.TempDrift != nil {
		dst.TempDrift = *f.TempDrift
	}
	if f.TempPeriod != nil {
		if *f.TempPeriod <= 0 {
			return fmt.Errorf("sim.temp_period must be > 0")
		}
		dst.TempPeriod = *f.TempPeriod
	}
	for _, v := range []struct {
		name string
		src  *float32
		dst  *float32
	}{
		{"sim.mix_leak", f.MixLeak, &dst.MixLeak},
		{"sim.main_leak", f.MainLeak, &dst.MainLeak},
		{"sim.feedback_noise", f.FeedbackNoise, &dst.FeedbackNoise},
	} {
		if v.src == nil {
			continue
		}
		if *v.src < 0 {
			return fmt.Errorf("%s must be >= 0", v.name)
		}
		*v.dst = *v.src
	}
	if f.LoopbackDelay != nil {
		if *f.LoopbackDelay < 0 {
			return fmt.Errorf("sim.loopback_delay must be >= 0")
		}
		dst.LoopbackDelay = *f.LoopbackDelay
	}
	return nil
}
