package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/config"
	"github.com/Melbourne-Instruments/nina-vst-sub000/instrument"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/diag"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/fitcommon"
	"github.com/Melbourne-Instruments/nina-vst-sub000/sim"
)

// rig drives the engine against the simulated voice boards one buffer at a
// time and keeps the loopback audio for the render.
type rig struct {
	in    *instrument.Instrument
	plant *sim.Plant

	inputs  [analog.NumVoices]analog.VoiceInput
	out     [analog.NumVoices]analog.VoiceOutput
	digital [analog.NumVoices][analog.BufferSize]float32
	fb      [analog.FeedbackLen]float32
	left    [analog.BufferSize]float32
	right   [analog.BufferSize]float32

	tuningDir   string
	record      bool
	recL, recR  []float32
	buffersDone int
}

func (r *rig) step() {
	r.plant.Step(&r.out, &r.digital, &r.fb, &r.left, &r.right)
	r.in.Feedback(&r.fb)
	r.in.Process(&r.inputs, &r.left, &r.right, &r.digital, &r.out)
	if r.record {
		r.recL = append(r.recL, r.left[:]...)
		r.recR = append(r.recR, r.right[:]...)
	}
	r.buffersDone++
}

func (r *rig) run(seconds float64) {
	n := int(seconds * analog.BufferRate)
	for i := 0; i < n; i++ {
		r.step()
	}
}

// runCal steps until the routine finishes or limit buffers have passed.
func (r *rig) runCal(limit int) bool {
	r.step()
	for i := 0; i < limit; i++ {
		if !r.in.CalibrationRunning() {
			return true
		}
		r.step()
	}
	return false
}

func (r *rig) play(voice int, log2Hz, shape float32) {
	in := &r.inputs[voice]
	for k := 0; k < analog.OscsPerVoice; k++ {
		for i := 0; i < analog.CVBufferSize; i++ {
			in.Pitch[k][i] = log2Hz / analog.NoteGain
			in.Shape[k][i] = shape
			in.TriLevel[k][i] = 0.5
			in.SqrLevel[k][i] = 0.5
		}
	}
	for i := 0; i < analog.CVBufferSize; i++ {
		in.FilterCut[i] = 0.6
		in.VcaL[i] = 0.8
		in.VcaR[i] = 0.8
	}
	for v := range r.inputs {
		r.inputs[v].LastAllocated = v == voice
	}
	r.in.SetAllocated(voice, true)
}

func main() {
	configPath := flag.String("config", "", "Engine JSON config (optional)")
	dir := flag.String("dir", "nina-sim-out", "Working directory for calibration and tuning files")
	seed := flag.Int64("seed", 0, "Plant seed override (0 keeps the config value)")
	lock := flag.Float64("lock", 8, "Seconds to run before anything else so the oscillators lock")
	routine := flag.String("routine", "none", "Calibration routine: none|mix|main|filter")
	tune := flag.Float64("tune", 0, "Seconds of auto-tune capture after the routine")
	fit := flag.Bool("fit", false, "Fit the captured filter sweeps and tuning tables and write the model files")
	note := flag.Float64("note", 0, "Play voice 0 at this log2 frequency after calibration (0 = silent)")
	shape := flag.Float64("shape", 0, "Oscillator shape for -note (-1..1)")
	duration := flag.Float64("duration", 2, "Seconds recorded after calibration")
	output := flag.String("output", "", "Loopback WAV path (optional)")
	sampleRate := flag.Int("sample-rate", 48000, "Output WAV sample rate")
	maxSeconds := flag.Float64("max-cal-seconds", 900, "Give up on a routine after this many simulated seconds")
	quiet := flag.Bool("quiet", false, "Only print warnings")
	flag.Parse()

	settings := config.Default()
	if *configPath != "" {
		var err error
		settings, err = config.LoadJSON(*configPath)
		if err != nil {
			die("failed to load config %q: %v", *configPath, err)
		}
	}
	settings.Analog.CalDir = filepath.Join(*dir, "calibration")
	settings.Analog.TuningDir = filepath.Join(*dir, "tuning")
	settings.Cal.DumpDir = settings.Analog.TuningDir
	if *seed != 0 {
		settings.Sim.Seed = *seed
	}

	var log diag.Logger = diag.NewConsole(os.Stdout, "")
	if *quiet {
		log = warnOnly{diag.NewConsole(os.Stderr, "")}
	}

	r := &rig{
		plant:     sim.NewPlant(settings.Sim),
		in:        instrument.New(instrument.Config{Params: settings.Analog, Cal: settings.Cal, Log: log}),
		tuningDir: settings.Analog.TuningDir,
	}
	start := time.Now()

	fmt.Printf("Locking oscillators for %.1fs (seed %d)...\n", *lock, settings.Sim.Seed)
	r.run(*lock)
	reportLock(r)

	if *routine != "none" {
		switch *routine {
		case "mix":
			r.in.StartMixCal()
		case "main":
			r.in.StartMainVcaCal()
		case "filter":
			r.in.StartFilterCal()
		default:
			die("unknown routine %q (use none|mix|main|filter)", *routine)
		}
		fmt.Printf("Running %s calibration...\n", *routine)
		if !r.runCal(int(*maxSeconds * analog.BufferRate)) {
			die("%s calibration still running after %.0f simulated seconds", *routine, *maxSeconds)
		}
		reportRoutine(r, *routine)
	}

	if *tune > 0 {
		fmt.Printf("Capturing auto-tune tables for %.1fs...\n", *tune)
		r.in.SetTuning(true)
		r.run(*tune)
		r.in.SetTuning(false)
		r.step()
	}

	if *note > 0 {
		r.play(0, float32(*note), float32(*shape))
	}
	r.record = *output != ""
	r.run(*duration)

	// Let queued file jobs land before the fits read them.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := r.in.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "flushing writes: %v\n", err)
	}
	cancel()

	if *fit {
		if *routine == "filter" {
			fitFilters(r, settings.Analog)
		}
		if *tune > 0 {
			fitOscillators(r, settings.Analog)
		}
	}

	if *output != "" {
		left, err := resample32(r.recL, *sampleRate)
		if err != nil {
			die("resample: %v", err)
		}
		right, err := resample32(r.recR, *sampleRate)
		if err != nil {
			die("resample: %v", err)
		}
		if err := fitcommon.WriteStereoWAVLR(*output, left, right, *sampleRate); err != nil {
			die("failed to write %s: %v", *output, err)
		}
		fmt.Printf("Wrote %s (%d frames)\n", *output, len(left))
	}

	color.New(color.FgGreen).Printf("Simulated %.1fs in %.1fs\n",
		float64(r.buffersDone)/analog.BufferRate, time.Since(start).Seconds())
}

func resample32(x []float32, rate int) ([]float32, error) {
	in := make([]float64, len(x))
	for i, v := range x {
		in[i] = float64(v)
	}
	out, err := fitcommon.ResampleIfNeeded(in, analog.SampleRate, rate)
	if err != nil {
		return nil, err
	}
	res := make([]float32, len(out))
	for i, v := range out {
		res[i] = float32(v)
	}
	return res, nil
}

type warnOnly struct{ diag.Logger }

func (warnOnly) Infof(string, ...any) {}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
