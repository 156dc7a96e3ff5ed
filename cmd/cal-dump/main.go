package main

import (
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/fatih/color"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/calseq"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/fitcommon"
)

func main() {
	calDir := flag.String("cal-dir", analog.DefaultCalDir, "Calibration directory")
	tuningDir := flag.String("tuning-dir", analog.DefaultTuningDir, "Tuning and dump directory")
	voice := flag.Int("voice", -1, "Voice to show (-1 = all)")
	wavDir := flag.String("wav-dir", "", "Render the filter signal dumps to WAV files here")
	sampleRate := flag.Int("sample-rate", 48000, "WAV sample rate")
	flag.Parse()

	shown := 0
	for v := 0; v < analog.NumVoices; v++ {
		if *voice >= 0 && v != *voice {
			continue
		}
		shown++
		describeVoice(os.Stdout, *calDir, *tuningDir, v)
		if *wavDir == "" {
			continue
		}
		out := filepath.Join(*wavDir, fmt.Sprintf("voice_%d_signal.wav", v))
		if err := renderSignal(calseq.SignalDumpPath(*tuningDir, v), out, *sampleRate); err != nil {
			color.New(color.FgYellow).Printf("  signal: %v\n", err)
			continue
		}
		fmt.Printf("  wrote %s\n", out)
	}
	if shown == 0 {
		die("no voice selected (0..%d)", analog.NumVoices-1)
	}
}

var missing = color.New(color.FgYellow)

// describeVoice prints every calibration file and capture of a voice. Missing
// or unreadable files are reported inline.
func describeVoice(w io.Writer, calDir, tuningDir string, v int) {
	fmt.Fprintf(w, "voice %d\n", v)

	if rec, err := analog.ReadCalFile(analog.CalPath(calDir, v)); err != nil {
		missing.Fprintf(w, "  cal: %v\n", err)
	} else {
		m := rec.Mix
		fmt.Fprintf(w, "  mix   tri %+.5f %+.5f  sqr %+.5f %+.5f  xor %+.5f\n", m.Tri0, m.Tri1, m.Sqr0, m.Sqr1, m.Xor)
		fmt.Fprintf(w, "  main  L %+.5f  R %+.5f\n", rec.MainL, rec.MainR)
		if rec.Blacklist {
			missing.Fprintf(w, "  blacklisted\n")
		}
	}

	if a, c, base, err := analog.ReadFilterModel(analog.FilterModelPath(calDir, v)); err != nil {
		missing.Fprintf(w, "  filter model: %v\n", err)
	} else {
		fmt.Fprintf(w, "  filter a=%.5f c=%+.5f base=%.4f\n", a, c, base)
	}

	for k := 0; k < analog.OscsPerVoice; k++ {
		up, down, err := analog.ReadModelFile(analog.ModelPath(calDir, v, k))
		if err != nil {
			missing.Fprintf(w, "  osc %d model: %v\n", k, err)
		} else {
			fmt.Fprintf(w, "  osc %d up   %s\n", k, coeffs(up))
			fmt.Fprintf(w, "  osc %d down %s\n", k, coeffs(down))
		}
		if seqs, err := analog.ReadTuningTable(analog.TuningTablePath(tuningDir, v, k)); err == nil {
			rows := 0
			for _, s := range seqs {
				rows += len(s)
			}
			fmt.Fprintf(w, "  osc %d tuning table: %d sequences, %d rows\n", k, len(seqs), rows)
		}
	}

	if d, err := fitcommon.ReadFloatDump(calseq.MixVcaDumpPath(tuningDir, v)); err == nil && len(d) >= 3 {
		last := d[len(d)-3:]
		fmt.Fprintf(w, "  mix VCA dump: %d trials over %d searches, last trial %+.5f cost %.3g\n",
			len(d)/3, int(last[0])+1, last[1], last[2])
	}
	if d, err := fitcommon.ReadFloatDump(calseq.MainVcaDumpPath(tuningDir, v)); err == nil && len(d) >= 3 {
		last := d[len(d)-3:]
		fmt.Fprintf(w, "  main VCA dump: %d trials, last L %+.5f cost %.3g/%.3g\n", len(d)/3, last[0], last[1], last[2])
	}
	if d, err := fitcommon.ReadFloatDump(calseq.FilterDumpPath(tuningDir, v)); err == nil && len(d) > 1 {
		n := (len(d) - 1) / 2
		fmt.Fprintf(w, "  filter dump: temp %.4f, %d samples (%.2fs), audio rms %.4f\n",
			d[0], n, float64(n)/analog.SampleRate, rms(d[1:1+n]))
	}
}

func coeffs(m analog.VoltageModel) string {
	c := m.Coeffs()
	return fmt.Sprintf("a=%+.5f b=%+.5f c=%+.3e d=%+.3e e=%+.3e f=%+.3e g=%+.3e h=%+.3e",
		c[0], c[1], c[2], c[3], c[4], c[5], c[6], c[7])
}

func rms(x []float32) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(x)))
}

func renderSignal(dumpPath, wavPath string, rate int) error {
	sig, err := fitcommon.ReadFloatDump(dumpPath)
	if err != nil {
		return err
	}
	in := make([]float64, len(sig))
	for i, v := range sig {
		in[i] = float64(v)
	}
	res, err := fitcommon.ResampleIfNeeded(in, analog.SampleRate, rate)
	if err != nil {
		return err
	}
	out := make([]float32, len(res))
	for i, v := range res {
		out[i] = float32(fitcommon.Clamp(v, -1, 1))
	}
	return fitcommon.WriteMonoWAV(wavPath, out, rate)
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
