package instrument

import (
	"path/filepath"
	"testing"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
	"github.com/Melbourne-Instruments/nina-vst-sub000/calseq"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/diag"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/persist"
	"github.com/Melbourne-Instruments/nina-vst-sub000/sim"
)

// lockBuffers covers the worst-case search from the startup level plus the
// settle and warm-up periods.
const lockBuffers = 6000

// bench closes the loop between an instrument and a simulated set of voice
// boards.
type bench struct {
	in    *Instrument
	plant *sim.Plant
	log   *diag.Recorder

	params *analog.Params

	inputs  [analog.NumVoices]analog.VoiceInput
	out     [analog.NumVoices]analog.VoiceOutput
	digital [analog.NumVoices][analog.BufferSize]float32
	fb      [analog.FeedbackLen]float32
	left    [analog.BufferSize]float32
	right   [analog.BufferSize]float32
}

func benchParams(t *testing.T) (*analog.Params, *calseq.Params) {
	t.Helper()
	dir := t.TempDir()
	p := analog.NewDefaultParams()
	p.CalDir = filepath.Join(dir, "calibration")
	p.TuningDir = filepath.Join(dir, "tuning")
	c := calseq.NewDefaultParams()
	c.DumpDir = p.TuningDir
	return p, c
}

// newBench builds the instrument after prepare has had a chance to adjust the
// settings and seed the calibration directory from the plant.
func newBench(t *testing.T, prepare func(p *analog.Params, c *calseq.Params, plant *sim.Plant)) *bench {
	t.Helper()
	p, c := benchParams(t)
	b := &bench{plant: sim.NewPlant(sim.DefaultConfig()), log: &diag.Recorder{}, params: p}
	if prepare != nil {
		prepare(p, c, b.plant)
	}
	b.in = New(Config{Params: p, Cal: c, Log: b.log, Sink: persist.Inline{Log: b.log}})
	return b
}

func (b *bench) step() {
	b.plant.Step(&b.out, &b.digital, &b.fb, &b.left, &b.right)
	b.in.Feedback(&b.fb)
	b.in.Process(&b.inputs, &b.left, &b.right, &b.digital, &b.out)
}

func (b *bench) run(n int) {
	for i := 0; i < n; i++ {
		b.step()
	}
}

func (b *bench) runCal(t *testing.T, limit int) {
	t.Helper()
	b.step()
	for i := 0; i < limit; i++ {
		if !b.in.CalibrationRunning() {
			return
		}
		b.step()
	}
	t.Fatalf("%s still running after %d buffers", b.in.Routine(), limit)
}

func (b *bench) allLocked() bool {
	for v := 0; v < analog.NumVoices; v++ {
		for k := 0; k < analog.OscsPerVoice; k++ {
			if !b.in.Voice(v).Osc(k).IsNormal() {
				return false
			}
		}
	}
	return true
}

func (b *bench) setPitch(v int, log2Hz, shape float32) {
	for k := 0; k < analog.OscsPerVoice; k++ {
		for i := 0; i < analog.CVBufferSize; i++ {
			b.inputs[v].Pitch[k][i] = log2Hz / analog.NoteGain
			b.inputs[v].Shape[k][i] = shape
		}
	}
}

func writeTrueModels(t *testing.T, dir string, plant *sim.Plant) {
	t.Helper()
	for v := 0; v < analog.NumVoices; v++ {
		for k := 0; k < analog.OscsPerVoice; k++ {
			up, down, _, _ := plant.TrueModels(v, k)
			if err := analog.WriteModelFile(analog.ModelPath(dir, v, k), up, down); err != nil {
				t.Fatalf("write model: %v", err)
			}
		}
	}
}

func absf(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
