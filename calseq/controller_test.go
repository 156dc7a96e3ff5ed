package calseq

import (
	"testing"

	"github.com/Melbourne-Instruments/nina-vst-sub000/analog"
)

func TestControllerStartsOff(t *testing.T) {
	c := NewController()
	if !c.Muted() {
		t.Fatalf("new controller not muted")
	}
	var in analog.VoiceInput
	fv := newFakeVoice()
	c.Apply(&in, fv)
	for i := 0; i < analog.CVBufferSize; i++ {
		if in.FilterCut[i] != 1 || in.FilterRes[i] != 1 {
			t.Fatalf("filter[%d] got=%v/%v want=1/1", i, in.FilterCut[i], in.FilterRes[i])
		}
		if in.XorLevel[i] != 0 || in.TriLevel[0][i] != 0 || in.SqrLevel[1][i] != 0 {
			t.Fatalf("mixer open at %d", i)
		}
		for m := range in.Mute {
			if !in.Mute[m][i] {
				t.Fatalf("mute %d not set at %d", m, i)
			}
		}
		if got, want := in.Pitch[0][i], float32(6.0/analog.NoteGain); got != want {
			t.Fatalf("pitch got=%v want=%v", got, want)
		}
	}
}

func TestControllerMixPattern(t *testing.T) {
	c := NewController()
	c.SetMixVca(MixLevels{Tri0: 0.1, Tri1: 0.2, Sqr0: 0.3, Sqr1: 0.4, Xor: 0.5}, -0.2, 1)
	if c.Muted() {
		t.Fatalf("mix pattern muted")
	}
	in := analog.VoiceInput{Filter2Pole: true}
	in.HardSync[3] = true
	c.Apply(&in, newFakeVoice())

	last := analog.CVBufferSize - 1
	if in.TriLevel[0][last] != 0.1 || in.TriLevel[1][last] != 0.2 {
		t.Fatalf("tri got=%v/%v", in.TriLevel[0][last], in.TriLevel[1][last])
	}
	if in.SqrLevel[0][last] != 0.3 || in.SqrLevel[1][last] != 0.4 || in.XorLevel[last] != 0.5 {
		t.Fatalf("sqr/xor got=%v/%v/%v", in.SqrLevel[0][last], in.SqrLevel[1][last], in.XorLevel[last])
	}
	if in.Shape[0][0] != -0.2 || in.Shape[1][0] != 1 {
		t.Fatalf("shape got=%v/%v", in.Shape[0][0], in.Shape[1][0])
	}
	if in.Pitch[1][0] <= in.Pitch[0][0] {
		t.Fatalf("second oscillator not detuned above first: %v %v", in.Pitch[0][0], in.Pitch[1][0])
	}
	if in.HardSync[3] || in.Filter2Pole {
		t.Fatalf("pattern left stale control bits")
	}
}

func TestControllerMainAndFilterPatterns(t *testing.T) {
	c := NewController()
	c.SetMainVca(0.01, -0.02)
	var in analog.VoiceInput
	c.Apply(&in, newFakeVoice())
	if in.VcaL[0] != 0.01 || in.VcaR[0] != -0.02 {
		t.Fatalf("vca got=%v/%v want=0.01/-0.02", in.VcaL[0], in.VcaR[0])
	}
	if in.TriLevel[0][0] != 0 {
		t.Fatalf("main pattern opened the mixer")
	}

	c.SetFilterTune(0.73)
	c.Apply(&in, newFakeVoice())
	if in.FilterCut[5] != 0.73 || in.FilterRes[5] != 1 || c.Muted() {
		t.Fatalf("filter pattern got cut=%v res=%v muted=%v", in.FilterCut[5], in.FilterRes[5], c.Muted())
	}
	if in.VcaL[0] != 1 {
		t.Fatalf("filter pattern vca got=%v want=1", in.VcaL[0])
	}
}
