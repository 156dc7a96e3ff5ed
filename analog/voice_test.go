package analog

import (
	"os"
	"testing"

	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/diag"
)

func TestVoiceWithoutCalibrationRunsOnDefaults(t *testing.T) {
	log := &diag.Recorder{}
	v := NewVoice(VoiceConfig{Index: 5, CalDir: t.TempDir(), Log: log})
	if v.Blacklisted() {
		t.Fatalf("missing files must not blacklist the voice")
	}
	if n := len(log.Warnings()); n != 4 {
		t.Fatalf("warnings got=%d want=4: %v", n, log.Warnings())
	}
	if v.FilterCal() != DefaultFilterCal() {
		t.Fatalf("filter cal should stay at defaults")
	}

	var in VoiceInput
	var out VoiceOutput
	for _, alloc := range []bool{false, true} {
		v.SetAllocated(alloc)
		for i := 0; i < 1000; i++ {
			v.Process(&in, &out)
			if !outputsInRange(out.Osc[:]) || !outputsInRange(out.Ctl[:]) {
				t.Fatalf("allocated=%v buffer %d: output out of range", alloc, i)
			}
		}
	}
}

func TestIdleVoiceIsMuted(t *testing.T) {
	v := NewVoice(VoiceConfig{CalDir: t.TempDir()})
	v.SetTestMode()
	var in VoiceInput
	var out VoiceOutput
	v.Process(&in, &out)
	if v.LastBits() != DisableVoiceBits {
		t.Fatalf("bits got=%#x want=%#x", v.LastBits(), DisableVoiceBits)
	}
	if got := DecodeBits(out.Ctl[MuxIndex(0, Cv1BitArray)]); got != DisableVoiceBits {
		t.Fatalf("encoded bits got=%#x", got)
	}
	if out.Osc[MuxIndex(0, Cv0Osc1Up)] == 0 {
		t.Fatalf("idle voice should still drive its oscillators")
	}
}

func TestVoiceControlBits(t *testing.T) {
	v := NewVoice(VoiceConfig{CalDir: t.TempDir()})
	v.SetTestMode()
	v.SetAllocated(true)

	var in VoiceInput
	var out VoiceOutput
	in.VcaL[0] = 0.5
	in.Overdrive[3] = true
	in.SubOsc[3] = true
	in.Mute[1][3] = true
	in.Filter2Pole = true
	v.SetMainOutMute(true, false)
	v.Process(&in, &out)

	got := DecodeBits(out.Ctl[MuxIndex(3, Cv1BitArray)])
	want := uint32(1<<BitVoiceMuteR | 1<<BitDriveEnN | 1<<BitMixMuteL | 1<<BitFilterType)
	if got != want {
		t.Fatalf("bits got=%#x want=%#x", got, want)
	}
	got = DecodeBits(out.Ctl[MuxIndex(0, Cv1BitArray)])
	want = uint32(1<<BitSubOscEnN | 1<<BitMixMuteL | 1<<BitFilterType)
	if got != want {
		t.Fatalf("sample 0 bits got=%#x want=%#x", got, want)
	}
}

func TestAutoMuteNeedsReEvaluation(t *testing.T) {
	v := NewVoice(VoiceConfig{CalDir: t.TempDir()})
	v.SetTestMode()
	v.SetAllocated(true)
	var in VoiceInput
	var out VoiceOutput

	v.Process(&in, &out)
	if v.LastBits()&(1<<BitVoiceMuteL) != 0 {
		t.Fatalf("auto-mute engaged before re-evaluation")
	}

	v.ReEvaluateMutes()
	v.Process(&in, &out)
	if v.LastBits()&(1<<BitVoiceMuteL) == 0 {
		t.Fatalf("silent voice should auto-mute")
	}
	v.Process(&in, &out)
	if v.LastBits()&(1<<BitVoiceMuteL) == 0 {
		t.Fatalf("auto-mute should hold while silent")
	}

	in.VcaR[2] = 0.2
	v.Process(&in, &out)
	if v.LastBits()&(1<<BitVoiceMuteL) != 0 {
		t.Fatalf("auto-mute should release on signal")
	}

	in.VcaR[2] = 0
	v.SetDisableMutes(true)
	v.ReEvaluateMutes()
	v.Process(&in, &out)
	if v.LastBits()&(1<<BitVoiceMuteL) != 0 {
		t.Fatalf("auto-mute engaged while disabled")
	}
}

func TestLastAllocatedVoiceAutoMutes(t *testing.T) {
	v := NewVoice(VoiceConfig{CalDir: t.TempDir()})
	v.SetTestMode()
	v.SetAllocated(true)
	var in VoiceInput
	var out VoiceOutput

	in.LastAllocated = true
	v.Process(&in, &out)
	if v.LastBits()&(1<<BitVoiceMuteR) == 0 {
		t.Fatalf("silent last allocated voice should auto-mute")
	}

	in.LastAllocated = false
	in.VcaL[0] = 0.3
	v.Process(&in, &out)
	if v.LastBits()&(1<<BitVoiceMuteR) != 0 {
		t.Fatalf("auto-mute should release on signal")
	}
	in.VcaL[0] = 0
	v.Process(&in, &out)
	if v.LastBits()&(1<<BitVoiceMuteR) != 0 {
		t.Fatalf("auto-mute engaged without re-evaluation")
	}

	in.LastAllocated = true
	v.SetDisableMutes(true)
	v.Process(&in, &out)
	if v.LastBits()&(1<<BitVoiceMuteR) != 0 {
		t.Fatalf("disabled mutes still engaged")
	}
}

func TestMixVcaOffsetsNegateInvertingVcas(t *testing.T) {
	v := NewVoice(VoiceConfig{CalDir: t.TempDir()})
	v.SetMixVcaOffsets(0.1, 0.2, 0.3, 0.4, 0.5)
	rec := v.CalRecord()
	if rec.Mix.Tri0 != 0.1 || rec.Mix.Tri1 != -0.2 || rec.Mix.Sqr0 != 0.3 || rec.Mix.Sqr1 != -0.4 || rec.Mix.Xor != 0.5 {
		t.Fatalf("stored trims got=%+v", rec.Mix)
	}

	var in VoiceInput
	var out VoiceOutput
	v.Process(&in, &out)
	checks := []struct {
		buf    *[BufferSize]float32
		offset int
		want   float32
	}{
		{&out.Osc, Cv0MixOsc1Tri, 0.1},
		{&out.Osc, Cv0MixOsc2Tri, 0.2},
		{&out.Osc, Cv0MixOsc1Sqr, 0.3},
		{&out.Osc, Cv0MixOsc2Sqr, 0.4},
		{&out.Ctl, Cv1MixXor, 0.5},
	}
	for _, c := range checks {
		if got := c.buf[MuxIndex(7, c.offset)]; !near(got, c.want, 1e-6) {
			t.Fatalf("offset %d got=%f want=%f", c.offset, got, c.want)
		}
	}
}

func TestBlacklistedVoiceIsDisabled(t *testing.T) {
	dir := t.TempDir()
	rec := CalRecord{Filter: DefaultFilterCal(), Blacklist: true}
	if err := WriteCalFile(CalPath(dir, 2), rec); err != nil {
		t.Fatal(err)
	}
	log := &diag.Recorder{}
	v := NewVoice(VoiceConfig{Index: 2, CalDir: dir, Log: log})
	if !v.Blacklisted() || !v.Osc(0).Disabled() || !v.Osc(1).Disabled() {
		t.Fatalf("voice should be blacklisted with disabled oscillators")
	}

	v.SetAllocated(true)
	var in VoiceInput
	var out VoiceOutput
	for i := 0; i < 3000; i++ {
		v.Feedback(0, jittered(500, i), jittered(500, i))
		v.Process(&in, &out)
	}
	if v.LastBits() != DisableVoiceBits {
		t.Fatalf("bits got=%#x want=%#x", v.LastBits(), DisableVoiceBits)
	}
	if out.Osc[MuxIndex(0, Cv0Osc1Up)] != StartupLevel {
		t.Fatalf("blacklisted oscillator output got=%f", out.Osc[MuxIndex(0, Cv0Osc1Up)])
	}
	if v.Osc(0).State() != Restart {
		t.Fatalf("blacklisted oscillator state got=%s", v.Osc(0).State())
	}
}

func TestHardSyncMarksSecondOscillator(t *testing.T) {
	v := NewVoice(VoiceConfig{CalDir: t.TempDir()})
	v.SetTestMode()
	v.SetAllocated(true)
	var in VoiceInput
	var out VoiceOutput
	in.HardSync[0] = true
	v.Process(&in, &out)
	if !v.Osc(1).synced || v.Osc(0).synced {
		t.Fatalf("hard sync should apply to the second oscillator only")
	}
	in.HardSync[0] = false
	v.Process(&in, &out)
	if v.Osc(1).synced {
		t.Fatalf("hard sync should clear")
	}
}

func TestSaveAndReloadCalibration(t *testing.T) {
	dir := t.TempDir()
	v := NewVoice(VoiceConfig{Index: 7, CalDir: dir})
	v.SetMainVcaOffsets(0.011, -0.022)
	v.SetMixVcaOffsets(0.1, 0.2, 0.3, 0.4, 0.5)
	if !v.SaveCalibration() {
		t.Fatalf("save refused")
	}
	if _, err := os.Stat(CalPath(dir, 7)); err != nil {
		t.Fatalf("cal file missing: %v", err)
	}

	w := NewVoice(VoiceConfig{Index: 7, CalDir: dir})
	if w.CalRecord() != v.CalRecord() {
		t.Fatalf("loaded record got=%+v want=%+v", w.CalRecord(), v.CalRecord())
	}

	rec := w.CalRecord()
	rec.MainL = 0.05
	if err := WriteCalFile(CalPath(dir, 7), rec); err != nil {
		t.Fatal(err)
	}
	if err := WriteFilterModel(FilterModelPath(dir, 7), 0.3, 0.12, 0.45); err != nil {
		t.Fatal(err)
	}
	if !w.ReloadCalibration() {
		t.Fatalf("reload refused")
	}
	if l, _ := w.MainVcaOffsets(); l != 0.011 {
		t.Fatalf("reload must not apply before the next buffer, got=%f", l)
	}
	var in VoiceInput
	var out VoiceOutput
	w.Process(&in, &out)
	if l, _ := w.MainVcaOffsets(); l != 0.05 {
		t.Fatalf("reloaded main trim got=%f want=0.05", l)
	}
	fc := w.FilterCal()
	if fc.A != 0.3 || fc.C != 0.12 || fc.BaseTemp != 0.45 {
		t.Fatalf("filter model not applied: %+v", fc)
	}
}

func TestTemperatureProxyAveragesOscillators(t *testing.T) {
	v := NewVoice(VoiceConfig{CalDir: t.TempDir()})
	v.SetTestMode()
	want := (v.Osc(0).TemperatureProxy() + v.Osc(1).TemperatureProxy()) / 2
	if got := v.TemperatureProxy(); got != want {
		t.Fatalf("proxy got=%f want=%f", got, want)
	}
}
