package calseq

import "github.com/Melbourne-Instruments/nina-vst-sub000/analog"

// MixLevels are the levels of the five mixer VCAs.
type MixLevels struct {
	Tri0, Tri1, Sqr0, Sqr1, Xor float32
}

// Controller holds the test pattern forced onto one voice while a routine runs.
type Controller struct {
	pitch  [analog.OscsPerVoice]float32
	shape  [analog.OscsPerVoice]float32
	filter float32
	res    float32
	mix    MixLevels
	vcaL   float32
	vcaR   float32
	mute   bool
}

// NewController starts in the off pattern.
func NewController() Controller {
	var c Controller
	c.SetOff()
	return c
}

// SetOff silences the voice: filter open, outputs muted, mixers closed.
func (c *Controller) SetOff() {
	*c = Controller{
		pitch:  [analog.OscsPerVoice]float32{6.0 / analog.NoteGain, 6.0 / analog.NoteGain},
		filter: 1,
		res:    1,
		vcaL:   1,
		vcaR:   1,
		mute:   true,
	}
}

// SetFilterTune drives the filter to cutoff at full resonance with the mixers
// closed so only self-oscillation reaches the output.
func (c *Controller) SetFilterTune(cutoff float32) {
	c.SetOff()
	c.filter = cutoff
	c.mute = false
}

// SetMainVca routes the digital test signal through the output VCAs at the
// trial levels.
func (c *Controller) SetMainVca(left, right float32) {
	c.SetOff()
	c.filter = 0.6
	c.res = 0.1
	c.vcaL = left
	c.vcaR = right
	c.mute = false
}

// SetMixVca plays both oscillators into the mixer at the given levels.
func (c *Controller) SetMixVca(m MixLevels, shape0, shape1 float32) {
	c.SetOff()
	c.filter = 0.6
	c.res = 0.01
	c.mix = m
	c.pitch = [analog.OscsPerVoice]float32{10.0 / analog.NoteGain, 10.9 / analog.NoteGain}
	c.shape = [analog.OscsPerVoice]float32{shape0, shape1}
	c.mute = false
}

// Muted reports whether the pattern mutes the voice outputs.
func (c *Controller) Muted() bool { return c.mute }

// Apply writes the pattern into one buffer of voice input and clears the main
// output mutes.
func (c *Controller) Apply(in *analog.VoiceInput, v Voice) {
	for i := 0; i < analog.CVBufferSize; i++ {
		for k := 0; k < analog.OscsPerVoice; k++ {
			in.Pitch[k][i] = c.pitch[k]
			in.Shape[k][i] = c.shape[k]
		}
		in.FilterCut[i] = c.filter
		in.FilterRes[i] = c.res
		in.TriLevel[0][i] = c.mix.Tri0
		in.TriLevel[1][i] = c.mix.Tri1
		in.SqrLevel[0][i] = c.mix.Sqr0
		in.SqrLevel[1][i] = c.mix.Sqr1
		in.XorLevel[i] = c.mix.Xor
		in.VcaL[i] = c.vcaL
		in.VcaR[i] = c.vcaR
		for m := range in.Mute {
			in.Mute[m][i] = c.mute
		}
		in.SubOsc[i] = false
		in.HardSync[i] = false
		in.Overdrive[i] = false
	}
	in.Filter2Pole = false
	v.SetMainOutMute(false, false)
}
