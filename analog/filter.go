package analog

import "math"

// Temperature sensitivities of the filter core, shared by every voice.
const (
	FilterTempGain   = -0.104001
	FilterTempOffset = 0.810733

	cutoffInMin = -1.0
	cutoffInMax = 0.9

	// The filter core's cutoff sits at CutoffBaseHz for position 0 and at
	// CutoffTopHz for position 1, exponentially in between.
	CutoffBaseHz = 1000.0
	CutoffTopHz  = 40000.0
)

var cutoffSpan = math.Log2(CutoffTopHz / CutoffBaseHz)

// CutoffHz maps a normalised cutoff position onto the core frequency.
func CutoffHz(x float32) float32 {
	return float32(CutoffBaseHz * math.Exp2(float64(x)*cutoffSpan))
}

// CutoffPosition is the inverse of CutoffHz.
func CutoffPosition(hz float32) float32 {
	return float32(math.Log2(float64(hz)/CutoffBaseHz) / cutoffSpan)
}

// FilterCal holds a voice's filter calibration. The cutoff path uses A, C and
// BaseTemp from the filter model; the clip, gain and offset fields are persisted
// with the voice calibration.
type FilterCal struct {
	FcLowClip     float32
	FcHighClip    float32
	FcGain        float32
	FcOffset      float32
	FcTempTrack   float32
	ResLowClip    float32
	ResHighClip   float32
	ResGain       float32
	ResZeroOffset float32
	BaseTemp      float32
	A             float32
	C             float32
}

func DefaultFilterCal() FilterCal {
	const hi, lo = 0.35, -0.2
	gain := float32(hi-lo) / 2
	return FilterCal{
		FcLowClip:     lo,
		FcHighClip:    hi,
		FcGain:        gain,
		FcOffset:      lo + gain,
		FcTempTrack:   0,
		ResLowClip:    -0.46,
		ResHighClip:   0,
		ResGain:       -0.46,
		ResZeroOffset: 0,
		BaseTemp:      0,
		A:             0.25,
		C:             0.11,
	}
}

// Cutoff maps a cutoff control value at temperature offset temp.
func (c *FilterCal) Cutoff(x, temp float32) float32 {
	x = clip(x, cutoffInMin, cutoffInMax)
	return x*(c.A+FilterTempGain*temp) + c.C + FilterTempOffset*temp
}

// Resonance maps a resonance control value.
func (c *FilterCal) Resonance(x float32) float32 {
	return clip(x*c.ResGain+c.ResZeroOffset, c.ResLowClip, c.ResHighClip)
}

// Filter applies the calibration to a voice's filter control streams.
type Filter struct {
	cal      FilterCal
	temp     float32
	lastCut  float32
	lastRes  float32
	cutTrace *[CVBufferSize]float32
}

func NewFilter() *Filter {
	return &Filter{cal: DefaultFilterCal()}
}

func (f *Filter) Cal() FilterCal { return f.cal }

func (f *Filter) SetCal(c FilterCal) { f.cal = c }

// SetTemp takes the temperature proxy; the model works relative to BaseTemp.
func (f *Filter) SetTemp(t float32) { f.temp = t - f.cal.BaseTemp }

// Temp is the proxy relative to the calibration's base temperature.
func (f *Filter) Temp() float32 { return f.temp }

func (f *Filter) LastCutoff() float32 { return f.lastCut }

func (f *Filter) LastResonance() float32 { return f.lastRes }

// CutoffTrace returns the cutoff voltages written in the last buffer.
func (f *Filter) CutoffTrace() [CVBufferSize]float32 {
	if f.cutTrace == nil {
		return [CVBufferSize]float32{}
	}
	return *f.cutTrace
}

// Run writes cutoff and resonance voltages into the voice's filter/VCA buffer.
func (f *Filter) Run(cut, res *[CVBufferSize]float32, out *[BufferSize]float32) {
	if f.cutTrace == nil {
		f.cutTrace = new([CVBufferSize]float32)
	}
	for i := 0; i < CVBufferSize; i++ {
		f.lastCut = safe(f.cal.Cutoff(cut[i], f.temp))
		f.lastRes = safe(f.cal.Resonance(res[i]))
		f.cutTrace[i] = f.lastCut
		out[MuxIndex(i, Cv1FilterCut)] = f.lastCut
		out[MuxIndex(i, Cv1FilterRes)] = f.lastRes
	}
}
