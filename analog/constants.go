// Package analog drives and calibrates the twelve analog voice circuits: the
// oscillator lock and drift tracking state machine, the filter calibrator, the
// VCA trims, and the per-voice output multiplex.
package analog

// Fixed hardware topology and timing.
const (
	NumVoices    = 12
	OscsPerVoice = 2

	SampleRate   = 96000
	CVSampleRate = 12000
	BufferSize   = 128
	BufferRate   = SampleRate / BufferSize // buffers per second
	CVBufferSize = BufferSize * CVSampleRate / SampleRate
	CVMuxInc     = 8

	// FeedbackLen is the number of period readings delivered per buffer.
	FeedbackLen = NumVoices * OscsPerVoice * 2

	// NoteGain converts caller pitch into log2 Hz.
	NoteGain = 5.0

	// CountScale converts a raw period count into seconds.
	CountScale = float32(2<<22) / (73.75e6 / 2)

	// SafeMin and SafeMax bound every value written to an output buffer.
	SafeMin = -1.0
	SafeMax = 1.0
)

// Offsets in the oscillator/mixer buffer.
const (
	Cv0Osc1Up = iota
	Cv0Osc1Down
	Cv0Osc2Up
	Cv0Osc2Down
	Cv0MixOsc1Sqr
	Cv0MixOsc1Tri
	Cv0MixOsc2Sqr
	Cv0MixOsc2Tri
)

// Offsets in the filter/VCA buffer.
const (
	Cv1MixXor = iota
	Cv1Drive
	Cv1FilterCut
	Cv1FilterRes
	Cv1AmpL
	Cv1AmpR
	Cv1Unused
	Cv1BitArray
)

// Control bit field positions.
const (
	BitVoiceMuteL = iota
	BitVoiceMuteR
	BitVoiceMute3
	BitVoiceMute4
	BitHardSync
	BitDriveEnN
	BitSubOscEnN
	BitMixMuteL
	BitMixMuteR
	BitFilterType
)

// DisableVoiceBits mutes all four voice outputs.
const DisableVoiceBits = 1<<BitVoiceMuteL | 1<<BitVoiceMuteR | 1<<BitVoiceMute3 | 1<<BitVoiceMute4

const bitFieldScale = float32((2 << 22) - 1)

// EncodeBits packs a control bit field into the float carried on the CV bus.
func EncodeBits(bits uint32) float32 {
	return (float32(bits) + 0.1) / bitFieldScale
}

// DecodeBits is the inverse of EncodeBits.
func DecodeBits(v float32) uint32 {
	return uint32(v * bitFieldScale)
}

// MuxIndex returns the position of CV sample s at a mux offset within one of a
// voice's two output buffers.
func MuxIndex(s, offset int) int {
	return s*CVMuxInc + offset
}

// FeedbackIndex locates the up and down period readings of oscillator k of a
// voice in the feedback array. Each oscillator's down reading comes first.
func FeedbackIndex(voice, k int) (up, down int) {
	base := voice*OscsPerVoice*2 + k*2
	return base + 1, base
}

func clip(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func safe(x float32) float32 {
	if x != x {
		return 0
	}
	return clip(x, SafeMin, SafeMax)
}
