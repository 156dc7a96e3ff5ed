package analog

// Vca trims one VCA's zero point. Inverting VCAs subtract the offset.
type Vca struct {
	offset float32
	invert bool
	mux    int
}

func NewVca(mux int, invert bool) Vca {
	return Vca{mux: mux, invert: invert}
}

func (v *Vca) SetOffset(o float32) { v.offset = o }

func (v *Vca) Offset() float32 { return v.offset }

func (v *Vca) apply(x float32) float32 {
	if v.invert {
		return x - v.offset
	}
	return x + v.offset
}

// Run writes the trimmed levels into out and returns the sum of the untrimmed
// input levels.
func (v *Vca) Run(in *[CVBufferSize]float32, out *[BufferSize]float32) float32 {
	var sum float32
	for i := 0; i < CVBufferSize; i++ {
		sum += in[i]
		out[MuxIndex(i, v.mux)] = safe(v.apply(in[i]))
	}
	return sum
}

// MixTrims are the stored offsets of the five mixer VCAs. Inverting VCAs hold
// the negated trim.
type MixTrims struct {
	Tri0 float32
	Sqr0 float32
	Tri1 float32
	Sqr1 float32
	Xor  float32
}
