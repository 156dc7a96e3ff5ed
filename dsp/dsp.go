package dsp

import (
	"math"

	dspcore "github.com/cwbudde/algo-dsp/dsp/core"
)

// Biquad implements a second-order IIR filter (no heap allocations in Process)
type Biquad struct {
	b0, b1, b2 float32
	a1, a2     float32

	x1, x2 float32
	y1, y2 float32
}

// Process runs one sample through the filter (Direct Form I).
func (b *Biquad) Process(input float32) float32 {
	output := b.b0*input + b.b1*b.x1 + b.b2*b.x2 - b.a1*b.y1 - b.a2*b.y2
	output = float32(dspcore.FlushDenormals(float64(output)))

	b.x2 = b.x1
	b.x1 = input
	b.y2 = b.y1
	b.y1 = output
	return output
}

// Reset clears the filter state
func (b *Biquad) Reset() {
	b.x1, b.x2 = 0, 0
	b.y1, b.y2 = 0, 0
}

// NewLowpass creates an RBJ lowpass biquad.
func NewLowpass(cutoff, sampleRate, q float32) *Biquad {
	b := &Biquad{}
	b.SetLowpass(cutoff, sampleRate, q)
	return b
}

// SetLowpass recomputes the coefficients for an RBJ lowpass and keeps the
// filter state, so the cutoff can move between buffers.
func (b *Biquad) SetLowpass(cutoff, sampleRate, q float32) {
	w0 := 2.0 * math.Pi * float64(cutoff) / float64(sampleRate)
	alpha := math.Sin(w0) / (2.0 * float64(q))
	cosw0 := math.Cos(w0)

	a0 := 1.0 + alpha
	b.b0 = float32((1.0 - cosw0) / 2.0 / a0)
	b.b1 = float32((1.0 - cosw0) / a0)
	b.b2 = b.b0
	b.a1 = float32(-2.0 * cosw0 / a0)
	b.a2 = float32((1.0 - alpha) / a0)
}

// AnalysisQ is the per-stage Q of the measurement cascades.
const AnalysisQ = 0.7

// Cascade is a chain of identical lowpass sections. The calibration routines
// build their band measurements from differences of cascades.
type Cascade struct {
	stages []Biquad
}

// NewLowpassCascade chains n RBJ lowpass sections at cutoff.
func NewLowpassCascade(cutoff, sampleRate float32, n int) *Cascade {
	if n < 1 {
		n = 1
	}
	proto := NewLowpass(cutoff, sampleRate, AnalysisQ)
	c := &Cascade{stages: make([]Biquad, n)}
	for i := range c.stages {
		c.stages[i] = *proto
	}
	return c
}

func (c *Cascade) Process(x float32) float32 {
	for i := range c.stages {
		x = c.stages[i].Process(x)
	}
	return x
}

func (c *Cascade) Reset() {
	for i := range c.stages {
		c.stages[i].Reset()
	}
}

// EnergyMeter accumulates squared samples; Root returns the square root of the sum.
type EnergyMeter struct {
	sum float64
	n   int
}

func (m *EnergyMeter) Add(x float32) {
	v := float64(x)
	m.sum += v * v
	m.n++
}

func (m *EnergyMeter) Root() float32 { return float32(math.Sqrt(m.sum)) }

// RMS is the root mean square of what was added since the last Reset.
func (m *EnergyMeter) RMS() float32 {
	if m.n == 0 {
		return 0
	}
	return float32(math.Sqrt(m.sum / float64(m.n)))
}

func (m *EnergyMeter) Count() int { return m.n }

func (m *EnergyMeter) Reset() {
	m.sum = 0
	m.n = 0
}

// Tone is a phase-accumulating sine generator.
type Tone struct {
	inc   float64
	phase float64
	amp   float32
}

func NewTone(freq, sampleRate, amp float32) *Tone {
	return &Tone{inc: 2 * math.Pi * float64(freq) / float64(sampleRate), amp: amp}
}

func (t *Tone) Next() float32 {
	y := t.amp * float32(math.Sin(t.phase))
	t.phase += t.inc
	if t.phase >= 2*math.Pi {
		t.phase -= 2 * math.Pi
	}
	return y
}

func (t *Tone) Reset() { t.phase = 0 }

// DelayLine implements a circular buffer for delay
type DelayLine struct {
	buffer   []float32
	writePos int
	size     int
}

// NewDelayLine creates a new delay line with the given size
func NewDelayLine(size int) *DelayLine {
	if size < 1 {
		size = 1
	}
	return &DelayLine{
		buffer: make([]float32, size),
		size:   size,
	}
}

// Write writes a sample to the delay line
func (d *DelayLine) Write(sample float32) {
	d.buffer[d.writePos] = sample
	d.writePos = (d.writePos + 1) % d.size
}

// Read reads the sample written delay samples ago (1 = most recent).
func (d *DelayLine) Read(delay int) float32 {
	readPos := ((d.writePos-delay)%d.size + d.size) % d.size
	return d.buffer[readPos]
}

// Reset clears the delay line
func (d *DelayLine) Reset() {
	for i := range d.buffer {
		d.buffer[i] = 0
	}
	d.writePos = 0
}
