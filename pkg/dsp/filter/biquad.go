// Package filter provides the second-order filters that voice the
// noise-based drums.
package filter

import "math"

// Type selects a biquad response
type Type int

const (
	Lowpass Type = iota
	Highpass
	Bandpass
)

// Biquad is a mono Direct Form I second-order IIR filter
type Biquad struct {
	b0, b1, b2 float32
	a1, a2     float32 // a0 normalized to 1

	x1, x2 float32
	y1, y2 float32
}

// New creates a filter of type t at frequency Hz with resonance q
func New(t Type, sampleRate, frequency, q float64) *Biquad {
	b := &Biquad{}
	b.Set(t, sampleRate, frequency, q)
	return b
}

// Set redesigns the filter without clearing its state. Frequencies are
// clamped below Nyquist.
func (b *Biquad) Set(t Type, sampleRate, frequency, q float64) {
	frequency = math.Max(1, math.Min(frequency, sampleRate*0.49))
	if q <= 0 {
		q = math.Sqrt2 / 2
	}
	omega := 2 * math.Pi * frequency / sampleRate
	cos := math.Cos(omega)
	alpha := math.Sin(omega) / (2 * q)

	var b0, b1, b2 float64
	switch t {
	case Highpass:
		b0, b1, b2 = (1+cos)/2, -(1 + cos), (1+cos)/2
	case Bandpass:
		// constant 0 dB peak gain
		b0, b1, b2 = alpha, 0, -alpha
	default:
		b0, b1, b2 = (1-cos)/2, 1-cos, (1-cos)/2
	}
	a0 := 1 + alpha
	b.b0 = float32(b0 / a0)
	b.b1 = float32(b1 / a0)
	b.b2 = float32(b2 / a0)
	b.a1 = float32(-2 * cos / a0)
	b.a2 = float32((1 - alpha) / a0)
}

// Reset clears the filter history
func (b *Biquad) Reset() {
	b.x1, b.x2, b.y1, b.y2 = 0, 0, 0, 0
}

// Next filters one sample
func (b *Biquad) Next(x float32) float32 {
	y := b.b0*x + b.b1*b.x1 + b.b2*b.x2 - b.a1*b.y1 - b.a2*b.y2
	b.x2, b.x1 = b.x1, x
	b.y2, b.y1 = b.y1, y
	return y
}

// Process filters buf in place
func (b *Biquad) Process(buf []float32) {
	for i, x := range buf {
		buf[i] = b.Next(x)
	}
}
