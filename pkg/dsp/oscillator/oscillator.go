// Package oscillator provides audio oscillators for synthesis
package oscillator

import (
	"math"
	"math/rand"
)

// Shape selects the waveform produced by Next
type Shape int

const (
	// Sine is a pure sine wave
	Sine Shape = iota
	// Saw is a naive sawtooth
	Saw
	// Square is a 50% pulse
	Square
	// Triangle is a triangle wave
	Triangle
	// Noise is uniform white noise; frequency is ignored
	Noise
)

// Oscillator generates periodic waveforms
type Oscillator struct {
	sampleRate float64
	frequency  float64
	phase      float64
	phaseInc   float64
	shape      Shape
	rng        *rand.Rand
}

// New creates a new oscillator
func New(sampleRate float64) *Oscillator {
	return &Oscillator{
		sampleRate: sampleRate,
		frequency:  440.0,
		phaseInc:   440.0 / sampleRate,
		rng:        rand.New(rand.NewSource(rand.Int63())),
	}
}

// SetShape selects the waveform
func (o *Oscillator) SetShape(s Shape) {
	o.shape = s
}

// SetFrequency sets the oscillator frequency
func (o *Oscillator) SetFrequency(freq float64) {
	o.frequency = freq
	o.phaseInc = freq / o.sampleRate
}

// Frequency returns the current frequency
func (o *Oscillator) Frequency() float64 {
	return o.frequency
}

// SetSeed makes the noise source reproducible
func (o *Oscillator) SetSeed(seed int64) {
	o.rng = rand.New(rand.NewSource(seed))
}

// Reset resets the oscillator phase to 0
func (o *Oscillator) Reset() {
	o.phase = 0.0
}

func (o *Oscillator) advance() {
	o.phase += o.phaseInc
	if o.phase >= 1.0 {
		o.phase -= math.Floor(o.phase)
	}
}

// Next generates one sample of the selected shape
func (o *Oscillator) Next() float32 {
	var sample float64
	switch o.shape {
	case Sine:
		sample = math.Sin(2.0 * math.Pi * o.phase)
	case Saw:
		sample = 2.0*o.phase - 1.0
	case Square:
		if o.phase < 0.5 {
			sample = 1.0
		} else {
			sample = -1.0
		}
	case Triangle:
		if o.phase < 0.5 {
			sample = 4.0*o.phase - 1.0
		} else {
			sample = 3.0 - 4.0*o.phase
		}
	case Noise:
		return float32(o.rng.Float64()*2.0 - 1.0)
	}
	o.advance()
	return float32(sample)
}

// Process fills buffer with the selected shape - no allocations
func (o *Oscillator) Process(buffer []float32) {
	for i := range buffer {
		buffer[i] = o.Next()
	}
}
