// Package delay provides delay lines and the feedback echo used by the
// delay effect.
package delay

import "math"

// Line implements a basic delay line with linear interpolation
type Line struct {
	buffer   []float32
	writePos int
}

// NewLine creates a delay line holding up to maxSamples of history
func NewLine(maxSamples int) *Line {
	if maxSamples < 2 {
		maxSamples = 2
	}
	return &Line{buffer: make([]float32, maxSamples)}
}

// Reset clears the delay buffer
func (d *Line) Reset() {
	clear(d.buffer)
	d.writePos = 0
}

// Write adds a sample to the delay line
func (d *Line) Write(sample float32) {
	d.buffer[d.writePos] = sample
	d.writePos++
	if d.writePos >= len(d.buffer) {
		d.writePos = 0
	}
}

// Read gets a delayed sample (delay in samples, at least 1)
func (d *Line) Read(delaySamples float64) float32 {
	size := len(d.buffer)
	delaySamples = math.Max(1, math.Min(delaySamples, float64(size-1)))

	readPos := float64(d.writePos) - delaySamples
	if readPos < 0 {
		readPos += float64(size)
	}

	i := int(readPos)
	frac := float32(readPos - float64(i))
	s1 := d.buffer[i]
	s2 := d.buffer[(i+1)%size]
	return s1*(1.0-frac) + s2*frac
}

// Echo is a stereo feedback delay
type Echo struct {
	left, right *Line
	sampleRate  float64
	delay       float64 // samples
	feedback    float32
	mix         float32
}

// MaxEchoSeconds bounds the delay time an Echo accepts
const MaxEchoSeconds = 2.0

// NewEcho creates a 250ms echo with 0.3 feedback and a 0.3 mix
func NewEcho(sampleRate float64) *Echo {
	size := int(MaxEchoSeconds*sampleRate) + 2
	e := &Echo{
		left:       NewLine(size),
		right:      NewLine(size),
		sampleRate: sampleRate,
	}
	e.SetTime(0.25)
	e.SetFeedback(0.3)
	e.SetMix(0.3)
	return e
}

// SetTime sets the delay time in seconds
func (e *Echo) SetTime(seconds float64) {
	seconds = math.Max(0.001, math.Min(MaxEchoSeconds, seconds))
	e.delay = seconds * e.sampleRate
}

// SetFeedback sets how much of the output is fed back (0-0.95)
func (e *Echo) SetFeedback(feedback float64) {
	e.feedback = float32(math.Max(0, math.Min(0.95, feedback)))
}

// SetMix sets the dry/wet mix
func (e *Echo) SetMix(mix float64) {
	e.mix = float32(math.Max(0, math.Min(1, mix)))
}

// Process runs the echo in place over a stereo block - no allocations
func (e *Echo) Process(left, right []float32) {
	dry := 1.0 - e.mix
	for i := range left {
		wet := e.left.Read(e.delay)
		e.left.Write(left[i] + wet*e.feedback)
		left[i] = left[i]*dry + wet*e.mix
	}
	for i := range right {
		wet := e.right.Read(e.delay)
		e.right.Write(right[i] + wet*e.feedback)
		right[i] = right[i]*dry + wet*e.mix
	}
}

// Reset clears both lines
func (e *Echo) Reset() {
	e.left.Reset()
	e.right.Reset()
}
