// Package reverb implements the Freeverb room model used by the reverb
// effect.
package reverb

import (
	"math"
)

// Freeverb tuning constants (scaled for 44.1kHz)
const (
	numCombs     = 8
	numAllpasses = 4
	fixedGain    = 0.015
	scaleDamping = 0.4
	scaleRoom    = 0.28
	offsetRoom   = 0.7
	stereoSpread = 23
)

// Comb and allpass tuning values (in samples at 44.1kHz)
var (
	combTuning    = [numCombs]int{1116, 1188, 1277, 1356, 1422, 1491, 1557, 1617}
	allpassTuning = [numAllpasses]int{556, 441, 341, 225}
)

// comb is a feedback comb filter with a one-pole lowpass in the loop
type comb struct {
	buffer      []float32
	idx         int
	feedback    float32
	filterstore float32
	damp1       float32
	damp2       float32
}

func newComb(size int) *comb {
	return &comb{buffer: make([]float32, size), feedback: 0.5, damp1: 0.5, damp2: 0.5}
}

func (c *comb) process(input float32) float32 {
	output := c.buffer[c.idx]
	c.filterstore = output*c.damp2 + c.filterstore*c.damp1
	c.buffer[c.idx] = input + c.feedback*c.filterstore
	c.idx++
	if c.idx >= len(c.buffer) {
		c.idx = 0
	}
	return output
}

func (c *comb) reset() {
	clear(c.buffer)
	c.idx = 0
	c.filterstore = 0
}

// allpass diffuses the comb output: y[n] = -x[n] + x[n-D] + g*y[n-D]
type allpass struct {
	buffer []float32
	idx    int
}

func newAllpass(size int) *allpass {
	return &allpass{buffer: make([]float32, size)}
}

func (a *allpass) process(input float32) float32 {
	bufout := a.buffer[a.idx]
	a.buffer[a.idx] = input + 0.5*bufout
	a.idx++
	if a.idx >= len(a.buffer) {
		a.idx = 0
	}
	return -input + bufout
}

func (a *allpass) reset() {
	clear(a.buffer)
	a.idx = 0
}

// Freeverb implements the Freeverb reverb algorithm by Jezar at Dreampoint
type Freeverb struct {
	combL, combR       [numCombs]*comb
	allpassL, allpassR [numAllpasses]*allpass

	roomSize float64
	damping  float64
	mix      float64
	width    float64

	wet1, wet2, dry float32
}

// NewFreeverb creates a reverb with a medium room and a 1/3 wet mix
func NewFreeverb(sampleRate float64) *Freeverb {
	f := &Freeverb{roomSize: 0.5, damping: 0.5, mix: 1.0 / 3.0, width: 1.0}

	scale := sampleRate / 44100.0
	for i := 0; i < numCombs; i++ {
		f.combL[i] = newComb(int(float64(combTuning[i]) * scale))
		f.combR[i] = newComb(int(float64(combTuning[i]+stereoSpread) * scale))
	}
	for i := 0; i < numAllpasses; i++ {
		f.allpassL[i] = newAllpass(int(float64(allpassTuning[i]) * scale))
		f.allpassR[i] = newAllpass(int(float64(allpassTuning[i]+stereoSpread) * scale))
	}

	f.update()
	return f
}

// SetRoomSize sets the room size (0-1)
func (f *Freeverb) SetRoomSize(size float64) {
	f.roomSize = clamp01(size)
	f.update()
}

// SetDamping sets the high-frequency damping (0-1)
func (f *Freeverb) SetDamping(damping float64) {
	f.damping = clamp01(damping)
	f.update()
}

// SetMix sets the wet/dry balance (0 = dry, 1 = wet)
func (f *Freeverb) SetMix(mix float64) {
	f.mix = clamp01(mix)
	f.update()
}

func (f *Freeverb) update() {
	f.wet1 = float32(f.mix * (f.width/2.0 + 0.5))
	f.wet2 = float32(f.mix * ((1.0 - f.width) / 2.0))
	f.dry = float32(1.0 - f.mix)

	feedback := float32(f.roomSize*scaleRoom + offsetRoom)
	damp1 := float32(f.damping * scaleDamping)
	for i := 0; i < numCombs; i++ {
		for _, c := range []*comb{f.combL[i], f.combR[i]} {
			c.feedback = feedback
			c.damp1 = damp1
			c.damp2 = 1.0 - damp1
		}
	}
}

// Process runs the reverb in place over a stereo block
func (f *Freeverb) Process(left, right []float32) {
	n := len(left)
	if len(right) < n {
		n = len(right)
	}
	for i := 0; i < n; i++ {
		inL, inR := left[i], right[i]
		input := (inL + inR) * fixedGain

		var outL, outR float32
		for c := 0; c < numCombs; c++ {
			outL += f.combL[c].process(input)
			outR += f.combR[c].process(input)
		}
		for a := 0; a < numAllpasses; a++ {
			outL = f.allpassL[a].process(outL)
			outR = f.allpassR[a].process(outR)
		}

		left[i] = outL*f.wet1 + outR*f.wet2 + inL*f.dry
		right[i] = outR*f.wet1 + outL*f.wet2 + inR*f.dry
	}
}

// Reset clears the tail
func (f *Freeverb) Reset() {
	for i := 0; i < numCombs; i++ {
		f.combL[i].reset()
		f.combR[i].reset()
	}
	for i := 0; i < numAllpasses; i++ {
		f.allpassL[i].reset()
		f.allpassR[i].reset()
	}
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}
