// Package pan places mono voices in the stereo field.
package pan

import (
	"math"
)

// Law represents different panning laws
type Law int

const (
	// Linear uses linear panning (constant power not maintained)
	Linear Law = iota
	// ConstantPower uses sine/cosine panning (maintains constant power)
	ConstantPower
)

// Gains returns the left and right gains for a pan position.
// pan: -1.0 = hard left, 0.0 = center, 1.0 = hard right
func Gains(pan float32, law Law) (left, right float32) {
	if pan < -1 {
		pan = -1
	} else if pan > 1 {
		pan = 1
	}
	if law == Linear {
		return (1.0 - pan) * 0.5, (1.0 + pan) * 0.5
	}
	angle := float64(pan+1.0) * math.Pi / 4.0
	return float32(math.Cos(angle)), float32(math.Sin(angle))
}

// Accumulate pans mono and adds it into left and right
func Accumulate(mono []float32, pan float32, law Law, left, right []float32) {
	lg, rg := Gains(pan, law)
	n := len(mono)
	if len(left) < n {
		n = len(left)
	}
	if len(right) < n {
		n = len(right)
	}
	for i := 0; i < n; i++ {
		left[i] += mono[i] * lg
		right[i] += mono[i] * rg
	}
}

// Width adjusts the stereo width of a signal in place.
// width: 0.0 = mono, 1.0 = unchanged, 2.0 = extra wide
func Width(left, right []float32, width float32) {
	n := len(left)
	if len(right) < n {
		n = len(right)
	}
	for i := 0; i < n; i++ {
		mid := (left[i] + right[i]) * 0.5
		side := (left[i] - right[i]) * 0.5 * width
		left[i] = mid + side
		right[i] = mid - side
	}
}
