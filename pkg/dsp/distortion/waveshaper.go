// Package distortion provides the waveshaping curves used by the
// distortion effect and the engine's output limiter.
package distortion

import (
	"math"
)

// CurveType represents different waveshaping transfer functions
type CurveType int

const (
	// CurveSoftClip applies soft clipping using tanh
	CurveSoftClip CurveType = iota
	// CurveHardClip clips the signal at ±1
	CurveHardClip
	// CurveSaturate applies exponential saturation
	CurveSaturate
	// CurveFoldback creates wave folding distortion
	CurveFoldback
)

// ParseCurve maps a curve name to its type; unknown names fall back to soft clip.
func ParseCurve(name string) CurveType {
	switch name {
	case "hard", "hard_clip":
		return CurveHardClip
	case "saturate":
		return CurveSaturate
	case "foldback", "fold":
		return CurveFoldback
	default:
		return CurveSoftClip
	}
}

// Waveshaper applies waveshaping distortion to audio signals
type Waveshaper struct {
	curve CurveType
	drive float32
	mix   float32
	// makeup keeps heavily driven output near unity
	makeup float32
}

// NewWaveshaper creates a new waveshaper with the specified curve type
func NewWaveshaper(curve CurveType) *Waveshaper {
	w := &Waveshaper{curve: curve, mix: 1.0}
	w.SetDrive(1.0)
	return w
}

// SetDrive sets the distortion amount (1.0 to 20.0)
func (w *Waveshaper) SetDrive(drive float64) {
	drive = math.Max(1.0, math.Min(20.0, drive))
	w.drive = float32(drive)
	w.makeup = float32(1.0 / math.Tanh(drive))
}

// SetMix sets the dry/wet mix (0.0 = dry, 1.0 = wet)
func (w *Waveshaper) SetMix(mix float64) {
	w.mix = float32(math.Max(0.0, math.Min(1.0, mix)))
}

// Shape applies the curve to one sample
func (w *Waveshaper) Shape(x float32) float32 {
	driven := float64(x * w.drive)
	var shaped float64
	switch w.curve {
	case CurveHardClip:
		shaped = math.Max(-1.0, math.Min(1.0, driven))
	case CurveSaturate:
		if driven >= 0 {
			shaped = 1.0 - math.Exp(-driven)
		} else {
			shaped = -1.0 + math.Exp(driven)
		}
	case CurveFoldback:
		n := (driven + 1.0) / 4.0
		f := n - math.Floor(n)
		shaped = 1.0 - math.Abs(4.0*f-2.0)
	default:
		shaped = math.Tanh(driven) * float64(w.makeup)
	}
	return x*(1.0-w.mix) + float32(shaped)*w.mix
}

// Process shapes a stereo block in place
func (w *Waveshaper) Process(left, right []float32) {
	for i := range left {
		left[i] = w.Shape(left[i])
	}
	for i := range right {
		right[i] = w.Shape(right[i])
	}
}

// SoftClip is the tanh limiter applied to the final mix
func SoftClip(buffer []float32) {
	for i, v := range buffer {
		buffer[i] = float32(math.Tanh(float64(v)))
	}
}
