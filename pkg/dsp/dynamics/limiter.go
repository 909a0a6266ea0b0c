// Package dynamics holds the master-bus limiter.
package dynamics

import "math"

const (
	DefaultCeiling = -1.0 // dBFS
	DefaultRelease = 0.08 // seconds
)

// Limiter is a stereo-linked peak limiter with instant attack. Output
// never exceeds the ceiling; gain recovers exponentially over the
// release time.
type Limiter struct {
	sampleRate float64
	ceiling    float32 // linear
	release    float32 // per-sample recovery coefficient
	gain       float32
}

// NewLimiter creates a limiter at the default ceiling and release
func NewLimiter(sampleRate float64) *Limiter {
	l := &Limiter{sampleRate: sampleRate, gain: 1}
	l.SetCeiling(DefaultCeiling)
	l.SetRelease(DefaultRelease)
	return l
}

// SetCeiling sets the output ceiling in dBFS; positive values clamp to 0
func (l *Limiter) SetCeiling(dB float64) {
	l.ceiling = float32(math.Pow(10, math.Min(0, dB)/20))
}

// SetRelease sets the time for gain to recover by 1-1/e
func (l *Limiter) SetRelease(seconds float64) {
	seconds = math.Max(0.001, seconds)
	l.release = float32(1 - math.Exp(-1/(seconds*l.sampleRate)))
}

// GainReduction returns the current reduction in dB (zero or negative)
func (l *Limiter) GainReduction() float64 {
	return 20 * math.Log10(float64(l.gain))
}

// Reset restores unity gain
func (l *Limiter) Reset() {
	l.gain = 1
}

// Process limits left and right in place with a shared gain
func (l *Limiter) Process(left, right []float32) {
	n := min(len(left), len(right))
	for i := 0; i < n; i++ {
		peak := max(abs(left[i]), abs(right[i]))

		target := float32(1)
		if peak > l.ceiling {
			target = l.ceiling / peak
		}
		if target < l.gain {
			l.gain = target
		} else {
			l.gain += (target - l.gain) * l.release
		}

		left[i] *= l.gain
		right[i] *= l.gain
	}
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
