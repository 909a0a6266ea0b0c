package audio

import "math"

// ToInt16 converts src into dst, clipping outside [-1,1] and mapping NaN
// to silence. It returns the number of samples written.
func ToInt16(dst []int16, src []float32) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = sampleToInt16(src[i])
	}
	return n
}

func sampleToInt16(v float32) int16 {
	switch {
	case v != v:
		return 0
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return -math.MaxInt16
	}
	return int16(math.Round(float64(v) * math.MaxInt16))
}
