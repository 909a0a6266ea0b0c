package analysis

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// Spectrum turns the mono sum of the output into a fixed number of
// log-spaced bands for display. Bands are normalized to [0,1] over a
// floor..0 dB range.
type Spectrum struct {
	size       int
	sampleRate float64
	hop        int
	window     []float64
	buffer     []float64
	frame      []float64
	writePos   int
	sinceHop   int
	smoothing  float64
	floorDB    float64
	edges      []int
	bands      []float64
	mu         sync.Mutex
}

// NewSpectrum creates an analyzer over size-sample frames (a power of
// two) producing numBands bands between 20 Hz and Nyquist
func NewSpectrum(size int, sampleRate float64, numBands int) *Spectrum {
	if size < 64 {
		size = 64
	}
	if numBands < 1 {
		numBands = 1
	}
	s := &Spectrum{
		size:       size,
		sampleRate: sampleRate,
		hop:        size / 2,
		window:     window.Hann(size),
		buffer:     make([]float64, size),
		frame:      make([]float64, size),
		smoothing:  0.6,
		floorDB:    -90,
		bands:      make([]float64, numBands),
	}
	s.edges = bandEdges(size, sampleRate, numBands)
	return s
}

// bandEdges returns numBands+1 bin indices spaced logarithmically from
// 20 Hz to Nyquist
func bandEdges(size int, sampleRate float64, numBands int) []int {
	nyquist := sampleRate / 2
	lo := math.Log(20)
	hi := math.Log(nyquist)
	edges := make([]int, numBands+1)
	maxBin := size / 2
	for i := range edges {
		f := math.Exp(lo + (hi-lo)*float64(i)/float64(numBands))
		bin := int(math.Round(f * float64(size) / sampleRate))
		bin = max(1, min(bin, maxBin))
		if i > 0 && bin <= edges[i-1] {
			bin = min(edges[i-1]+1, maxBin)
		}
		edges[i] = bin
	}
	return edges
}

// Process feeds one stereo block. It returns true when a new frame was
// analyzed.
func (s *Spectrum) Process(left, right []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := false
	n := min(len(left), len(right))
	for i := 0; i < n; i++ {
		s.buffer[s.writePos] = 0.5 * (float64(left[i]) + float64(right[i]))
		s.writePos = (s.writePos + 1) % s.size
		s.sinceHop++
		if s.sinceHop >= s.hop {
			s.sinceHop = 0
			s.analyze()
			updated = true
		}
	}
	return updated
}

func (s *Spectrum) analyze() {
	// unroll the ring oldest first and window it
	for i := 0; i < s.size; i++ {
		s.frame[i] = s.buffer[(s.writePos+i)%s.size] * s.window[i]
	}
	bins := fft.FFTReal(s.frame)

	// Hann has a coherent gain of 0.5
	scale := 2.0 / (float64(s.size) * 0.5)
	for b := range s.bands {
		peak := 0.0
		end := max(s.edges[b+1], s.edges[b]+1)
		for k := s.edges[b]; k < end && k < len(bins); k++ {
			if m := cmplx.Abs(bins[k]) * scale; m > peak {
				peak = m
			}
		}
		level := (ToDB(peak, s.floorDB) - s.floorDB) / -s.floorDB
		s.bands[b] = s.smoothing*s.bands[b] + (1-s.smoothing)*level
	}
}

// Bands returns a copy of the current band levels
func (s *Spectrum) Bands() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.bands...)
}

// BandFrequency returns the lower edge of band b in Hz
func (s *Spectrum) BandFrequency(b int) float64 {
	if b < 0 || b >= len(s.bands) {
		return 0
	}
	return float64(s.edges[b]) * s.sampleRate / float64(s.size)
}

// Peak returns the band with the highest level
func (s *Spectrum) Peak() (band int, level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range s.bands {
		if v > level {
			band, level = i, v
		}
	}
	return band, level
}

// Reset clears buffered audio and band levels
func (s *Spectrum) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.buffer)
	clear(s.bands)
	s.writePos = 0
	s.sinceHop = 0
}
