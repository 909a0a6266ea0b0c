// Package analysis measures the rendered output for the synth_state
// display: per-channel peak and RMS levels, stereo correlation and a
// coarse spectrum.
//
// An Analyzer is attached to the engine as a frame tap:
//
//	a := analysis.New(analysis.Options{SampleRate: 44100})
//	remove := engine.AddTap(a)
//	defer remove()
//	levels := a.Snapshot()
package analysis

import (
	"sync"
	"time"
)

const (
	DefaultFFTSize = 2048
	DefaultBands   = 32
	floorDB        = -90.0
)

// Options configures an Analyzer
type Options struct {
	SampleRate float64
	FFTSize    int
	Bands      int
	// RMSWindow defaults to 300ms
	RMSWindow time.Duration
}

// Levels is one reading of the output
type Levels struct {
	PeakLeft    float64   `json:"peak_left"`
	PeakRight   float64   `json:"peak_right"`
	PeakLeftDB  float64   `json:"peak_left_db"`
	PeakRightDB float64   `json:"peak_right_db"`
	RMSLeft     float64   `json:"rms_left"`
	RMSRight    float64   `json:"rms_right"`
	Correlation float64   `json:"correlation"`
	Spectrum    []float64 `json:"spectrum"`
	Frames      uint64    `json:"frames"`
}

// Analyzer is safe to feed from the render goroutine while another
// goroutine reads snapshots
type Analyzer struct {
	peak  [2]*PeakMeter
	rms   [2]*RMSMeter
	corr  *CorrelationMeter
	spec  *Spectrum
	mu    sync.Mutex
	count uint64
}

// New creates an analyzer
func New(opts Options) *Analyzer {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 44100
	}
	if opts.FFTSize <= 0 {
		opts.FFTSize = DefaultFFTSize
	}
	if opts.Bands <= 0 {
		opts.Bands = DefaultBands
	}
	if opts.RMSWindow <= 0 {
		opts.RMSWindow = 300 * time.Millisecond
	}
	window := int(opts.RMSWindow.Seconds() * opts.SampleRate)
	return &Analyzer{
		peak: [2]*PeakMeter{NewPeakMeter(opts.SampleRate), NewPeakMeter(opts.SampleRate)},
		rms:  [2]*RMSMeter{NewRMSMeter(window), NewRMSMeter(window)},
		corr: NewCorrelationMeter(),
		spec: NewSpectrum(opts.FFTSize, opts.SampleRate, opts.Bands),
	}
}

// OnAudioFrame implements the engine's frame tap
func (a *Analyzer) OnAudioFrame(left, right []float32) {
	a.peak[0].Process(left)
	a.peak[1].Process(right)
	a.rms[0].Process(left)
	a.rms[1].Process(right)
	a.corr.Process(left, right)
	a.spec.Process(left, right)

	a.mu.Lock()
	a.count += uint64(len(left))
	a.mu.Unlock()
}

// Snapshot reads every meter
func (a *Analyzer) Snapshot() Levels {
	a.mu.Lock()
	frames := a.count
	a.mu.Unlock()

	l := Levels{
		PeakLeft:    a.peak[0].Peak(),
		PeakRight:   a.peak[1].Peak(),
		RMSLeft:     a.rms[0].RMS(),
		RMSRight:    a.rms[1].RMS(),
		Correlation: a.corr.Correlation(),
		Spectrum:    a.spec.Bands(),
		Frames:      frames,
	}
	l.PeakLeftDB = ToDB(l.PeakLeft, floorDB)
	l.PeakRightDB = ToDB(l.PeakRight, floorDB)
	return l
}

// Spectrum exposes the band analyzer
func (a *Analyzer) Spectrum() *Spectrum { return a.spec }

// Reset clears all meters
func (a *Analyzer) Reset() {
	for i := range a.peak {
		a.peak[i].Reset()
		a.rms[i].Reset()
	}
	a.spec.Reset()
	a.mu.Lock()
	a.count = 0
	a.mu.Unlock()
}
