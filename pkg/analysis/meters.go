package analysis

import (
	"math"
	"sync"
)

// PeakMeter follows block peaks with a hold and a dB/second fall-off
type PeakMeter struct {
	peak       float64
	hold       float64
	holdTime   float64
	decayRate  float64
	sampleRate float64
	holdCount  int
	mu         sync.Mutex
}

// NewPeakMeter creates a peak meter with a 1.5s hold and 20 dB/s decay
func NewPeakMeter(sampleRate float64) *PeakMeter {
	return &PeakMeter{
		sampleRate: sampleRate,
		holdTime:   1.5,
		decayRate:  20.0,
	}
}

// SetHoldTime sets the peak hold time in seconds
func (pm *PeakMeter) SetHoldTime(seconds float64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.holdTime = seconds
}

// SetDecayRate sets the fall-off in dB/second
func (pm *PeakMeter) SetDecayRate(dbPerSecond float64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.decayRate = dbPerSecond
}

// Process updates the meter with one block
func (pm *PeakMeter) Process(samples []float32) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	blockPeak := 0.0
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > blockPeak {
			blockPeak = a
		}
	}

	decayPerSample := pm.decayRate / pm.sampleRate / 20.0 * math.Ln10
	pm.peak *= math.Exp(-decayPerSample * float64(len(samples)))
	if blockPeak > pm.peak {
		pm.peak = blockPeak
	}

	if blockPeak > pm.hold {
		pm.hold = blockPeak
		pm.holdCount = int(pm.holdTime * pm.sampleRate)
	} else {
		pm.holdCount -= len(samples)
		if pm.holdCount <= 0 {
			pm.hold = pm.peak
			pm.holdCount = 0
		}
	}
}

// Peak returns the decaying peak level (linear)
func (pm *PeakMeter) Peak() float64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.peak
}

// Hold returns the held peak level (linear)
func (pm *PeakMeter) Hold() float64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.hold
}

// Reset clears the meter
func (pm *PeakMeter) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.peak = 0
	pm.hold = 0
	pm.holdCount = 0
}

// RMSMeter is a sliding-window RMS level
type RMSMeter struct {
	window []float64
	pos    int
	sum    float64
	mu     sync.Mutex
}

// NewRMSMeter creates a meter averaging over windowSamples
func NewRMSMeter(windowSamples int) *RMSMeter {
	if windowSamples < 1 {
		windowSamples = 1
	}
	return &RMSMeter{window: make([]float64, windowSamples)}
}

// Process adds one block
func (rm *RMSMeter) Process(samples []float32) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, s := range samples {
		sq := float64(s) * float64(s)
		rm.sum += sq - rm.window[rm.pos]
		rm.window[rm.pos] = sq
		rm.pos = (rm.pos + 1) % len(rm.window)
	}
	// float drift can leave a tiny negative sum on silence
	if rm.sum < 0 {
		rm.sum = 0
	}
}

// RMS returns the current level (linear)
func (rm *RMSMeter) RMS() float64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return math.Sqrt(rm.sum / float64(len(rm.window)))
}

// Reset clears the window
func (rm *RMSMeter) Reset() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	clear(rm.window)
	rm.pos = 0
	rm.sum = 0
}

// CorrelationMeter tracks the phase correlation of a stereo pair in
// [-1,1]; +1 is mono, 0 unrelated, -1 out of phase
type CorrelationMeter struct {
	sumLR, sumLL, sumRR float64
	averaging           float64
	mu                  sync.Mutex
}

// NewCorrelationMeter creates a meter with exponential averaging
func NewCorrelationMeter() *CorrelationMeter {
	return &CorrelationMeter{averaging: 0.9}
}

// Process adds one stereo block
func (cm *CorrelationMeter) Process(left, right []float32) {
	var lr, ll, rr float64
	n := min(len(left), len(right))
	for i := 0; i < n; i++ {
		l, r := float64(left[i]), float64(right[i])
		lr += l * r
		ll += l * l
		rr += r * r
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	a := cm.averaging
	cm.sumLR = a*cm.sumLR + (1-a)*lr
	cm.sumLL = a*cm.sumLL + (1-a)*ll
	cm.sumRR = a*cm.sumRR + (1-a)*rr
}

// Correlation returns the averaged correlation, 0 on silence
func (cm *CorrelationMeter) Correlation() float64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	den := math.Sqrt(cm.sumLL * cm.sumRR)
	if den < 1e-12 {
		return 0
	}
	return math.Max(-1, math.Min(1, cm.sumLR/den))
}

// ToDB converts a linear level to decibels, floored at floor
func ToDB(linear, floor float64) float64 {
	if linear <= 0 {
		return floor
	}
	return math.Max(floor, 20*math.Log10(linear))
}
