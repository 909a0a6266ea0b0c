// Package envelope provides the amplitude envelopes that shape synth voices
package envelope

import "math"

// Stage represents the current envelope stage
type Stage int

const (
	// StageIdle represents envelope idle state
	StageIdle Stage = iota
	// StageAttack represents envelope attack phase
	StageAttack
	// StageDecay represents envelope decay phase
	StageDecay
	// StageSustain represents envelope sustain phase
	StageSustain
	// StageRelease represents envelope release phase
	StageRelease
)

var stageNames = [...]string{"idle", "attack", "decay", "sustain", "release"}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "unknown"
}

// minTime keeps coefficients finite; anything shorter is a click anyway
const minTime = 0.001

// ADSR implements an Attack-Decay-Sustain-Release envelope generator.
// Attack is linear so short attacks still reach full level on time; decay
// and release are exponential.
type ADSR struct {
	sampleRate float64

	// Parameters (in seconds for A,D,R and 0-1 for S)
	attack  float64
	decay   float64
	sustain float64
	release float64

	attackInc   float64
	decayCoef   float64
	releaseCoef float64

	stage Stage
	value float64
}

// New creates a new ADSR envelope
func New(sampleRate float64) *ADSR {
	env := &ADSR{
		sampleRate: sampleRate,
		attack:     0.01,
		decay:      0.1,
		sustain:    0.7,
		release:    0.3,
	}
	env.updateCoefficients()
	return env
}

// SetADSR sets all parameters at once
func (e *ADSR) SetADSR(attack, decay, sustain, release float64) {
	e.attack = math.Max(minTime, attack)
	e.decay = math.Max(minTime, decay)
	e.sustain = math.Max(0.0, math.Min(1.0, sustain))
	e.release = math.Max(minTime, release)
	e.updateCoefficients()
}

// Sustain returns the sustain level
func (e *ADSR) Sustain() float64 {
	return e.sustain
}

func (e *ADSR) updateCoefficients() {
	e.attackInc = 1.0 / (e.attack * e.sampleRate)
	e.decayCoef = calcCoef(e.decay, e.sampleRate)
	e.releaseCoef = calcCoef(e.release, e.sampleRate)
}

// calcCoef returns the per-sample multiplier that covers ~99% of the
// distance to the target in timeSeconds.
func calcCoef(timeSeconds, sampleRate float64) float64 {
	if timeSeconds <= 0.0 {
		return 0.0
	}
	return math.Exp(-4.6 / (timeSeconds * sampleRate))
}

// Trigger starts the envelope (note on). Retriggering keeps the current
// level so a stolen voice does not click.
func (e *ADSR) Trigger() {
	e.stage = StageAttack
}

// Release starts the release stage (note off)
func (e *ADSR) Release() {
	if e.stage != StageIdle && e.stage != StageRelease {
		e.stage = StageRelease
	}
}

// FadeOut forces a release of the given length regardless of the patch,
// used when the engine stops or a voice is stolen.
func (e *ADSR) FadeOut(seconds float64) {
	if e.stage == StageIdle {
		return
	}
	e.releaseCoef = calcCoef(math.Max(minTime, seconds), e.sampleRate)
	e.stage = StageRelease
}

// Reset immediately returns the envelope to idle
func (e *ADSR) Reset() {
	e.stage = StageIdle
	e.value = 0.0
	e.updateCoefficients()
}

// IsActive returns true if the envelope is generating output
func (e *ADSR) IsActive() bool {
	return e.stage != StageIdle
}

// Stage returns the current envelope stage
func (e *ADSR) Stage() Stage {
	return e.stage
}

// Value returns the last generated level
func (e *ADSR) Value() float64 {
	return e.value
}

// Next generates the next envelope value
func (e *ADSR) Next() float32 {
	switch e.stage {
	case StageAttack:
		e.value += e.attackInc
		if e.value >= 1.0 {
			e.value = 1.0
			e.stage = StageDecay
		}

	case StageDecay:
		e.value = e.sustain + (e.value-e.sustain)*e.decayCoef
		if e.value <= e.sustain+0.001 {
			e.value = e.sustain
			e.stage = StageSustain
		}

	case StageSustain:
		e.value = e.sustain
		if e.sustain <= 0.0 {
			e.stage = StageIdle
		}

	case StageRelease:
		e.value *= e.releaseCoef
		if e.value <= 0.0005 {
			e.value = 0.0
			e.stage = StageIdle
		}

	case StageIdle:
		e.value = 0.0
	}

	return float32(e.value)
}

// ProcessMultiply multiplies buffer by envelope - no allocations
func (e *ADSR) ProcessMultiply(buffer []float32) {
	for i := range buffer {
		buffer[i] *= e.Next()
	}
}

// Decay is a one-shot exponential decay used for drum hits: it jumps to
// 1 on Trigger and falls by a fixed rate per second.
type Decay struct {
	sampleRate float64
	coef       float64
	value      float64
}

// NewDecay creates a decay that loses rate nepers per second, so
// amplitude(t) = exp(-rate * t).
func NewDecay(sampleRate, rate float64) *Decay {
	d := &Decay{sampleRate: sampleRate}
	d.SetRate(rate)
	return d
}

// SetRate changes the decay rate
func (d *Decay) SetRate(rate float64) {
	d.coef = math.Exp(-rate / d.sampleRate)
}

// Trigger restarts the hit at full level
func (d *Decay) Trigger() {
	d.value = 1.0
}

// IsActive reports whether the hit is still audible
func (d *Decay) IsActive() bool {
	return d.value > 0.0005
}

// Next returns the current level and advances one sample
func (d *Decay) Next() float32 {
	v := d.value
	d.value *= d.coef
	if d.value <= 0.0005 {
		d.value = 0
	}
	return float32(v)
}
