package synth

import (
	"github.com/justyntemme/gesturebeats/pkg/dsp/filter"
	"github.com/justyntemme/gesturebeats/pkg/dsp/oscillator"
	"github.com/justyntemme/gesturebeats/pkg/instrument"
)

// drumModel is a single oscillator under an exponential decay, optionally
// shaped by a filter
type drumModel struct {
	shape oscillator.Shape
	freq  float64 // Hz; ignored for noise
	decay float64 // amplitude = exp(-decay * t)
	level float32

	filtered bool
	filter   filter.Type
	cutoff   float64
	q        float64
}

var drumModels = map[instrument.Drum]drumModel{
	instrument.Kick:  {shape: oscillator.Sine, freq: 60, decay: 10, level: 1.0},
	instrument.Snare: {shape: oscillator.Noise, decay: 15, level: 0.5, filtered: true, filter: filter.Bandpass, cutoff: 1800, q: 0.8},
	instrument.HiHat: {shape: oscillator.Noise, decay: 20, level: 0.2, filtered: true, filter: filter.Highpass, cutoff: 7000, q: 0.707},
	instrument.Crash: {shape: oscillator.Noise, decay: 8, level: 0.35, filtered: true, filter: filter.Highpass, cutoff: 4000, q: 0.707},
	instrument.Tom1:  {shape: oscillator.Sine, freq: 150, decay: 5, level: 0.9},
	instrument.Tom2:  {shape: oscillator.Sine, freq: 200, decay: 6, level: 0.9},
}
