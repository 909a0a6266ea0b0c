package synth

import (
	"github.com/justyntemme/gesturebeats/pkg/dsp/envelope"
	"github.com/justyntemme/gesturebeats/pkg/dsp/filter"
	"github.com/justyntemme/gesturebeats/pkg/dsp/oscillator"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/instrument"
)

// Voice is one sounding note. Voices are owned by the render goroutine.
type Voice struct {
	osc    *oscillator.Oscillator
	env    *envelope.ADSR
	hit    *envelope.Decay
	tone   *filter.Biquad
	drum   bool
	toned  bool
	amp    float32
	gate   int // samples left before release; <0 once released
	active bool

	channel gesture.Hand
	trigger instrument.NoteTrigger
	serial  uint64 // start order, for stealing the oldest
}

func newVoice(sampleRate float64) *Voice {
	return &Voice{
		osc:  oscillator.New(sampleRate),
		env:  envelope.New(sampleRate),
		hit:  envelope.NewDecay(sampleRate, 10),
		tone: filter.New(filter.Lowpass, sampleRate, sampleRate/2, 0.707),
	}
}

// start (re)triggers the voice. A stolen voice keeps its envelope level
// so the takeover does not click.
func (v *Voice) start(t instrument.NoteTrigger, patch instrument.Patch, volume float64, sampleRate float64, serial uint64) {
	v.trigger = t
	v.channel = t.Channel
	v.serial = serial
	v.active = true
	v.amp = float32(t.Velocity * patch.Gain * volume)

	if t.Note.Drum != instrument.DrumNone {
		model := drumModels[t.Note.Drum]
		v.drum = true
		v.osc.SetShape(model.shape)
		v.osc.SetFrequency(model.freq)
		v.osc.Reset()
		v.hit.SetRate(model.decay)
		v.hit.Trigger()
		v.amp *= model.level
		v.toned = model.filtered
		if v.toned {
			v.tone.Set(model.filter, sampleRate, model.cutoff, model.q)
			v.tone.Reset()
		}
		return
	}

	v.drum = false
	v.toned = false
	v.osc.SetShape(shapeOf(patch.Waveform))
	v.osc.SetFrequency(t.Note.Frequency())
	e := patch.Envelope
	v.env.SetADSR(e.Attack, e.Decay, e.Sustain, e.Release)
	v.env.Trigger()
	v.gate = int(patch.Gate * sampleRate)
}

// fadeOut forces a short release
func (v *Voice) fadeOut(seconds float64, sampleRate float64) {
	if !v.active {
		return
	}
	if v.drum {
		// drum hits are already decaying; just speed them up
		v.hit.SetRate(4.6 / seconds)
		return
	}
	v.env.FadeOut(seconds)
	v.gate = -1
}

// render adds the voice into out and reports whether it is still sounding
func (v *Voice) render(out []float32) bool {
	if !v.active {
		return false
	}
	if v.drum {
		for i := range out {
			x := v.osc.Next()
			if v.toned {
				x = v.tone.Next(x)
			}
			out[i] += x * v.hit.Next() * v.amp
		}
		v.active = v.hit.IsActive()
		return v.active
	}

	for i := range out {
		if v.gate == 0 {
			v.env.Release()
		}
		if v.gate >= 0 {
			v.gate--
		}
		out[i] += v.osc.Next() * v.env.Next() * v.amp
	}
	v.active = v.env.IsActive()
	return v.active
}

func shapeOf(w instrument.Waveform) oscillator.Shape {
	switch w {
	case instrument.Saw:
		return oscillator.Saw
	case instrument.Square:
		return oscillator.Square
	case instrument.Triangle:
		return oscillator.Triangle
	case instrument.Noise:
		return oscillator.Noise
	default:
		return oscillator.Sine
	}
}
