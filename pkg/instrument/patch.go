package instrument

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/justyntemme/gesturebeats/pkg/fault"
)

// Waveform selects the oscillator used by a pitched voice
type Waveform uint8

const (
	// Sine is a pure tone
	Sine Waveform = iota
	// Saw is a bright sawtooth
	Saw
	// Square is a hollow square wave
	Square
	// Triangle is a soft triangle wave
	Triangle
	// Noise is white noise (percussion)
	Noise
)

var waveformNames = [...]string{"sine", "sawtooth", "square", "triangle", "noise"}

// String returns the waveform name
func (w Waveform) String() string {
	if int(w) < len(waveformNames) {
		return waveformNames[w]
	}
	return fmt.Sprintf("waveform(%d)", uint8(w))
}

// ParseWaveform parses a waveform name
func ParseWaveform(s string) (Waveform, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "saw" {
		return Saw, nil
	}
	for i, name := range waveformNames {
		if name == key {
			return Waveform(i), nil
		}
	}
	return 0, fmt.Errorf("unknown waveform %q", s)
}

// ADSR holds envelope times in seconds and the sustain level (0-1)
type ADSR struct {
	Attack  float64
	Decay   float64
	Sustain float64
	Release float64
}

// Patch describes how an instrument's voices are synthesized
type Patch struct {
	Waveform Waveform
	Envelope ADSR
	Gain     float64 // per-instrument level trim
	Gate     float64 // seconds a note is held before its release stage
}

// Validate rejects patches the engine cannot render
func (p Patch) Validate() error {
	e := p.Envelope
	if e.Attack < 0 || e.Decay < 0 || e.Release < 0 {
		return fmt.Errorf("envelope times must be non-negative")
	}
	if e.Sustain < 0 || e.Sustain > 1 {
		return fmt.Errorf("sustain %v must be in [0,1]", e.Sustain)
	}
	if p.Gain <= 0 || p.Gain > 2 {
		return fmt.Errorf("gain %v must be in (0,2]", p.Gain)
	}
	if p.Gate <= 0 || p.Gate > 10 {
		return fmt.Errorf("gate %v must be in (0,10] seconds", p.Gate)
	}
	return nil
}

// Patches holds one patch per instrument
type Patches [NumInstruments]Patch

// DefaultPatches is the stock instrument table. Percussion has a short
// attack and no sustain; bowed and blown voices swell in and ring out.
var DefaultPatches = Patches{
	Piano:     {Waveform: Sine, Envelope: ADSR{0.1, 0.2, 0.7, 0.8}, Gain: 0.8, Gate: 0.5},
	Guitar:    {Waveform: Saw, Envelope: ADSR{0.05, 0.3, 0.6, 1.0}, Gain: 0.5, Gate: 0.5},
	Drums:     {Waveform: Noise, Envelope: ADSR{0.01, 0.1, 0.0, 0.2}, Gain: 0.9, Gate: 0.3},
	Violin:    {Waveform: Sine, Envelope: ADSR{0.2, 0.1, 0.8, 1.5}, Gain: 0.45, Gate: 0.8},
	Flute:     {Waveform: Sine, Envelope: ADSR{0.3, 0.1, 0.9, 0.5}, Gain: 0.7, Gate: 0.8},
	Saxophone: {Waveform: Saw, Envelope: ADSR{0.15, 0.2, 0.7, 1.2}, Gain: 0.4, Gate: 0.6},
}

// Get returns the patch for inst, falling back to the piano patch
func (ps *Patches) Get(inst Instrument) Patch {
	if !inst.Valid() {
		return ps[Piano]
	}
	return ps[inst]
}

// patchFile is one [instrument] table of a patch override file. Pointer
// fields distinguish "absent" from zero.
type patchFile struct {
	Waveform *string  `toml:"waveform"`
	Attack   *float64 `toml:"attack"`
	Decay    *float64 `toml:"decay"`
	Sustain  *float64 `toml:"sustain"`
	Release  *float64 `toml:"release"`
	Gain     *float64 `toml:"gain"`
	Gate     *float64 `toml:"gate"`
}

// LoadPatches applies overrides from a TOML file on top of base:
//
//	[guitar]
//	waveform = "triangle"
//	release  = 0.6
//
// Unknown instruments or invalid values are configuration faults; base is
// returned untouched in that case.
func LoadPatches(path string, base Patches) (Patches, error) {
	var raw map[string]patchFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return base, fault.New(fault.KindConfiguration, "load patches", err)
	}
	return applyPatchFile(raw, base)
}

// DecodePatches is LoadPatches for in-memory TOML
func DecodePatches(data string, base Patches) (Patches, error) {
	var raw map[string]patchFile
	if _, err := toml.Decode(data, &raw); err != nil {
		return base, fault.New(fault.KindConfiguration, "decode patches", err)
	}
	return applyPatchFile(raw, base)
}

func applyPatchFile(raw map[string]patchFile, base Patches) (Patches, error) {
	out := base
	for name, pf := range raw {
		inst, err := Parse(name)
		if err != nil {
			return base, fault.New(fault.KindConfiguration, "load patches", err)
		}
		patch := out[inst]
		if pf.Waveform != nil {
			w, err := ParseWaveform(*pf.Waveform)
			if err != nil {
				return base, fault.New(fault.KindConfiguration, "load patches", fmt.Errorf("%s: %w", name, err))
			}
			patch.Waveform = w
		}
		setIf(&patch.Envelope.Attack, pf.Attack)
		setIf(&patch.Envelope.Decay, pf.Decay)
		setIf(&patch.Envelope.Sustain, pf.Sustain)
		setIf(&patch.Envelope.Release, pf.Release)
		setIf(&patch.Gain, pf.Gain)
		setIf(&patch.Gate, pf.Gate)
		if err := patch.Validate(); err != nil {
			return base, fault.New(fault.KindConfiguration, "load patches", fmt.Errorf("%s: %w", name, err))
		}
		out[inst] = patch
	}
	return out, nil
}

func setIf(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
