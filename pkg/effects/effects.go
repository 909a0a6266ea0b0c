// Package effects describes the post-mix effect chain and builds the
// processors that render it.
package effects

import (
	"fmt"
	"strings"
)

// Kind names an effect type
type Kind string

const (
	// Reverb is a Freeverb room
	Reverb Kind = "reverb"
	// Delay is a stereo feedback echo
	Delay Kind = "delay"
	// Distortion is a waveshaper
	Distortion Kind = "distortion"
)

// Kinds lists the supported effects in default chain order
var Kinds = []Kind{Reverb, Delay, Distortion}

// ParseKind parses an effect name
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown effect %q", s)
}

// Config is one entry of the effect chain. Parameters not used by Kind
// are ignored.
type Config struct {
	Kind    Kind    `json:"type" yaml:"type" mapstructure:"type"`
	Enabled bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Mix     float64 `json:"mix" yaml:"mix" mapstructure:"mix"`

	RoomSize float64 `json:"room_size,omitempty" yaml:"room_size,omitempty" mapstructure:"room_size"`
	Damping  float64 `json:"damping,omitempty" yaml:"damping,omitempty" mapstructure:"damping"`

	Time     float64 `json:"time,omitempty" yaml:"time,omitempty" mapstructure:"time"`
	Feedback float64 `json:"feedback,omitempty" yaml:"feedback,omitempty" mapstructure:"feedback"`

	Drive float64 `json:"drive,omitempty" yaml:"drive,omitempty" mapstructure:"drive"`
	Curve string  `json:"curve,omitempty" yaml:"curve,omitempty" mapstructure:"curve"`
}

// Default returns a disabled effect of kind k with usable parameters
func Default(k Kind) Config {
	switch k {
	case Reverb:
		return Config{Kind: Reverb, Mix: 0.3, RoomSize: 0.3, Damping: 0.5}
	case Delay:
		return Config{Kind: Delay, Mix: 0.3, Time: 0.25, Feedback: 0.3}
	case Distortion:
		return Config{Kind: Distortion, Mix: 1.0, Drive: 2.0, Curve: "soft"}
	}
	return Config{Kind: k}
}

// Validate checks parameter ranges for the config's kind
func (c Config) Validate() error {
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return err
	}
	if c.Mix < 0 || c.Mix > 1 {
		return fmt.Errorf("%s: mix %v must be in [0,1]", c.Kind, c.Mix)
	}
	switch c.Kind {
	case Reverb:
		if c.RoomSize < 0 || c.RoomSize > 1 || c.Damping < 0 || c.Damping > 1 {
			return fmt.Errorf("reverb: room_size and damping must be in [0,1]")
		}
	case Delay:
		if c.Time <= 0 || c.Time > 2 {
			return fmt.Errorf("delay: time %v must be in (0,2] seconds", c.Time)
		}
		if c.Feedback < 0 || c.Feedback >= 1 {
			return fmt.Errorf("delay: feedback %v must be in [0,1)", c.Feedback)
		}
	case Distortion:
		if c.Drive < 1 || c.Drive > 20 {
			return fmt.Errorf("distortion: drive %v must be in [1,20]", c.Drive)
		}
	}
	return nil
}

// Chain is the ordered effect chain applied to the master mix
type Chain []Config

// DefaultChain holds every effect, disabled, in default order
func DefaultChain() Chain {
	c := make(Chain, 0, len(Kinds))
	for _, k := range Kinds {
		c = append(c, Default(k))
	}
	return c
}

// Validate validates every entry and rejects duplicate kinds
func (c Chain) Validate() error {
	seen := make(map[Kind]bool, len(c))
	for i, cfg := range c {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("effect %d: %w", i, err)
		}
		if seen[cfg.Kind] {
			return fmt.Errorf("effect %d: duplicate %s", i, cfg.Kind)
		}
		seen[cfg.Kind] = true
	}
	return nil
}

// Get returns the entry for kind k
func (c Chain) Get(k Kind) (Config, bool) {
	for _, cfg := range c {
		if cfg.Kind == k {
			return cfg, true
		}
	}
	return Config{}, false
}

// With returns a copy of c with cfg replacing the entry of the same kind,
// or appended when absent. c itself is never modified.
func (c Chain) With(cfg Config) Chain {
	out := make(Chain, len(c), len(c)+1)
	copy(out, c)
	for i := range out {
		if out[i].Kind == cfg.Kind {
			out[i] = cfg
			return out
		}
	}
	return append(out, cfg)
}

// Toggle returns a copy of c with kind k enabled or disabled, inserting
// the default config for k when missing.
func (c Chain) Toggle(k Kind, enabled bool) Chain {
	cfg, ok := c.Get(k)
	if !ok {
		cfg = Default(k)
	}
	cfg.Enabled = enabled
	return c.With(cfg)
}

// Enabled lists the kinds currently switched on
func (c Chain) Enabled() []Kind {
	var out []Kind
	for _, cfg := range c {
		if cfg.Enabled {
			out = append(out, cfg.Kind)
		}
	}
	return out
}

// Equal reports whether two chains are identical
func (c Chain) Equal(other Chain) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}
