package effects

import (
	"github.com/justyntemme/gesturebeats/pkg/dsp/delay"
	"github.com/justyntemme/gesturebeats/pkg/dsp/distortion"
	"github.com/justyntemme/gesturebeats/pkg/dsp/reverb"
)

// Processor renders one effect over a stereo block in place
type Processor interface {
	Process(left, right []float32)
	Reset()
}

type slot struct {
	kind Kind
	proc Processor
	on   bool
}

// Rack is the rendered form of a Chain. Processors are kept across
// reconfiguration so reverb and delay tails survive parameter changes.
// A Rack is owned by the render goroutine and is not safe for concurrent use.
type Rack struct {
	sampleRate float64
	slots      []slot
	cache      map[Kind]Processor
	chain      Chain
}

// NewRack builds a rack for chain
func NewRack(chain Chain, sampleRate float64) *Rack {
	r := &Rack{sampleRate: sampleRate, cache: make(map[Kind]Processor)}
	r.Apply(chain)
	return r
}

// Chain returns the configuration the rack currently renders
func (r *Rack) Chain() Chain {
	return r.chain
}

// Apply reconfigures the rack. It is a no-op when chain equals the
// current configuration.
func (r *Rack) Apply(chain Chain) {
	if r.slots != nil && r.chain.Equal(chain) {
		return
	}
	slots := make([]slot, 0, len(chain))
	for _, cfg := range chain {
		proc := r.processor(cfg.Kind)
		if proc == nil {
			continue
		}
		configure(proc, cfg)
		if !cfg.Enabled {
			// drop the tail so re-enabling starts clean
			proc.Reset()
		}
		slots = append(slots, slot{kind: cfg.Kind, proc: proc, on: cfg.Enabled})
	}
	r.slots = slots
	r.chain = append(Chain(nil), chain...)
}

func (r *Rack) processor(k Kind) Processor {
	if p, ok := r.cache[k]; ok {
		return p
	}
	var p Processor
	switch k {
	case Reverb:
		p = reverb.NewFreeverb(r.sampleRate)
	case Delay:
		p = delay.NewEcho(r.sampleRate)
	case Distortion:
		p = &shaper{Waveshaper: distortion.NewWaveshaper(distortion.CurveSoftClip)}
	default:
		return nil
	}
	r.cache[k] = p
	return p
}

func configure(p Processor, cfg Config) {
	switch proc := p.(type) {
	case *reverb.Freeverb:
		proc.SetRoomSize(cfg.RoomSize)
		proc.SetDamping(cfg.Damping)
		proc.SetMix(cfg.Mix)
	case *delay.Echo:
		proc.SetTime(cfg.Time)
		proc.SetFeedback(cfg.Feedback)
		proc.SetMix(cfg.Mix)
	case *shaper:
		proc.Waveshaper = distortion.NewWaveshaper(distortion.ParseCurve(cfg.Curve))
		proc.SetDrive(cfg.Drive)
		proc.SetMix(cfg.Mix)
	}
}

// Process runs every enabled effect in chain order
func (r *Rack) Process(left, right []float32) {
	for _, s := range r.slots {
		if s.on {
			s.proc.Process(left, right)
		}
	}
}

// Reset clears all effect tails
func (r *Rack) Reset() {
	for _, s := range r.slots {
		s.proc.Reset()
	}
}

// shaper adapts the stateless waveshaper to Processor
type shaper struct {
	*distortion.Waveshaper
}

func (*shaper) Reset() {}
