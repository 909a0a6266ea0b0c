// Package state holds the live performance settings shared between the
// control surface and the real-time path.
//
// Writers build a new immutable Snapshot and publish it atomically;
// readers take one snapshot per event and never lock.
package state

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/justyntemme/gesturebeats/pkg/effects"
	"github.com/justyntemme/gesturebeats/pkg/fault"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/instrument"
	"github.com/justyntemme/gesturebeats/pkg/stabilizer"
)

// DefaultVolume is the per-hand level when nothing else is configured
const DefaultVolume = 0.7

// Snapshot is an immutable view of the settings. Never modify a snapshot
// obtained from a Store; use the Store's setters instead.
type Snapshot struct {
	Version     uint64
	Assignment  instrument.Assignment
	Effects     effects.Chain
	Sensitivity float64
	Volume      [gesture.NumHands]float64
	Dynamics    instrument.Dynamics
}

// Default returns the start-up settings
func Default() Snapshot {
	return Snapshot{
		Assignment:  instrument.DefaultAssignment,
		Effects:     effects.DefaultChain(),
		Sensitivity: stabilizer.DefaultThreshold,
		Volume:      [gesture.NumHands]float64{DefaultVolume, DefaultVolume},
		Dynamics:    instrument.DefaultDynamics,
	}
}

// Validate checks every field
func (s *Snapshot) Validate() error {
	if err := s.Assignment.Validate(); err != nil {
		return err
	}
	if err := s.Effects.Validate(); err != nil {
		return err
	}
	if !(s.Sensitivity > 0 && s.Sensitivity <= 1) {
		return fmt.Errorf("sensitivity %v must be in (0,1]", s.Sensitivity)
	}
	for h, v := range s.Volume {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%s volume %v must be in [0,1]", gesture.Hand(h), v)
		}
	}
	return s.Dynamics.Validate()
}

// VolumeFor returns the level for hand h
func (s *Snapshot) VolumeFor(h gesture.Hand) float64 {
	if !h.Valid() {
		return 0
	}
	return s.Volume[h]
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.Effects = append(effects.Chain(nil), s.Effects...)
	return &c
}

// ChangeFunc observes a published snapshot
type ChangeFunc func(prev, next *Snapshot)

// Store publishes snapshots
type Store struct {
	current atomic.Pointer[Snapshot]

	mu        sync.Mutex // serializes writers
	observers []ChangeFunc

	// held from publish until the observers return, so they see
	// updates in version order
	notifyMu sync.Mutex
}

// NewStore creates a store holding initial, which must be valid
func NewStore(initial Snapshot) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, fault.New(fault.KindConfiguration, "new state store", err)
	}
	s := &Store{}
	snap := initial.clone()
	s.current.Store(snap)
	return s, nil
}

// Snapshot returns the current settings
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// OnChange registers an observer called after every successful update,
// on the writer's goroutine. Observers run one update at a time in
// version order and must not update the store themselves.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Update applies fn to a copy of the current snapshot and publishes it if
// it validates. A failed update leaves the store untouched.
func (s *Store) Update(op string, fn func(*Snapshot)) (*Snapshot, error) {
	s.mu.Lock()
	prev := s.current.Load()
	next := prev.clone()
	fn(next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return prev, fault.New(fault.KindConfiguration, op, err)
	}
	next.Version = prev.Version + 1
	s.current.Store(next)
	observers := append([]ChangeFunc(nil), s.observers...)
	s.notifyMu.Lock()
	s.mu.Unlock()

	defer s.notifyMu.Unlock()
	for _, obs := range observers {
		obs(prev, next)
	}
	return next, nil
}

// SetInstrument assigns inst to hand h
func (s *Store) SetInstrument(h gesture.Hand, inst instrument.Instrument) error {
	if !h.Valid() {
		return fault.Newf(fault.KindConfiguration, "set instrument", "invalid hand %d", uint8(h))
	}
	_, err := s.Update("set instrument", func(n *Snapshot) {
		n.Assignment = n.Assignment.With(h, inst)
	})
	return err
}

// SetSensitivity changes the stabilizer threshold
func (s *Store) SetSensitivity(v float64) error {
	_, err := s.Update("set sensitivity", func(n *Snapshot) { n.Sensitivity = v })
	return err
}

// SetVolume sets the level for hand h
func (s *Store) SetVolume(h gesture.Hand, v float64) error {
	if !h.Valid() {
		return fault.Newf(fault.KindConfiguration, "set volume", "invalid hand %d", uint8(h))
	}
	_, err := s.Update("set volume", func(n *Snapshot) { n.Volume[h] = v })
	return err
}

// SetEffect replaces (or appends) the config for cfg.Kind
func (s *Store) SetEffect(cfg effects.Config) error {
	_, err := s.Update("set effect", func(n *Snapshot) { n.Effects = n.Effects.With(cfg) })
	return err
}

// ToggleEffect switches one effect on or off, keeping its parameters
func (s *Store) ToggleEffect(k effects.Kind, enabled bool) error {
	_, err := s.Update("toggle effect", func(n *Snapshot) { n.Effects = n.Effects.Toggle(k, enabled) })
	return err
}

// SetDynamics replaces the velocity curve
func (s *Store) SetDynamics(d instrument.Dynamics) error {
	_, err := s.Update("set dynamics", func(n *Snapshot) { n.Dynamics = d })
	return err
}
