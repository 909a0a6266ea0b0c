// Package midiout mirrors note triggers to a MIDI output port so an
// external synth or DAW can follow the performance.
package midiout

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/justyntemme/gesturebeats/pkg/fault"
	"github.com/justyntemme/gesturebeats/pkg/instrument"
	"github.com/justyntemme/gesturebeats/pkg/logging"
)

// DrumChannel is the General MIDI percussion channel (10, zero based 9)
const DrumChannel = 9

// DefaultGate matches the synth's note length
const DefaultGate = 500 * time.Millisecond

// General MIDI percussion keys
var drumKeys = map[instrument.Drum]uint8{
	instrument.Kick:  36,
	instrument.Snare: 38,
	instrument.HiHat: 42,
	instrument.Crash: 49,
	instrument.Tom1:  48,
	instrument.Tom2:  45,
}

// Sender writes one message to a port
type Sender func(msg midi.Message) error

// Options configures a Mirror
type Options struct {
	Gate   time.Duration
	Logger logrus.FieldLogger
}

type noteKey struct {
	ch, key uint8
}

// Mirror sends NoteOn for every trigger and the matching NoteOff once the
// gate has elapsed
type Mirror struct {
	send  Sender
	gate  time.Duration
	log   logrus.FieldLogger
	close func() error

	mu       sync.Mutex
	sounding map[noteKey]time.Time
	sent     uint64
	failed   uint64
}

// New creates a mirror around send
func New(send Sender, opts Options) *Mirror {
	if opts.Gate <= 0 {
		opts.Gate = DefaultGate
	}
	return &Mirror{
		send:     send,
		gate:     opts.Gate,
		log:      logging.OrDefault(opts.Logger, "midiout"),
		sounding: make(map[noteKey]time.Time),
		close:    func() error { return nil },
	}
}

// Ports lists the available MIDI outputs
func Ports() ([]string, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fault.New(fault.KindResourceUnavailable, "midi ports", fmt.Errorf("rtmididrv: %w", err))
	}
	defer drv.Close()
	outs, err := drv.Outs()
	if err != nil {
		return nil, fault.New(fault.KindResourceUnavailable, "midi ports", err)
	}
	names := make([]string, 0, len(outs))
	for _, o := range outs {
		names = append(names, o.String())
	}
	return names, nil
}

// Open connects to the first output whose name contains port, or the
// first output at all when port is empty
func Open(port string, opts Options) (*Mirror, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fault.New(fault.KindResourceUnavailable, "open midi", fmt.Errorf("rtmididrv: %w", err))
	}
	outs, err := drv.Outs()
	if err != nil {
		drv.Close()
		return nil, fault.New(fault.KindResourceUnavailable, "open midi", err)
	}

	var out drivers.Out
	for _, o := range outs {
		if port == "" || strings.Contains(strings.ToLower(o.String()), strings.ToLower(port)) {
			out = o
			break
		}
	}
	if out == nil {
		drv.Close()
		return nil, fault.Newf(fault.KindResourceUnavailable, "open midi", "no MIDI output matching %q", port)
	}

	send, err := midi.SendTo(out)
	if err != nil {
		drv.Close()
		return nil, fault.New(fault.KindResourceUnavailable, "open midi", err)
	}

	m := New(send, opts)
	m.close = func() error {
		err := out.Close()
		drv.Close()
		return err
	}
	m.log.WithField("port", out.String()).Info("MIDI output connected")
	return m, nil
}

// Message converts a trigger to its NoteOn. ok is false for unmapped
// notes.
func Message(t instrument.NoteTrigger) (ch, key, vel uint8, ok bool) {
	if t.Note.Drum != instrument.DrumNone {
		key, ok = drumKeys[t.Note.Drum]
		ch = DrumChannel
	} else if t.Note.Pitch != 0 {
		key, ok = t.Note.Pitch, true
		ch = uint8(t.Channel)
	}
	v := math.Round(t.Velocity * 127)
	vel = uint8(max(1, min(127, v)))
	return ch, key, vel, ok
}

// OnTrigger sends the NoteOn for t. A note that is already sounding is
// released first so it retriggers cleanly.
func (m *Mirror) OnTrigger(t instrument.NoteTrigger) {
	ch, key, vel, ok := Message(t)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := noteKey{ch, key}
	if _, on := m.sounding[k]; on {
		m.write(midi.NoteOff(ch, key))
	}
	if m.write(midi.NoteOn(ch, key, vel)) {
		m.sounding[k] = time.Now().Add(m.gate)
	}
}

func (m *Mirror) write(msg midi.Message) bool {
	if err := m.send(msg); err != nil {
		m.failed++
		if m.failed == 1 || m.failed%100 == 0 {
			m.log.WithError(err).WithField("failed", m.failed).Warn("MIDI send failed")
		}
		return false
	}
	m.sent++
	return true
}

// Release sends NoteOff for every note whose gate ended before now
func (m *Mirror) Release(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, off := range m.sounding {
		if !now.Before(off) {
			m.write(midi.NoteOff(k.ch, k.key))
			delete(m.sounding, k)
		}
	}
}

// Sounding returns the number of notes held
func (m *Mirror) Sounding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sounding)
}

// Sent returns the number of messages written
func (m *Mirror) Sent() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

// Run releases gated notes until ctx is done, then silences everything
func (m *Mirror) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.AllOff()
			return
		case now := <-ticker.C:
			m.Release(now)
		}
	}
}

// AllOff releases every held note
func (m *Mirror) AllOff() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.sounding {
		m.write(midi.NoteOff(k.ch, k.key))
		delete(m.sounding, k)
	}
}

// Close silences and closes the port
func (m *Mirror) Close() error {
	m.AllOff()
	return m.close()
}
