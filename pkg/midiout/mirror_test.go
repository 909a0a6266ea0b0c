package midiout

import (
	"errors"
	"sync"
	"testing"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/instrument"
	"github.com/justyntemme/gesturebeats/pkg/logging"
)

type capture struct {
	mu   sync.Mutex
	msgs []midi.Message
	err  error
}

func (c *capture) send(msg midi.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func resolve(t *testing.T, h gesture.Hand, g gesture.Gesture, inst instrument.Instrument, conf float64) instrument.NoteTrigger {
	t.Helper()
	a := instrument.DefaultAssignment.With(h, inst)
	trig, ok := instrument.Resolve(gesture.Event{Hand: h, Gesture: g, Confidence: conf, Timestamp: time.Now()}, a, instrument.DefaultDynamics)
	if !ok {
		t.Fatalf("Expected %s/%s to resolve", inst, g)
	}
	return trig
}

func TestMessage(t *testing.T) {
	tests := []struct {
		name    string
		hand    gesture.Hand
		gesture gesture.Gesture
		inst    instrument.Instrument
		ch, key uint8
	}{
		{"guitar peace right", gesture.Right, gesture.Peace, instrument.Guitar, 1, 40},
		{"piano peace left", gesture.Left, gesture.Peace, instrument.Piano, 0, 60},
		{"kick on drum channel", gesture.Left, gesture.Peace, instrument.Drums, DrumChannel, 36},
		{"hihat", gesture.Right, gesture.OpenPalm, instrument.Drums, DrumChannel, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, key, vel, ok := Message(resolve(t, tt.hand, tt.gesture, tt.inst, 1.0))
			if !ok {
				t.Fatal("Expected a message")
			}
			if ch != tt.ch || key != tt.key {
				t.Errorf("Expected ch %d key %d, got ch %d key %d", tt.ch, tt.key, ch, key)
			}
			if vel != 127 {
				t.Errorf("Expected velocity 127 at full confidence, got %d", vel)
			}
		})
	}

	if _, _, _, ok := Message(instrument.NoteTrigger{}); ok {
		t.Error("Expected unmapped trigger to produce no message")
	}
}

func TestNoteOnThenGatedNoteOff(t *testing.T) {
	c := &capture{}
	m := New(c.send, Options{Gate: 100 * time.Millisecond, Logger: logging.Discard()})

	m.OnTrigger(resolve(t, gesture.Right, gesture.Peace, instrument.Guitar, 0.8))
	if m.Sounding() != 1 {
		t.Fatalf("Expected 1 sounding note, got %d", m.Sounding())
	}

	var ch, key, vel uint8
	if !c.msgs[0].GetNoteStart(&ch, &key, &vel) || key != 40 || ch != 1 {
		t.Errorf("Expected NoteOn ch 1 key 40, got %s", c.msgs[0])
	}

	m.Release(time.Now())
	if m.Sounding() != 1 {
		t.Error("Expected note held before the gate ends")
	}
	m.Release(time.Now().Add(time.Second))
	if m.Sounding() != 0 {
		t.Error("Expected note released after the gate")
	}
	if len(c.msgs) != 2 || !c.msgs[1].GetNoteEnd(&ch, &key) || key != 40 {
		t.Errorf("Expected NoteOff for key 40, got %v", c.msgs)
	}
}

func TestRetriggerReleasesFirst(t *testing.T) {
	c := &capture{}
	m := New(c.send, Options{Logger: logging.Discard()})
	trig := resolve(t, gesture.Left, gesture.Fist, instrument.Piano, 1)
	m.OnTrigger(trig)
	m.OnTrigger(trig)
	if len(c.msgs) != 3 {
		t.Fatalf("Expected on, off, on; got %d messages", len(c.msgs))
	}
	var ch, key uint8
	if !c.msgs[1].GetNoteEnd(&ch, &key) {
		t.Errorf("Expected NoteOff between retriggers, got %s", c.msgs[1])
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if m.Sounding() != 0 || len(c.msgs) != 4 {
		t.Errorf("Expected Close to release the held note, got %d sounding %d messages", m.Sounding(), len(c.msgs))
	}
}

func TestSendFailureIsAbsorbed(t *testing.T) {
	c := &capture{err: errors.New("port gone")}
	m := New(c.send, Options{Logger: logging.Discard()})
	m.OnTrigger(resolve(t, gesture.Left, gesture.Peace, instrument.Piano, 1))
	if m.Sounding() != 0 || m.Sent() != 0 {
		t.Errorf("Expected nothing held after failed send, got %d sounding", m.Sounding())
	}
}
