package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/justyntemme/gesturebeats/pkg/eventbus"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/logging"
	"github.com/justyntemme/gesturebeats/pkg/recorder"
	"github.com/justyntemme/gesturebeats/pkg/session"
)

const tick = 20 * time.Millisecond

// collector is a Publisher that remembers what it got and when
type collector struct {
	mu     sync.Mutex
	events []gesture.Event
	got    chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 1024)}
}

func (c *collector) Publish(ev gesture.Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func (c *collector) snapshot() []gesture.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gesture.Event(nil), c.events...)
}

func timeline(offsetsMS ...int64) *session.Recording {
	rec := &session.Recording{Manifest: session.Manifest{ID: "t"}}
	for i, off := range offsetsMS {
		h := gesture.Hand(i % 2)
		rec.Timeline = append(rec.Timeline, session.Entry{
			OffsetMS:   off,
			Hand:       h,
			Gesture:    gesture.All[i%gesture.NumGestures],
			Confidence: 0.9,
			Timestamp:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(off) * time.Millisecond),
		})
	}
	return rec
}

func newPlayer(pub Publisher, rate float64) *Player {
	return New(pub, Options{Rate: rate, Tick: tick, Logger: logging.Discard()})
}

func TestClampRate(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 1},
		{1, 1},
		{0.01, 0.1},
		{2.5, 2.5},
		{9, 5},
		{-3, 0.1},
	}
	for _, tt := range tests {
		if got := ClampRate(tt.in); got != tt.want {
			t.Errorf("ClampRate(%v): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestRecordThenPlayback(t *testing.T) {
	rec, err := recorder.New(recorder.Options{Dir: t.TempDir(), Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.Start("roundtrip"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	offsets := []time.Duration{0, 100 * time.Millisecond, 250 * time.Millisecond, 400 * time.Millisecond}
	for i, off := range offsets {
		rec.OnEvent(gesture.Event{
			Hand:       gesture.Hand(i % 2),
			Gesture:    gesture.All[i],
			Confidence: 0.9,
			Timestamp:  start.Add(off),
		})
	}
	recording, err := rec.Stop()
	if err != nil {
		t.Fatal(err)
	}

	bus := eventbus.New(eventbus.Options{Logger: logging.Discard()})
	defer bus.Close()
	sub := bus.Subscribe("test")

	p := newPlayer(bus, 1.0)
	if err := p.Play(context.Background(), recording); err != nil {
		t.Fatalf("Play failed: %v", err)
	}

	var got []gesture.Event
	for {
		ev, ok := sub.TryNext()
		if !ok {
			break
		}
		got = append(got, ev)
	}
	if len(got) != len(offsets) {
		t.Fatalf("Expected %d events, got %d", len(offsets), len(got))
	}
	for i, ev := range got {
		if ev.Hand != gesture.Hand(i%2) || ev.Gesture != gesture.All[i] {
			t.Errorf("Event %d: expected %s/%s, got %s/%s", i, gesture.Hand(i%2), gesture.All[i], ev.Hand, ev.Gesture)
		}
		// offsets are stored in whole milliseconds
		want := recording.Timeline[i].Offset()
		have := ev.Timestamp.Sub(got[0].Timestamp)
		if d := have - want; d < -time.Millisecond || d > tick {
			t.Errorf("Event %d: expected offset %s within one tick, got %s", i, want, have)
		}
	}
}

func TestRateScalesSpacing(t *testing.T) {
	c := newCollector()
	p := newPlayer(c, 4.0)
	if err := p.Play(context.Background(), timeline(0, 400)); err != nil {
		t.Fatal(err)
	}
	evs := c.snapshot()
	if len(evs) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(evs))
	}
	if d := evs[1].Timestamp.Sub(evs[0].Timestamp); d < 99*time.Millisecond || d > 100*time.Millisecond+tick {
		t.Errorf("Expected ~100ms at 4x, got %s", d)
	}
}

func TestStopIsImmediateAndFinal(t *testing.T) {
	c := newCollector()
	p := newPlayer(c, 1.0)

	done := make(chan error, 1)
	go func() { done <- p.Play(context.Background(), timeline(0, 5000, 10000)) }()

	<-c.got
	p.Stop()
	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Expected ErrStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected Play to return promptly after Stop")
	}
	if p.Playing() {
		t.Error("Expected player idle after Stop")
	}
	if n := len(c.snapshot()); n != 1 {
		t.Errorf("Expected 1 event before stop, got %d", n)
	}
}

func TestContextCancel(t *testing.T) {
	c := newCollector()
	p := newPlayer(c, 1.0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Play(ctx, timeline(0, 10)); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if n := len(c.snapshot()); n != 0 {
		t.Errorf("Expected no events from a cancelled playback, got %d", n)
	}
}

func TestPauseHoldsPosition(t *testing.T) {
	c := newCollector()
	p := newPlayer(c, 1.0)

	done := make(chan error, 1)
	go func() { done <- p.Play(context.Background(), timeline(0, 300)) }()
	<-c.got

	p.Pause()
	if !p.Paused() {
		t.Error("Expected paused")
	}
	held := p.Position()
	time.Sleep(400 * time.Millisecond)
	if n := len(c.snapshot()); n != 1 {
		t.Errorf("Expected no events while paused, got %d", n)
	}
	if pos := p.Position(); pos-held > 2*tick {
		t.Errorf("Expected position to hold near %s, got %s", held, pos)
	}

	p.Resume()
	if err := <-done; err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if n := len(c.snapshot()); n != 2 {
		t.Errorf("Expected 2 events after resume, got %d", n)
	}
}

func TestSinglePlayback(t *testing.T) {
	c := newCollector()
	p := newPlayer(c, 1.0)
	done := make(chan error, 1)
	go func() { done <- p.Play(context.Background(), timeline(0, 2000)) }()
	<-c.got

	if err := p.Play(context.Background(), timeline(0)); !errors.Is(err, ErrPlaying) {
		t.Errorf("Expected ErrPlaying, got %v", err)
	}
	if p.Current() != "t" {
		t.Errorf("Expected current session t, got %q", p.Current())
	}
	p.Stop()
	<-done
}

func TestSeekSkipsAhead(t *testing.T) {
	c := newCollector()
	p := newPlayer(c, 1.0)

	if err := p.Seek(time.Second); !errors.Is(err, ErrNotPlaying) {
		t.Errorf("Expected ErrNotPlaying before Play, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Play(context.Background(), timeline(0, 1000, 10000, 10100)) }()
	<-c.got

	if err := p.Seek(10 * time.Second); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Play failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected playback to finish soon after seeking near the end")
	}

	evs := c.snapshot()
	if len(evs) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(evs))
	}
	if evs[1].Gesture != gesture.All[2] || evs[2].Gesture != gesture.All[3] {
		t.Errorf("Expected the entries at and after 10s, got %s and %s", evs[1].Gesture, evs[2].Gesture)
	}
}

func TestSeekBackReplays(t *testing.T) {
	c := newCollector()
	p := newPlayer(c, 1.0)

	done := make(chan error, 1)
	go func() { done <- p.Play(context.Background(), timeline(0, 100, 600)) }()
	<-c.got
	<-c.got

	if err := p.Seek(0); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if n := len(c.snapshot()); n != 5 {
		t.Errorf("Expected 5 events after seeking back, got %d", n)
	}
}

func TestPlayOrdersByOffset(t *testing.T) {
	c := newCollector()
	p := newPlayer(c, 4.0)
	rec := timeline(0, 200, 100)

	if err := p.Play(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	evs := c.snapshot()
	want := []gesture.Gesture{gesture.All[0], gesture.All[2], gesture.All[1]}
	if len(evs) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(evs))
	}
	for i, g := range want {
		if evs[i].Gesture != g {
			t.Errorf("Event %d: expected %s, got %s", i, g, evs[i].Gesture)
		}
	}
	if rec.Timeline[1].OffsetMS != 200 {
		t.Error("Expected the recording's own timeline untouched")
	}
}
