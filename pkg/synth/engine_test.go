package synth

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/justyntemme/gesturebeats/pkg/effects"
	"github.com/justyntemme/gesturebeats/pkg/fault"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/instrument"
	"github.com/justyntemme/gesturebeats/pkg/logging"
	"github.com/justyntemme/gesturebeats/pkg/state"
)

func dryStore(t *testing.T) *state.Store {
	t.Helper()
	snap := state.Default()
	for i := range snap.Effects {
		snap.Effects[i].Enabled = false
	}
	store, err := state.NewStore(snap)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Store == nil {
		opts.Store = dryStore(t)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func trigger(inst instrument.Instrument, g gesture.Gesture, hand gesture.Hand) instrument.NoteTrigger {
	a := instrument.Assignment{Left: inst, Right: inst}
	trig, ok := instrument.Resolve(gesture.Event{Hand: hand, Gesture: g, Confidence: 1, Timestamp: time.Now()}, a, instrument.DefaultDynamics)
	if !ok {
		panic("unmapped trigger in test")
	}
	return trig
}

func energy(buf []float32) float64 {
	var sum float64
	for _, v := range buf {
		sum += float64(v * v)
	}
	return sum
}

func TestNewRejectsBadOptions(t *testing.T) {
	tests := []Options{
		{SampleRate: 100},
		{BlockSize: 4},
		{MaxVoices: -1},
		{StereoSpread: 1.5},
		{StereoSpread: -0.5},
	}
	for _, opts := range tests {
		opts.Logger = logging.Discard()
		if _, err := New(opts); !errors.Is(err, fault.ErrConfiguration) {
			t.Errorf("Expected configuration fault for %+v, got %v", opts, err)
		}
	}
}

func TestSilenceWithoutTriggers(t *testing.T) {
	e := newTestEngine(t, Options{StereoSpread: 1})
	left := make([]float32, 256)
	right := make([]float32, 256)
	left[0] = 5 // Process must overwrite
	e.Process(left, right)

	if energy(left) != 0 || energy(right) != 0 {
		t.Error("Expected silence when no notes are playing")
	}
}

func TestHandsAreHardPanned(t *testing.T) {
	e := newTestEngine(t, Options{StereoSpread: 1})
	e.Render(trigger(instrument.Piano, gesture.Peace, gesture.Left))

	left := make([]float32, 1024)
	right := make([]float32, 1024)
	e.Process(left, right)

	if energy(left) == 0 {
		t.Fatal("Expected left-hand note in the left channel")
	}
	if energy(right) > 1e-9 {
		t.Errorf("Expected silent right channel, got energy %g", energy(right))
	}

	e2 := newTestEngine(t, Options{StereoSpread: 1})
	e2.Render(trigger(instrument.Guitar, gesture.Fist, gesture.Right))
	e2.Process(left, right)
	if energy(right) == 0 || energy(left) > 1e-9 {
		t.Errorf("Expected right-hand note only on the right, got L=%g R=%g", energy(left), energy(right))
	}
}

func TestDefaultOptionsSeparateHands(t *testing.T) {
	e := newTestEngine(t, Options{})
	e.Render(trigger(instrument.Piano, gesture.Peace, gesture.Left))

	left := make([]float32, 1024)
	right := make([]float32, 1024)
	e.Process(left, right)
	if energy(left) == 0 || energy(right) > 1e-9 {
		t.Errorf("Expected left-hand note only on the left, got L=%g R=%g", energy(left), energy(right))
	}
}

func TestOutputStaysUnderCeiling(t *testing.T) {
	e := newTestEngine(t, Options{})
	for _, g := range gesture.All {
		for _, h := range gesture.Hands {
			e.Render(trigger(instrument.Drums, g, h))
		}
	}

	left := make([]float32, 512)
	right := make([]float32, 512)
	for block := 0; block < 10; block++ {
		e.Process(left, right)
		for i := range left {
			// -1 dBFS limiter ceiling
			if math.Abs(float64(left[i])) > 0.9 || math.Abs(float64(right[i])) > 0.9 {
				t.Fatalf("Sample exceeds the limiter ceiling: %f/%f", left[i], right[i])
			}
		}
	}
	if e.Stats().Peak <= 0 {
		t.Error("Expected a non-zero peak")
	}
}

func TestVoiceStealing(t *testing.T) {
	e := newTestEngine(t, Options{MaxVoices: 2, StereoSpread: 1})
	e.Render(trigger(instrument.Piano, gesture.Peace, gesture.Left))
	e.Render(trigger(instrument.Piano, gesture.Fist, gesture.Left))
	e.Render(trigger(instrument.Piano, gesture.OpenPalm, gesture.Left))

	left := make([]float32, 64)
	right := make([]float32, 64)
	e.Process(left, right)

	stats := e.Stats()
	if stats.Triggered != 3 {
		t.Errorf("Expected 3 triggers, got %d", stats.Triggered)
	}
	if stats.Stolen != 1 {
		t.Errorf("Expected 1 stolen voice, got %d", stats.Stolen)
	}
	if stats.ActiveVoices != 2 {
		t.Errorf("Expected 2 active voices, got %d", stats.ActiveVoices)
	}

	// the oldest (C4) was replaced by E4
	for _, v := range e.voices {
		if v.trigger.Gesture == gesture.Peace {
			t.Error("Expected the oldest voice to be stolen")
		}
	}
}

func TestRenderNeverBlocks(t *testing.T) {
	e := newTestEngine(t, Options{QueueSize: 2})
	trig := trigger(instrument.Flute, gesture.Peace, gesture.Right)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			e.Render(trig)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Render blocked on a full queue")
	}
	if got := e.Stats().Dropped; got != 8 {
		t.Errorf("Expected 8 dropped triggers, got %d", got)
	}
}

func TestVolumeFollowsSnapshot(t *testing.T) {
	store := dryStore(t)
	e := newTestEngine(t, Options{Store: store, StereoSpread: 1})
	trig := trigger(instrument.Piano, gesture.Peace, gesture.Left)

	if err := store.SetVolume(gesture.Left, 0); err != nil {
		t.Fatal(err)
	}
	e.Render(trig)
	left := make([]float32, 512)
	right := make([]float32, 512)
	e.Process(left, right)
	if energy(left) != 0 {
		t.Errorf("Expected silence at volume 0, got energy %g", energy(left))
	}

	if err := store.SetVolume(gesture.Left, 1); err != nil {
		t.Fatal(err)
	}
	e.Render(trig)
	e.Process(left, right)
	if energy(left) == 0 {
		t.Error("Expected sound after raising the volume")
	}
}

func TestNotesReleaseAfterGate(t *testing.T) {
	patches := instrument.DefaultPatches
	patches[instrument.Piano].Envelope.Attack = 0.01
	patches[instrument.Piano].Gate = 0.05
	patches[instrument.Piano].Envelope.Release = 0.05
	e := newTestEngine(t, Options{Patches: &patches})
	e.Render(trigger(instrument.Piano, gesture.Peace, gesture.Left))

	left := make([]float32, 512)
	right := make([]float32, 512)
	for block := 0; block < 20 && (block == 0 || e.Stats().ActiveVoices > 0); block++ {
		e.Process(left, right)
	}
	if e.Stats().ActiveVoices != 0 {
		t.Errorf("Expected note to finish after gate and release, %d voices active", e.Stats().ActiveVoices)
	}
}

func TestHiHatIsHighpassed(t *testing.T) {
	e := newTestEngine(t, Options{StereoSpread: 1})
	e.Render(trigger(instrument.Drums, gesture.OpenPalm, gesture.Left)) // hihat

	left := make([]float32, 2048)
	right := make([]float32, 2048)
	e.Process(left, right)

	// first differences carry about twice the energy of white noise and
	// more once the lows are removed
	var diff float64
	for i := 1; i < len(left); i++ {
		d := float64(left[i] - left[i-1])
		diff += d * d
	}
	total := energy(left)
	if total == 0 {
		t.Fatal("Expected hihat output")
	}
	if ratio := diff / total; ratio < 2.3 {
		t.Errorf("Expected highpassed noise (difference ratio > 2.3), got %f", ratio)
	}
}

func TestDrumHitDecays(t *testing.T) {
	e := newTestEngine(t, Options{StereoSpread: 1})
	e.Render(trigger(instrument.Drums, gesture.Peace, gesture.Left)) // kick

	left := make([]float32, 512)
	right := make([]float32, 512)
	e.Process(left, right)
	first := energy(left)

	for i := 0; i < 10; i++ {
		e.Process(left, right)
	}
	if later := energy(left); later >= first {
		t.Errorf("Expected kick to decay, first %g later %g", first, later)
	}
}

func TestFadeOut(t *testing.T) {
	e := newTestEngine(t, Options{FadeTime: 10 * time.Millisecond})
	e.Render(trigger(instrument.Violin, gesture.Peace, gesture.Right))

	left := make([]float32, 512)
	right := make([]float32, 512)
	e.Process(left, right)
	if e.Stats().ActiveVoices != 1 {
		t.Fatalf("Expected one active voice, got %d", e.Stats().ActiveVoices)
	}

	e.FadeOut()
	for i := 0; i < 4; i++ {
		e.Process(left, right)
	}
	if e.Stats().ActiveVoices != 0 {
		t.Errorf("Expected voices silent after fade, got %d", e.Stats().ActiveVoices)
	}
	for i := 1; i < len(left); i++ {
		if left[i] != 0 || right[i] != 0 {
			t.Fatal("Expected silence once faded out")
		}
	}
}

func TestEffectChainAppliedFromStore(t *testing.T) {
	store := dryStore(t)
	e := newTestEngine(t, Options{Store: store, StereoSpread: 1})

	delay := effects.Default(effects.Delay)
	delay.Enabled = true
	delay.Mix = 1
	delay.Time = 0.01
	if err := store.SetEffect(delay); err != nil {
		t.Fatal(err)
	}

	e.Render(trigger(instrument.Drums, gesture.Fist, gesture.Left))
	left := make([]float32, 2048)
	right := make([]float32, 2048)
	e.Process(left, right)

	if energy(left) == 0 {
		t.Error("Expected delayed signal in the left channel")
	}
	if !e.rack.Chain().Equal(store.Snapshot().Effects) {
		t.Error("Expected engine rack to follow the store's chain")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	blocks int
	fail   bool
	closed bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(left, right []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fault.New(fault.KindResourceUnavailable, "write", errors.New("device unplugged"))
	}
	s.blocks++
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func TestRunDeliversToSinkAndTaps(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, Options{Sink: sink, BlockSize: 64})

	var mu sync.Mutex
	frames := 0
	remove := e.AddTap(FrameTapFunc(func(left, right []float32) {
		mu.Lock()
		frames += len(left)
		mu.Unlock()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := e.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	remove()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.blocks == 0 {
		t.Error("Expected blocks written to the sink")
	}
	if !sink.closed {
		t.Error("Expected sink closed when Run returns")
	}
	mu.Lock()
	defer mu.Unlock()
	if frames != sink.blocks*64 {
		t.Errorf("Expected tap to see %d frames, got %d", sink.blocks*64, frames)
	}
}

func TestRunSurvivesSinkFailure(t *testing.T) {
	sink := &recordingSink{fail: true}
	e := newTestEngine(t, Options{Sink: sink, BlockSize: 64})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := e.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	stats := e.Stats()
	if stats.Sink != "null" {
		t.Errorf("Expected fallback to the null sink, got %q", stats.Sink)
	}
	if stats.Blocks < 2 {
		t.Errorf("Expected rendering to continue after the failure, got %d blocks", stats.Blocks)
	}
}

type panickyTap struct{}

func (panickyTap) OnAudioFrame(left, right []float32) { panic("boom") }

func TestRunReportsPanicAsFatal(t *testing.T) {
	e := newTestEngine(t, Options{BlockSize: 64})
	e.AddTap(panickyTap{})

	err := e.Run(context.Background())
	if !fault.IsFatal(err) {
		t.Errorf("Expected fatal fault, got %v", err)
	}
}

func BenchmarkProcess(b *testing.B) {
	e, _ := New(Options{Logger: logging.Discard(), StereoSpread: 1})
	for _, g := range gesture.All {
		e.Render(instrument.NoteTrigger{
			Instrument: instrument.Guitar,
			Gesture:    g,
			Note:       instrument.Note{Pitch: 40 + uint8(g)},
			Velocity:   0.8,
			Channel:    gesture.Right,
		})
	}
	left := make([]float32, 512)
	right := make([]float32, 512)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Process(left, right)
	}
}
