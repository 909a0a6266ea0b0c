package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/justyntemme/gesturebeats/pkg/effects"
	"github.com/justyntemme/gesturebeats/pkg/eventbus"
	"github.com/justyntemme/gesturebeats/pkg/fault"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/instrument"
	"github.com/justyntemme/gesturebeats/pkg/logging"
	"github.com/justyntemme/gesturebeats/pkg/session"
	"github.com/justyntemme/gesturebeats/pkg/state"
)

// fakeController records calls
type fakeController struct {
	mu      sync.Mutex
	calls   []string
	samples []gesture.Sample
	frames  [][]byte
	effect  effects.Config
	sens    float64
	store   *state.Store
}

func newFake(t *testing.T) *fakeController {
	t.Helper()
	store, err := state.NewStore(state.Default())
	if err != nil {
		t.Fatal(err)
	}
	return &fakeController{store: store}
}

func (f *fakeController) call(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) SetInstrument(h gesture.Hand, inst instrument.Instrument) error {
	f.call("set_instrument:" + h.String() + ":" + inst.String())
	return f.store.SetInstrument(h, inst)
}

func (f *fakeController) SetSensitivity(v float64) error {
	f.call("set_sensitivity")
	f.mu.Lock()
	f.sens = v
	f.mu.Unlock()
	return f.store.SetSensitivity(v)
}

func (f *fakeController) SetEffect(cfg effects.Config) error {
	f.call("set_effect")
	f.mu.Lock()
	f.effect = cfg
	f.mu.Unlock()
	return nil
}

func (f *fakeController) SetVolume(h gesture.Hand, v float64) error {
	f.call("set_volume")
	return f.store.SetVolume(h, v)
}

func (f *fakeController) Start() error { f.call("start"); return nil }
func (f *fakeController) Stop() error  { f.call("stop"); return nil }

func (f *fakeController) StartRecording(id string) (string, error) {
	f.call("record:" + id)
	return id, nil
}

func (f *fakeController) StopRecording() (*session.Recording, error) {
	f.call("stop_recording")
	rec := &session.Recording{Manifest: session.Manifest{ID: "take1", Complete: true, Duration: 2 * time.Second}}
	return rec, nil
}

func (f *fakeController) Play(id string, rate float64) error {
	f.call("play:" + id)
	if id == "missing" {
		return session.ErrNotFound
	}
	return nil
}

func (f *fakeController) StopPlayback() error { f.call("stop_playback"); return nil }

func (f *fakeController) Seek(d time.Duration) error {
	f.call("seek:" + d.String())
	return nil
}

func (f *fakeController) FeedVideoFrame(jpeg []byte) error {
	f.call("frame")
	if !bytes.HasPrefix(jpeg, []byte{0xFF, 0xD8}) {
		return fault.Newf(fault.KindTransientInput, "video frame", "not a JPEG image")
	}
	f.mu.Lock()
	f.frames = append(f.frames, jpeg)
	f.mu.Unlock()
	return nil
}

func (f *fakeController) FeedSample(s gesture.Sample) error {
	f.call("sample")
	f.mu.Lock()
	f.samples = append(f.samples, s)
	f.mu.Unlock()
	return s.Validate()
}

func (f *fakeController) SynthState() SynthState {
	return SynthState{Running: true, Sink: "null", Settings: SettingsFrom(f.store.Snapshot())}
}

type harness struct {
	srv  *Server
	http *httptest.Server
	url  string
}

func newHarness(t *testing.T, ctl Controller, bus *eventbus.Bus) *harness {
	t.Helper()
	srv, err := New(Options{Controller: ctl, Bus: bus, StateInterval: time.Hour, Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.closeAll()
		hs.Close()
	})
	return &harness{srv: srv, http: hs, url: "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	env := read(t, conn)
	if env.Type != TypeWelcome {
		t.Fatalf("Expected welcome first, got %s", env.Type)
	}
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	return env
}

// readType skips messages until one of type typ arrives
func readType(t *testing.T, conn *websocket.Conn, typ string) Envelope {
	t.Helper()
	for i := 0; i < 20; i++ {
		if env := read(t, conn); env.Type == typ {
			return env
		}
	}
	t.Fatalf("Expected a %s message", typ)
	return Envelope{}
}

func send(t *testing.T, conn *websocket.Conn, typ, id string, data any) {
	t.Helper()
	env := Envelope{Type: typ, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			t.Fatal(err)
		}
		env.Data = raw
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func TestNewRequiresController(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, fault.ErrConfiguration) {
		t.Errorf("Expected configuration fault, got %v", err)
	}
}

func TestWelcome(t *testing.T) {
	h := newHarness(t, newFake(t), nil)
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	env := read(t, conn)
	if env.Type != TypeWelcome {
		t.Fatalf("Expected welcome, got %s", env.Type)
	}
	var w Welcome
	if err := json.Unmarshal(env.Data, &w); err != nil {
		t.Fatal(err)
	}
	if w.ClientID == "" {
		t.Error("Expected a client id")
	}
	if w.Settings.Left != instrument.Piano || w.Settings.Right != instrument.Guitar {
		t.Errorf("Expected default assignment in welcome, got %+v", w.Settings)
	}
	if env.Timestamp <= 0 {
		t.Error("Expected a timestamp")
	}
}

func TestPingPong(t *testing.T) {
	h := newHarness(t, newFake(t), nil)
	conn := h.dial(t)
	send(t, conn, TypePing, "42", nil)
	env := read(t, conn)
	if env.Type != TypePong || env.ID != "42" {
		t.Errorf("Expected pong with id 42, got %s %q", env.Type, env.ID)
	}
}

func TestCommands(t *testing.T) {
	ctl := newFake(t)
	h := newHarness(t, ctl, nil)
	conn := h.dial(t)

	send(t, conn, TypeSetInstrument, "", map[string]string{"hand": "right", "instrument": "drums"})
	send(t, conn, TypeSetSensitivity, "", map[string]any{"value": "high"})
	send(t, conn, TypeSetEffect, "", map[string]any{"type": "delay", "enabled": true, "mix": 0.4, "time": 0.25, "feedback": 0.3})
	send(t, conn, TypeSetVolume, "", map[string]any{"hand": "left", "volume": 0.5})
	send(t, conn, TypeStart, "", nil)
	send(t, conn, TypeRecord, "", map[string]string{"session_id": "jam"})
	send(t, conn, TypePlay, "", map[string]any{"session_id": "jam", "rate": 2})
	send(t, conn, TypeSeek, "", map[string]any{"position": 1.5})
	send(t, conn, TypeStopPlayback, "", nil)
	send(t, conn, TypeStop, "", nil)
	send(t, conn, TypePing, "sync", nil)
	readType(t, conn, TypePong)

	want := []string{
		"set_instrument:right:drums", "set_sensitivity", "set_effect", "set_volume",
		"start", "record:jam", "play:jam", "seek:1.5s", "stop_playback", "stop",
	}
	got := ctl.Calls()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected calls %v, got %v", want, got)
	}
	if ctl.sens != 0.9 {
		t.Errorf("Expected sensitivity 0.9 from preset, got %v", ctl.sens)
	}
	if ctl.effect.Kind != effects.Delay || ctl.effect.Time != 0.25 {
		t.Errorf("Expected delay effect, got %+v", ctl.effect)
	}
	snap := ctl.store.Snapshot()
	if snap.Assignment.Right != instrument.Drums || snap.Volume[gesture.Left] != 0.5 {
		t.Errorf("Expected store updated, got %+v", snap)
	}
}

func TestErrorsAreReported(t *testing.T) {
	tests := []struct {
		name string
		typ  string
		data any
		kind string
	}{
		{"unknown type", "dance", nil, "configuration"},
		{"bad instrument", TypeSetInstrument, map[string]string{"hand": "left", "instrument": "kazoo"}, "configuration"},
		{"missing data", TypeSetVolume, nil, "configuration"},
		{"bad sample", TypeGestureSample, map[string]any{"hand": "left", "gesture": "peace", "confidence": 7}, "transient-input"},
		{"unknown session", TypePlay, map[string]string{"session_id": "missing"}, ""},
		{"negative seek", TypeSeek, map[string]any{"position": -1}, "configuration"},
	}
	ctl := newFake(t)
	h := newHarness(t, ctl, nil)
	conn := h.dial(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.typ, tt.name, tt.data)
			env := read(t, conn)
			if env.Type != TypeError || env.ID != tt.name {
				t.Fatalf("Expected error for %q, got %s %q", tt.name, env.Type, env.ID)
			}
			var msg ErrorMessage
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				t.Fatal(err)
			}
			if msg.Kind != tt.kind || msg.Message == "" {
				t.Errorf("Expected kind %q with message, got %+v", tt.kind, msg)
			}
		})
	}
}

func TestGestureSampleForwarded(t *testing.T) {
	ctl := newFake(t)
	h := newHarness(t, ctl, nil)
	conn := h.dial(t)

	send(t, conn, TypeGestureSample, "", map[string]any{"hand": "right", "gesture": "fist", "confidence": 0.8, "ts": 1714564800.0})
	send(t, conn, TypePing, "", nil)
	readType(t, conn, TypePong)

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if len(ctl.samples) != 1 {
		t.Fatalf("Expected 1 sample, got %d", len(ctl.samples))
	}
	s := ctl.samples[0]
	if s.Hand != gesture.Right || s.Gesture != gesture.Fist || s.Timestamp.Unix() != 1714564800 {
		t.Errorf("Expected right/fist at 1714564800, got %+v", s)
	}
}

func TestVideoFramesForwarded(t *testing.T) {
	ctl := newFake(t)
	h := newHarness(t, ctl, nil)
	conn := h.dial(t)

	frame := []byte{0xFF, 0xD8, 0xFF, 0xE0, 1, 2, 3, 0xFF, 0xD9}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("not an image")); err != nil {
		t.Fatal(err)
	}
	send(t, conn, TypePing, "", nil)

	env := read(t, conn)
	if env.Type != TypeError {
		t.Fatalf("Expected an error for the bad frame, got %s", env.Type)
	}
	var msg ErrorMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Request != TypeVideoFrame || msg.Kind != "transient-input" {
		t.Errorf("Expected transient-input video_frame error, got %+v", msg)
	}
	readType(t, conn, TypePong)

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if len(ctl.frames) != 1 || !bytes.Equal(ctl.frames[0], frame) {
		t.Errorf("Expected the JPEG frame forwarded once, got %d frames", len(ctl.frames))
	}
}

func TestBroadcasts(t *testing.T) {
	bus := eventbus.New(eventbus.Options{Logger: logging.Discard()})
	defer bus.Close()
	h := newHarness(t, newFake(t), bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.srv.broadcastLoop(ctx)

	a := h.dial(t)
	b := h.dial(t)

	// wait for the loop to subscribe
	deadline := time.Now().Add(time.Second)
	for bus.Stats().Subscribers == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ev := gesture.Event{Hand: gesture.Right, Gesture: gesture.Peace, Confidence: 0.8, Timestamp: time.Now()}
	if err := bus.Publish(ev); err != nil {
		t.Fatal(err)
	}
	trig, _ := instrument.Resolve(ev, instrument.DefaultAssignment, instrument.DefaultDynamics)
	h.srv.OnTrigger(trig)

	for _, conn := range []*websocket.Conn{a, b} {
		env := readType(t, conn, TypeGestureEvent)
		var got gesture.Event
		if err := json.Unmarshal(env.Data, &got); err != nil {
			t.Fatal(err)
		}
		if got.Hand != gesture.Right || got.Gesture != gesture.Peace {
			t.Errorf("Expected right/peace, got %s", got)
		}

		env = readType(t, conn, TypeNoteTrigger)
		var nt NoteTrigger
		if err := json.Unmarshal(env.Data, &nt); err != nil {
			t.Fatal(err)
		}
		if nt.Pitch != "E2" || nt.Instrument != instrument.Guitar || nt.Channel != gesture.Right {
			t.Errorf("Expected guitar E2 on right, got %+v", nt)
		}
	}

	send(t, a, TypeStopRecording, "", nil)
	for _, conn := range []*websocket.Conn{a, b} {
		env := readType(t, conn, TypeRecordingResult)
		var res RecordingResult
		if err := json.Unmarshal(env.Data, &res); err != nil {
			t.Fatal(err)
		}
		if res.SessionID != "take1" || !res.Complete || res.Duration != 2 {
			t.Errorf("Expected take1 complete 2s, got %+v", res)
		}
	}
}

func TestSlowClientDropsOldest(t *testing.T) {
	c := &client{send: make(chan []byte, 2), done: make(chan struct{}), log: logging.Discard()}
	for _, msg := range []string{"e1", "e2", "e3", "e4", "e5"} {
		c.enqueue([]byte(msg))
	}
	if c.Dropped() != 3 {
		t.Errorf("Expected 3 dropped, got %d", c.Dropped())
	}
	for _, want := range []string{"e4", "e5"} {
		select {
		case got := <-c.send:
			if string(got) != want {
				t.Errorf("Expected %s, got %s", want, got)
			}
		default:
			t.Fatalf("Expected %s still queued", want)
		}
	}
}

func TestCloseSendsCloseFrame(t *testing.T) {
	h := newHarness(t, newFake(t), nil)
	conn := h.dial(t)

	h.srv.closeAll()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("Expected a normal close frame, got %v", err)
		}
		return
	}
}

func TestUpstreamFeedsSamples(t *testing.T) {
	upgrader := websocket.Upgrader{}
	vision := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"gesture_sample","data":{"hand":"left","gesture":"pinch","confidence":0.9}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","data":{}}`))
		conn.WriteMessage(websocket.BinaryMessage, []byte{0xFF, 0xD8, 0xFF, 0xD9})
		conn.WriteMessage(websocket.TextMessage, []byte(`{"hand":"right","gesture":"peace","confidence":0.7}`))
		time.Sleep(time.Second)
	}))
	defer vision.Close()

	got := make(chan gesture.Sample, 4)
	up := NewUpstream("ws"+strings.TrimPrefix(vision.URL, "http"), func(s gesture.Sample) error {
		got <- s
		return nil
	}, logging.Discard())
	frames := make(chan []byte, 1)
	up.SetFrameHandler(func(jpeg []byte) error {
		frames <- jpeg
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- up.Run(ctx) }()

	for _, want := range []gesture.Gesture{gesture.Pinch, gesture.Peace} {
		select {
		case s := <-got:
			if s.Gesture != want {
				t.Errorf("Expected %s, got %s", want, s.Gesture)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Expected sample %s", want)
		}
	}

	select {
	case jpeg := <-frames:
		if len(jpeg) != 4 {
			t.Errorf("Expected a 4 byte frame, got %d", len(jpeg))
		}
	default:
		t.Error("Expected the binary message delivered as a frame")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Run to return after cancel")
	}
}
