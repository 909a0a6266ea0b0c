// Package bridge connects UI and vision processes to the pipeline over
// WebSocket. Clients receive gesture events, note triggers, periodic
// synth state and recording results; they send settings changes,
// transport commands and raw gesture samples as JSON text messages, and
// camera frames as binary messages holding one JPEG each.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/justyntemme/gesturebeats/pkg/effects"
	"github.com/justyntemme/gesturebeats/pkg/eventbus"
	"github.com/justyntemme/gesturebeats/pkg/fault"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/instrument"
	"github.com/justyntemme/gesturebeats/pkg/logging"
	"github.com/justyntemme/gesturebeats/pkg/session"
)

const (
	DefaultListen        = "127.0.0.1:8765"
	DefaultStateInterval = 100 * time.Millisecond
	DefaultClientBuffer  = 256

	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// room for one JPEG video frame
	maxMessage = 1 << 20
)

// Controller is what the bridge drives. The live pipeline implements it.
type Controller interface {
	SetInstrument(h gesture.Hand, inst instrument.Instrument) error
	SetSensitivity(v float64) error
	SetEffect(cfg effects.Config) error
	SetVolume(h gesture.Hand, v float64) error
	Start() error
	Stop() error
	StartRecording(id string) (string, error)
	StopRecording() (*session.Recording, error)
	Play(id string, rate float64) error
	StopPlayback() error
	Seek(position time.Duration) error
	FeedSample(s gesture.Sample) error
	FeedVideoFrame(jpeg []byte) error
	SynthState() SynthState
}

// Options configures a Server
type Options struct {
	Listen        string
	StateInterval time.Duration
	ClientBuffer  int
	Controller    Controller
	// Bus, when set, is subscribed for gesture_event broadcasts
	Bus    *eventbus.Bus
	Logger logrus.FieldLogger
}

// Server is the WebSocket endpoint
type Server struct {
	opts     Options
	ctl      Controller
	log      logrus.FieldLogger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[uuid.UUID]*client

	addrMu sync.Mutex
	addr   net.Addr
}

// New creates a server
func New(opts Options) (*Server, error) {
	if opts.Controller == nil {
		return nil, fault.Newf(fault.KindConfiguration, "bridge.New", "controller is required")
	}
	if opts.Listen == "" {
		opts.Listen = DefaultListen
	}
	if opts.StateInterval <= 0 {
		opts.StateInterval = DefaultStateInterval
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = DefaultClientBuffer
	}
	return &Server{
		opts: opts,
		ctl:  opts.Controller,
		log:  logging.OrDefault(opts.Logger, "bridge"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// local tool; the UI may be served from any origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[uuid.UUID]*client),
	}, nil
}

// Handler returns the HTTP routes: /ws and /healthz
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "clients": s.ClientCount()})
	})
	return mux
}

// Addr returns the listening address once Run has bound it
func (s *Server) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// Run serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fault.New(fault.KindResourceUnavailable, "bridge listen", err)
	}
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.broadcastLoop(ctx)
	}()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.WithField("addr", ln.Addr().String()).Info("Bridge listening")

	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	srv.Shutdown(shutdownCtx)
	s.closeAll()
	wg.Wait()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fault.New(fault.KindResourceUnavailable, "bridge serve", err)
	}
	return nil
}

// broadcastLoop relays bus events and the periodic synth state
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.StateInterval)
	defer ticker.Stop()

	var events <-chan struct{}
	var sub *eventbus.Subscription
	if s.opts.Bus != nil {
		sub = s.opts.Bus.Subscribe("bridge")
		defer sub.Close()
		events = sub.C()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
			for {
				ev, ok := sub.TryNext()
				if !ok {
					break
				}
				s.Broadcast(TypeGestureEvent, ev)
			}
		case <-ticker.C:
			if s.ClientCount() == 0 {
				continue
			}
			st := s.ctl.SynthState()
			st.Clients = s.ClientCount()
			s.Broadcast(TypeSynthState, st)
		}
	}
}

// OnTrigger broadcasts a resolved note
func (s *Server) OnTrigger(t instrument.NoteTrigger) {
	s.Broadcast(TypeNoteTrigger, noteTrigger(t))
}

// OnRecordingResult broadcasts the outcome of a stopped recording
func (s *Server) OnRecordingResult(rec *session.Recording, err error) {
	s.Broadcast(TypeRecordingResult, RecordingResultFrom(rec, err))
}

// Broadcast sends one message to every client. A slow client loses its
// oldest queued messages rather than holding up the others.
func (s *Server) Broadcast(typ string, data any) {
	msg, err := encode(typ, "", data)
	if err != nil {
		s.log.WithError(err).WithField("type", typ).Error("Failed to encode broadcast")
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.enqueue(msg)
	}
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, s.opts.ClientBuffer),
		done: make(chan struct{}),
	}
	c.log = s.log.WithFields(logrus.Fields{"client": c.id.String(), "remote": r.RemoteAddr})

	s.mu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.mu.Unlock()
	c.log.WithField("clients", n).Info("Client connected")

	welcome, _ := encode(TypeWelcome, "", Welcome{
		ClientID: c.id.String(),
		Message:  "Welcome to GestureBeats",
		Settings: s.ctl.SynthState().Settings,
	})
	c.enqueue(welcome)

	go c.writePump()
	c.readPump(s.handle, s.handleFrame)

	s.mu.Lock()
	delete(s.clients, c.id)
	n = len(s.clients)
	s.mu.Unlock()
	c.close()
	c.log.WithFields(logrus.Fields{"clients": n, "dropped": c.Dropped()}).Info("Client disconnected")
}

func (s *Server) closeAll() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[uuid.UUID]*client)
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// handle executes one client request and answers it on c
func (s *Server) handle(c *client, env Envelope) {
	reply, err := s.dispatch(env)
	if err != nil {
		c.log.WithError(err).WithField("type", env.Type).Warn("Request failed")
		msg := ErrorMessage{Request: env.Type, Message: err.Error()}
		if k := fault.KindOf(err); k != 0 {
			msg.Kind = k.String()
		}
		c.reply(TypeError, env.ID, msg)
		return
	}
	if reply != nil {
		c.reply(reply.typ, env.ID, reply.data)
	}
}

// handleFrame passes one binary message on as a video frame. Only
// failures are answered.
func (s *Server) handleFrame(c *client, frame []byte) {
	if err := s.ctl.FeedVideoFrame(frame); err != nil {
		c.log.WithError(err).Debug("Video frame rejected")
		msg := ErrorMessage{Request: TypeVideoFrame, Message: err.Error()}
		if k := fault.KindOf(err); k != 0 {
			msg.Kind = k.String()
		}
		c.reply(TypeError, "", msg)
	}
}

type response struct {
	typ  string
	data any
}

func decodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fault.Newf(fault.KindConfiguration, env.Type, "missing data")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fault.New(fault.KindConfiguration, env.Type, err)
	}
	return nil
}

func (s *Server) dispatch(env Envelope) (*response, error) {
	switch env.Type {
	case TypePing:
		return &response{TypePong, nil}, nil

	case TypeSetInstrument:
		var req setInstrument
		if err := decodeData(env, &req); err != nil {
			return nil, err
		}
		return nil, s.ctl.SetInstrument(req.Hand, req.Instrument)

	case TypeSetSensitivity:
		var req setSensitivity
		if err := decodeData(env, &req); err != nil {
			return nil, err
		}
		return nil, s.ctl.SetSensitivity(float64(req.Value))

	case TypeSetEffect:
		var cfg effects.Config
		if err := decodeData(env, &cfg); err != nil {
			return nil, err
		}
		return nil, s.ctl.SetEffect(cfg)

	case TypeSetVolume:
		var req setVolume
		if err := decodeData(env, &req); err != nil {
			return nil, err
		}
		return nil, s.ctl.SetVolume(req.Hand, req.Volume)

	case TypeStart:
		return nil, s.ctl.Start()

	case TypeStop:
		return nil, s.ctl.Stop()

	case TypeRecord:
		var req record
		if len(env.Data) > 0 {
			if err := decodeData(env, &req); err != nil {
				return nil, err
			}
		}
		_, err := s.ctl.StartRecording(req.SessionID)
		return nil, err

	case TypeStopRecording:
		rec, err := s.ctl.StopRecording()
		if rec == nil && err != nil {
			return nil, err
		}
		// every client learns about the result, not just the requester
		s.OnRecordingResult(rec, err)
		return nil, nil

	case TypePlay:
		var req play
		if err := decodeData(env, &req); err != nil {
			return nil, err
		}
		return nil, s.ctl.Play(req.SessionID, req.Rate)

	case TypeStopPlayback:
		return nil, s.ctl.StopPlayback()

	case TypeSeek:
		var req seek
		if err := decodeData(env, &req); err != nil {
			return nil, err
		}
		if req.Position < 0 {
			return nil, fault.Newf(fault.KindConfiguration, env.Type, "negative position %v", req.Position)
		}
		return nil, s.ctl.Seek(time.Duration(req.Position * float64(time.Second)))

	case TypeGestureSample:
		if len(env.Data) == 0 {
			return nil, fault.Newf(fault.KindTransientInput, env.Type, "missing data")
		}
		sample, err := gesture.DecodeSample(env.Data, time.Now())
		if err != nil {
			return nil, err
		}
		return nil, s.ctl.FeedSample(sample)
	}
	return nil, fault.Newf(fault.KindConfiguration, "dispatch", "unknown message type %q", env.Type)
}

// client is one WebSocket connection
type client struct {
	id      uuid.UUID
	conn    *websocket.Conn
	send    chan []byte
	log     logrus.FieldLogger
	once    sync.Once
	done    chan struct{}
	qMu     sync.Mutex
	dropped uint64
}

// enqueue queues msg for the writer. A full queue loses its oldest
// message so a lagging client catches up on the newest state.
func (c *client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	c.qMu.Lock()
	defer c.qMu.Unlock()
	for {
		select {
		case c.send <- msg:
			return
		default:
		}
		select {
		case <-c.send:
			c.dropped++
			if c.dropped == 1 || c.dropped%100 == 0 {
				c.log.WithField("dropped", c.dropped).Warn("Client too slow, dropping oldest messages")
			}
		default:
		}
	}
}

// Dropped returns how many queued messages the client lost
func (c *client) Dropped() uint64 {
	c.qMu.Lock()
	defer c.qMu.Unlock()
	return c.dropped
}

func (c *client) reply(typ, id string, data any) {
	msg, err := encode(typ, id, data)
	if err != nil {
		c.log.WithError(err).Error("Failed to encode reply")
		return
	}
	c.enqueue(msg)
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.conn.Close()
	})
}

func (c *client) readPump(handle func(*client, Envelope), frame func(*client, []byte)) {
	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("Read failed")
			}
			return
		}
		if typ == websocket.BinaryMessage {
			frame(c, data)
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.reply(TypeError, "", ErrorMessage{Kind: fault.KindTransientInput.String(), Message: fmt.Sprintf("invalid message: %v", err)})
			continue
		}
		handle(c, env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
