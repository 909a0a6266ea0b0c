package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/logging"
)

// Upstream dials a vision process that serves gesture samples over
// WebSocket and feeds them to the controller. Binary messages are camera
// frames. It reconnects with backoff until its context ends.
type Upstream struct {
	url   string
	feed  func(gesture.Sample) error
	frame func([]byte) error
	log   logrus.FieldLogger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewUpstream creates a client for url
func NewUpstream(url string, feed func(gesture.Sample) error, logger logrus.FieldLogger) *Upstream {
	return &Upstream{
		url:        url,
		feed:       feed,
		log:        logging.OrDefault(logger, "upstream").WithField("url", url),
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 10 * time.Second,
	}
}

// SetFrameHandler routes binary messages to fn. Without one they are
// discarded. Call it before Run.
func (u *Upstream) SetFrameHandler(fn func(jpeg []byte) error) {
	u.frame = fn
}

// Run connects and reads until ctx is done
func (u *Upstream) Run(ctx context.Context) error {
	backoff := u.minBackoff
	for {
		connected, err := u.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = u.minBackoff
		}
		u.log.WithError(err).WithField("retry_in", backoff).Warn("Upstream disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, u.maxBackoff)
	}
}

// session runs one connection. connected reports whether the dial
// succeeded.
func (u *Upstream) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	u.log.Info("Upstream connected")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadLimit(maxMessage)
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if typ == websocket.BinaryMessage {
			if u.frame != nil {
				if err := u.frame(data); err != nil {
					u.log.WithError(err).Debug("Dropped upstream video frame")
				}
			}
			continue
		}

		// accept both enveloped gesture_sample messages and bare samples
		payload := json.RawMessage(data)
		var env Envelope
		if json.Unmarshal(data, &env) == nil && env.Type != "" {
			if env.Type != TypeGestureSample {
				continue
			}
			payload = env.Data
		}

		sample, err := gesture.DecodeSample(payload, time.Now())
		if err == nil {
			err = u.feed(sample)
		}
		if err != nil {
			u.log.WithError(err).Debug("Dropped upstream sample")
		}
	}
}
