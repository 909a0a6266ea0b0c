// Package eventbus fans stabilized gesture events out to independent
// consumers.
//
// Every subscriber owns a bounded ring buffer. Publishing never blocks: a
// slow subscriber loses its oldest undelivered events and the loss is
// counted.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/justyntemme/gesturebeats/pkg/fault"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/logging"
)

// DefaultBuffer is the per-subscriber ring size
const DefaultBuffer = 256

// ErrClosed is returned by Next once the subscription or bus is closed
var ErrClosed = errors.New("eventbus: closed")

// Options configures a Bus
type Options struct {
	Buffer int
	Logger logrus.FieldLogger
}

// Stats summarizes bus activity
type Stats struct {
	Published   uint64
	Rejected    uint64
	Subscribers int
}

// Bus is safe for concurrent use
type Bus struct {
	mu     sync.Mutex
	buffer int
	subs   map[uint64]*Subscription
	nextID uint64
	last   [gesture.NumHands]time.Time
	stats  Stats
	closed bool
	log    logrus.FieldLogger
}

// New creates a bus
func New(opts Options) *Bus {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	return &Bus{
		buffer: opts.Buffer,
		subs:   make(map[uint64]*Subscription),
		log:    logging.OrDefault(opts.Logger, "eventbus"),
	}
}

// Publish delivers ev to every current subscriber. Events older than the
// last event published for the same hand are rejected with a
// TransientInput fault so each hand's stream stays in timestamp order.
func (b *Bus) Publish(ev gesture.Event) error {
	if !ev.Hand.Valid() {
		return fault.Newf(fault.KindTransientInput, "publish", "invalid hand %d", uint8(ev.Hand))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fault.New(fault.KindResourceUnavailable, "publish", ErrClosed)
	}
	if ev.Timestamp.Before(b.last[ev.Hand]) {
		b.stats.Rejected++
		return fault.Newf(fault.KindTransientInput, "publish",
			"%s event at %s precedes last at %s", ev.Hand, ev.Timestamp.Format(time.RFC3339Nano),
			b.last[ev.Hand].Format(time.RFC3339Nano))
	}
	b.last[ev.Hand] = ev.Timestamp
	b.stats.Published++

	for _, sub := range b.subs {
		if sub.push(ev) {
			b.log.WithFields(logrus.Fields{
				"subscriber": sub.name,
				"dropped":    sub.Dropped(),
			}).Debug("Subscriber lagging, dropped oldest event")
		}
	}
	return nil
}

// Subscribe attaches a new consumer. It only sees events published after
// this call.
func (b *Bus) Subscribe(name string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		bus:    b,
		id:     b.nextID,
		name:   name,
		ring:   make([]gesture.Event, b.buffer),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if b.closed {
		sub.closed = true
		close(sub.done)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) detach(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// ResetOrdering forgets the per-hand timestamp watermark, e.g. when a
// new performance starts.
func (b *Bus) ResetOrdering() {
	b.mu.Lock()
	b.last = [gesture.NumHands]time.Time{}
	b.mu.Unlock()
}

// Stats returns bus counters
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Subscribers = len(b.subs)
	return s
}

// Close detaches and closes every subscription
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
}

// Subscription is one consumer's view of the bus
type Subscription struct {
	bus  *Bus
	id   uint64
	name string

	mu        sync.Mutex
	ring      []gesture.Event
	head      int
	count     int
	dropped   uint64
	delivered uint64
	closed    bool

	notify chan struct{}
	done   chan struct{}
}

// push enqueues ev, overwriting the oldest entry when full. It reports
// whether an event was dropped.
func (s *Subscription) push(ev gesture.Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := false
	size := len(s.ring)
	if s.count == size {
		s.head = (s.head + 1) % size
		s.count--
		s.dropped++
		dropped = true
	}
	s.ring[(s.head+s.count)%size] = ev
	s.count++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Name returns the subscriber name
func (s *Subscription) Name() string {
	return s.name
}

// C is signalled whenever events may be available
func (s *Subscription) C() <-chan struct{} {
	return s.notify
}

// Done is closed when the subscription is closed
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// TryNext pops the oldest pending event without blocking
func (s *Subscription) TryNext() (gesture.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return gesture.Event{}, false
	}
	ev := s.ring[s.head]
	s.ring[s.head] = gesture.Event{}
	s.head = (s.head + 1) % len(s.ring)
	s.count--
	s.delivered++
	return ev, true
}

// Next blocks until an event is available, ctx is done or the
// subscription is closed. Pending events are still delivered after Close.
func (s *Subscription) Next(ctx context.Context) (gesture.Event, error) {
	for {
		if ev, ok := s.TryNext(); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return gesture.Event{}, ctx.Err()
		case <-s.done:
			if ev, ok := s.TryNext(); ok {
				return ev, nil
			}
			return gesture.Event{}, ErrClosed
		case <-s.notify:
		}
	}
}

// Pending returns the number of undelivered events
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Dropped returns how many events were overwritten before delivery
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Delivered returns how many events were consumed
func (s *Subscription) Delivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Close detaches the subscription. A later Subscribe starts from the live
// stream; nothing buffered here carries over.
func (s *Subscription) Close() {
	s.bus.detach(s.id)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
