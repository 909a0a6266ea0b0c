// Package playback replays a recorded timeline onto the event bus so the
// live engine performs it again.
package playback

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/justyntemme/gesturebeats/pkg/fault"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/logging"
	"github.com/justyntemme/gesturebeats/pkg/session"
)

const (
	MinRate     = 0.1
	MaxRate     = 5.0
	DefaultRate = 1.0
	DefaultTick = 5 * time.Millisecond
)

var (
	// ErrPlaying is returned by Play while another playback runs
	ErrPlaying = errors.New("playback already running")
	// ErrStopped is returned by Play when Stop ended it early
	ErrStopped = errors.New("playback stopped")
	// ErrNotPlaying is returned by Seek when nothing is playing
	ErrNotPlaying = errors.New("no playback running")
)

// Publisher receives replayed events; *eventbus.Bus satisfies it
type Publisher interface {
	Publish(ev gesture.Event) error
}

// ClampRate limits r to [MinRate, MaxRate]; zero or NaN means DefaultRate
func ClampRate(r float64) float64 {
	switch {
	case r != r || r == 0:
		return DefaultRate
	case r < MinRate:
		return MinRate
	case r > MaxRate:
		return MaxRate
	}
	return r
}

// Options configures a Player
type Options struct {
	Rate float64
	// Tick is the longest the player sleeps before checking for pause
	// and cancellation
	Tick   time.Duration
	Logger logrus.FieldLogger
}

// Player replays one recording at a time
type Player struct {
	pub  Publisher
	tick time.Duration
	log  logrus.FieldLogger

	mu       sync.Mutex
	rate     float64
	playing  bool
	paused   bool
	position time.Duration
	seeks    uint64 // bumped by Seek so Play re-finds its place
	current  string
	cancel   context.CancelFunc
	wake     chan struct{}
}

// New creates a player publishing to pub
func New(pub Publisher, opts Options) *Player {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	return &Player{
		pub:  pub,
		tick: opts.Tick,
		rate: ClampRate(opts.Rate),
		log:  logging.OrDefault(opts.Logger, "playback"),
		wake: make(chan struct{}, 1),
	}
}

// SetRate changes the speed, also mid-playback, and returns the clamped
// value
func (p *Player) SetRate(r float64) float64 {
	r = ClampRate(r)
	p.mu.Lock()
	p.rate = r
	p.mu.Unlock()
	p.poke()
	return r
}

// Rate returns the current speed
func (p *Player) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

// Playing reports whether a playback is running, paused or not
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Current returns the id of the recording being played, or ""
func (p *Player) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Position returns how far into the recording playback has got, in
// recording time
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// Seek moves playback to d in recording time. The next event published
// is the first one at or after d; negative d seeks to the start.
func (p *Player) Seek(d time.Duration) error {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return ErrNotPlaying
	}
	p.position = max(d, 0)
	p.seeks++
	p.mu.Unlock()
	p.poke()
	return nil
}

// Pause holds playback at its current position
func (p *Player) Pause() {
	p.mu.Lock()
	p.paused = p.playing
	p.mu.Unlock()
}

// Resume continues a paused playback
func (p *Player) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.poke()
}

// Paused reports whether playback is held
func (p *Player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Stop ends the running playback. It does not wait for Play to return.
func (p *Player) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Player) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Play publishes the timeline entries of rec in offset order, each at its
// offset divided by the rate and stamped with the time it is published.
// Entries skipped by Seek are not published. It blocks until the
// timeline is exhausted (nil), ctx is done (ctx.Err()) or Stop is called
// (ErrStopped). A stopped playback cannot be resumed.
func (p *Player) Play(ctx context.Context, rec *session.Recording) error {
	if rec == nil {
		return fault.Newf(fault.KindConfiguration, "play", "no recording")
	}

	timeline := rec.Timeline
	if !session.TimelineSorted(timeline) {
		timeline = slices.Clone(timeline)
		session.SortTimeline(timeline)
	}

	p.mu.Lock()
	if p.playing {
		p.mu.Unlock()
		return ErrPlaying
	}
	stopCtx, cancel := context.WithCancel(context.Background())
	p.playing = true
	p.paused = false
	p.position = 0
	seeks := p.seeks
	p.current = rec.ID
	p.cancel = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		p.playing = false
		p.paused = false
		p.current = ""
		p.cancel = nil
		p.mu.Unlock()
	}()

	log := p.log.WithField("session", rec.ID)
	log.WithFields(logrus.Fields{"events": len(timeline), "rate": p.Rate()}).Info("Playback started")

	timer := time.NewTimer(p.tick)
	defer timer.Stop()

	last := time.Now()
	published := 0
	for i := 0; i < len(timeline); {
		if err := ctx.Err(); err != nil {
			return err
		}
		if stopCtx.Err() != nil {
			return ErrStopped
		}
		p.mu.Lock()
		now := time.Now()
		if !p.paused {
			p.position += time.Duration(float64(now.Sub(last)) * p.rate)
		}
		last = now
		if p.seeks != seeks {
			seeks = p.seeks
			target := p.position
			i = sort.Search(len(timeline), func(j int) bool { return timeline[j].Offset() >= target })
			log.WithField("position", target).Debug("Playback seeked")
		}
		paused, rate, pos := p.paused, p.rate, p.position
		p.mu.Unlock()

		for !paused && i < len(timeline) && timeline[i].Offset() <= pos {
			ev := timeline[i].Event()
			ev.Timestamp = time.Now()
			if err := p.pub.Publish(ev); err != nil {
				log.WithError(err).Warn("Dropped replayed event")
			} else {
				published++
			}
			i++
		}
		if i >= len(timeline) {
			break
		}

		wait := p.tick
		if !paused {
			if due := time.Duration(float64(timeline[i].Offset()-pos) / rate); due < wait {
				wait = due
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			log.Info("Playback cancelled")
			return ctx.Err()
		case <-stopCtx.Done():
			log.Info("Playback stopped")
			return ErrStopped
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
		}
	}

	log.WithField("published", published).Info("Playback finished")
	return nil
}
