// Package stabilizer turns noisy per-frame gesture classifications into
// discrete gesture transition events.
//
// Each hand keeps a rolling window of recent samples. An event is emitted
// when the window is full, its modal gesture differs from the last one
// emitted for that hand, and the mean confidence of the samples voting for
// the modal gesture reaches the sensitivity threshold. A gesture is never
// emitted twice for the same hand within the debounce interval.
package stabilizer

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/justyntemme/gesturebeats/pkg/fault"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/logging"
)

// Preset sensitivity thresholds
const (
	Low    = 0.5
	Medium = 0.7
	High   = 0.9
)

// Defaults
const (
	DefaultWindow    = 12 // ~0.4s at 30 fps
	DefaultThreshold = Medium
	DefaultDebounce  = 250 * time.Millisecond
	MaxWindow        = 120
)

// ParseSensitivity accepts "low", "medium"/"default", "high" or a number
// in (0,1].
func ParseSensitivity(s string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "medium", "default", "":
		return Medium, nil
	case "high":
		return High, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sensitivity %q", s)
	}
	if err := validThreshold(v); err != nil {
		return 0, err
	}
	return v, nil
}

func validThreshold(v float64) error {
	if !(v > 0 && v <= 1) {
		return fmt.Errorf("sensitivity %v must be in (0,1]", v)
	}
	return nil
}

// Options configures a Stabilizer
type Options struct {
	Window    int
	Threshold float64
	Debounce  time.Duration
	Logger    logrus.FieldLogger
}

type handState struct {
	window []gesture.Sample // oldest first, len <= cap

	last gesture.Gesture // last emitted since the previous None

	// per gesture; survives a None reset so a brief dropout or a single
	// stray frame at a tie does not retrigger
	emittedAt [gesture.NumGestures + 1]time.Time
}

// Stats counts what the stabilizer has seen
type Stats struct {
	Accepted   uint64
	Rejected   uint64
	Emitted    uint64
	Suppressed uint64 // transitions blocked by debounce
}

// Stabilizer is safe for concurrent use
type Stabilizer struct {
	mu        sync.Mutex
	size      int
	threshold float64
	debounce  time.Duration
	hands     [gesture.NumHands]handState
	stats     Stats
	log       logrus.FieldLogger
}

// New creates a stabilizer; zero-valued options take their defaults
func New(opts Options) (*Stabilizer, error) {
	if opts.Window == 0 {
		opts.Window = DefaultWindow
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Debounce == 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Window < 1 || opts.Window > MaxWindow {
		return nil, fault.Newf(fault.KindConfiguration, "new stabilizer", "window %d must be in [1,%d]", opts.Window, MaxWindow)
	}
	if err := validThreshold(opts.Threshold); err != nil {
		return nil, fault.New(fault.KindConfiguration, "new stabilizer", err)
	}
	if opts.Debounce < 0 {
		return nil, fault.Newf(fault.KindConfiguration, "new stabilizer", "negative debounce %s", opts.Debounce)
	}

	s := &Stabilizer{
		size:      opts.Window,
		threshold: opts.Threshold,
		debounce:  opts.Debounce,
		log:       logging.OrDefault(opts.Logger, "stabilizer"),
	}
	for i := range s.hands {
		s.hands[i].window = make([]gesture.Sample, 0, opts.Window)
	}
	return s, nil
}

// Feed processes one sample and returns the event it completes, if any.
// Invalid samples return a TransientInput fault and leave state untouched.
func (s *Stabilizer) Feed(sample gesture.Sample) (gesture.Event, bool, error) {
	if err := sample.Validate(); err != nil {
		s.mu.Lock()
		s.stats.Rejected++
		s.mu.Unlock()
		s.log.WithError(err).Debug("Dropping invalid gesture sample")
		return gesture.Event{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Accepted++
	h := &s.hands[sample.Hand]

	if sample.Gesture == gesture.None {
		h.window = h.window[:0]
		h.last = gesture.None
		return gesture.Event{}, false, nil
	}

	if len(h.window) == s.size {
		copy(h.window, h.window[1:])
		h.window = h.window[:s.size-1]
	}
	h.window = append(h.window, sample)

	if len(h.window) < s.size {
		return gesture.Event{}, false, nil
	}

	modal, conf := mode(h.window)
	if modal == h.last || conf < s.threshold {
		return gesture.Event{}, false, nil
	}

	if at := h.emittedAt[modal]; !at.IsZero() && sample.Timestamp.Sub(at) < s.debounce {
		// adopt the gesture without re-triggering
		h.last = modal
		s.stats.Suppressed++
		return gesture.Event{}, false, nil
	}

	h.last = modal
	h.emittedAt[modal] = sample.Timestamp
	s.stats.Emitted++

	ev := gesture.Event{
		Hand:       sample.Hand,
		Gesture:    modal,
		Timestamp:  sample.Timestamp,
		Confidence: conf,
	}
	s.log.WithFields(logrus.Fields{
		"hand":       ev.Hand.String(),
		"gesture":    ev.Gesture.String(),
		"confidence": ev.Confidence,
	}).Debug("Gesture transition")
	return ev, true, nil
}

// mode returns the most frequent gesture in window, ties going to the
// gesture seen most recently, and the mean confidence of its samples.
func mode(window []gesture.Sample) (gesture.Gesture, float64) {
	var (
		counts   [gesture.NumGestures + 1]int
		sums     [gesture.NumGestures + 1]float64
		lastSeen [gesture.NumGestures + 1]int
	)
	for i, smp := range window {
		counts[smp.Gesture]++
		sums[smp.Gesture] += smp.Confidence
		lastSeen[smp.Gesture] = i
	}

	best := gesture.None
	for g := range counts {
		if counts[g] == 0 {
			continue
		}
		if best == gesture.None ||
			counts[g] > counts[best] ||
			(counts[g] == counts[best] && lastSeen[g] > lastSeen[best]) {
			best = gesture.Gesture(g)
		}
	}
	if best == gesture.None {
		return gesture.None, 0
	}
	return best, sums[best] / float64(counts[best])
}

// SetSensitivity changes the confidence threshold
func (s *Stabilizer) SetSensitivity(threshold float64) error {
	if err := validThreshold(threshold); err != nil {
		return fault.New(fault.KindConfiguration, "set sensitivity", err)
	}
	s.mu.Lock()
	s.threshold = threshold
	s.mu.Unlock()
	return nil
}

// Sensitivity returns the current threshold
func (s *Stabilizer) Sensitivity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold
}

// SetWindow resizes the per-hand window, keeping the newest samples
func (s *Stabilizer) SetWindow(n int) error {
	if n < 1 || n > MaxWindow {
		return fault.Newf(fault.KindConfiguration, "set window", "window %d must be in [1,%d]", n, MaxWindow)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.hands {
		h := &s.hands[i]
		w := make([]gesture.Sample, 0, n)
		if len(h.window) > n {
			w = append(w, h.window[len(h.window)-n:]...)
		} else {
			w = append(w, h.window...)
		}
		h.window = w
	}
	s.size = n
	return nil
}

// Window returns the window length
func (s *Stabilizer) Window() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Reset clears all per-hand state, including debounce history
func (s *Stabilizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.hands {
		s.hands[i] = handState{window: s.hands[i].window[:0]}
	}
}

// Current returns the last emitted gesture for hand h
func (s *Stabilizer) Current(h gesture.Hand) gesture.Gesture {
	if !h.Valid() {
		return gesture.None
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hands[h].last
}

// Stats returns a copy of the counters
func (s *Stabilizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
