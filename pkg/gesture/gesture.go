// Package gesture defines the hand-pose vocabulary exchanged between the
// vision collaborator, the stabilizer and everything downstream.
package gesture

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/justyntemme/gesturebeats/pkg/fault"
)

// Hand identifies which hand produced a sample
type Hand uint8

const (
	// Left is the performer's left hand
	Left Hand = iota
	// Right is the performer's right hand
	Right
)

// NumHands is the number of tracked hands
const NumHands = 2

// Hands lists every hand in index order
var Hands = [NumHands]Hand{Left, Right}

// String returns the wire name of the hand
func (h Hand) String() string {
	switch h {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("hand(%d)", uint8(h))
	}
}

// Valid reports whether h is a known hand
func (h Hand) Valid() bool {
	return h == Left || h == Right
}

// ParseHand parses a hand name, case-insensitively
func ParseHand(s string) (Hand, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "left", "l":
		return Left, nil
	case "right", "r":
		return Right, nil
	}
	return 0, fmt.Errorf("unknown hand %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (h Hand) MarshalText() ([]byte, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("invalid hand %d", uint8(h))
	}
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *Hand) UnmarshalText(b []byte) error {
	v, err := ParseHand(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// Gesture is one of the recognized hand poses, or None when the hand is
// absent or unclassified.
type Gesture uint8

const (
	// None means no hand in frame or no recognizable pose
	None Gesture = iota
	// Peace is index and middle finger extended
	Peace
	// Fist is all fingers curled
	Fist
	// OpenPalm is all fingers extended
	OpenPalm
	// ThumbsUp is only the thumb extended
	ThumbsUp
	// RockHorn is index and pinky extended
	RockHorn
	// Pinch is thumb and index tip touching
	Pinch
)

// NumGestures counts the playable gestures, excluding None
const NumGestures = 6

// All lists the playable gestures in table order
var All = [NumGestures]Gesture{Peace, Fist, OpenPalm, ThumbsUp, RockHorn, Pinch}

var gestureNames = [...]string{
	None:     "none",
	Peace:    "peace",
	Fist:     "fist",
	OpenPalm: "open_palm",
	ThumbsUp: "thumbs_up",
	RockHorn: "rock_horn",
	Pinch:    "pinch",
}

// String returns the wire name of the gesture
func (g Gesture) String() string {
	if int(g) < len(gestureNames) {
		return gestureNames[g]
	}
	return fmt.Sprintf("gesture(%d)", uint8(g))
}

// Valid reports whether g is None or a playable gesture
func (g Gesture) Valid() bool {
	return int(g) < len(gestureNames)
}

// Playable reports whether g can trigger a note
func (g Gesture) Playable() bool {
	return g != None && g.Valid()
}

// Index returns the table index of a playable gesture (Peace=0 ... Pinch=5),
// or -1 for None.
func (g Gesture) Index() int {
	if !g.Playable() {
		return -1
	}
	return int(g) - 1
}

// ParseGesture parses a gesture name. Both snake_case and the display
// spellings ("Open Palm", "RockHorn") are accepted.
func ParseGesture(s string) (Gesture, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	switch key {
	case "", "none", "null":
		return None, nil
	case "openpalm":
		return OpenPalm, nil
	case "thumbsup":
		return ThumbsUp, nil
	case "rockhorn":
		return RockHorn, nil
	}
	for i, name := range gestureNames {
		if name == key {
			return Gesture(i), nil
		}
	}
	return None, fmt.Errorf("unknown gesture %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (g Gesture) MarshalText() ([]byte, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("invalid gesture %d", uint8(g))
	}
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (g *Gesture) UnmarshalText(b []byte) error {
	v, err := ParseGesture(string(b))
	if err != nil {
		return err
	}
	*g = v
	return nil
}

// Sample is one per-frame classification from the vision collaborator.
type Sample struct {
	Hand       Hand      `json:"hand"`
	Gesture    Gesture   `json:"gesture"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate rejects malformed samples with a transient-input fault.
func (s Sample) Validate() error {
	if !s.Hand.Valid() {
		return fault.Newf(fault.KindTransientInput, "validate sample", "invalid hand %d", uint8(s.Hand))
	}
	if !s.Gesture.Valid() {
		return fault.Newf(fault.KindTransientInput, "validate sample", "invalid gesture %d", uint8(s.Gesture))
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fault.Newf(fault.KindTransientInput, "validate sample", "confidence %v outside [0,1]", s.Confidence)
	}
	if s.Timestamp.IsZero() {
		return fault.Newf(fault.KindTransientInput, "validate sample", "missing timestamp")
	}
	return nil
}

// Event is a stabilized gesture transition, the unit consumed downstream.
type Event struct {
	Hand       Hand      `json:"hand"`
	Gesture    Gesture   `json:"gesture"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{hand:%s, gesture:%s, conf:%.2f, t:%s}",
		e.Hand, e.Gesture, e.Confidence, e.Timestamp.Format(time.RFC3339Nano))
}

// wireSample mirrors Sample with a float seconds timestamp, the format
// the vision process emits.
type wireSample struct {
	Hand       Hand     `json:"hand"`
	Gesture    Gesture  `json:"gesture"`
	Confidence float64  `json:"confidence"`
	Timestamp  *float64 `json:"ts,omitempty"`
}

// DecodeSample parses a JSON sample. It accepts either an RFC 3339
// "timestamp" field or a Unix-seconds "ts" field; a sample with neither is
// stamped with now.
func DecodeSample(data []byte, now time.Time) (Sample, error) {
	var s Sample
	if err := json.Unmarshal(data, &s); err != nil {
		var w wireSample
		if werr := json.Unmarshal(data, &w); werr != nil {
			return Sample{}, fault.New(fault.KindTransientInput, "decode sample", err)
		}
		s = Sample{Hand: w.Hand, Gesture: w.Gesture, Confidence: w.Confidence}
	}
	if s.Timestamp.IsZero() {
		var w wireSample
		if err := json.Unmarshal(data, &w); err == nil && w.Timestamp != nil {
			sec, frac := math.Modf(*w.Timestamp)
			s.Timestamp = time.Unix(int64(sec), int64(frac*1e9))
		} else {
			s.Timestamp = now
		}
	}
	return s, nil
}
