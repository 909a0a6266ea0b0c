package instrument

import (
	"fmt"
	"time"

	"github.com/justyntemme/gesturebeats/pkg/gesture"
)

func p(name string) Note {
	n, err := ParsePitch(name)
	if err != nil {
		panic(err)
	}
	return Note{Pitch: n}
}

func d(drum Drum) Note {
	return Note{Drum: drum}
}

// table maps (instrument, gesture index) to a note. Columns follow
// gesture.All: Peace, Fist, OpenPalm, ThumbsUp, RockHorn, Pinch. Zero cells
// are intentionally unmapped.
var table = [NumInstruments][gesture.NumGestures]Note{
	Piano:     {p("C4"), p("D4"), p("E4"), p("F4"), p("G4"), p("A4")},
	Guitar:    {p("E2"), p("A2"), p("D3"), p("G3"), p("B3"), p("E4")},
	Drums:     {d(Kick), d(Snare), d(HiHat), d(Crash), d(Tom1), d(Tom2)},
	Violin:    {p("G3"), p("D4"), p("A4"), p("E5"), {}, {}},
	Flute:     {p("C5"), p("D5"), p("E5"), p("F5"), {}, {}},
	Saxophone: {p("Bb3"), p("C4"), p("D4"), p("F4"), p("G4"), p("A4")},
}

// Lookup returns the table cell for (inst, g)
func Lookup(inst Instrument, g gesture.Gesture) (Note, bool) {
	idx := g.Index()
	if !inst.Valid() || idx < 0 {
		return Note{}, false
	}
	n := table[inst][idx]
	return n, n.Mapped()
}

// Assignment is the per-hand instrument selection
type Assignment struct {
	Left  Instrument `json:"left" yaml:"left"`
	Right Instrument `json:"right" yaml:"right"`
}

// DefaultAssignment is piano on the left, guitar on the right
var DefaultAssignment = Assignment{Left: Piano, Right: Guitar}

// For returns the instrument assigned to hand h
func (a Assignment) For(h gesture.Hand) Instrument {
	if h == gesture.Right {
		return a.Right
	}
	return a.Left
}

// With returns a copy of a with hand h set to inst
func (a Assignment) With(h gesture.Hand, inst Instrument) Assignment {
	if h == gesture.Right {
		a.Right = inst
	} else {
		a.Left = inst
	}
	return a
}

// Validate checks both hands hold known instruments
func (a Assignment) Validate() error {
	if !a.Left.Valid() {
		return fmt.Errorf("left hand: invalid instrument %d", uint8(a.Left))
	}
	if !a.Right.Valid() {
		return fmt.Errorf("right hand: invalid instrument %d", uint8(a.Right))
	}
	return nil
}

// Dynamics is the confidence → velocity curve. Confidence at or below
// Floor maps to MinVelocity, 1.0 maps to MaxVelocity, linear between.
type Dynamics struct {
	Floor       float64 `json:"floor" yaml:"floor"`
	MinVelocity float64 `json:"min_velocity" yaml:"min_velocity"`
	MaxVelocity float64 `json:"max_velocity" yaml:"max_velocity"`
}

// DefaultDynamics spans the lowest sensitivity setting up to full confidence
var DefaultDynamics = Dynamics{Floor: 0.5, MinVelocity: 0.3, MaxVelocity: 1.0}

// Validate checks the curve is well formed
func (d Dynamics) Validate() error {
	if d.Floor < 0 || d.Floor >= 1 {
		return fmt.Errorf("dynamics floor %v must be in [0,1)", d.Floor)
	}
	if d.MinVelocity < 0 || d.MaxVelocity > 1 || d.MinVelocity > d.MaxVelocity {
		return fmt.Errorf("velocity range [%v,%v] must satisfy 0 <= min <= max <= 1", d.MinVelocity, d.MaxVelocity)
	}
	return nil
}

// Velocity maps a confidence value into the audible dynamic range
func (d Dynamics) Velocity(confidence float64) float64 {
	x := (confidence - d.Floor) / (1.0 - d.Floor)
	if x < 0 {
		x = 0
	} else if x > 1 {
		x = 1
	}
	return d.MinVelocity + (d.MaxVelocity-d.MinVelocity)*x
}

// NoteTrigger is a fully resolved request to sound one note
type NoteTrigger struct {
	Instrument Instrument      `json:"instrument"`
	Gesture    gesture.Gesture `json:"gesture"`
	Note       Note            `json:"-"`
	Velocity   float64         `json:"velocity"`
	Channel    gesture.Hand    `json:"channel"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Pitch returns the note name, e.g. "E2" or "kick"
func (t NoteTrigger) Pitch() string {
	return t.Note.Name()
}

func (t NoteTrigger) String() string {
	return fmt.Sprintf("NoteTrigger{%s %s vel:%.2f ch:%s}", t.Instrument, t.Note.Name(), t.Velocity, t.Channel)
}

// Resolve turns a stabilized event into a note trigger. It is pure: the
// same inputs always give the same output. Unmapped (instrument, gesture)
// pairs and None gestures return ok=false.
func Resolve(ev gesture.Event, a Assignment, dyn Dynamics) (NoteTrigger, bool) {
	inst := a.For(ev.Hand)
	note, ok := Lookup(inst, ev.Gesture)
	if !ok {
		return NoteTrigger{}, false
	}
	return NoteTrigger{
		Instrument: inst,
		Gesture:    ev.Gesture,
		Note:       note,
		Velocity:   dyn.Velocity(ev.Confidence),
		Channel:    ev.Hand,
		Timestamp:  ev.Timestamp,
	}, true
}
