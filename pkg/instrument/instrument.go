// Package instrument maps stabilized gestures to note triggers through a
// fixed instrument × gesture table and carries the per-instrument synthesis
// patches.
package instrument

import (
	"fmt"
	"math"
	"strings"
)

// Instrument is one of the playable instrument voices
type Instrument uint8

const (
	// Piano is a sine voice with moderate attack
	Piano Instrument = iota
	// Guitar is a plucked sawtooth voice
	Guitar
	// Drums is the percussion kit
	Drums
	// Violin is a slow-attack bowed voice
	Violin
	// Flute is a soft, breathy sine voice
	Flute
	// Saxophone is a reedy sawtooth voice
	Saxophone
)

// NumInstruments is the number of instruments
const NumInstruments = 6

// All lists every instrument
var All = [NumInstruments]Instrument{Piano, Guitar, Drums, Violin, Flute, Saxophone}

var instrumentNames = [NumInstruments]string{"piano", "guitar", "drums", "violin", "flute", "saxophone"}

// String returns the wire name of the instrument
func (i Instrument) String() string {
	if int(i) < NumInstruments {
		return instrumentNames[i]
	}
	return fmt.Sprintf("instrument(%d)", uint8(i))
}

// Valid reports whether i is a known instrument
func (i Instrument) Valid() bool {
	return int(i) < NumInstruments
}

// Percussive reports whether the instrument plays drum voices instead of pitches
func (i Instrument) Percussive() bool {
	return i == Drums
}

// Parse parses an instrument name
func Parse(s string) (Instrument, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	switch key {
	case "drum", "percussion":
		return Drums, nil
	case "sax":
		return Saxophone, nil
	}
	for i, name := range instrumentNames {
		if name == key {
			return Instrument(i), nil
		}
	}
	return 0, fmt.Errorf("unknown instrument %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (i Instrument) MarshalText() ([]byte, error) {
	if !i.Valid() {
		return nil, fmt.Errorf("invalid instrument %d", uint8(i))
	}
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (i *Instrument) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Drum identifies a percussion voice of the drum kit
type Drum uint8

const (
	// DrumNone marks a pitched note
	DrumNone Drum = iota
	// Kick is a low sine thump
	Kick
	// Snare is a noise burst
	Snare
	// HiHat is a short quiet noise tick
	HiHat
	// Crash is a long noise wash
	Crash
	// Tom1 is a mid tom
	Tom1
	// Tom2 is a high tom
	Tom2
)

var drumNames = [...]string{"", "kick", "snare", "hihat", "crash", "tom1", "tom2"}

// String returns the drum voice name
func (d Drum) String() string {
	if int(d) < len(drumNames) {
		return drumNames[d]
	}
	return fmt.Sprintf("drum(%d)", uint8(d))
}

// Note is a table cell: either a MIDI pitch or a drum voice. The zero
// value is an unmapped cell.
type Note struct {
	Pitch uint8
	Drum  Drum
}

// Mapped reports whether the cell produces a sound
func (n Note) Mapped() bool {
	return n.Pitch != 0 || n.Drum != DrumNone
}

// Name returns "E2"-style pitch names, or the drum voice name
func (n Note) Name() string {
	if n.Drum != DrumNone {
		return n.Drum.String()
	}
	if n.Pitch == 0 {
		return ""
	}
	return PitchName(n.Pitch)
}

// Frequency returns the equal-tempered frequency of a pitched note
// (A4 = 440 Hz); drum cells return 0.
func (n Note) Frequency() float64 {
	if n.Drum != DrumNone || n.Pitch == 0 {
		return 0
	}
	return NoteToFrequency(n.Pitch, 440.0)
}

// NoteToFrequency converts a MIDI note number to Hz
func NoteToFrequency(note uint8, a4 float64) float64 {
	return a4 * math.Pow(2.0, (float64(note)-69.0)/12.0)
}

var pitchClassNames = [12]string{"C", "C#", "D", "Eb", "E", "F", "F#", "G", "G#", "A", "Bb", "B"}

// PitchName formats a MIDI note number as a note name with octave
func PitchName(p uint8) string {
	return fmt.Sprintf("%s%d", pitchClassNames[p%12], int(p)/12-1)
}

// ParsePitch parses names such as "E2", "Bb3" or "C#4" into MIDI note numbers
func ParsePitch(s string) (uint8, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid pitch %q", s)
	}
	classes := map[byte]int{'C': 0, 'D': 2, 'E': 4, 'F': 5, 'G': 7, 'A': 9, 'B': 11}
	pc, ok := classes[strings.ToUpper(s[:1])[0]]
	if !ok {
		return 0, fmt.Errorf("invalid pitch class in %q", s)
	}
	rest := s[1:]
	switch {
	case strings.HasPrefix(rest, "#"):
		pc++
		rest = rest[1:]
	case strings.HasPrefix(rest, "b"):
		pc--
		rest = rest[1:]
	}
	var octave int
	if _, err := fmt.Sscanf(rest, "%d", &octave); err != nil {
		return 0, fmt.Errorf("invalid octave in %q", s)
	}
	n := (octave+1)*12 + pc
	if n < 1 || n > 127 {
		return 0, fmt.Errorf("pitch %q out of MIDI range", s)
	}
	return uint8(n), nil
}
