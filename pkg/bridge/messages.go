package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/justyntemme/gesturebeats/pkg/analysis"
	"github.com/justyntemme/gesturebeats/pkg/effects"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/instrument"
	"github.com/justyntemme/gesturebeats/pkg/session"
	"github.com/justyntemme/gesturebeats/pkg/stabilizer"
	"github.com/justyntemme/gesturebeats/pkg/state"
)

// Server to client message types
const (
	TypeWelcome         = "welcome"
	TypeGestureEvent    = "gesture_event"
	TypeNoteTrigger     = "note_trigger"
	TypeSynthState      = "synth_state"
	TypeRecordingResult = "recording_result"
	TypePong            = "pong"
	TypeError           = "error"
)

// Client to server message types
const (
	TypeSetInstrument  = "set_instrument"
	TypeSetSensitivity = "set_sensitivity"
	TypeSetEffect      = "set_effect"
	TypeSetVolume      = "set_volume"
	TypeStart          = "start"
	TypeStop           = "stop"
	TypeRecord         = "record"
	TypeStopRecording  = "stop_recording"
	TypePlay           = "play"
	TypeStopPlayback   = "stop_playback"
	TypeSeek           = "seek"
	TypePing           = "ping"
	TypeGestureSample  = "gesture_sample"

	// TypeVideoFrame names binary frame messages in error replies
	TypeVideoFrame = "video_frame"
)

// Envelope wraps every message in both directions
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp float64         `json:"timestamp"`
}

// unixSeconds is the timestamp format the UI expects
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func encode(typ, id string, data any) ([]byte, error) {
	env := Envelope{Type: typ, ID: id, Timestamp: unixSeconds(time.Now())}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Welcome greets a new client
type Welcome struct {
	ClientID string   `json:"client_id"`
	Message  string   `json:"message"`
	Settings Settings `json:"settings"`
}

// NoteTrigger is the wire form of instrument.NoteTrigger
type NoteTrigger struct {
	Instrument instrument.Instrument `json:"instrument"`
	Gesture    gesture.Gesture       `json:"gesture"`
	Pitch      string                `json:"pitch"`
	Velocity   float64               `json:"velocity"`
	Channel    gesture.Hand          `json:"channel"`
	Timestamp  time.Time             `json:"timestamp"`
}

func noteTrigger(t instrument.NoteTrigger) NoteTrigger {
	return NoteTrigger{
		Instrument: t.Instrument,
		Gesture:    t.Gesture,
		Pitch:      t.Pitch(),
		Velocity:   t.Velocity,
		Channel:    t.Channel,
		Timestamp:  t.Timestamp,
	}
}

// Settings is the wire form of a state snapshot
type Settings struct {
	Version     uint64                `json:"version"`
	Left        instrument.Instrument `json:"left"`
	Right       instrument.Instrument `json:"right"`
	Effects     effects.Chain         `json:"effects"`
	Sensitivity float64               `json:"sensitivity"`
	VolumeLeft  float64               `json:"volume_left"`
	VolumeRight float64               `json:"volume_right"`
}

// SettingsFrom converts a snapshot
func SettingsFrom(s *state.Snapshot) Settings {
	if s == nil {
		return Settings{}
	}
	return Settings{
		Version:     s.Version,
		Left:        s.Assignment.Left,
		Right:       s.Assignment.Right,
		Effects:     s.Effects,
		Sensitivity: s.Sensitivity,
		VolumeLeft:  s.Volume[gesture.Left],
		VolumeRight: s.Volume[gesture.Right],
	}
}

// SynthState is the periodic status broadcast
type SynthState struct {
	Running      bool            `json:"running"`
	Recording    string          `json:"recording,omitempty"`
	Playing      string          `json:"playing,omitempty"`
	ActiveVoices int             `json:"active_voices"`
	Dropped      uint64          `json:"dropped_triggers"`
	Sink         string          `json:"sink"`
	Levels       analysis.Levels `json:"levels"`
	Settings     Settings        `json:"settings"`
	Clients      int             `json:"clients"`
}

// RecordingResult reports a finished recording
type RecordingResult struct {
	SessionID string         `json:"session_id"`
	Complete  bool           `json:"complete"`
	Error     string         `json:"error,omitempty"`
	Duration  float64        `json:"duration_seconds"`
	Events    int            `json:"events"`
	Stats     *session.Stats `json:"stats,omitempty"`
}

// RecordingResultFrom summarizes rec; runErr is the error Stop returned
func RecordingResultFrom(rec *session.Recording, runErr error) RecordingResult {
	res := RecordingResult{}
	if rec != nil {
		st := session.ComputeStats(rec)
		res = RecordingResult{
			SessionID: rec.ID,
			Complete:  rec.Complete,
			Error:     rec.Error,
			Duration:  rec.Duration.Seconds(),
			Events:    len(rec.Timeline),
			Stats:     &st,
		}
	}
	if runErr != nil && res.Error == "" {
		res.Error = runErr.Error()
	}
	return res
}

// ErrorMessage is sent to a client whose request failed
type ErrorMessage struct {
	Request string `json:"request,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Client requests

type setInstrument struct {
	Hand       gesture.Hand          `json:"hand"`
	Instrument instrument.Instrument `json:"instrument"`
}

type setVolume struct {
	Hand   gesture.Hand `json:"hand"`
	Volume float64      `json:"volume"`
}

type setSensitivity struct {
	Value sensitivity `json:"value"`
}

// sensitivity accepts a number or a preset name
type sensitivity float64

func (s *sensitivity) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*s = sensitivity(f)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("sensitivity must be a number or preset name")
	}
	v, err := stabilizer.ParseSensitivity(str)
	if err != nil {
		return err
	}
	*s = sensitivity(v)
	return nil
}

type record struct {
	SessionID string `json:"session_id"`
}

// seek positions are seconds of recording time
type seek struct {
	Position float64 `json:"position"`
}

type play struct {
	SessionID string  `json:"session_id"`
	Rate      float64 `json:"rate"`
}
