// Package session is the on-disk model of a recorded performance and the
// tools to list, inspect, export, delete and repair recordings.
//
// Layout of one session directory:
//
//	<sessions_dir>/<id>/
//	    session.yaml       manifest
//	    audio.wav          16-bit stereo PCM
//	    timeline.jsonl     one Entry per line, in publish order
//	    video.mjpeg        optional, concatenated JPEG frames
//	    video_index.jsonl  optional, one VideoFrame per line
package session

import (
	"bufio"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/justyntemme/gesturebeats/pkg/fault"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/instrument"
)

// File names inside a session directory
const (
	ManifestFile   = "session.yaml"
	AudioFile      = "audio.wav"
	TimelineFile   = "timeline.jsonl"
	VideoFile      = "video.mjpeg"
	VideoIndexFile = "video_index.jsonl"
)

// ManifestVersion is the current manifest layout
const ManifestVersion = 1

// Entry is one gesture event in a recording's timeline
type Entry struct {
	OffsetMS   int64                 `json:"offset_ms"`
	Hand       gesture.Hand          `json:"hand"`
	Gesture    gesture.Gesture       `json:"gesture"`
	Instrument instrument.Instrument `json:"instrument"`
	Note       string                `json:"note,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
	Confidence float64               `json:"confidence"`
}

// Offset returns the entry's offset from the recording start
func (e Entry) Offset() time.Duration {
	return time.Duration(e.OffsetMS) * time.Millisecond
}

// Event converts the entry back into the event that produced it
func (e Entry) Event() gesture.Event {
	return gesture.Event{Hand: e.Hand, Gesture: e.Gesture, Confidence: e.Confidence, Timestamp: e.Timestamp}
}

// VideoFrame locates one JPEG frame inside video.mjpeg
type VideoFrame struct {
	Index    int   `json:"frame"`
	OffsetMS int64 `json:"offset_ms"`
	Position int64 `json:"position"`
	Size     int   `json:"size"`
}

// Manifest is the content of session.yaml
type Manifest struct {
	Version   int           `yaml:"version" json:"version"`
	ID        string        `yaml:"id" json:"id"`
	StartTime time.Time     `yaml:"start_time" json:"start_time"`
	EndTime   time.Time     `yaml:"end_time,omitempty" json:"end_time,omitempty"`
	Duration  time.Duration `yaml:"duration" json:"duration_ns"`

	SampleRate     int    `yaml:"sample_rate" json:"sample_rate"`
	Channels       int    `yaml:"channels" json:"channels"`
	AudioName      string `yaml:"audio" json:"audio"`
	TimelineName   string `yaml:"timeline" json:"timeline"`
	VideoName      string `yaml:"video,omitempty" json:"video,omitempty"`
	VideoIndexName string `yaml:"video_index,omitempty" json:"video_index,omitempty"`

	Events        int    `yaml:"events" json:"events"`
	AudioFrames   int64  `yaml:"audio_frames" json:"audio_frames"`
	DroppedBlocks uint64 `yaml:"dropped_audio_blocks" json:"dropped_audio_blocks"`
	VideoFrames   int    `yaml:"video_frames" json:"video_frames"`

	Instruments []string `yaml:"instruments_used,omitempty" json:"instruments_used,omitempty"`
	Gestures    []string `yaml:"gestures_used,omitempty" json:"gestures_used,omitempty"`

	// Complete is false from start until a clean stop
	Complete  bool   `yaml:"complete" json:"complete"`
	Recovered bool   `yaml:"recovered,omitempty" json:"recovered,omitempty"`
	Error     string `yaml:"error,omitempty" json:"error,omitempty"`
}

// Recording is a loaded session
type Recording struct {
	Manifest
	Dir      string
	Timeline []Entry

	// Truncated is set when the last timeline line was cut short
	Truncated bool
}

// AudioPath returns the path of the audio track
func (r *Recording) AudioPath() string { return r.path(r.AudioName) }

// TimelinePath returns the path of the timeline log
func (r *Recording) TimelinePath() string { return r.path(r.TimelineName) }

// VideoPath returns the video track path, or "" when there is none
func (r *Recording) VideoPath() string { return r.path(r.VideoName) }

// VideoIndexPath returns the video index path, or "" when there is none
func (r *Recording) VideoIndexPath() string { return r.path(r.VideoIndexName) }

func (r *Recording) path(name string) string {
	if name == "" {
		return ""
	}
	return filepath.Join(r.Dir, name)
}

// Incomplete reports whether the recording may be missing data, because
// it was never stopped cleanly or failed while writing
func (r *Recording) Incomplete() bool {
	return !r.Complete || r.Error != "" || r.Truncated
}

// Span returns the time between the first and last timeline entries
func (r *Recording) Span() time.Duration {
	if len(r.Timeline) < 2 {
		return 0
	}
	return r.Timeline[len(r.Timeline)-1].Offset() - r.Timeline[0].Offset()
}

// Load reads the session stored in dir
func Load(dir string) (*Recording, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	rec := &Recording{Manifest: *m, Dir: dir}
	if rec.AudioName == "" {
		rec.AudioName = AudioFile
	}
	if rec.TimelineName == "" {
		rec.TimelineName = TimelineFile
	}

	f, err := os.Open(rec.TimelinePath())
	if errors.Is(err, os.ErrNotExist) {
		return rec, nil
	}
	if err != nil {
		return nil, fault.New(fault.KindStorageFailure, "load timeline", err)
	}
	defer f.Close()

	rec.Timeline, rec.Truncated, err = ReadTimeline(f)
	if err != nil {
		return nil, fault.New(fault.KindStorageFailure, "load timeline", err)
	}
	SortTimeline(rec.Timeline)
	return rec, nil
}

// SortTimeline orders entries by offset, keeping the logged order of
// entries that share one. Events of the two hands are logged in publish
// order, which can run backwards across hands.
func SortTimeline(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		return cmp.Compare(a.OffsetMS, b.OffsetMS)
	})
}

// TimelineSorted reports whether entries are in offset order
func TimelineSorted(entries []Entry) bool {
	return slices.IsSortedFunc(entries, func(a, b Entry) int {
		return cmp.Compare(a.OffsetMS, b.OffsetMS)
	})
}

// ReadManifest reads session.yaml from dir
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fault.New(fault.KindStorageFailure, "read manifest", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fault.New(fault.KindStorageFailure, "read manifest", err)
	}
	if m.Version > ManifestVersion {
		return nil, fault.Newf(fault.KindStorageFailure, "read manifest", "manifest version %d is newer than supported %d", m.Version, ManifestVersion)
	}
	return &m, nil
}

// WriteManifest atomically replaces session.yaml in dir
func WriteManifest(dir string, m *Manifest) error {
	if m.Version == 0 {
		m.Version = ManifestVersion
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fault.New(fault.KindStorageFailure, "write manifest", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.yaml")
	if err != nil {
		return fault.New(fault.KindStorageFailure, "write manifest", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fault.New(fault.KindStorageFailure, "write manifest", err)
	}
	if err := tmp.Close(); err != nil {
		return fault.New(fault.KindStorageFailure, "write manifest", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, ManifestFile)); err != nil {
		return fault.New(fault.KindStorageFailure, "write manifest", err)
	}
	return nil
}

// ReadTimeline decodes a JSON-lines timeline. A final line that does not
// parse is treated as a torn write: reading stops and truncated is true.
// A bad line in the middle is an error.
func ReadTimeline(r io.Reader) (entries []Entry, truncated bool, err error) {
	return readLines[Entry](r, "timeline")
}

// ReadVideoIndex decodes video_index.jsonl with the same torn-write rule
func ReadVideoIndex(r io.Reader) (frames []VideoFrame, truncated bool, err error) {
	return readLines[VideoFrame](r, "video index")
}

func readLines[T any](r io.Reader, what string) (out []T, truncated bool, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var pendingErr error
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		if pendingErr != nil {
			return out, false, pendingErr
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			pendingErr = fmt.Errorf("%s line %d: %w", what, line, err)
			continue
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return out, false, err
	}
	return out, pendingErr != nil, nil
}
