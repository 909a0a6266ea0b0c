package session

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/justyntemme/gesturebeats/pkg/fault"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/logging"
)

// ErrNotFound is returned for an unknown session id
var ErrNotFound = errors.New("session not found")

// Manager works on every session below one directory
type Manager struct {
	dir string
	log logrus.FieldLogger
}

// NewManager creates a manager for dir. The directory need not exist yet.
func NewManager(dir string, logger logrus.FieldLogger) *Manager {
	return &Manager{dir: dir, log: logging.OrDefault(logger, "sessions")}
}

// Dir returns the sessions directory
func (m *Manager) Dir() string { return m.dir }

// SanitizeID reduces id to a single path element so it cannot escape the
// sessions directory
func SanitizeID(id string) (string, error) {
	clean := filepath.Base(filepath.Clean(strings.TrimSpace(id)))
	if clean == "." || clean == ".." || clean == string(filepath.Separator) || clean == "" {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return clean, nil
}

// Path returns the directory of session id
func (m *Manager) Path(id string) (string, error) {
	clean, err := SanitizeID(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.dir, clean), nil
}

// List loads every session, newest first. Directories that are not
// sessions are skipped with a warning.
func (m *Manager) List() ([]*Recording, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.New(fault.KindStorageFailure, "list sessions", err)
	}

	var out []*Recording
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := Load(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.log.WithError(err).WithField("session", e.Name()).Warn("Skipping unreadable session")
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out, nil
}

// Get loads one session
func (m *Manager) Get(id string) (*Recording, error) {
	dir, err := m.Path(id)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, ManifestFile)); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return Load(dir)
}

// Delete removes a session and all its files
func (m *Manager) Delete(id string) error {
	dir, err := m.Path(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, ManifestFile)); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fault.New(fault.KindStorageFailure, "delete session", err)
	}
	m.log.WithField("session", id).Info("Deleted session")
	return nil
}

// Stats summarizes one performance
type Stats struct {
	ID              string         `json:"session_id"`
	StartTime       time.Time      `json:"start_time"`
	Duration        float64        `json:"duration_seconds"`
	TotalEvents     int            `json:"total_events"`
	GestureCounts   map[string]int `json:"gesture_counts"`
	HandUsage       map[string]int `json:"hand_usage"`
	InstrumentUsage map[string]int `json:"instrument_usage"`
	EstimatedBPM    float64        `json:"estimated_bpm"`
	ComplexityScore float64        `json:"complexity_score"`
	Complete        bool           `json:"complete"`
}

// ComputeStats derives Stats from a loaded recording. Estimated BPM is
// events per minute over the span between the first and last event;
// complexity is distinct (gesture, instrument) pairs per event.
func ComputeStats(rec *Recording) Stats {
	s := Stats{
		ID:              rec.ID,
		StartTime:       rec.StartTime,
		Duration:        rec.Duration.Seconds(),
		TotalEvents:     len(rec.Timeline),
		GestureCounts:   map[string]int{},
		HandUsage:       map[string]int{gesture.Left.String(): 0, gesture.Right.String(): 0},
		InstrumentUsage: map[string]int{},
		Complete:        !rec.Incomplete(),
	}

	type pair struct {
		g string
		i string
	}
	unique := map[pair]struct{}{}
	for _, e := range rec.Timeline {
		s.GestureCounts[e.Gesture.String()]++
		s.HandUsage[e.Hand.String()]++
		s.InstrumentUsage[e.Instrument.String()]++
		unique[pair{e.Gesture.String(), e.Instrument.String()}] = struct{}{}
	}

	if span := rec.Span(); len(rec.Timeline) > 1 && span > 0 {
		s.EstimatedBPM = float64(len(rec.Timeline)) * 60 / span.Seconds()
	}
	if n := len(rec.Timeline); n > 0 {
		s.ComplexityScore = float64(len(unique)) / float64(n)
	}
	return s
}

// Stats loads session id and summarizes it
func (m *Manager) Stats(id string) (Stats, error) {
	rec, err := m.Get(id)
	if err != nil {
		return Stats{}, err
	}
	return ComputeStats(rec), nil
}

// ExportFormat selects an export encoding
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// ParseExportFormat validates a format name
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV:
		return f, nil
	}
	return "", fmt.Errorf("unknown export format %q (want json or csv)", s)
}

type exportDoc struct {
	Session  Manifest `json:"session"`
	Stats    Stats    `json:"stats"`
	Timeline []Entry  `json:"timeline"`
}

// Export writes session id to w
func (m *Manager) Export(id string, format ExportFormat, w io.Writer) error {
	rec, err := m.Get(id)
	if err != nil {
		return err
	}
	switch format {
	case FormatJSON:
		return ExportJSON(rec, w)
	case FormatCSV:
		return ExportCSV(rec, w)
	}
	return fmt.Errorf("unknown export format %q", format)
}

// ExportJSON writes the manifest, stats and timeline as one document
func ExportJSON(rec *Recording, w io.Writer) error {
	timeline := rec.Timeline
	if timeline == nil {
		timeline = []Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(exportDoc{Session: rec.Manifest, Stats: ComputeStats(rec), Timeline: timeline})
}

var csvHeader = []string{"offset_ms", "timestamp", "hand", "instrument", "gesture", "note", "confidence"}

// ExportCSV writes the timeline as CSV. Cells that a spreadsheet would
// evaluate as a formula are prefixed with a quote.
func ExportCSV(rec *Recording, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range rec.Timeline {
		row := []string{
			strconv.FormatInt(e.OffsetMS, 10),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.Hand.String(),
			e.Instrument.String(),
			e.Gesture.String(),
			e.Note,
			strconv.FormatFloat(e.Confidence, 'f', 3, 64),
		}
		for i := range row {
			row[i] = SanitizeCell(row[i])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SanitizeCell neutralizes spreadsheet formula injection
func SanitizeCell(v string) string {
	if v == "" {
		return v
	}
	switch v[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + v
	}
	return v
}
