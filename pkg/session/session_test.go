package session

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/instrument"
	"github.com/justyntemme/gesturebeats/pkg/logging"
)

var testFormat = beep.Format{SampleRate: 44100, NumChannels: 2, Precision: 2}

func writeWAV(t *testing.T, path string, frames int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	left := frames
	s := beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		if left == 0 {
			return 0, false
		}
		n := min(left, len(samples))
		for i := 0; i < n; i++ {
			samples[i] = [2]float64{0.25, -0.25}
		}
		left -= n
		return n, true
	})
	if err := wav.Encode(f, s, testFormat); err != nil {
		t.Fatalf("wav.Encode failed: %v", err)
	}
}

func writeSession(t *testing.T, root, id string, start time.Time, entries []Entry, complete bool) string {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, TimelineFile), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Manifest{
		ID:           id,
		StartTime:    start,
		SampleRate:   44100,
		Channels:     2,
		AudioName:    AudioFile,
		TimelineName: TimelineFile,
		Events:       len(entries),
		Complete:     complete,
	}
	if err := WriteManifest(dir, m); err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}
	return dir
}

func entry(offsetMS int64, hand gesture.Hand, g gesture.Gesture, inst instrument.Instrument) Entry {
	return Entry{
		OffsetMS:   offsetMS,
		Hand:       hand,
		Gesture:    g,
		Instrument: inst,
		Timestamp:  time.Unix(1700000000, 0).Add(time.Duration(offsetMS) * time.Millisecond),
		Confidence: 0.9,
	}
}

func TestLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		entry(0, gesture.Left, gesture.Peace, instrument.Piano),
		entry(500, gesture.Right, gesture.Fist, instrument.Guitar),
	}
	dir := writeSession(t, root, "s1", start, entries, true)

	rec, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec.ID != "s1" || !rec.StartTime.Equal(start) {
		t.Errorf("Unexpected manifest %+v", rec.Manifest)
	}
	if len(rec.Timeline) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(rec.Timeline))
	}
	if rec.Timeline[1].Gesture != gesture.Fist || rec.Timeline[1].Instrument != instrument.Guitar {
		t.Errorf("Unexpected entry %+v", rec.Timeline[1])
	}
	if rec.Incomplete() {
		t.Error("Expected a complete recording")
	}
	if rec.AudioPath() != filepath.Join(dir, AudioFile) {
		t.Errorf("Unexpected audio path %s", rec.AudioPath())
	}
}

func TestLoadOrdersTimelineAcrossHands(t *testing.T) {
	entries := []Entry{
		entry(0, gesture.Left, gesture.Peace, instrument.Piano),
		entry(120, gesture.Left, gesture.Fist, instrument.Piano),
		entry(100, gesture.Right, gesture.Pinch, instrument.Guitar),
		entry(120, gesture.Right, gesture.OpenPalm, instrument.Guitar),
	}
	dir := writeSession(t, t.TempDir(), "crossed", time.Now(), entries, true)

	rec, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := []gesture.Gesture{gesture.Peace, gesture.Pinch, gesture.Fist, gesture.OpenPalm}
	for i, g := range want {
		if rec.Timeline[i].Gesture != g {
			t.Errorf("Entry %d: expected %s, got %s", i, g, rec.Timeline[i].Gesture)
		}
	}
	if !TimelineSorted(rec.Timeline) {
		t.Error("Expected a sorted timeline")
	}
}

func TestTimelineTornWrite(t *testing.T) {
	input := `{"offset_ms":0,"hand":"left","gesture":"peace","instrument":"piano","timestamp":"2024-05-01T12:00:00Z","confidence":0.9}
{"offset_ms":40,"hand":"right","gest`

	entries, truncated, err := ReadTimeline(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Expected torn final line to be tolerated, got %v", err)
	}
	if !truncated {
		t.Error("Expected truncated flag")
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 entry, got %d", len(entries))
	}

	corrupt := "not json\n" + strings.SplitN(input, "\n", 2)[0] + "\n"
	if _, _, err := ReadTimeline(strings.NewReader(corrupt)); err == nil {
		t.Error("Expected an error for a corrupt line mid-file")
	}
}

func TestRepairWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), AudioFile)
	writeWAV(t, path, 1000)

	// simulate a writer that died before finalizing: sizes left as -1
	// and a partial frame at the end
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	f.Close()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	binary.LittleEndian.PutUint32(raw[4:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(raw[40:], 0xFFFFFFFF)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	frames, err := RepairWAV(path)
	if err != nil {
		t.Fatalf("RepairWAV failed: %v", err)
	}
	if frames != 1000 {
		t.Errorf("Expected 1000 frames, got %d", frames)
	}

	info, err := ReadAudioInfo(path)
	if err != nil {
		t.Fatalf("ReadAudioInfo after repair failed: %v", err)
	}
	if info.Frames != 1000 || info.Channels != 2 || info.SampleRate != 44100 {
		t.Errorf("Unexpected audio info %+v", info)
	}
}

func TestRepairWAVRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.wav")
	if err := os.WriteFile(path, []byte("definitely not a wave file"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := RepairWAV(path); err == nil {
		t.Error("Expected an error for a non-WAV file")
	}
}

func TestRecover(t *testing.T) {
	root := t.TempDir()
	entries := []Entry{entry(0, gesture.Left, gesture.Peace, instrument.Piano), entry(900, gesture.Left, gesture.Fist, instrument.Piano)}
	dir := writeSession(t, root, "crashed", time.Now().UTC(), entries, false)
	writeWAV(t, filepath.Join(dir, AudioFile), 44100)

	rec, err := Recover(dir)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if !rec.Recovered || rec.Complete {
		t.Errorf("Expected recovered but not complete, got %+v", rec.Manifest)
	}
	if rec.AudioFrames != 44100 {
		t.Errorf("Expected 44100 frames, got %d", rec.AudioFrames)
	}
	if rec.Duration != time.Second {
		t.Errorf("Expected 1s duration, got %v", rec.Duration)
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.Recovered || !reloaded.Incomplete() {
		t.Error("Expected manifest to record the recovery and stay incomplete")
	}
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		in       string
		expected string
		ok       bool
	}{
		{"session_1", "session_1", true},
		{"../../etc/passwd", "passwd", true},
		{"a/b", "b", true},
		{"..", "", false},
		{"", "", false},
		{"/", "", false},
	}
	for _, tt := range tests {
		got, err := SanitizeID(tt.in)
		if (err == nil) != tt.ok || got != tt.expected {
			t.Errorf("SanitizeID(%q): expected %q ok=%v, got %q err=%v", tt.in, tt.expected, tt.ok, got, err)
		}
	}
}

func TestManagerListStatsDelete(t *testing.T) {
	root := t.TempDir()
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	writeSession(t, root, "old", older, nil, true)
	writeSession(t, root, "new", newer, []Entry{
		entry(0, gesture.Left, gesture.Peace, instrument.Piano),
		entry(500, gesture.Left, gesture.Peace, instrument.Piano),
		entry(1000, gesture.Right, gesture.Fist, instrument.Drums),
		entry(1500, gesture.Right, gesture.Pinch, instrument.Drums),
	}, true)
	if err := os.MkdirAll(filepath.Join(root, "junk"), 0o755); err != nil {
		t.Fatal(err)
	}

	m := NewManager(root, logging.Discard())
	list, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Fatalf("Expected [new old], got %d sessions", len(list))
	}

	stats, err := m.Stats("new")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalEvents != 4 {
		t.Errorf("Expected 4 events, got %d", stats.TotalEvents)
	}
	if stats.HandUsage["left"] != 2 || stats.HandUsage["right"] != 2 {
		t.Errorf("Unexpected hand usage %v", stats.HandUsage)
	}
	if stats.GestureCounts["peace"] != 2 {
		t.Errorf("Expected 2 peace gestures, got %v", stats.GestureCounts)
	}
	// 4 events over 1.5s
	if stats.EstimatedBPM != 160 {
		t.Errorf("Expected 160 BPM, got %v", stats.EstimatedBPM)
	}
	// 3 distinct pairs / 4 events
	if stats.ComplexityScore != 0.75 {
		t.Errorf("Expected complexity 0.75, got %v", stats.ComplexityScore)
	}

	if err := m.Delete("old"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.Get("old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := m.Delete("../" + filepath.Base(root)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected traversal id to resolve inside the sessions dir, got %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("Sessions dir must survive a traversal attempt: %v", err)
	}
}

func TestExportCSVSanitizes(t *testing.T) {
	rec := &Recording{Manifest: Manifest{ID: "x"}, Timeline: []Entry{
		entry(0, gesture.Left, gesture.Peace, instrument.Piano),
	}}
	rec.Timeline[0].Note = "=HYPERLINK(\"http://evil\")"

	var buf bytes.Buffer
	if err := ExportCSV(rec, &buf); err != nil {
		t.Fatalf("ExportCSV failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected header and one row, got %d lines", len(lines))
	}
	if lines[0] != strings.Join(csvHeader, ",") {
		t.Errorf("Unexpected header %q", lines[0])
	}
	if !strings.Contains(lines[1], `"'=HYPERLINK(""http://evil"")"`) {
		t.Errorf("Expected formula to be neutralized, got %q", lines[1])
	}
}

func TestExportJSON(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "j", time.Now().UTC(), []Entry{entry(0, gesture.Right, gesture.Fist, instrument.Guitar)}, true)
	m := NewManager(root, logging.Discard())

	var buf bytes.Buffer
	if err := m.Export("j", FormatJSON, &buf); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	var doc struct {
		Session  Manifest `json:"session"`
		Stats    Stats    `json:"stats"`
		Timeline []Entry  `json:"timeline"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("Export is not valid JSON: %v", err)
	}
	if doc.Session.ID != "j" || len(doc.Timeline) != 1 || doc.Stats.TotalEvents != 1 {
		t.Errorf("Unexpected export %+v", doc)
	}
	if doc.Timeline[0].Instrument != instrument.Guitar {
		t.Errorf("Expected guitar, got %v", doc.Timeline[0].Instrument)
	}
}
