package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/justyntemme/gesturebeats/pkg/session"
)

type Formatter struct {
	w io.Writer
}

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

func (f *Formatter) Error(msg string) {
	fmt.Fprintf(f.w, "❌ %s\n", msg)
}

func (f *Formatter) Info(msg string) {
	fmt.Fprintf(f.w, "ℹ️  %s\n", msg)
}

func (f *Formatter) Success(msg string) {
	fmt.Fprintf(f.w, "✅ %s\n", msg)
}

func (f *Formatter) Warning(msg string) {
	fmt.Fprintf(f.w, "⚠️  %s\n", msg)
}

func (f *Formatter) Serving(addr string, sink string) {
	fmt.Fprintf(f.w, "🎶 Listening on ws://%s/ws (audio: %s)\n", addr, sink)
	fmt.Fprintf(f.w, "   Press Ctrl+C to stop\n")
}

func (f *Formatter) PlaybackStarted(id string, rate float64) {
	fmt.Fprintf(f.w, "▶️  Playing %s at %.2gx\n", id, rate)
}

func (f *Formatter) PlaybackFinished(id string, d time.Duration) {
	fmt.Fprintf(f.w, "⏹️  Finished %s (%s)\n", id, formatDuration(d))
}

func (f *Formatter) SessionListHeader() {
	fmt.Fprintf(f.w, "📁 Sessions:\n\n")
}

func (f *Formatter) SessionListItem(rec *session.Recording) {
	status := " ✅"
	if rec.Incomplete() {
		status = " ⚠️  incomplete"
	}
	fmt.Fprintf(f.w, "  %-28s %8s  %4d events%s\n",
		rec.ID, formatDuration(rec.Duration), len(rec.Timeline), status)
}

func (f *Formatter) SessionStats(s session.Stats) {
	fmt.Fprintf(f.w, "📊 %s\n\n", s.ID)
	fmt.Fprintf(f.w, "  Started:     %s\n", s.StartTime.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(f.w, "  Duration:    %s\n", formatDuration(time.Duration(s.Duration*float64(time.Second))))
	fmt.Fprintf(f.w, "  Events:      %d\n", s.TotalEvents)
	fmt.Fprintf(f.w, "  BPM:         %.1f\n", s.EstimatedBPM)
	fmt.Fprintf(f.w, "  Complexity:  %.2f\n", s.ComplexityScore)
	fmt.Fprintf(f.w, "  Gestures:    %s\n", counts(s.GestureCounts))
	fmt.Fprintf(f.w, "  Hands:       %s\n", counts(s.HandUsage))
	fmt.Fprintf(f.w, "  Instruments: %s\n", counts(s.InstrumentUsage))
	if !s.Complete {
		fmt.Fprintf(f.w, "\n  ⚠️  recording did not finish cleanly\n")
	}
}

func (f *Formatter) Check(name string, ok bool, detail string) {
	if ok {
		fmt.Fprintf(f.w, "  ✅ %s: %s\n", name, detail)
	} else {
		fmt.Fprintf(f.w, "  ❌ %s: %s\n", name, detail)
	}
}

func counts(m map[string]int) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, " ")
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
