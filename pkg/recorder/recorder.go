// Package recorder captures a live performance to a session directory:
// the rendered audio, the gesture timeline and an optional video track,
// all relative to one start instant.
package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
	"github.com/sirupsen/logrus"

	"github.com/justyntemme/gesturebeats/pkg/fault"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/instrument"
	"github.com/justyntemme/gesturebeats/pkg/logging"
	"github.com/justyntemme/gesturebeats/pkg/session"
	"github.com/justyntemme/gesturebeats/pkg/state"
)

// DefaultTapBuffer is the number of audio blocks queued for the encoder
const DefaultTapBuffer = 64

var (
	// ErrRecording is returned by Start while a recording is open
	ErrRecording = errors.New("already recording")
	// ErrNotRecording is returned by Stop when nothing is open
	ErrNotRecording = errors.New("not recording")
)

// File is what the recorder writes to. The audio track must be seekable
// so its header can be finalized.
type File interface {
	io.Writer
	io.Seeker
	io.Closer
}

// Options configures a Recorder
type Options struct {
	// Dir is the sessions directory
	Dir        string
	SampleRate int
	// TapBuffer bounds the audio blocks waiting for the encoder
	TapBuffer int
	// Store resolves the instrument for each timeline entry; optional
	Store *state.Store
	// Create opens files for writing; defaults to os.Create
	Create func(path string) (File, error)
	// OnFailure is called once, from its own goroutine, when a storage
	// error stops capture. The recording still needs Stop to finalize.
	OnFailure func(id string, err error)
	Logger    logrus.FieldLogger
}

// Recorder records one session at a time
type Recorder struct {
	opts Options
	log  logrus.FieldLogger

	mu     sync.Mutex
	active atomic.Pointer[take]
}

// New creates a recorder
func New(opts Options) (*Recorder, error) {
	if opts.Dir == "" {
		return nil, fault.Newf(fault.KindConfiguration, "recorder.New", "sessions directory must be set")
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = 44100
	}
	if opts.TapBuffer <= 0 {
		opts.TapBuffer = DefaultTapBuffer
	}
	if opts.Create == nil {
		opts.Create = func(path string) (File, error) { return os.Create(path) }
	}
	return &Recorder{opts: opts, log: logging.OrDefault(opts.Logger, "recorder")}, nil
}

// take is one open recording
type take struct {
	id    string
	dir   string
	start time.Time
	log   logrus.FieldLogger

	// audio path: lock-free for the render goroutine
	audio   File
	blocks  chan [][2]float64
	stop    chan struct{}
	encoded chan error
	frames  atomic.Int64
	dropped atomic.Uint64
	failed  atomic.Bool

	// timeline and video, guarded by mu
	mu          sync.Mutex
	timeline    File
	timelineEnc *json.Encoder
	video       File
	videoIndex  *json.Encoder
	videoIdxF   File
	videoPos    int64
	videoFrames int
	events      int
	instruments map[string]struct{}
	gestures    map[string]struct{}
	err         error

	manifest session.Manifest
}

// Active reports whether a recording is open
func (r *Recorder) Active() bool {
	return r.active.Load() != nil
}

// ID returns the open recording's id, or ""
func (r *Recorder) ID() string {
	if t := r.active.Load(); t != nil {
		return t.id
	}
	return ""
}

// Start opens a new session. An empty id is replaced with a timestamp.
func (r *Recorder) Start(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active.Load() != nil {
		return ErrRecording
	}

	start := time.Now()
	if id == "" {
		id = "session_" + start.Format("20060102_150405")
	}
	clean, err := session.SanitizeID(id)
	if err != nil {
		return fault.New(fault.KindConfiguration, "start recording", err)
	}

	dir := filepath.Join(r.opts.Dir, clean)
	if _, err := os.Stat(filepath.Join(dir, session.ManifestFile)); err == nil {
		return fault.Newf(fault.KindConfiguration, "start recording", "session %q already exists", clean)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.New(fault.KindStorageFailure, "start recording", err)
	}

	t := &take{
		id:          clean,
		dir:         dir,
		start:       start,
		log:         r.log.WithField("session", clean),
		blocks:      make(chan [][2]float64, r.opts.TapBuffer),
		stop:        make(chan struct{}),
		encoded:     make(chan error, 1),
		instruments: map[string]struct{}{},
		gestures:    map[string]struct{}{},
		manifest: session.Manifest{
			Version:      session.ManifestVersion,
			ID:           clean,
			StartTime:    start.UTC(),
			SampleRate:   r.opts.SampleRate,
			Channels:     2,
			AudioName:    session.AudioFile,
			TimelineName: session.TimelineFile,
		},
	}

	if t.audio, err = r.opts.Create(filepath.Join(dir, session.AudioFile)); err != nil {
		return fault.New(fault.KindStorageFailure, "start recording", err)
	}
	if t.timeline, err = r.opts.Create(filepath.Join(dir, session.TimelineFile)); err != nil {
		t.audio.Close()
		return fault.New(fault.KindStorageFailure, "start recording", err)
	}
	t.timelineEnc = json.NewEncoder(t.timeline)

	if err := session.WriteManifest(dir, &t.manifest); err != nil {
		t.audio.Close()
		t.timeline.Close()
		return err
	}

	format := beep.Format{SampleRate: beep.SampleRate(r.opts.SampleRate), NumChannels: 2, Precision: 2}
	go func() {
		err := wav.Encode(t.audio, &tapStreamer{t: t}, format)
		if err != nil {
			r.fail(t, fault.New(fault.KindStorageFailure, "write audio", err))
		}
		t.encoded <- err
	}()

	r.active.Store(t)
	t.log.WithField("dir", dir).Info("Recording started")
	return nil
}

// OnAudioFrame queues a rendered block for the audio track. It never
// blocks: when the encoder falls behind the block is dropped and counted.
func (r *Recorder) OnAudioFrame(left, right []float32) {
	t := r.active.Load()
	if t == nil || t.failed.Load() {
		return
	}
	n := min(len(left), len(right))
	block := make([][2]float64, n)
	for i := 0; i < n; i++ {
		block[i] = [2]float64{float64(left[i]), float64(right[i])}
	}
	select {
	case t.blocks <- block:
	default:
		if d := t.dropped.Add(1); d == 1 || d%100 == 0 {
			t.log.WithField("dropped", d).Warn("Audio tap full, dropping block")
		}
	}
}

// OnEvent appends a gesture event to the timeline
func (r *Recorder) OnEvent(ev gesture.Event) {
	t := r.active.Load()
	if t == nil || t.failed.Load() {
		return
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	offset := ts.Sub(t.start)
	if offset < 0 {
		offset = 0
	}

	entry := session.Entry{
		OffsetMS:   offset.Milliseconds(),
		Hand:       ev.Hand,
		Gesture:    ev.Gesture,
		Timestamp:  ts.UTC(),
		Confidence: ev.Confidence,
	}
	if r.opts.Store != nil {
		entry.Instrument = r.opts.Store.Snapshot().Assignment.For(ev.Hand)
	} else {
		entry.Instrument = instrument.DefaultAssignment.For(ev.Hand)
	}
	if note, ok := instrument.Lookup(entry.Instrument, ev.Gesture); ok {
		entry.Note = note.Name()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timelineEnc == nil {
		return
	}
	if err := t.timelineEnc.Encode(entry); err != nil {
		r.failLocked(t, fault.New(fault.KindStorageFailure, "write timeline", err))
		return
	}
	t.events++
	t.instruments[entry.Instrument.String()] = struct{}{}
	t.gestures[ev.Gesture.String()] = struct{}{}
}

// OnVideoFrame appends one encoded JPEG frame to the video track. The
// video files are created with the first frame.
func (r *Recorder) OnVideoFrame(jpeg []byte) {
	t := r.active.Load()
	if t == nil || t.failed.Load() || len(jpeg) == 0 {
		return
	}
	offset := time.Since(t.start)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timelineEnc == nil {
		return
	}
	if t.video == nil {
		var err error
		if t.video, err = r.opts.Create(filepath.Join(t.dir, session.VideoFile)); err != nil {
			r.failLocked(t, fault.New(fault.KindStorageFailure, "open video", err))
			return
		}
		if t.videoIdxF, err = r.opts.Create(filepath.Join(t.dir, session.VideoIndexFile)); err != nil {
			r.failLocked(t, fault.New(fault.KindStorageFailure, "open video index", err))
			return
		}
		t.videoIndex = json.NewEncoder(t.videoIdxF)
		t.manifest.VideoName = session.VideoFile
		t.manifest.VideoIndexName = session.VideoIndexFile
	}

	n, err := t.video.Write(jpeg)
	if err != nil {
		r.failLocked(t, fault.New(fault.KindStorageFailure, "write video", err))
		return
	}
	frame := session.VideoFrame{Index: t.videoFrames, OffsetMS: offset.Milliseconds(), Position: t.videoPos, Size: n}
	if err := t.videoIndex.Encode(frame); err != nil {
		r.failLocked(t, fault.New(fault.KindStorageFailure, "write video index", err))
		return
	}
	t.videoPos += int64(n)
	t.videoFrames++
}

func (r *Recorder) fail(t *take, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r.failLocked(t, err)
}

func (r *Recorder) failLocked(t *take, err error) {
	if t.err != nil {
		return
	}
	t.err = err
	t.failed.Store(true)
	t.log.WithError(err).Error("Recording failed, capture stopped")
	if r.opts.OnFailure != nil {
		go r.opts.OnFailure(t.id, err)
	}
}

// Stop finalizes the open recording: it drains queued audio, flushes and
// closes every file, and rewrites the manifest. The recording is marked
// complete only if nothing failed; a storage failure is returned along
// with the readable partial recording.
func (r *Recorder) Stop() (*session.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.active.Swap(nil)
	if t == nil {
		return nil, ErrNotRecording
	}

	close(t.stop)
	<-t.encoded
	closeErr := t.audio.Close()

	t.mu.Lock()
	if err := t.timeline.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	t.timelineEnc = nil
	if t.video != nil {
		if err := t.video.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	if t.videoIdxF != nil {
		if err := t.videoIdxF.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	if closeErr != nil && t.err == nil {
		t.err = fault.New(fault.KindStorageFailure, "close recording", closeErr)
	}

	end := time.Now()
	m := t.manifest
	m.EndTime = end.UTC()
	m.Duration = end.Sub(t.start)
	m.Events = t.events
	m.AudioFrames = t.frames.Load()
	m.DroppedBlocks = t.dropped.Load()
	m.VideoFrames = t.videoFrames
	m.Instruments = sortedKeys(t.instruments)
	m.Gestures = sortedKeys(t.gestures)
	m.Complete = t.err == nil
	if t.err != nil {
		m.Error = t.err.Error()
	}
	runErr := t.err
	t.mu.Unlock()

	if err := session.WriteManifest(t.dir, &m); err != nil && runErr == nil {
		runErr = err
	}
	if m.Error != "" {
		if _, err := session.RepairWAV(filepath.Join(t.dir, session.AudioFile)); err != nil {
			t.log.WithError(err).Warn("Could not repair partial audio track")
		}
	}

	rec, err := session.Load(t.dir)
	if err != nil {
		rec = &session.Recording{Manifest: m, Dir: t.dir}
	}

	t.log.WithFields(logrus.Fields{
		"events":   m.Events,
		"frames":   m.AudioFrames,
		"dropped":  m.DroppedBlocks,
		"complete": m.Complete,
	}).Info("Recording stopped")
	return rec, runErr
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// tapStreamer feeds queued blocks to the WAV encoder until the take is
// stopped and the queue is drained
type tapStreamer struct {
	t       *take
	pending [][2]float64
}

func (s *tapStreamer) Stream(samples [][2]float64) (int, bool) {
	n := 0
	for n < len(samples) {
		if len(s.pending) == 0 {
			if !s.next(n == 0) {
				break
			}
			continue
		}
		c := copy(samples[n:], s.pending)
		s.pending = s.pending[c:]
		n += c
	}
	s.t.frames.Add(int64(n))
	return n, n > 0
}

// next loads the next block. With wait set it blocks until a block or
// the stop signal arrives; otherwise it only takes what is queued.
func (s *tapStreamer) next(wait bool) bool {
	select {
	case b := <-s.t.blocks:
		s.pending = b
		return true
	default:
	}
	if !wait {
		return false
	}
	select {
	case b := <-s.t.blocks:
		s.pending = b
		return true
	case <-s.t.stop:
		// drain what was queued before the stop
		select {
		case b := <-s.t.blocks:
			s.pending = b
			return true
		default:
			return false
		}
	}
}

func (s *tapStreamer) Err() error { return nil }

// String is used in log fields
func (t *take) String() string { return fmt.Sprintf("take(%s)", t.id) }
