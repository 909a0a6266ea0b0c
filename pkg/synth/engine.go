// Package synth renders note triggers into stereo audio. The render path
// reads only a bounded trigger queue; it never waits on the event bus or
// on disk.
package synth

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/justyntemme/gesturebeats/pkg/audio"
	"github.com/justyntemme/gesturebeats/pkg/dsp/distortion"
	"github.com/justyntemme/gesturebeats/pkg/dsp/dynamics"
	"github.com/justyntemme/gesturebeats/pkg/dsp/pan"
	"github.com/justyntemme/gesturebeats/pkg/effects"
	"github.com/justyntemme/gesturebeats/pkg/fault"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/instrument"
	"github.com/justyntemme/gesturebeats/pkg/logging"
	"github.com/justyntemme/gesturebeats/pkg/state"
)

const (
	DefaultSampleRate = 44100
	DefaultBlockSize  = 512
	DefaultMaxVoices  = 16
	DefaultQueueSize  = 64
	DefaultFadeTime   = 30 * time.Millisecond

	// hands hard-panned
	DefaultStereoSpread = 1.0

	// maxTailBlocks bounds how long Run keeps rendering after cancellation
	maxTailBlocks = 32
)

// FrameTap receives every rendered block. The slices are reused by the
// engine after the call returns; taps must copy what they keep.
type FrameTap interface {
	OnAudioFrame(left, right []float32)
}

// FrameTapFunc adapts a function to FrameTap
type FrameTapFunc func(left, right []float32)

// OnAudioFrame calls f
func (f FrameTapFunc) OnAudioFrame(left, right []float32) { f(left, right) }

// Options configures an Engine. Zero values take the defaults above.
type Options struct {
	SampleRate int
	BlockSize  int
	MaxVoices  int
	QueueSize  int

	// Patches defaults to instrument.DefaultPatches
	Patches *instrument.Patches
	// Store supplies volume and the effect chain; nil uses state.Default()
	Store *state.Store
	// Sink defaults to a NullSink
	Sink audio.Sink
	// StereoSpread is the pan distance of each hand from center, in (0,1]
	StereoSpread float64
	FadeTime     time.Duration
	Logger       logrus.FieldLogger
}

// Stats is a point-in-time view of the engine counters
type Stats struct {
	ActiveVoices int
	Triggered    uint64
	Dropped      uint64
	Stolen       uint64
	Blocks       uint64
	Peak         float32
	Sink         string
}

type tapEntry struct {
	id  uint64
	tap FrameTap
}

type queued struct {
	trig   instrument.NoteTrigger
	volume float64
}

// Engine is a polyphonic synthesizer with one stereo output
type Engine struct {
	sampleRate float64
	blockSize  int
	patches    instrument.Patches
	store      *state.Store
	fallback   *state.Snapshot
	spread     float32
	fadeTime   float64
	log        logrus.FieldLogger

	queue chan queued

	// owned by the render goroutine
	voices []*Voice
	serial uint64
	mono   [gesture.NumHands][]float32
	rack   *effects.Rack
	limit  *dynamics.Limiter
	sink   audio.Sink

	fadeReq atomic.Bool

	tapMu  sync.RWMutex
	taps   []tapEntry
	tapSeq uint64

	triggered atomic.Uint64
	dropped   atomic.Uint64
	stolen    atomic.Uint64
	blocks    atomic.Uint64
	active    atomic.Int32
	peakBits  atomic.Uint32
	sinkName  atomic.Value
}

// New creates an engine
func New(opts Options) (*Engine, error) {
	if opts.SampleRate == 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.MaxVoices == 0 {
		opts.MaxVoices = DefaultMaxVoices
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.FadeTime == 0 {
		opts.FadeTime = DefaultFadeTime
	}
	if opts.StereoSpread == 0 {
		opts.StereoSpread = DefaultStereoSpread
	}
	if opts.SampleRate < 8000 || opts.SampleRate > 192000 {
		return nil, fault.Newf(fault.KindConfiguration, "synth.New", "sample rate %d out of range", opts.SampleRate)
	}
	if opts.BlockSize < 16 || opts.BlockSize > 8192 {
		return nil, fault.Newf(fault.KindConfiguration, "synth.New", "block size %d out of range", opts.BlockSize)
	}
	if opts.MaxVoices < 1 || opts.QueueSize < 1 {
		return nil, fault.Newf(fault.KindConfiguration, "synth.New", "voices and queue size must be positive")
	}
	if !(opts.StereoSpread > 0 && opts.StereoSpread <= 1) {
		return nil, fault.Newf(fault.KindConfiguration, "synth.New", "stereo spread %v must be in (0,1]", opts.StereoSpread)
	}

	e := &Engine{
		sampleRate: float64(opts.SampleRate),
		blockSize:  opts.BlockSize,
		patches:    instrument.DefaultPatches,
		store:      opts.Store,
		spread:     float32(opts.StereoSpread),
		fadeTime:   opts.FadeTime.Seconds(),
		log:        logging.OrDefault(opts.Logger, "synth"),
		queue:      make(chan queued, opts.QueueSize),
		sink:       opts.Sink,
	}
	if opts.Patches != nil {
		e.patches = *opts.Patches
	}
	if e.store == nil {
		def := state.Default()
		e.fallback = &def
	}
	if e.sink == nil {
		e.sink = audio.NewNullSink()
	}
	e.sinkName.Store(e.sink.Name())

	e.voices = make([]*Voice, opts.MaxVoices)
	for i := range e.voices {
		e.voices[i] = newVoice(e.sampleRate)
	}
	for h := range e.mono {
		e.mono[h] = make([]float32, opts.BlockSize)
	}
	e.rack = effects.NewRack(e.snapshot().Effects, e.sampleRate)
	e.limit = dynamics.NewLimiter(e.sampleRate)
	return e, nil
}

// SampleRate returns the output rate in Hz
func (e *Engine) SampleRate() int { return int(e.sampleRate) }

// BlockSize returns the frames rendered per block by Run
func (e *Engine) BlockSize() int { return e.blockSize }

func (e *Engine) snapshot() *state.Snapshot {
	if e.store != nil {
		return e.store.Snapshot()
	}
	return e.fallback
}

// Render queues a trigger for the next block. It never blocks; when the
// queue is full the trigger is dropped and counted.
func (e *Engine) Render(trig instrument.NoteTrigger) bool {
	return e.RenderWith(trig, e.snapshot())
}

// RenderWith is Render using the volume from snap, so that a caller that
// resolved the trigger from snap sees one consistent configuration.
func (e *Engine) RenderWith(trig instrument.NoteTrigger, snap *state.Snapshot) bool {
	q := queued{trig: trig, volume: snap.VolumeFor(trig.Channel)}
	select {
	case e.queue <- q:
		return true
	default:
		n := e.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			e.log.WithField("dropped", n).Warn("Trigger queue full, dropping note")
		}
		return false
	}
}

// FadeOut releases every sounding voice over the fade time at the start
// of the next block
func (e *Engine) FadeOut() {
	e.fadeReq.Store(true)
}

// AddTap registers a frame tap and returns a function that removes it
func (e *Engine) AddTap(t FrameTap) (remove func()) {
	e.tapMu.Lock()
	e.tapSeq++
	id := e.tapSeq
	e.taps = append(append([]tapEntry(nil), e.taps...), tapEntry{id: id, tap: t})
	e.tapMu.Unlock()

	return func() {
		e.tapMu.Lock()
		defer e.tapMu.Unlock()
		kept := make([]tapEntry, 0, len(e.taps))
		for _, existing := range e.taps {
			if existing.id != id {
				kept = append(kept, existing)
			}
		}
		e.taps = kept
	}
}

// Stats returns the current counters
func (e *Engine) Stats() Stats {
	name, _ := e.sinkName.Load().(string)
	return Stats{
		ActiveVoices: int(e.active.Load()),
		Triggered:    e.triggered.Load(),
		Dropped:      e.dropped.Load(),
		Stolen:       e.stolen.Load(),
		Blocks:       e.blocks.Load(),
		Peak:         math.Float32frombits(e.peakBits.Load()),
		Sink:         name,
	}
}

// Process renders one block into left and right, overwriting them. It
// must only be called from a single goroutine.
func (e *Engine) Process(left, right []float32) {
	n := min(len(left), len(right))
	left, right = left[:n], right[:n]
	clear(left)
	clear(right)

	if e.fadeReq.Swap(false) {
		for _, v := range e.voices {
			v.fadeOut(e.fadeTime, e.sampleRate)
		}
	}
	e.drainQueue()

	for h := range e.mono {
		if cap(e.mono[h]) < n {
			e.mono[h] = make([]float32, n)
		}
		e.mono[h] = e.mono[h][:n]
		clear(e.mono[h])
	}

	active := 0
	for _, v := range e.voices {
		if v.render(e.mono[v.channel]) {
			active++
		}
	}
	e.active.Store(int32(active))

	pan.Accumulate(e.mono[gesture.Left], -e.spread, pan.ConstantPower, left, right)
	pan.Accumulate(e.mono[gesture.Right], e.spread, pan.ConstantPower, left, right)

	e.rack.Apply(e.snapshot().Effects)
	e.rack.Process(left, right)

	// the limiter catches stacked voices; the clipper only shapes what
	// slips past it
	e.limit.Process(left, right)
	distortion.SoftClip(left)
	distortion.SoftClip(right)

	var peak float32
	for i := range left {
		peak = max(peak, abs32(left[i]), abs32(right[i]))
	}
	e.peakBits.Store(math.Float32bits(peak))
	e.blocks.Add(1)
}

func (e *Engine) drainQueue() {
	for {
		select {
		case q := <-e.queue:
			e.start(q)
		default:
			return
		}
	}
}

func (e *Engine) start(q queued) {
	if !q.trig.Channel.Valid() || !q.trig.Note.Mapped() {
		return
	}
	v := e.allocate()
	e.serial++
	v.start(q.trig, e.patches.Get(q.trig.Instrument), q.volume, e.sampleRate, e.serial)
	e.triggered.Add(1)
}

// allocate returns a free voice, stealing the oldest when all are busy
func (e *Engine) allocate() *Voice {
	var oldest *Voice
	for _, v := range e.voices {
		if !v.active {
			return v
		}
		if oldest == nil || v.serial < oldest.serial {
			oldest = v
		}
	}
	e.stolen.Add(1)
	return oldest
}

// Run renders blocks at real-time cadence until ctx is cancelled, then
// fades out and renders the tail. Clocked sinks pace the loop; otherwise
// a ticker does. A sink write failure is a warning: the engine switches
// to a NullSink and keeps rendering. A panic while rendering is returned
// as a fatal fault.
func (e *Engine) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.New(fault.KindFatal, "synth.Run", fmt.Errorf("render panic: %v", r))
			e.log.WithError(err).Error("Synthesis engine crashed")
		}
	}()

	left := make([]float32, e.blockSize)
	right := make([]float32, e.blockSize)
	period := time.Duration(float64(time.Second) * float64(e.blockSize) / e.sampleRate)

	var ticker *time.Ticker
	var tick <-chan time.Time
	pace := func() {
		if ticker == nil && !audio.IsClocked(e.sink) {
			ticker = time.NewTicker(period)
			tick = ticker.C
		}
	}
	pace()
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	e.log.WithFields(logrus.Fields{
		"sink":        e.sink.Name(),
		"sample_rate": int(e.sampleRate),
		"block_size":  e.blockSize,
	}).Info("Synthesis engine started")

	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				e.tail(left, right)
				return nil
			case <-tick:
			}
		} else {
			select {
			case <-ctx.Done():
				e.tail(left, right)
				return nil
			default:
			}
		}

		e.cycle(left, right)
		pace()
	}
}

// cycle renders one block and delivers it to the taps and the sink
func (e *Engine) cycle(left, right []float32) {
	e.Process(left, right)

	e.tapMu.RLock()
	taps := e.taps
	e.tapMu.RUnlock()
	for _, t := range taps {
		t.tap.OnAudioFrame(left, right)
	}

	if err := e.sink.Write(left, right); err != nil {
		e.log.WithError(err).WithField("sink", e.sink.Name()).Warn("Audio output failed, continuing without a device")
		_ = e.sink.Close()
		e.sink = audio.NewNullSink()
		e.sinkName.Store(e.sink.Name())
	}
}

func (e *Engine) tail(left, right []float32) {
	e.FadeOut()
	for i := 0; i < maxTailBlocks; i++ {
		e.cycle(left, right)
		if e.active.Load() == 0 {
			break
		}
	}
	if err := e.sink.Close(); err != nil {
		e.log.WithError(err).Warn("Closing audio output failed")
	}
	e.log.Info("Synthesis engine stopped")
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
