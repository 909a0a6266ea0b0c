// Package pipeline assembles a live performance: samples are stabilized
// into events, fanned out on the bus to the synthesizer, the recorder and
// the bridge, and the rendered audio goes to the output sink.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/justyntemme/gesturebeats/pkg/analysis"
	"github.com/justyntemme/gesturebeats/pkg/audio"
	"github.com/justyntemme/gesturebeats/pkg/bridge"
	"github.com/justyntemme/gesturebeats/pkg/config"
	"github.com/justyntemme/gesturebeats/pkg/effects"
	"github.com/justyntemme/gesturebeats/pkg/eventbus"
	"github.com/justyntemme/gesturebeats/pkg/fault"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/instrument"
	"github.com/justyntemme/gesturebeats/pkg/logging"
	"github.com/justyntemme/gesturebeats/pkg/midiout"
	"github.com/justyntemme/gesturebeats/pkg/playback"
	"github.com/justyntemme/gesturebeats/pkg/recorder"
	"github.com/justyntemme/gesturebeats/pkg/session"
	"github.com/justyntemme/gesturebeats/pkg/source"
	"github.com/justyntemme/gesturebeats/pkg/stabilizer"
	"github.com/justyntemme/gesturebeats/pkg/state"
	"github.com/justyntemme/gesturebeats/pkg/synth"
)

// Options configures a Pipeline
type Options struct {
	Config *config.Config
	// Sink overrides the configured audio backend
	Sink audio.Sink
	// Bridge enables the WebSocket server
	Bridge bool
	// MIDI, when set, replaces the configured MIDI output
	MIDI   *midiout.Mirror
	Logger logrus.FieldLogger
}

// Pipeline owns every live component. It implements bridge.Controller.
type Pipeline struct {
	cfg *config.Config
	log logrus.FieldLogger

	store    *state.Store
	stab     *stabilizer.Stabilizer
	bus      *eventbus.Bus
	engine   *synth.Engine
	analyzer *analysis.Analyzer
	recorder *recorder.Recorder
	sessions *session.Manager
	player   *playback.Player
	bridge   *bridge.Server
	midi     *midiout.Mirror

	running atomic.Bool
	fatal   chan error
	ready   chan struct{}

	// context of Run, for work started by commands
	runMu  sync.Mutex
	runCtx context.Context
	wg     sync.WaitGroup
}

// New builds every component from the configuration. A missing audio
// device is not fatal: the pipeline falls back to the null sink.
func New(opts Options) (*Pipeline, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logging.OrDefault(opts.Logger, "pipeline")

	initial, err := cfg.InitialSettings()
	if err != nil {
		return nil, fault.New(fault.KindConfiguration, "initial settings", err)
	}
	store, err := state.NewStore(initial)
	if err != nil {
		return nil, err
	}
	if cfg.SettingsFile != "" {
		if err := store.LoadFile(cfg.SettingsFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warn("Ignoring unreadable settings file")
		}
	}

	stab, err := stabilizer.New(stabilizer.Options{
		Window:    cfg.Stabilizer.Window,
		Threshold: store.Snapshot().Sensitivity,
		Debounce:  cfg.Stabilizer.Debounce,
		Logger:    log.WithField("component", "stabilizer"),
	})
	if err != nil {
		return nil, err
	}

	patches, err := cfg.Patches()
	if err != nil {
		return nil, fault.New(fault.KindConfiguration, "load patches", err)
	}

	sink := opts.Sink
	if sink == nil {
		backend, _ := audio.ParseBackend(cfg.Audio.Backend)
		sink, err = audio.Open(backend, cfg.Audio.SampleRate, cfg.Audio.BlockSize)
		if err != nil {
			if !errors.Is(err, fault.ErrResourceUnavailable) {
				return nil, err
			}
			log.WithError(err).Warn("Audio device unavailable, continuing silently")
			sink = audio.NewNullSink()
		}
	}
	built := false
	defer func() {
		if !built {
			sink.Close()
		}
	}()

	engine, err := synth.New(synth.Options{
		SampleRate:   cfg.Audio.SampleRate,
		BlockSize:    cfg.Audio.BlockSize,
		MaxVoices:    cfg.Audio.MaxVoices,
		QueueSize:    cfg.Audio.QueueSize,
		Patches:      &patches,
		Store:        store,
		Sink:         sink,
		StereoSpread: cfg.Audio.StereoSpread,
		Logger:       log.WithField("component", "synth"),
	})
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:      cfg,
		log:      log,
		store:    store,
		stab:     stab,
		engine:   engine,
		analyzer: analysis.New(analysis.Options{SampleRate: float64(cfg.Audio.SampleRate)}),
		sessions: session.NewManager(cfg.Recorder.SessionsDir, log.WithField("component", "sessions")),
		midi:     opts.MIDI,
		fatal:    make(chan error, 4),
		ready:    make(chan struct{}),
	}
	p.bus = eventbus.New(eventbus.Options{Buffer: cfg.Bus.Buffer, Logger: log.WithField("component", "eventbus")})
	p.player = playback.New(p.bus, playback.Options{
		Rate:   cfg.Playback.Rate,
		Tick:   cfg.Playback.Tick,
		Logger: log.WithField("component", "playback"),
	})

	p.recorder, err = recorder.New(recorder.Options{
		Dir:        cfg.Recorder.SessionsDir,
		SampleRate: cfg.Audio.SampleRate,
		TapBuffer:  cfg.Recorder.AudioTapBuffer,
		Store:      store,
		OnFailure:  p.onRecordingFailure,
		Logger:     log.WithField("component", "recorder"),
	})
	if err != nil {
		return nil, err
	}

	if opts.Bridge {
		p.bridge, err = bridge.New(bridge.Options{
			Listen:        cfg.Bridge.Listen,
			StateInterval: cfg.Bridge.SynthStateInterval,
			Controller:    p,
			Bus:           p.bus,
			Logger:        log.WithField("component", "bridge"),
		})
		if err != nil {
			return nil, err
		}
	}

	if p.midi == nil && cfg.MIDI.Enabled {
		p.midi, err = midiout.Open(cfg.MIDI.Port, midiout.Options{Logger: log.WithField("component", "midiout")})
		if err != nil {
			log.WithError(err).Warn("MIDI output unavailable")
			p.midi = nil
		}
	}

	engine.AddTap(p.analyzer)
	engine.AddTap(p.recorder)

	store.OnChange(p.onSettingsChange)
	p.running.Store(true)
	built = true
	return p, nil
}

// Store returns the settings store
func (p *Pipeline) Store() *state.Store { return p.store }

// Bus returns the event bus
func (p *Pipeline) Bus() *eventbus.Bus { return p.bus }

// Engine returns the synthesis engine
func (p *Pipeline) Engine() *synth.Engine { return p.engine }

// Sessions returns the session manager
func (p *Pipeline) Sessions() *session.Manager { return p.sessions }

// Recorder returns the session recorder
func (p *Pipeline) Recorder() *recorder.Recorder { return p.recorder }

// Player returns the playback engine
func (p *Pipeline) Player() *playback.Player { return p.player }

// Bridge returns the WebSocket server, or nil when disabled
func (p *Pipeline) Bridge() *bridge.Server { return p.bridge }

// Fatal reports subsystem losses that should end the process
func (p *Pipeline) Fatal() <-chan error { return p.fatal }

// Ready is closed once Run has subscribed its consumers
func (p *Pipeline) Ready() <-chan struct{} { return p.ready }

func (p *Pipeline) reportFatal(err error) {
	select {
	case p.fatal <- err:
	default:
	}
}

func (p *Pipeline) onSettingsChange(prev, next *state.Snapshot) {
	if prev.Sensitivity != next.Sensitivity {
		if err := p.stab.SetSensitivity(next.Sensitivity); err != nil {
			p.log.WithError(err).Warn("Stabilizer rejected sensitivity")
		}
	}
	if p.cfg.SettingsFile != "" {
		if err := p.store.SaveFile(p.cfg.SettingsFile); err != nil {
			p.log.WithError(err).Warn("Failed to persist settings")
		}
	}
}

func (p *Pipeline) onRecordingFailure(id string, err error) {
	p.log.WithError(err).WithField("session", id).Error("Recording failed, finalizing")
	rec, stopErr := p.recorder.Stop()
	if errors.Is(stopErr, recorder.ErrNotRecording) {
		return
	}
	if p.bridge != nil {
		p.bridge.OnRecordingResult(rec, stopErr)
	}
}

// Run starts every component and blocks until ctx is done or a fatal
// fault occurs. On return the engine has faded out, an open recording
// has been finalized and playback has stopped. Run may be called once.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.runMu.Lock()
	p.runCtx = ctx
	p.runMu.Unlock()

	engineDone := make(chan error, 1)
	go func() { engineDone <- p.engine.Run(ctx) }()

	synthSub := p.bus.Subscribe("synth")
	recSub := p.bus.Subscribe("recorder")
	p.spawn(func() { p.consume(ctx, synthSub, func(ev gesture.Event) { p.Trigger(ev) }) })
	p.spawn(func() { p.consume(ctx, recSub, p.recorder.OnEvent) })

	if p.midi != nil {
		p.spawn(func() { p.midi.Run(ctx) })
	}
	if p.bridge != nil {
		p.spawn(func() {
			if err := p.bridge.Run(ctx); err != nil {
				p.log.WithError(err).Error("Bridge stopped")
			}
		})
	}
	if url := p.cfg.Bridge.Upstream; url != "" {
		up := bridge.NewUpstream(url, p.FeedSample, p.log.WithField("component", "upstream"))
		up.SetFrameHandler(p.FeedVideoFrame)
		p.spawn(func() { up.Run(ctx) })
	}
	if dev := p.cfg.Serial.Device; dev != "" {
		src, err := source.Open(dev, p.cfg.Serial.Baud, p.log.WithField("component", "source"))
		if err != nil {
			p.log.WithError(err).Warn("Serial source unavailable")
		} else {
			p.spawn(func() {
				if err := src.Run(ctx, p.feed); err != nil && ctx.Err() == nil {
					p.log.WithError(err).Warn("Serial source stopped")
				}
			})
		}
	}

	close(p.ready)
	p.log.Info("Pipeline running")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-engineDone:
		if err != nil {
			runErr = err
			p.reportFatal(err)
		}
		engineDone = nil
	}

	cancel()
	p.player.Stop()
	if p.recorder.Active() {
		rec, err := p.recorder.Stop()
		if p.bridge != nil {
			p.bridge.OnRecordingResult(rec, err)
		}
		if err != nil {
			p.log.WithError(err).Warn("Recording finalized with errors")
		}
	}
	if engineDone != nil {
		if err := <-engineDone; err != nil && runErr == nil {
			runErr = err
			p.reportFatal(err)
		}
	}
	p.bus.Close()
	p.wg.Wait()
	if p.midi != nil {
		p.midi.Close()
	}

	p.log.Info("Pipeline stopped")
	return runErr
}

func (p *Pipeline) spawn(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

func (p *Pipeline) consume(ctx context.Context, sub *eventbus.Subscription, fn func(gesture.Event)) {
	defer sub.Close()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		fn(ev)
	}
}

// Trigger resolves ev against the current settings and sounds it. It
// returns false when nothing was played.
func (p *Pipeline) Trigger(ev gesture.Event) bool {
	if !p.running.Load() {
		return false
	}
	snap := p.store.Snapshot()
	trig, ok := instrument.Resolve(ev, snap.Assignment, snap.Dynamics)
	if !ok {
		return false
	}
	if !p.engine.RenderWith(trig, snap) {
		return false
	}
	if p.bridge != nil {
		p.bridge.OnTrigger(trig)
	}
	if p.midi != nil {
		p.midi.OnTrigger(trig)
	}
	return true
}

// feed adapts FeedSample to source.Handler; rejected samples are
// counted by the stabilizer
func (p *Pipeline) feed(s gesture.Sample) {
	p.FeedSample(s)
}

// FeedSample stabilizes one sample and publishes the event it completes
func (p *Pipeline) FeedSample(s gesture.Sample) error {
	ev, ok, err := p.stab.Feed(s)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return p.bus.Publish(ev)
}

// jpegSOI starts every JPEG stream
var jpegSOI = []byte{0xFF, 0xD8}

// FeedVideoFrame adds one JPEG camera frame to the active recording.
// Frames arriving while nothing records are discarded.
func (p *Pipeline) FeedVideoFrame(jpeg []byte) error {
	if !bytes.HasPrefix(jpeg, jpegSOI) {
		return fault.Newf(fault.KindTransientInput, "video frame", "not a JPEG image (%d bytes)", len(jpeg))
	}
	p.recorder.OnVideoFrame(jpeg)
	return nil
}

// SetInstrument assigns an instrument to a hand
func (p *Pipeline) SetInstrument(h gesture.Hand, inst instrument.Instrument) error {
	return p.store.SetInstrument(h, inst)
}

// SetSensitivity changes the stabilizer threshold
func (p *Pipeline) SetSensitivity(v float64) error {
	return p.store.SetSensitivity(v)
}

// SetEffect replaces one effect's settings
func (p *Pipeline) SetEffect(cfg effects.Config) error {
	return p.store.SetEffect(cfg)
}

// SetVolume sets a hand's level
func (p *Pipeline) SetVolume(h gesture.Hand, v float64) error {
	return p.store.SetVolume(h, v)
}

// Start resumes reacting to gestures
func (p *Pipeline) Start() error {
	if !p.running.Swap(true) {
		p.stab.Reset()
		p.bus.ResetOrdering()
		p.log.Info("Performance started")
	}
	return nil
}

// Stop silences the performance; events are still recorded
func (p *Pipeline) Stop() error {
	if p.running.Swap(false) {
		p.engine.FadeOut()
		if p.midi != nil {
			p.midi.AllOff()
		}
		p.log.Info("Performance stopped")
	}
	return nil
}

// Running reports whether gestures produce sound
func (p *Pipeline) Running() bool { return p.running.Load() }

// StartRecording opens a new session
func (p *Pipeline) StartRecording(id string) (string, error) {
	if err := p.recorder.Start(id); err != nil {
		return "", err
	}
	return p.recorder.ID(), nil
}

// StopRecording finalizes the open session
func (p *Pipeline) StopRecording() (*session.Recording, error) {
	return p.recorder.Stop()
}

// Play replays a stored session in the background
func (p *Pipeline) Play(id string, rate float64) error {
	rec, err := p.sessions.Get(id)
	if err != nil {
		return err
	}
	if p.player.Playing() {
		return playback.ErrPlaying
	}
	if rate != 0 {
		p.player.SetRate(rate)
	}

	p.runMu.Lock()
	ctx := p.runCtx
	p.runMu.Unlock()
	if ctx == nil {
		return fault.Newf(fault.KindConfiguration, "play", "pipeline is not running")
	}

	p.bus.ResetOrdering()
	p.spawn(func() {
		if err := p.player.Play(ctx, rec); err != nil && !errors.Is(err, playback.ErrStopped) && ctx.Err() == nil {
			p.log.WithError(err).Warn("Playback ended with error")
		}
	})
	return nil
}

// StopPlayback ends the running playback
func (p *Pipeline) StopPlayback() error {
	p.player.Stop()
	return nil
}

// Seek moves the running playback to position in recording time
func (p *Pipeline) Seek(position time.Duration) error {
	return p.player.Seek(position)
}

// SynthState summarizes the pipeline for the bridge
func (p *Pipeline) SynthState() bridge.SynthState {
	st := p.engine.Stats()
	return bridge.SynthState{
		Running:      p.running.Load(),
		Recording:    p.recorder.ID(),
		Playing:      p.player.Current(),
		ActiveVoices: st.ActiveVoices,
		Dropped:      st.Dropped,
		Sink:         st.Sink,
		Levels:       p.analyzer.Snapshot(),
		Settings:     bridge.SettingsFrom(p.store.Snapshot()),
	}
}
