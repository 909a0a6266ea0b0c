// Package config loads process configuration from YAML with environment
// overrides.
//
// Every key can be overridden from the environment with the GESTUREBEATS_
// prefix and dots replaced by underscores, e.g. GESTUREBEATS_AUDIO_BACKEND.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/justyntemme/gesturebeats/pkg/audio"
	"github.com/justyntemme/gesturebeats/pkg/effects"
	"github.com/justyntemme/gesturebeats/pkg/fault"
	"github.com/justyntemme/gesturebeats/pkg/gesture"
	"github.com/justyntemme/gesturebeats/pkg/instrument"
	"github.com/justyntemme/gesturebeats/pkg/stabilizer"
	"github.com/justyntemme/gesturebeats/pkg/state"
)

// EnvPrefix is prepended to environment overrides
const EnvPrefix = "GESTUREBEATS"

type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

type Volume struct {
	Left  float64 `mapstructure:"left" yaml:"left"`
	Right float64 `mapstructure:"right" yaml:"right"`
}

type Audio struct {
	Backend      string  `mapstructure:"backend" yaml:"backend"`
	SampleRate   int     `mapstructure:"sample_rate" yaml:"sample_rate"`
	BlockSize    int     `mapstructure:"block_size" yaml:"block_size"`
	MaxVoices    int     `mapstructure:"max_voices" yaml:"max_voices"`
	QueueSize    int     `mapstructure:"queue_size" yaml:"queue_size"`
	StereoSpread float64 `mapstructure:"stereo_spread" yaml:"stereo_spread"`
	Volume       Volume  `mapstructure:"volume" yaml:"volume"`
}

type Stabilizer struct {
	Window      int           `mapstructure:"window" yaml:"window"`
	Sensitivity string        `mapstructure:"sensitivity" yaml:"sensitivity"`
	Debounce    time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

type Dynamics struct {
	Floor       float64 `mapstructure:"floor" yaml:"floor"`
	MinVelocity float64 `mapstructure:"min_velocity" yaml:"min_velocity"`
	MaxVelocity float64 `mapstructure:"max_velocity" yaml:"max_velocity"`
}

type Instruments struct {
	Left        string   `mapstructure:"left" yaml:"left"`
	Right       string   `mapstructure:"right" yaml:"right"`
	PatchesFile string   `mapstructure:"patches_file" yaml:"patches_file,omitempty"`
	Dynamics    Dynamics `mapstructure:"dynamics" yaml:"dynamics"`
}

type Bus struct {
	Buffer int `mapstructure:"buffer" yaml:"buffer"`
}

type Bridge struct {
	Listen   string `mapstructure:"listen" yaml:"listen"`
	Upstream string `mapstructure:"upstream" yaml:"upstream,omitempty"`
	// SynthStateInterval is how often synth_state is broadcast
	SynthStateInterval time.Duration `mapstructure:"synth_state_interval" yaml:"synth_state_interval"`
}

type Recorder struct {
	SessionsDir    string `mapstructure:"sessions_dir" yaml:"sessions_dir"`
	AudioTapBuffer int    `mapstructure:"audio_tap_buffer" yaml:"audio_tap_buffer"`
}

type Playback struct {
	Rate float64       `mapstructure:"rate" yaml:"rate"`
	Tick time.Duration `mapstructure:"tick" yaml:"tick"`
}

type MIDI struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    string `mapstructure:"port" yaml:"port,omitempty"`
}

type Serial struct {
	Device string `mapstructure:"device" yaml:"device,omitempty"`
	Baud   int    `mapstructure:"baud" yaml:"baud"`
}

// Config is the full process configuration
type Config struct {
	Log         Log              `mapstructure:"log" yaml:"log"`
	Audio       Audio            `mapstructure:"audio" yaml:"audio"`
	Stabilizer  Stabilizer       `mapstructure:"stabilizer" yaml:"stabilizer"`
	Instruments Instruments      `mapstructure:"instruments" yaml:"instruments"`
	Effects     []effects.Config `mapstructure:"effects" yaml:"effects"`
	Bus         Bus              `mapstructure:"bus" yaml:"bus"`
	Bridge      Bridge           `mapstructure:"bridge" yaml:"bridge"`
	Recorder    Recorder         `mapstructure:"recorder" yaml:"recorder"`
	Playback    Playback         `mapstructure:"playback" yaml:"playback"`
	MIDI        MIDI             `mapstructure:"midi" yaml:"midi"`
	Serial      Serial           `mapstructure:"serial" yaml:"serial"`

	// SettingsFile persists UI changes between runs; empty disables it
	SettingsFile string `mapstructure:"settings_file" yaml:"settings_file,omitempty"`

	// Source is the file the configuration was read from, if any
	Source string `mapstructure:"-" yaml:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("audio.backend", string(audio.BackendPortAudio))
	v.SetDefault("audio.sample_rate", 44100)
	v.SetDefault("audio.block_size", 512)
	v.SetDefault("audio.max_voices", 16)
	v.SetDefault("audio.queue_size", 64)
	v.SetDefault("audio.stereo_spread", 1.0)
	v.SetDefault("audio.volume.left", state.DefaultVolume)
	v.SetDefault("audio.volume.right", state.DefaultVolume)

	v.SetDefault("stabilizer.window", stabilizer.DefaultWindow)
	v.SetDefault("stabilizer.sensitivity", "medium")
	v.SetDefault("stabilizer.debounce", stabilizer.DefaultDebounce)

	v.SetDefault("instruments.left", instrument.DefaultAssignment.Left.String())
	v.SetDefault("instruments.right", instrument.DefaultAssignment.Right.String())
	v.SetDefault("instruments.patches_file", "")
	v.SetDefault("instruments.dynamics.floor", instrument.DefaultDynamics.Floor)
	v.SetDefault("instruments.dynamics.min_velocity", instrument.DefaultDynamics.MinVelocity)
	v.SetDefault("instruments.dynamics.max_velocity", instrument.DefaultDynamics.MaxVelocity)

	v.SetDefault("bus.buffer", 256)

	v.SetDefault("bridge.listen", "127.0.0.1:8765")
	v.SetDefault("bridge.upstream", "")
	v.SetDefault("bridge.synth_state_interval", 100*time.Millisecond)

	v.SetDefault("recorder.sessions_dir", defaultSessionsDir())
	v.SetDefault("recorder.audio_tap_buffer", 64)

	v.SetDefault("playback.rate", 1.0)
	v.SetDefault("playback.tick", 5*time.Millisecond)

	v.SetDefault("midi.enabled", false)
	v.SetDefault("midi.port", "")

	v.SetDefault("serial.device", "")
	v.SetDefault("serial.baud", 115200)

	v.SetDefault("settings_file", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration with environment overrides
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// only reachable through malformed env overrides
		cfg = &Config{}
	}
	return cfg
}

// Load reads path, or searches ./gesturebeats.yaml and the user config
// directory when path is empty. A missing search file is not an error.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fault.New(fault.KindConfiguration, "load config", err)
		}
	} else {
		v.SetConfigName("gesturebeats")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "gesturebeats"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fault.New(fault.KindConfiguration, "load config", err)
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fault.New(fault.KindConfiguration, "decode config", err)
	}
	if len(cfg.Effects) == 0 {
		cfg.Effects = effects.DefaultChain()
	}
	cfg.Recorder.SessionsDir = expandTilde(cfg.Recorder.SessionsDir)
	cfg.SettingsFile = expandTilde(cfg.SettingsFile)
	cfg.Source = v.ConfigFileUsed()
	return &cfg, nil
}

// Validate rejects values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not a known level", c.Log.Level))
	}

	if _, err := audio.ParseBackend(c.Audio.Backend); err != nil {
		errs = append(errs, fmt.Errorf("audio.backend: %w", err))
	}
	check(c.Audio.SampleRate >= 8000 && c.Audio.SampleRate <= 192000, "audio.sample_rate %d out of range", c.Audio.SampleRate)
	check(c.Audio.BlockSize >= 16 && c.Audio.BlockSize <= 8192, "audio.block_size %d out of range", c.Audio.BlockSize)
	check(c.Audio.MaxVoices >= 1 && c.Audio.MaxVoices <= 256, "audio.max_voices %d out of range", c.Audio.MaxVoices)
	check(c.Audio.QueueSize >= 1, "audio.queue_size must be positive")
	check(c.Audio.StereoSpread > 0 && c.Audio.StereoSpread <= 1, "audio.stereo_spread %v must be in (0,1]", c.Audio.StereoSpread)

	check(c.Stabilizer.Window >= 1 && c.Stabilizer.Window <= stabilizer.MaxWindow, "stabilizer.window %d must be in [1,%d]", c.Stabilizer.Window, stabilizer.MaxWindow)
	if _, err := stabilizer.ParseSensitivity(c.Stabilizer.Sensitivity); err != nil {
		errs = append(errs, fmt.Errorf("stabilizer.sensitivity: %w", err))
	}
	check(c.Stabilizer.Debounce >= 0, "stabilizer.debounce must not be negative")

	check(c.Bus.Buffer >= 1, "bus.buffer must be positive")
	check(c.Bridge.Listen != "", "bridge.listen must be set")
	check(c.Bridge.SynthStateInterval > 0, "bridge.synth_state_interval must be positive")
	check(c.Recorder.SessionsDir != "", "recorder.sessions_dir must be set")
	check(c.Recorder.AudioTapBuffer >= 1, "recorder.audio_tap_buffer must be positive")
	check(c.Playback.Rate >= 0.1 && c.Playback.Rate <= 5, "playback.rate %v must be in [0.1,5]", c.Playback.Rate)
	check(c.Playback.Tick > 0, "playback.tick must be positive")
	check(c.Serial.Baud > 0, "serial.baud must be positive")

	if len(errs) == 0 {
		// these depend on the parsed values above
		if _, err := c.InitialSettings(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fault.New(fault.KindConfiguration, "validate config", errors.Join(errs...))
	}
	return nil
}

// InitialSettings builds the start-up snapshot for the state store
func (c *Config) InitialSettings() (state.Snapshot, error) {
	snap := state.Default()

	left, err := instrument.Parse(c.Instruments.Left)
	if err != nil {
		return snap, fmt.Errorf("instruments.left: %w", err)
	}
	right, err := instrument.Parse(c.Instruments.Right)
	if err != nil {
		return snap, fmt.Errorf("instruments.right: %w", err)
	}
	sens, err := stabilizer.ParseSensitivity(c.Stabilizer.Sensitivity)
	if err != nil {
		return snap, fmt.Errorf("stabilizer.sensitivity: %w", err)
	}

	snap.Assignment = instrument.Assignment{Left: left, Right: right}
	snap.Sensitivity = sens
	snap.Volume[gesture.Left] = c.Audio.Volume.Left
	snap.Volume[gesture.Right] = c.Audio.Volume.Right
	snap.Dynamics = instrument.Dynamics(c.Instruments.Dynamics)
	snap.Effects = append(effects.Chain(nil), c.Effects...)

	if err := snap.Validate(); err != nil {
		return snap, err
	}
	return snap, nil
}

// Patches returns the default instrument patches with the configured
// override file applied
func (c *Config) Patches() (instrument.Patches, error) {
	if c.Instruments.PatchesFile == "" {
		return instrument.DefaultPatches, nil
	}
	return instrument.LoadPatches(expandTilde(c.Instruments.PatchesFile), instrument.DefaultPatches)
}

// Marshal renders the effective configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func defaultSessionsDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "gesturebeats", "sessions")
	}
	return filepath.Join(".", "sessions")
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
