package state

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/justyntemme/gesturebeats/pkg/effects"
	"github.com/justyntemme/gesturebeats/pkg/fault"
	"github.com/justyntemme/gesturebeats/pkg/instrument"
)

// settingsVersion is bumped whenever the file layout changes
const settingsVersion = 1

type settingsFile struct {
	Version     int                   `yaml:"version"`
	Instruments instrument.Assignment `yaml:"instruments"`
	Effects     effects.Chain         `yaml:"effects"`
	Sensitivity float64               `yaml:"sensitivity"`
	Volume      struct {
		Left  float64 `yaml:"left"`
		Right float64 `yaml:"right"`
	} `yaml:"volume"`
	Dynamics instrument.Dynamics `yaml:"dynamics"`
}

// Save writes the current settings as YAML
func (s *Store) Save(w io.Writer) error {
	snap := s.Snapshot()
	f := settingsFile{
		Version:     settingsVersion,
		Instruments: snap.Assignment,
		Effects:     snap.Effects,
		Sensitivity: snap.Sensitivity,
		Dynamics:    snap.Dynamics,
	}
	f.Volume.Left = snap.Volume[0]
	f.Volume.Right = snap.Volume[1]

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return fault.New(fault.KindStorageFailure, "save settings", err)
	}
	return enc.Close()
}

// Load replaces the settings with those read from r. Fields missing from
// the file keep their current values.
func (s *Store) Load(r io.Reader) error {
	snap := s.Snapshot()
	f := settingsFile{
		Instruments: snap.Assignment,
		Effects:     snap.Effects,
		Sensitivity: snap.Sensitivity,
		Dynamics:    snap.Dynamics,
	}
	f.Volume.Left = snap.Volume[0]
	f.Volume.Right = snap.Volume[1]

	data, err := io.ReadAll(r)
	if err != nil {
		return fault.New(fault.KindStorageFailure, "load settings", err)
	}
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil && err != io.EOF {
		return fault.New(fault.KindConfiguration, "load settings", err)
	}
	if f.Version > settingsVersion {
		return fault.Newf(fault.KindConfiguration, "load settings",
			"settings version %d is newer than supported version %d", f.Version, settingsVersion)
	}

	_, err = s.Update("load settings", func(n *Snapshot) {
		n.Assignment = f.Instruments
		n.Effects = f.Effects
		n.Sensitivity = f.Sensitivity
		n.Volume[0] = f.Volume.Left
		n.Volume[1] = f.Volume.Right
		n.Dynamics = f.Dynamics
	})
	return err
}

// SaveFile writes the settings atomically to path
func (s *Store) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fault.New(fault.KindStorageFailure, "save settings", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".settings-*.yaml")
	if err != nil {
		return fault.New(fault.KindStorageFailure, "save settings", err)
	}
	defer os.Remove(tmp.Name())

	if err := s.Save(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fault.New(fault.KindStorageFailure, "save settings", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fault.New(fault.KindStorageFailure, "save settings", fmt.Errorf("rename: %w", err))
	}
	return nil
}

// LoadFile reads settings from path
func (s *Store) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fault.New(fault.KindStorageFailure, "load settings", err)
	}
	defer f.Close()
	return s.Load(f)
}
