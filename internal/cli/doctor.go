package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/justyntemme/gesturebeats/internal/output"
	"github.com/justyntemme/gesturebeats/pkg/audio"
	"github.com/justyntemme/gesturebeats/pkg/midiout"
	"github.com/justyntemme/gesturebeats/pkg/source"
)

func NewDoctorCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check audio, MIDI and serial devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := output.NewFormatter(os.Stdout)
			cfg := deps.Config
			ok := true

			for _, b := range []audio.Backend{audio.BackendPortAudio, audio.BackendSpeaker} {
				sink, err := audio.Open(b, cfg.Audio.SampleRate, cfg.Audio.BlockSize)
				if err != nil {
					f.Check("Audio "+string(b), false, err.Error())
					continue
				}
				sink.Close()
				f.Check("Audio "+string(b), true, fmt.Sprintf("opened at %d Hz", cfg.Audio.SampleRate))
			}

			if ports, err := midiout.Ports(); err != nil {
				f.Check("MIDI outputs", !cfg.MIDI.Enabled, err.Error())
				ok = ok && !cfg.MIDI.Enabled
			} else {
				found := len(ports) > 0 || !cfg.MIDI.Enabled
				f.Check("MIDI outputs", found, list(ports))
				ok = ok && found
			}

			if ports, err := source.Ports(); err != nil {
				f.Check("Serial ports", cfg.Serial.Device == "", err.Error())
				ok = ok && cfg.Serial.Device == ""
			} else {
				f.Check("Serial ports", true, list(ports))
			}

			if err := os.MkdirAll(cfg.Recorder.SessionsDir, 0o755); err != nil {
				f.Check("Sessions directory", false, err.Error())
				ok = false
			} else {
				f.Check("Sessions directory", true, cfg.Recorder.SessionsDir)
			}

			if cfg.Source != "" {
				f.Check("Config file", true, cfg.Source)
			} else {
				f.Check("Config file", true, "none found, using defaults")
			}

			if ok {
				f.Success("\nReady to play!")
			} else {
				f.Warning("\nSome configured devices are unavailable.")
			}
			return nil
		},
	}
}

func list(items []string) string {
	if len(items) == 0 {
		return "none found"
	}
	return strings.Join(items, ", ")
}
