package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/justyntemme/gesturebeats/internal/output"
	"github.com/justyntemme/gesturebeats/pkg/pipeline"
)

func NewServeCmd(deps *Dependencies) *cobra.Command {
	var listen string
	var backend string
	var upstream string
	var serialDevice string
	var midiPort string
	var record string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the live pipeline and the UI bridge",
		Long:  "Runs the gesture pipeline and serves the WebSocket bridge until interrupted.\nSamples arrive from bridge clients, an upstream vision process or a serial device.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			if listen != "" {
				cfg.Bridge.Listen = listen
			}
			if backend != "" {
				cfg.Audio.Backend = backend
			}
			if upstream != "" {
				cfg.Bridge.Upstream = upstream
			}
			if serialDevice != "" {
				cfg.Serial.Device = serialDevice
			}
			if midiPort != "" {
				cfg.MIDI.Enabled = true
				cfg.MIDI.Port = midiPort
			}

			p, err := pipeline.New(pipeline.Options{Config: cfg, Bridge: true, Logger: deps.Logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			f := output.NewFormatter(os.Stdout)
			done := make(chan error, 1)
			go func() { done <- p.Run(ctx) }()

			if record != "" {
				id, err := p.StartRecording(record)
				if err != nil {
					cancel()
					<-done
					return err
				}
				f.Info("Recording session " + id)
			}
			f.Serving(cfg.Bridge.Listen, p.Engine().Stats().Sink)

			select {
			case err := <-done:
				return err
			case err := <-p.Fatal():
				cancel()
				<-done
				return err
			case <-ctx.Done():
				err := <-done
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				f.Success("Stopped")
				return nil
			}
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Bridge listen address (overrides bridge.listen)")
	cmd.Flags().StringVarP(&backend, "backend", "b", "", "Audio backend: portaudio, speaker or null")
	cmd.Flags().StringVar(&upstream, "upstream", "", "WebSocket URL of a vision process serving gesture samples")
	cmd.Flags().StringVar(&serialDevice, "serial", "", "Serial device emitting JSON gesture samples")
	cmd.Flags().StringVar(&midiPort, "midi", "", "Mirror notes to this MIDI output port")
	cmd.Flags().StringVarP(&record, "record", "r", "", "Start recording a session with this id immediately")

	return cmd
}
