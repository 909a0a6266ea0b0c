package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/justyntemme/gesturebeats/internal/output"
	"github.com/justyntemme/gesturebeats/pkg/playback"
	"github.com/justyntemme/gesturebeats/pkg/pipeline"
)

// releaseTail covers the longest patch release plus reverb decay
const releaseTail = 2 * time.Second

func NewPlayCmd(deps *Dependencies) *cobra.Command {
	var rate float64
	var backend string

	cmd := &cobra.Command{
		Use:   "play <session-id>",
		Short: "Replay a recorded session through the synthesizer",
		Long:  "Replays the gesture timeline of a session with the current instrument settings.\nThe recorded audio is not used; notes are synthesized again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			if backend != "" {
				cfg.Audio.Backend = backend
			}
			if cmd.Flags().Changed("rate") {
				cfg.Playback.Rate = playback.ClampRate(rate)
			}

			rec, err := deps.Sessions().Get(args[0])
			if err != nil {
				return err
			}
			p, err := pipeline.New(pipeline.Options{Config: cfg, Logger: deps.Logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)

			done := make(chan error, 1)
			go func() { done <- p.Run(ctx) }()
			select {
			case <-p.Ready():
			case err := <-done:
				cancel()
				return err
			}

			f := output.NewFormatter(os.Stdout)
			f.PlaybackStarted(rec.ID, p.Player().Rate())
			started := time.Now()
			playErr := p.Player().Play(ctx, rec)

			// let the last notes ring out
			if playErr == nil {
				select {
				case <-time.After(releaseTail):
				case <-ctx.Done():
				}
			}
			cancel()
			runErr := <-done

			if playErr != nil && !errors.Is(playErr, context.Canceled) {
				return playErr
			}
			f.PlaybackFinished(rec.ID, time.Since(started))
			return runErr
		},
	}

	cmd.Flags().Float64Var(&rate, "rate", playback.DefaultRate, "Playback rate (0.1 to 5)")
	cmd.Flags().StringVarP(&backend, "backend", "b", "", "Audio backend: portaudio, speaker or null")

	return cmd
}
