package cli

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/justyntemme/gesturebeats/internal/version"
	"github.com/justyntemme/gesturebeats/pkg/config"
	"github.com/justyntemme/gesturebeats/pkg/logging"
	"github.com/justyntemme/gesturebeats/pkg/session"
)

// Dependencies are filled in by the root command before any subcommand runs
type Dependencies struct {
	Config *config.Config
	Logger *logrus.Logger

	logCloser io.Closer
}

// Sessions returns a manager for the configured sessions directory
func (d *Dependencies) Sessions() *session.Manager {
	return session.NewManager(d.Config.Recorder.SessionsDir, d.Logger.WithField("component", "sessions"))
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	var configPath string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:           "gesturebeats",
		Short:         "Play instruments with hand gestures",
		Long:          "Turns a stream of hand gesture samples into music, records performances and replays them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}

			logger, closer, err := logging.New(logging.Options{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
			})
			if err != nil {
				return err
			}
			logging.SetDefault(logger)

			deps.Config = cfg
			deps.Logger = logger
			deps.logCloser = closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if deps.logCloser != nil {
				return deps.logCloser.Close()
			}
			return nil
		},
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./gesturebeats.yaml or the user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level")

	rootCmd.AddCommand(NewServeCmd(deps))
	rootCmd.AddCommand(NewPlayCmd(deps))
	rootCmd.AddCommand(NewSessionsCmd(deps))
	rootCmd.AddCommand(NewDoctorCmd(deps))
	rootCmd.AddCommand(NewConfigCmd(deps))

	return rootCmd
}
