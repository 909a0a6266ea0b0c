package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/justyntemme/gesturebeats/internal/output"
	"github.com/justyntemme/gesturebeats/pkg/session"
)

func NewSessionsCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Manage recorded sessions",
	}

	cmd.AddCommand(newSessionsListCmd(deps))
	cmd.AddCommand(newSessionsStatsCmd(deps))
	cmd.AddCommand(newSessionsExportCmd(deps))
	cmd.AddCommand(newSessionsDeleteCmd(deps))
	cmd.AddCommand(newSessionsRecoverCmd(deps))

	return cmd
}

func newSessionsListCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := output.NewFormatter(os.Stdout)

			recs, err := deps.Sessions().List()
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				formatter.Info("No sessions found in " + deps.Config.Recorder.SessionsDir)
				return nil
			}

			formatter.SessionListHeader()
			for _, rec := range recs {
				formatter.SessionListItem(rec)
			}
			return nil
		},
	}
}

func newSessionsStatsCmd(deps *Dependencies) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats <session-id>",
		Short: "Summarize a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := deps.Sessions().Stats(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			output.NewFormatter(os.Stdout).SessionStats(stats)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print stats as JSON")
	return cmd
}

func newSessionsExportCmd(deps *Dependencies) *cobra.Command {
	var format string
	var out string

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session timeline as JSON or CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := session.ParseExportFormat(format)
			if err != nil {
				return err
			}

			w := os.Stdout
			if out != "" && out != "-" {
				file, err := os.Create(out)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}

			bw := bufio.NewWriter(w)
			if err := deps.Sessions().Export(args[0], f, bw); err != nil {
				return err
			}
			if err := bw.Flush(); err != nil {
				return err
			}
			if w != os.Stdout {
				output.NewFormatter(os.Stderr).Success("Exported " + args[0] + " to " + out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", string(session.FormatJSON), "Export format: json or csv")
	cmd.Flags().StringVarP(&out, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func newSessionsDeleteCmd(deps *Dependencies) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			formatter := output.NewFormatter(os.Stdout)

			if !yes {
				fmt.Fprintf(os.Stdout, "Delete session %s? [y/N] ", id)
				answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
				if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
					formatter.Info("Cancelled")
					return nil
				}
			}

			if err := deps.Sessions().Delete(id); err != nil {
				return err
			}
			formatter.Success("Deleted " + id)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func newSessionsRecoverCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "recover [session-id...]",
		Short: "Repair sessions left incomplete by a crash or storage failure",
		Long:  "Rewrites the WAV header of incomplete sessions to match the audio on disk and drops a torn final timeline line.\nWithout arguments every incomplete session is recovered.",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := output.NewFormatter(os.Stdout)
			mgr := deps.Sessions()

			ids := args
			if len(ids) == 0 {
				recs, err := mgr.List()
				if err != nil {
					return err
				}
				for _, rec := range recs {
					if rec.Incomplete() {
						ids = append(ids, rec.ID)
					}
				}
				if len(ids) == 0 {
					formatter.Info("No incomplete sessions")
					return nil
				}
			}

			failed := 0
			for _, id := range ids {
				dir, err := mgr.Path(id)
				if err == nil {
					_, err = session.Recover(dir)
				}
				if err != nil {
					formatter.Error(fmt.Sprintf("%s: %v", id, err))
					failed++
					continue
				}
				formatter.Success("Recovered " + id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d sessions could not be recovered", failed, len(ids))
			}
			return nil
		},
	}
}
