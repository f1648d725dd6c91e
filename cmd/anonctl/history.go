package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/anonctl/internal/journal"
	"github.com/nao1215/anonctl/internal/report"
)

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show events recorded by watch",
		Long: `History lists events from the event journal, newest first.
The journal is written by 'anonctl watch' and lives in the XDG data
directory unless the config file names another one.

Examples:
  # Last 100 events
  anonctl history

  # Stream events of the last hour as JSON
  anonctl history --type STREAM --since 1h --json`,
		Args: cobra.NoArgs,
		RunE: runHistoryCmd,
	}

	cmd.Flags().StringP("type", "t", "", "Only show events of this type")
	cmd.Flags().IntP("limit", "n", journal.DefaultLimit, "Maximum number of events")
	cmd.Flags().Duration("since", 0, "Only show events newer than this (e.g. 30m, 24h)")
	addReportFlags(cmd)

	return cmd
}

func runHistoryCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Verbose)

	q := journal.Query{}
	if q.Type, err = cmd.Flags().GetString("type"); err != nil {
		return err
	}
	if q.Limit, err = cmd.Flags().GetInt("limit"); err != nil {
		return err
	}
	since, err := cmd.Flags().GetDuration("since")
	if err != nil {
		return err
	}
	if since > 0 {
		q.Since = time.Now().Add(-since)
	}

	opts := journal.DefaultOptions()
	opts.CreateIfNotExists = false
	j, err := journal.Open(cfg.JournalDir, opts)
	if errors.Is(err, journal.ErrNotExist) {
		return fmt.Errorf("no event journal yet, record events with 'anonctl watch': %w", err)
	}
	if err != nil {
		return err
	}
	defer j.Close()
	logger.Debug("event journal opened", "path", j.Path())

	ctx, cancel := commandContext(cmd, cfg)
	defer cancel()

	entries, err := j.Recent(ctx, q)
	if err != nil {
		return err
	}
	return writeReport(cmd, cfg, func(w report.Writer) (int, error) {
		return w.WriteEvents(entries)
	})
}
