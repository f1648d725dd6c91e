package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewAttachCmd creates the attach command.
func NewAttachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <stream> <circuit>",
		Short: "Attach a stream to a circuit",
		Long: `Attach sends ATTACHSTREAM for a stream that the daemon left unattached.
Circuit 0 hands the stream back to the daemon.

Streams are only left unattached while a controller has disabled automatic
attachment, for example while 'anonctl route' is running.

Examples:
  anonctl attach 42 7
  anonctl attach 42 7 --hop 2`,
		Args: cobra.ExactArgs(2),
		RunE: runAttachCmd,
	}
	cmd.Flags().Int("hop", 0, "Exit the stream at this hop of the circuit (0 for the last)")
	return cmd
}

func runAttachCmd(cmd *cobra.Command, args []string) error {
	streamID, err := parseID("stream", args[0])
	if err != nil {
		return err
	}
	circuitID, err := parseID("circuit", args[1])
	if err != nil {
		return err
	}
	hop, err := cmd.Flags().GetInt("hop")
	if err != nil {
		return err
	}
	if hop < 0 {
		return fmt.Errorf("invalid hop %d", hop)
	}

	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Verbose)

	ctx, cancel := commandContext(cmd, cfg)
	defer cancel()

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.ctl.AttachStream(ctx, streamID, circuitID, hop); err != nil {
		return fmt.Errorf("failed to attach stream %d: %w", streamID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Attached stream %d to circuit %d\n", streamID, circuitID)
	return nil
}
