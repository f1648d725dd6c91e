package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nao1215/anonctl/internal/control"
	"github.com/nao1215/anonctl/internal/report"
)

// NewCircuitsCmd creates the circuits command.
func NewCircuitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circuits",
		Short: "Show the status of every open circuit",
		Long: `Circuits prints the daemon's circuit-status snapshot: id, state,
purpose, age and the relays of each circuit, guard first.

Examples:
  anonctl circuits
  anonctl circuits --markdown -o circuits.md`,
		Args: cobra.NoArgs,
		RunE: runCircuitsCmd,
	}
	addReportFlags(cmd)
	return cmd
}

func runCircuitsCmd(cmd *cobra.Command, _ []string) error {
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

	circuits, err := s.ctl.CircuitStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get circuit status: %w", err)
	}
	return writeReport(cmd, cfg, func(w report.Writer) (int, error) {
		return w.WriteCircuits(circuits)
	})
}

// NewCircuitCmd creates the circuit command and its build/close/show
// subcommands.
func NewCircuitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circuit",
		Short: "Build, inspect or close a single circuit",
	}
	cmd.AddCommand(newCircuitBuildCmd())
	cmd.AddCommand(newCircuitShowCmd())
	cmd.AddCommand(newCircuitCloseCmd())
	return cmd
}

func newCircuitBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [relay...]",
		Short: "Build a new circuit",
		Long: `Build asks the daemon to build a new circuit. Relays are given as
fingerprints or nicknames, guard first. Without relays the daemon picks
the path itself.

Examples:
  # Let the daemon choose the path
  anonctl circuit build

  # Build through three given relays and wait until the circuit is built
  anonctl circuit build --wait $GUARD $MIDDLE $EXIT

  # Extend an existing circuit
  anonctl circuit build --id 12 $EXIT`,
		RunE: runCircuitBuildCmd,
	}
	cmd.Flags().Int("id", 0, "Extend this circuit instead of creating a new one")
	cmd.Flags().String("purpose", "", "Circuit purpose (general or controller)")
	cmd.Flags().BoolP("wait", "w", false, "Wait for the first status event of the new circuit")
	return cmd
}

func runCircuitBuildCmd(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Verbose)

	id, err := cmd.Flags().GetInt("id")
	if err != nil {
		return err
	}
	purpose, err := cmd.Flags().GetString("purpose")
	if err != nil {
		return err
	}
	wait, err := cmd.Flags().GetBool("wait")
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd, cfg)
	defer cancel()

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	circuitID, err := s.ctl.ExtendCircuit(ctx, control.ExtendOptions{
		CircuitID:   id,
		ServerSpecs: args,
		Purpose:     purpose,
		AwaitBuild:  wait,
	})
	if err != nil {
		return fmt.Errorf("failed to build circuit: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Circuit %d\n", circuitID)
	return nil
}

func newCircuitShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one circuit",
		Args:  cobra.ExactArgs(1),
		RunE:  runCircuitShowCmd,
	}
	addReportFlags(cmd)
	return cmd
}

func runCircuitShowCmd(cmd *cobra.Command, args []string) error {
	id, err := parseID("circuit", args[0])
	if err != nil {
		return err
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

	circuit, err := s.ctl.GetCircuit(ctx, id)
	if errors.Is(err, control.ErrNotFound) {
		return fmt.Errorf("circuit %d is not open", id)
	}
	if err != nil {
		return err
	}
	return writeReport(cmd, cfg, func(w report.Writer) (int, error) {
		return w.WriteCircuits([]control.CircuitStatus{*circuit})
	})
}

func newCircuitCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <id>...",
		Short: "Close circuits",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCircuitCloseCmd,
	}
	cmd.Flags().Bool("if-unused", false, "Only close circuits without attached streams")
	return cmd
}

func runCircuitCloseCmd(cmd *cobra.Command, args []string) error {
	ids := make([]int, 0, len(args))
	for _, arg := range args {
		id, err := parseID("circuit", arg)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Verbose)

	ifUnused, err := cmd.Flags().GetBool("if-unused")
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd, cfg)
	defer cancel()

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	var errs []error
	for _, id := range ids {
		if err := s.ctl.CloseCircuit(ctx, id, ifUnused); err != nil {
			errs = append(errs, fmt.Errorf("circuit %d: %w", id, err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Closed circuit %d\n", id)
	}
	return errors.Join(errs...)
}

// parseID parses a stream or circuit id argument.
func parseID(kind, arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid %s id %q", kind, arg)
	}
	return id, nil
}
