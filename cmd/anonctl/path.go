package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nao1215/anonctl/internal/config"
	"github.com/nao1215/anonctl/internal/control"
	"github.com/nao1215/anonctl/internal/pathselect"
	"github.com/nao1215/anonctl/internal/routing"
)

// NewPathCmd creates the path command.
func NewPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Select a bandwidth-weighted path",
		Long: `Path selects relays for a circuit the way the daemon would: an exit
first, weighted by bandwidth and optionally restricted to exit countries,
then a guard, then middle relays. No relay is used twice and no two relays
share a country with an exit.

The selected fingerprints are printed guard first. With --build the path
is built as a new circuit.

Examples:
  # Three hop path
  anonctl path

  # Four hops exiting in Switzerland, then build it
  anonctl path --hops 4 --exit-country ch --build`,
		Args: cobra.NoArgs,
		RunE: runPathCmd,
	}

	cmd.Flags().Int("hops", routing.DefaultHops, "Number of relays in the path (at least 2)")
	cmd.Flags().StringSlice("exit-country", nil,
		"Allowed exit countries (ISO 3166-1 alpha-2); default from the config file")
	cmd.Flags().BoolP("build", "b", false, "Build the selected path as a new circuit")

	return cmd
}

func runPathCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Verbose)

	hops, err := cmd.Flags().GetInt("hops")
	if err != nil {
		return err
	}
	build, err := cmd.Flags().GetBool("build")
	if err != nil {
		return err
	}
	exitCountries := cfg.ExitCountries
	if cmd.Flags().Changed("exit-country") {
		raw, err := cmd.Flags().GetStringSlice("exit-country")
		if err != nil {
			return err
		}
		if exitCountries, err = config.NormalizeCountries(raw); err != nil {
			return err
		}
	}

	ctx, cancel := commandContext(cmd, cfg)
	defer cancel()

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	relays, err := s.ctl.GetRelays(ctx)
	if err != nil {
		return fmt.Errorf("failed to get relays: %w", err)
	}

	selector := pathselect.New(s.ctl, pathselect.WithLogger(logger))
	path, err := selector.SelectPath(ctx, relays, hops, exitCountries...)
	if err != nil {
		return fmt.Errorf("failed to select path: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, strings.Join(path, " "))
	if !build {
		return nil
	}

	id, err := s.ctl.ExtendCircuit(ctx, control.ExtendOptions{
		ServerSpecs: path,
		AwaitBuild:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to build circuit: %w", err)
	}
	fmt.Fprintf(out, "Circuit %d\n", id)
	return nil
}
