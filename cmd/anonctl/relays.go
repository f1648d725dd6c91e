package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nao1215/anonctl/internal/config"
	"github.com/nao1215/anonctl/internal/control"
	"github.com/nao1215/anonctl/internal/report"
)

// NewRelaysCmd creates the relays command.
func NewRelaysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relays",
		Short: "List relays of the current consensus",
		Long: `Relays lists the relays in the daemon's network status.

Relays can be filtered by flag and by country. Country filtering looks up
the country of every relay through the control port, which is slow for
the full consensus; combine it with --flag to narrow the set first.

Examples:
  # List all relays
  anonctl relays

  # List fast, stable exits
  anonctl relays --flag Exit --flag Fast --flag Stable

  # List exits located in Germany or the Netherlands as Markdown
  anonctl relays --flag Exit --country de --country nl -m

  # Write JSON to a file
  anonctl relays --json -o relays.json`,
		Args: cobra.NoArgs,
		RunE: runRelaysCmd,
	}

	cmd.Flags().StringSliceP("flag", "f", nil,
		"Only list relays carrying every given flag (e.g. Exit, Guard, Fast)")
	cmd.Flags().StringSlice("country", nil,
		"Only list relays located in the given countries (ISO 3166-1 alpha-2)")
	cmd.Flags().Bool("countries", false,
		"Look up the country of every listed relay")
	addReportFlags(cmd)

	return cmd
}

// runRelaysCmd executes the relays command.
func runRelaysCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Verbose)

	flags, err := cmd.Flags().GetStringSlice("flag")
	if err != nil {
		return err
	}
	countries, err := cmd.Flags().GetStringSlice("country")
	if err != nil {
		return err
	}
	countries, err = config.NormalizeCountries(countries)
	if err != nil {
		return err
	}
	lookup, err := cmd.Flags().GetBool("countries")
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

	relays, err := s.ctl.GetRelays(ctx)
	if err != nil {
		return fmt.Errorf("failed to get relays: %w", err)
	}
	if len(flags) > 0 {
		relays = control.FilterByFlags(relays, flags...)
	}
	if len(countries) > 0 || lookup {
		if err := s.ctl.PopulateCountries(ctx, relays); err != nil {
			return fmt.Errorf("failed to look up countries: %w", err)
		}
	}
	if len(countries) > 0 {
		relays = control.FilterByCountries(relays, countries...)
	}

	return writeReport(cmd, cfg, func(w report.Writer) (int, error) {
		return w.WriteRelays(relays)
	})
}
