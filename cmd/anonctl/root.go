package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nao1215/anonctl/internal/config"
)

// NewRootCmd creates the root command for anonctl.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anonctl",
		Short: "Controller for an anonymity daemon's control port",
		Long: `anonctl drives an anonymity daemon through its control port.

It lists relays and circuits, selects and builds paths, attaches streams,
watches and records events, and routes destinations through dedicated
circuits.

By default anonctl connects to the control port at 127.0.0.1:9051.
Use --embedded to start a private daemon instead.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags that apply to all commands
	flags := cmd.PersistentFlags()
	flags.BoolP("verbose", "v", false, "Enable verbose logging")
	flags.String("control", config.DefaultControlAddress, "Control port address (host:port)")
	flags.String("password", "", "Control port password")
	flags.String("cookie", "", "Control auth cookie file")
	flags.StringP("config", "c", "",
		"Configuration file path (default: .anonctl in current or home directory)")
	flags.Bool("embedded", false, "Start an embedded daemon instead of connecting to --control")
	flags.Duration("timeout", config.DefaultCommandTimeout, "Timeout for one-shot commands")

	// Add subcommands
	cmd.AddCommand(NewRelaysCmd())
	cmd.AddCommand(NewCircuitsCmd())
	cmd.AddCommand(NewCircuitCmd())
	cmd.AddCommand(NewPathCmd())
	cmd.AddCommand(NewAttachCmd())
	cmd.AddCommand(NewResolveCmd())
	cmd.AddCommand(NewInfoCmd())
	cmd.AddCommand(NewWatchCmd())
	cmd.AddCommand(NewHistoryCmd())
	cmd.AddCommand(NewRouteCmd())
	cmd.AddCommand(NewFetchCmd())
	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
