package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

// defaultInfoKeys are queried when info is called without keys.
var defaultInfoKeys = []string{"version", "status/bootstrap-phase", "traffic/read", "traffic/written"}

// NewInfoCmd creates the info command.
func NewInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info [key...]",
		Short: "Query daemon information with GETINFO",
		Long: `Info sends one GETINFO for the given keys and prints key=value pairs.
Multi-line values are printed below their key.

Without keys, the daemon version, bootstrap phase and traffic counters are
shown.

Examples:
  anonctl info
  anonctl info address config-file
  anonctl info ns/name/moria1`,
		RunE: runInfoCmd,
	}
	cmd.Flags().Bool("protocol", false, "Print PROTOCOLINFO (auth methods and cookie file) instead")
	return cmd
}

func runInfoCmd(cmd *cobra.Command, args []string) error {
	keys := args
	if len(keys) == 0 {
		keys = defaultInfoKeys
	}
	protocol, err := cmd.Flags().GetBool("protocol")
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

	out := cmd.OutOrStdout()
	if protocol {
		info, err := s.ctl.ProtocolInfo(ctx)
		if err != nil {
			return fmt.Errorf("failed to query protocol info: %w", err)
		}
		fmt.Fprintf(out, "version=%s\n", info.Version)
		fmt.Fprintf(out, "auth-methods=%s\n", strings.Join(info.AuthMethods, ","))
		fmt.Fprintf(out, "cookie-file=%s\n", info.CookieFile)
		return nil
	}

	values, err := s.ctl.GetInfo(ctx, keys...)
	if err != nil {
		return fmt.Errorf("failed to query info: %w", err)
	}
	writeInfo(cmd, keys, values)
	return nil
}

// writeInfo prints values in the order of keys, deduplicated.
func writeInfo(cmd *cobra.Command, keys []string, values map[string]string) {
	out := cmd.OutOrStdout()
	var seen []string
	for _, k := range keys {
		if slices.Contains(seen, k) {
			continue
		}
		seen = append(seen, k)

		v := values[k]
		if strings.Contains(v, "\n") {
			fmt.Fprintf(out, "%s=\n%s\n", k, v)
			continue
		}
		fmt.Fprintf(out, "%s=%s\n", k, v)
	}
}
