package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/anonctl/internal/control"
)

// NewResolveCmd creates the resolve command.
func NewResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <hostname>",
		Short: "Resolve a hostname through the network",
		Long: `Resolve sends RESOLVE for the hostname and waits for the ADDRMAP event
carrying the answer. The lookup is made by an exit relay, not by the
local resolver.

Examples:
  anonctl resolve example.com`,
		Args: cobra.ExactArgs(1),
		RunE: runResolveCmd,
	}
	return cmd
}

func runResolveCmd(cmd *cobra.Command, args []string) error {
	hostname := strings.ToLower(args[0])

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

	answers := make(chan *control.AddrMapEvent, 1)
	id, err := s.ctl.AddListener(ctx, func(_ context.Context, ev control.Event) error {
		am, ok := ev.(*control.AddrMapEvent)
		if !ok || !strings.EqualFold(am.Address, hostname) {
			return nil
		}
		select {
		case answers <- am:
		default:
		}
		return nil
	}, control.EventAddrMap)
	if err != nil {
		return fmt.Errorf("failed to subscribe to address map events: %w", err)
	}
	defer func() {
		_ = s.ctl.RemoveListener(context.WithoutCancel(ctx), id)
	}()

	if err := s.ctl.Resolve(ctx, hostname); err != nil {
		return fmt.Errorf("failed to resolve %s: %w", hostname, err)
	}

	select {
	case am := <-answers:
		return printAddrMap(cmd, am)
	case <-s.ctl.Done():
		return control.ErrTransportClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("no answer for %s within %s", hostname, cfg.CommandTimeout)
		}
		return ctx.Err()
	}
}

// printAddrMap prints one resolved mapping. The daemon reports failed
// lookups as a mapping to "<error>".
func printAddrMap(cmd *cobra.Command, am *control.AddrMapEvent) error {
	if am.MappedAddress == "<error>" {
		return fmt.Errorf("failed to resolve %s", am.Address)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\t%s", am.Address, am.MappedAddress)
	if !am.Expires.IsZero() {
		fmt.Fprintf(out, "\texpires %s", am.Expires.Local().Format(time.DateTime))
	}
	fmt.Fprintln(out)
	return nil
}
