package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nao1215/anonctl/internal/control"
	"github.com/nao1215/anonctl/internal/pathselect"
	"github.com/nao1215/anonctl/internal/routing"
)

// NewRouteCmd creates the route command.
func NewRouteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route destinations through dedicated circuits",
		Long: `Route builds one circuit per destination and attaches every new stream
to the circuit of its destination host. Streams to other hosts are handed
back to the daemon. Routing runs until interrupted; the circuits are then
closed and automatic stream attachment is restored.

Routes come from --target flags or from the routes section of the config
file. --exit-country and --hops apply to every --target.

Examples:
  # Send example.com through a Swiss exit and example.org through a German one
  anonctl route --target example.com --exit-country ch
  anonctl route --target example.org --exit-country de

  # Use the routes from .anonctl
  anonctl route

Configuration file (.anonctl) example:
  routes:
    - target: example.com
      exit_countries: [ch]
    - target: example.org
      exit_countries: [de, nl]
      hops: 4`,
		Args: cobra.NoArgs,
		RunE: runRouteCmd,
	}

	cmd.Flags().StringSlice("target", nil, "Destination host to route (repeatable)")
	cmd.Flags().StringSlice("exit-country", nil,
		"Allowed exit countries for --target routes (ISO 3166-1 alpha-2)")
	cmd.Flags().Int("hops", routing.DefaultHops, "Path length for --target routes")
	cmd.Flags().Int("concurrency", 4, "Number of circuits built at once")

	return cmd
}

func runRouteCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Verbose)

	targets, err := cmd.Flags().GetStringSlice("target")
	if err != nil {
		return err
	}
	exitCountries, err := cmd.Flags().GetStringSlice("exit-country")
	if err != nil {
		return err
	}
	hops, err := cmd.Flags().GetInt("hops")
	if err != nil {
		return err
	}
	concurrency, err := cmd.Flags().GetInt("concurrency")
	if err != nil {
		return err
	}

	if len(targets) > 0 {
		cfg.Routes = routesFromFlags(targets, exitCountries, hops)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
	}
	if len(cfg.Routes) == 0 {
		return errors.New("no routes given (use --target or the routes section of the config file)")
	}
	routes := withDefaultExits(cfg.Routes, cfg.ExitCountries)

	ctx, stop := signalContext(cmd)
	defer stop()

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	router := routing.New(s.ctl, pathselect.New(s.ctl, pathselect.WithLogger(logger)), routes,
		routing.WithLogger(logger),
		routing.WithConcurrency(concurrency),
	)

	fmt.Fprintf(cmd.ErrOrStderr(), "Building %d circuit(s)...\n", len(routes))
	startCtx, cancelStart := context.WithTimeout(ctx, cfg.CommandTimeout)
	err = router.Start(startCtx)
	cancelStart()
	if err != nil {
		return fmt.Errorf("failed to start routing: %w", err)
	}

	writeRouteTable(cmd.OutOrStdout(), routes, router.Circuits())
	fmt.Fprintln(cmd.ErrOrStderr(), "Routing streams (press Ctrl+C to stop)")

	var runErr error
	select {
	case <-ctx.Done():
	case <-s.ctl.Done():
		runErr = fmt.Errorf("connection lost: %w", control.ErrTransportClosed)
	}

	stopCtx, cancelStop := context.WithTimeout(context.WithoutCancel(ctx), cfg.CommandTimeout)
	defer cancelStop()
	if err := router.Stop(stopCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to stop routing: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Attached %d stream(s)\n", router.Attached())
	return runErr
}

// routesFromFlags builds one route per target sharing exits and hops.
func routesFromFlags(targets, exitCountries []string, hops int) []routing.Route {
	routes := make([]routing.Route, 0, len(targets))
	for _, t := range targets {
		routes = append(routes, routing.Route{
			Target:        t,
			ExitCountries: slices.Clone(exitCountries),
			Hops:          hops,
		})
	}
	return routes
}

// withDefaultExits returns a copy of routes where routes without exit
// countries use defaults.
func withDefaultExits(routes []routing.Route, defaults []string) []routing.Route {
	out := slices.Clone(routes)
	for i := range out {
		if len(out[i].ExitCountries) == 0 {
			out[i].ExitCountries = slices.Clone(defaults)
		}
	}
	return out
}

// writeRouteTable prints the circuit chosen for every route.
func writeRouteTable(w io.Writer, routes []routing.Route, circuits map[string]int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tCIRCUIT\tEXIT COUNTRIES")
	for _, rt := range routes {
		exits := "any"
		if len(rt.ExitCountries) > 0 {
			exits = strings.Join(rt.ExitCountries, ",")
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", rt.Target, circuits[rt.Target], exits)
	}
	_ = tw.Flush()
}
