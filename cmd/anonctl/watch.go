package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/anonctl/internal/config"
	"github.com/nao1215/anonctl/internal/control"
	"github.com/nao1215/anonctl/internal/journal"
	"github.com/nao1215/anonctl/internal/metrics"
)

// metricsShutdownTimeout bounds the graceful shutdown of the metrics server.
const metricsShutdownTimeout = 5 * time.Second

// NewWatchCmd creates the watch command.
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print and record control events until interrupted",
		Long: `Watch subscribes to events and prints each one as it arrives. Events
are also recorded in the event journal, which 'anonctl history' reads.

With --metrics, command and event counters are served in the Prometheus
text format at /metrics.

Examples:
  # Stream and circuit events
  anonctl watch

  # Bandwidth and log events, without journaling
  anonctl watch --events BW,NOTICE,WARN --journal=false

  # Serve metrics on the default address (127.0.0.1:9190)
  anonctl watch --metrics`,
		Args: cobra.NoArgs,
		RunE: runWatchCmd,
	}

	cmd.Flags().StringSliceP("events", "e", []string{string(control.EventStream), string(control.EventCirc)},
		"Event types to subscribe to")
	cmd.Flags().Bool("journal", true, "Record events in the event journal")
	cmd.Flags().Duration("retention", 0, "Delete journal entries older than this at startup (0 keeps all)")
	cmd.Flags().String("metrics", "", "Serve Prometheus metrics on this address")
	cmd.Flags().Lookup("metrics").NoOptDefVal = config.DefaultMetricsAddress

	return cmd
}

func runWatchCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Verbose)

	rawTypes, err := cmd.Flags().GetStringSlice("events")
	if err != nil {
		return err
	}
	types, err := parseEventTypes(rawTypes)
	if err != nil {
		return err
	}
	useJournal, err := cmd.Flags().GetBool("journal")
	if err != nil {
		return err
	}
	retention, err := cmd.Flags().GetDuration("retention")
	if err != nil {
		return err
	}
	metricsAddr := ""
	if cmd.Flags().Changed("metrics") {
		metricsAddr = cfg.MetricsAddress
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	var m *metrics.Metrics
	if metricsAddr != "" {
		m = metrics.NewMetrics()
	}

	s, err := openSession(ctx, cfg, logger, control.WithMetrics(m))
	if err != nil {
		return err
	}
	defer s.Close()

	var j *journal.Journal
	if useJournal {
		j, err = openWatchJournal(ctx, cfg.JournalDir, retention, logger)
		if err != nil {
			return err
		}
		defer j.Close()
	}

	if _, err := s.ctl.AddListener(ctx, newEventPrinter(cmd.OutOrStdout(), j, logger), types...); err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s events (press Ctrl+C to stop)\n", joinEventTypes(types))

	g, gctx := errgroup.WithContext(ctx)
	if m != nil {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           metricsMux(m),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "address", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), metricsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.ctl.Done():
			return fmt.Errorf("connection lost: %w", control.ErrTransportClosed)
		}
	})
	return g.Wait()
}

// metricsMux routes /metrics to the registry.
func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

// openWatchJournal opens the journal and drops entries past retention.
func openWatchJournal(ctx context.Context, dir string, retention time.Duration, logger *slog.Logger) (*journal.Journal, error) {
	j, err := journal.Open(dir, journal.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}
	logger.Debug("event journal opened", "path", j.Path())

	if retention > 0 {
		n, err := j.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			_ = j.Close()
			return nil, err
		}
		logger.Info("pruned event journal", "deleted", n)
	}
	return j, nil
}

// newEventPrinter returns a listener printing each event on its own line
// and recording it in j when j is not nil.
func newEventPrinter(w io.Writer, j *journal.Journal, logger *slog.Logger) control.Listener {
	var record control.Listener
	if j != nil {
		record = j.Listener()
	}

	var mu sync.Mutex
	return func(ctx context.Context, ev control.Event) error {
		mu.Lock()
		fmt.Fprintf(w, "%s %s\n", time.Now().Format(time.TimeOnly), formatEvent(ev))
		mu.Unlock()

		if record == nil {
			return nil
		}
		if err := record(ctx, ev); err != nil {
			logger.Warn("failed to record event", "type", ev.Type(), "error", err)
			return err
		}
		return nil
	}
}

// formatEvent renders the decoded fields of an event on one line.
func formatEvent(ev control.Event) string {
	switch e := ev.(type) {
	case *control.StreamEvent:
		line := fmt.Sprintf("STREAM %d %s circuit=%d target=%s", e.StreamID, e.Status, e.CircuitID, e.Target)
		if e.Reason != "" {
			line += " reason=" + e.Reason
		}
		return line
	case *control.CircEvent:
		hops := make([]string, 0, len(e.Path))
		for _, h := range e.Path {
			if h.Nickname != "" {
				hops = append(hops, h.Nickname)
				continue
			}
			hops = append(hops, "$"+h.Fingerprint)
		}
		line := fmt.Sprintf("CIRC %d %s", e.CircuitID, e.Status)
		if len(hops) > 0 {
			line += " path=" + strings.Join(hops, ",")
		}
		if e.Purpose != "" {
			line += " purpose=" + e.Purpose
		}
		if e.Reason != "" {
			line += " reason=" + e.Reason
		}
		return line
	case *control.AddrMapEvent:
		return fmt.Sprintf("ADDRMAP %s -> %s", e.Address, e.MappedAddress)
	case *control.GenericEvent:
		return strings.TrimSpace(string(e.EventType) + " " + e.Data)
	default:
		return ev.Raw()
	}
}

// parseEventTypes upper-cases and deduplicates event type names.
func parseEventTypes(raw []string) ([]control.EventType, error) {
	var types []control.EventType
	seen := make(map[control.EventType]struct{}, len(raw))
	for _, r := range raw {
		t := control.EventType(strings.ToUpper(strings.TrimSpace(r)))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		types = append(types, t)
	}
	if len(types) == 0 {
		return nil, errors.New("no event types given")
	}
	return types, nil
}

func joinEventTypes(types []control.EventType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
