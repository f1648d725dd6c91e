package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nao1215/anonctl/internal/control"
)

// DefaultHops is the path length used when a route does not set one.
const DefaultHops = 3

// Route sends streams for one destination host through its own circuit.
type Route struct {
	// Target is the destination host name or address, without port.
	Target string `yaml:"target" json:"target"`

	// ExitCountries restricts the exit relay; empty allows any country.
	ExitCountries []string `yaml:"exit_countries" json:"exitCountries"`

	// Hops is the path length, DefaultHops when zero.
	Hops int `yaml:"hops" json:"hops"`
}

// Client is the part of *control.Control a Router drives.
type Client interface {
	GetRelays(ctx context.Context) ([]control.RelayInfo, error)
	PopulateCountries(ctx context.Context, relays []control.RelayInfo) error
	ExtendCircuit(ctx context.Context, opts control.ExtendOptions) (int, error)
	CloseCircuit(ctx context.Context, circuitID int, ifUnused bool) error
	AttachStream(ctx context.Context, streamID, circuitID, hop int) error
	AddListener(ctx context.Context, fn control.Listener, types ...control.EventType) (control.ListenerID, error)
	RemoveListener(ctx context.Context, id control.ListenerID) error
	DisableStreamAttachment(ctx context.Context) error
	EnableStreamAttachment(ctx context.Context) error
}

// PathSelector picks relay paths; *pathselect.Selector implements it.
type PathSelector interface {
	SelectPath(ctx context.Context, relays []control.RelayInfo, hopCount int, exitCountries ...string) ([]string, error)
}

// Router owns the circuits of a route table.
type Router struct {
	client      Client
	selector    PathSelector
	routes      []Route
	concurrency int
	logger      *slog.Logger

	mu       sync.RWMutex
	circuits map[string]int
	listener control.ListenerID
	running  bool
	attached int
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithConcurrency sets how many routes are built at once. Default is 4.
func WithConcurrency(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// New creates a Router for routes. Targets are matched case-insensitively.
func New(client Client, selector PathSelector, routes []Route, opts ...Option) *Router {
	r := &Router{
		client:      client,
		selector:    selector,
		concurrency: 4,
		circuits:    make(map[string]int),
	}
	for _, rt := range routes {
		rt.Target = strings.ToLower(strings.TrimSpace(rt.Target))
		if rt.Hops == 0 {
			rt.Hops = DefaultHops
		}
		r.routes = append(r.routes, rt)
	}

	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Start builds a circuit for every route, then takes over stream
// attachment. If any route cannot be built, the circuits built so far are
// closed and the error is returned.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("routing: router already started")
	}
	r.running = true
	r.mu.Unlock()

	if err := r.start(ctx); err != nil {
		cleanupCtx := context.WithoutCancel(ctx)
		r.mu.Lock()
		listener := r.listener
		r.listener = 0
		r.running = false
		r.mu.Unlock()
		if listener != 0 {
			r.removeListener(cleanupCtx, listener)
		}
		r.closeCircuits(cleanupCtx)
		return err
	}
	return nil
}

func (r *Router) start(ctx context.Context) error {
	relays, err := r.client.GetRelays(ctx)
	if err != nil {
		return fmt.Errorf("get relays: %w", err)
	}

	// Resolved once here so concurrent builds share the lookups.
	if err := r.client.PopulateCountries(ctx, relays); err != nil {
		return fmt.Errorf("populate relay countries: %w", err)
	}

	r.logger.Info("building route circuits", "routes", len(r.routes), "relays", len(relays))
	startTime := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, rt := range r.routes {
		g.Go(func() error {
			id, err := r.build(gctx, relays, rt)
			if err != nil {
				return fmt.Errorf("route %s: %w", rt.Target, err)
			}
			r.mu.Lock()
			r.circuits[rt.Target] = id
			r.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.logger.Info("route circuits built", "elapsed", time.Since(startTime))

	id, err := r.client.AddListener(ctx, r.onStream, control.EventStream)
	if err != nil {
		if id != 0 {
			r.removeListener(ctx, id)
		}
		return fmt.Errorf("subscribe stream events: %w", err)
	}
	r.mu.Lock()
	r.listener = id
	r.mu.Unlock()

	if err := r.client.DisableStreamAttachment(ctx); err != nil {
		return fmt.Errorf("disable stream attachment: %w", err)
	}
	return nil
}

func (r *Router) build(ctx context.Context, relays []control.RelayInfo, rt Route) (int, error) {
	path, err := r.selector.SelectPath(ctx, relays, rt.Hops, rt.ExitCountries...)
	if err != nil {
		return 0, err
	}
	id, err := r.client.ExtendCircuit(ctx, control.ExtendOptions{
		ServerSpecs: path,
		Purpose:     control.PurposeGeneral,
		AwaitBuild:  true,
	})
	if err != nil {
		return 0, err
	}
	r.logger.Info("route circuit ready", "target", rt.Target, "circuitId", id, "path", strings.Join(path, ","))
	return id, nil
}

// onStream attaches NEW streams that the daemon left unattached.
func (r *Router) onStream(ctx context.Context, ev control.Event) error {
	se, ok := ev.(*control.StreamEvent)
	if !ok || se.Status != "NEW" || se.CircuitID != 0 {
		return nil
	}

	host := targetHost(se.Target)
	r.mu.Lock()
	circuitID := r.circuits[host]
	if circuitID != 0 {
		r.attached++
	}
	r.mu.Unlock()

	if err := r.client.AttachStream(ctx, se.StreamID, circuitID, 0); err != nil {
		return fmt.Errorf("attach stream %d to circuit %d: %w", se.StreamID, circuitID, err)
	}
	r.logger.Debug("stream attached", "streamId", se.StreamID, "target", se.Target, "circuitId", circuitID)
	return nil
}

// Stop removes the stream listener, restores automatic attachment and
// closes the route circuits. Errors are joined; every step is attempted.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	listener := r.listener
	r.listener = 0
	r.mu.Unlock()

	var errs []error
	if listener != 0 {
		if err := r.client.RemoveListener(ctx, listener); err != nil {
			errs = append(errs, fmt.Errorf("remove stream listener: %w", err))
		}
	}
	if err := r.client.EnableStreamAttachment(ctx); err != nil {
		errs = append(errs, fmt.Errorf("enable stream attachment: %w", err))
	}
	errs = append(errs, r.closeCircuits(ctx)...)
	return errors.Join(errs...)
}

func (r *Router) closeCircuits(ctx context.Context) []error {
	r.mu.Lock()
	circuits := r.circuits
	r.circuits = make(map[string]int)
	r.mu.Unlock()

	var errs []error
	for target, id := range circuits {
		if err := r.client.CloseCircuit(ctx, id, false); err != nil {
			r.logger.Warn("failed to close route circuit", "target", target, "circuitId", id, "error", err)
			errs = append(errs, fmt.Errorf("close circuit %d: %w", id, err))
		}
	}
	return errs
}

func (r *Router) removeListener(ctx context.Context, id control.ListenerID) {
	if err := r.client.RemoveListener(ctx, id); err != nil {
		r.logger.Debug("failed to remove stream listener", "error", err)
	}
}

// Circuits returns the circuit id of every built route by target.
func (r *Router) Circuits() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.circuits)
}

// Attached returns how many streams were attached to route circuits.
func (r *Router) Attached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attached
}

// targetHost strips the port from a stream target.
func targetHost(target string) string {
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		host = target
	}
	return strings.ToLower(host)
}
