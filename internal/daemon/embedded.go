package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/nao1215/tornago"
)

// DefaultStartupTimeout is the bootstrap timeout used when none is set.
const DefaultStartupTimeout = 3 * time.Minute

// cookieFileName is the control auth cookie written into the data directory.
const cookieFileName = "control_auth_cookie"

// ErrNotRunning is returned when an operation needs a started daemon.
var ErrNotRunning = errors.New("embedded daemon is not running")

// process is the part of *tornago.TorProcess that Embedded uses.
type process interface {
	SocksAddr() string
	ControlAddr() string
	DataDir() string
	Stop() error
}

// launchFunc starts a daemon and blocks until it has bootstrapped.
type launchFunc func(startupTimeout time.Duration) (process, error)

// launchTornago starts a daemon on OS-assigned ports.
func launchTornago(startupTimeout time.Duration) (process, error) {
	cfg, err := tornago.NewTorLaunchConfig(
		tornago.WithTorSocksAddr(":0"),
		tornago.WithTorControlAddr(":0"),
		tornago.WithTorStartupTimeout(startupTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create launch config: %w", err)
	}
	p, err := tornago.StartTorDaemon(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Embedded manages one daemon process.
type Embedded struct {
	startupTimeout time.Duration
	launch         launchFunc
	logger         *slog.Logger

	mu      sync.Mutex
	process process
}

// Option configures an Embedded daemon.
type Option func(*Embedded)

// WithStartupTimeout sets the maximum time to wait for bootstrap.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(e *Embedded) {
		e.startupTimeout = timeout
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Embedded) {
		e.logger = logger
	}
}

// withLauncher replaces the process launcher in tests.
func withLauncher(launch launchFunc) Option {
	return func(e *Embedded) {
		e.launch = launch
	}
}

// New creates an Embedded daemon. Call Start to launch it.
func New(opts ...Option) *Embedded {
	e := &Embedded{
		startupTimeout: DefaultStartupTimeout,
		launch:         launchTornago,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the daemon and waits for it to bootstrap or for ctx to end.
// If ctx ends first, the daemon is stopped as soon as its launch returns.
func (e *Embedded) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.process != nil {
		return nil
	}

	type result struct {
		p   process
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := e.launch(e.startupTimeout)
		done <- result{p, err}
	}()

	e.logger.Info("starting embedded daemon", "timeout", e.startupTimeout)
	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("failed to start embedded daemon: %w", r.err)
		}
		e.process = r.p
		e.logger.Info("embedded daemon ready",
			"control", r.p.ControlAddr(), "socks", r.p.SocksAddr())
		return nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				_ = r.p.Stop() //nolint:errcheck // Best effort cleanup
			}
		}()
		return ctx.Err()
	}
}

// Stop shuts the daemon down. It is safe to call more than once and on a
// daemon that never started.
func (e *Embedded) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.process == nil {
		return nil
	}
	err := e.process.Stop()
	e.process = nil
	return err
}

// IsRunning reports whether the daemon has been started and not stopped.
func (e *Embedded) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.process != nil
}

// ControlAddr returns the control port address, or "" when not running.
func (e *Embedded) ControlAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.process == nil {
		return ""
	}
	return e.process.ControlAddr()
}

// SocksAddr returns the SOCKS5 port address, or "" when not running.
func (e *Embedded) SocksAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.process == nil {
		return ""
	}
	return e.process.SocksAddr()
}

// CookiePath returns the control auth cookie path for AuthenticateCookie.
func (e *Embedded) CookiePath() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.process == nil {
		return "", ErrNotRunning
	}
	return filepath.Join(e.process.DataDir(), cookieFileName), nil
}
