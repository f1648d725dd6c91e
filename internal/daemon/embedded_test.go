package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProcess struct {
	stopped atomic.Int32
}

func (p *fakeProcess) SocksAddr() string   { return "127.0.0.1:40001" }
func (p *fakeProcess) ControlAddr() string { return "127.0.0.1:40002" }
func (p *fakeProcess) DataDir() string     { return "/tmp/anonctl-daemon" }
func (p *fakeProcess) Stop() error {
	p.stopped.Add(1)
	return nil
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates with default timeout", func(t *testing.T) {
		t.Parallel()

		e := New()
		if e.startupTimeout != DefaultStartupTimeout {
			t.Errorf("expected default timeout %v, got %v", DefaultStartupTimeout, e.startupTimeout)
		}
	})

	t.Run("applies WithStartupTimeout", func(t *testing.T) {
		t.Parallel()

		e := New(WithStartupTimeout(5 * time.Minute))
		if e.startupTimeout != 5*time.Minute {
			t.Errorf("expected timeout 5m, got %v", e.startupTimeout)
		}
	})
}

func TestEmbedded_NotRunning(t *testing.T) {
	t.Parallel()

	e := New()
	if e.IsRunning() {
		t.Error("expected IsRunning to be false before start")
	}
	if e.ControlAddr() != "" || e.SocksAddr() != "" {
		t.Error("expected empty addresses before start")
	}
	if _, err := e.CookiePath(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Errorf("expected no error stopping unstarted daemon, got %v", err)
	}
}

func TestEmbedded_StartStop(t *testing.T) {
	t.Parallel()

	proc := &fakeProcess{}
	var gotTimeout time.Duration
	e := New(
		WithStartupTimeout(time.Minute),
		withLauncher(func(timeout time.Duration) (process, error) {
			gotTimeout = timeout
			return proc, nil
		}),
	)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if gotTimeout != time.Minute {
		t.Errorf("launcher got timeout %v", gotTimeout)
	}
	if !e.IsRunning() {
		t.Fatal("expected IsRunning after Start")
	}
	if e.ControlAddr() != "127.0.0.1:40002" || e.SocksAddr() != "127.0.0.1:40001" {
		t.Errorf("addresses = %q, %q", e.ControlAddr(), e.SocksAddr())
	}
	cookie, err := e.CookiePath()
	if err != nil {
		t.Fatalf("CookiePath: %v", err)
	}
	if cookie != filepath.Join("/tmp/anonctl-daemon", "control_auth_cookie") {
		t.Errorf("CookiePath = %q", cookie)
	}

	// Second Start is a no-op.
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if n := proc.stopped.Load(); n != 1 {
		t.Errorf("process stopped %d times, want 1", n)
	}
	if e.IsRunning() {
		t.Error("expected IsRunning to be false after Stop")
	}
}

func TestEmbedded_StartFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("tor binary not found")
	e := New(withLauncher(func(time.Duration) (process, error) { return nil, boom }))

	if err := e.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected launch error, got %v", err)
	}
	if e.IsRunning() {
		t.Error("daemon should not be running after a failed start")
	}
}

func TestEmbedded_StartCanceled(t *testing.T) {
	t.Parallel()

	proc := &fakeProcess{}
	release := make(chan struct{})
	launched := make(chan struct{})
	e := New(withLauncher(func(time.Duration) (process, error) {
		<-release
		defer close(launched)
		return proc, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(release)
	<-launched

	deadline := time.Now().Add(2 * time.Second)
	for proc.stopped.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("late process was not stopped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if e.IsRunning() {
		t.Error("canceled start must not leave the daemon running")
	}
}
