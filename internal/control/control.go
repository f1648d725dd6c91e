package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nao1215/anonctl/internal/metrics"
)

const (
	// DefaultAddress is the daemon's default control port.
	DefaultAddress = "127.0.0.1:9051"

	// DefaultCountryTimeout bounds a single ip-to-country lookup.
	DefaultCountryTimeout = time.Second

	// replyBuffer is the capacity of the reply channel. Only replies to
	// abandoned commands accumulate here.
	replyBuffer = 32

	// eventPoll is how long the dispatcher waits for a notice before it
	// re-checks the transport.
	eventPoll = 50 * time.Millisecond

	// dispatchGrace is how long the dispatcher keeps draining events after
	// the transport is gone.
	dispatchGrace = 100 * time.Millisecond
)

// Control is a client for one control connection. All methods are safe for
// concurrent use; commands are written one at a time.
type Control struct {
	conn    io.ReadWriteCloser
	logger  *slog.Logger
	metrics *metrics.Metrics

	// permit is the binary semaphore held from write to matching reply.
	permit  chan struct{}
	replies chan *Reply
	events  *eventQueue
	// abandoned counts written commands whose caller stopped waiting. Their
	// replies are still owed by the daemon. Guarded by permit.
	abandoned int

	registry *registry
	// subMu serializes registry changes with the SETEVENTS they trigger.
	subMu sync.Mutex

	authenticated atomic.Bool

	countryLimiter *rate.Limiter
	countryTimeout time.Duration

	// ctx is handed to listeners and canceled when the transport closes.
	ctx    context.Context
	cancel context.CancelFunc

	closed       chan struct{}
	closeOnce    sync.Once
	readerDone   chan struct{}
	dispatchDone chan struct{}
}

// Option configures a Control.
type Option func(*Control)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Control) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records command and event metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Control) {
		c.metrics = m
	}
}

// WithCountryLookupRate throttles the per-relay country lookups made by
// PopulateCountries. The default is 20 lookups per second with a burst of 5.
func WithCountryLookupRate(limit rate.Limit, burst int) Option {
	return func(c *Control) {
		c.countryLimiter = rate.NewLimiter(limit, burst)
	}
}

// WithCountryTimeout sets the deadline of a single country lookup.
func WithCountryTimeout(d time.Duration) Option {
	return func(c *Control) {
		if d > 0 {
			c.countryTimeout = d
		}
	}
}

// Dial connects to the control port at address ("" means DefaultAddress)
// and returns a running client. The connection is not authenticated yet.
func Dial(ctx context.Context, address string, opts ...Option) (*Control, error) {
	if address == "" {
		address = DefaultAddress
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, address, err)
	}

	c := New(conn, opts...)
	c.logger.Debug("connected to control port", "address", address)
	return c, nil
}

// New wraps an established transport and starts the reader loop and the
// event dispatcher. The client owns conn from now on.
func New(conn io.ReadWriteCloser, opts ...Option) *Control {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Control{
		conn:           conn,
		logger:         slog.Default(),
		permit:         make(chan struct{}, 1),
		replies:        make(chan *Reply, replyBuffer),
		events:         newEventQueue(),
		registry:       newRegistry(),
		countryLimiter: rate.NewLimiter(rate.Limit(20), 5),
		countryTimeout: DefaultCountryTimeout,
		ctx:            ctx,
		cancel:         cancel,
		closed:         make(chan struct{}),
		readerDone:     make(chan struct{}),
		dispatchDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	go c.dispatchLoop()
	return c
}

// Send writes one command and returns the daemon's reply to it. Commands
// from concurrent callers are queued; only one is in flight at a time.
//
// The returned error is non-nil only when no reply could be obtained:
// transport and framing failures, or ctx ending first. A 5xx reply is
// returned as is; use Reply.Err to classify it.
func (c *Control) Send(ctx context.Context, command string) (*Reply, error) {
	start := time.Now()
	reply, err := c.send(ctx, command)

	result := metrics.ResultOK
	switch {
	case err != nil:
		result = metrics.ResultError
	case !reply.IsOK():
		result = metrics.ResultRefused
	}
	c.metrics.RecordCommand(commandVerb(command), result, time.Since(start))
	return reply, err
}

func (c *Control) send(ctx context.Context, command string) (*Reply, error) {
	select {
	case c.permit <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrTransportClosed
	}
	defer func() { <-c.permit }()

	c.drainStale()

	if c.isClosed() {
		return nil, ErrTransportClosed
	}

	c.logger.Debug("sending command", "command", redactCommand(command))
	if _, err := io.WriteString(c.conn, command+"\r\n"); err != nil {
		if c.isClosed() {
			return nil, fmt.Errorf("%w: %w", ErrTransportClosed, err)
		}
		return nil, fmt.Errorf("%w: write: %w", ErrTransport, err)
	}

	for {
		select {
		case reply := <-c.replies:
			if c.skipStale(reply) {
				continue
			}
			return c.receive(reply)
		case <-c.readerDone:
			for {
				select {
				case reply := <-c.replies:
					if c.skipStale(reply) {
						continue
					}
					return c.receive(reply)
				default:
					return nil, ErrTransportClosed
				}
			}
		case <-ctx.Done():
			c.abandoned++
			return nil, ctx.Err()
		}
	}
}

// skipStale reports whether reply answers an abandoned command and discards
// it if so. Reader failures are never skipped.
func (c *Control) skipStale(reply *Reply) bool {
	if reply.err != nil || c.abandoned == 0 {
		return false
	}
	c.abandoned--
	c.metrics.RecordStaleReply()
	c.logger.Debug("discarding stale reply", "reply", reply.String(), "pending", c.abandoned)
	return true
}

// receive unpacks replies synthesized by the reader loop.
func (c *Control) receive(reply *Reply) (*Reply, error) {
	if reply.err == nil {
		return reply, nil
	}
	if c.isClosed() && !errors.Is(reply.err, ErrTransportClosed) {
		return nil, fmt.Errorf("%w: %w", ErrTransportClosed, reply.err)
	}
	return nil, reply.err
}

// drainStale discards replies to commands whose caller gave up waiting.
func (c *Control) drainStale() {
	for {
		select {
		case r := <-c.replies:
			if c.skipStale(r) {
				continue
			}
			c.metrics.RecordStaleReply()
			switch {
			case r.err == nil:
				c.logger.Debug("discarding unsolicited reply", "reply", r.String())
			case errors.Is(r.err, ErrTransportClosed):
				c.logger.Debug("discarding stale transport error", "error", r.err)
			default:
				c.logger.Info("discarding stale error reply", "error", r.err)
			}
		default:
			return
		}
	}
}

// Authenticate sends AUTHENTICATE with a password. A 515 reply closes the
// connection and returns an error wrapping ErrAuthentication. On success,
// listeners registered before authentication are subscribed.
func (c *Control) Authenticate(ctx context.Context, password string) error {
	cmd := "AUTHENTICATE"
	if password != "" {
		cmd += " " + quote(password)
	}
	return c.authenticate(ctx, cmd)
}

func (c *Control) authenticate(ctx context.Context, cmd string) error {
	reply, err := c.Send(ctx, cmd)
	if err != nil {
		return err
	}

	switch {
	case reply.Code() == "515":
		c.shutdown()
		return newReplyError(ErrAuthentication, "AUTHENTICATE", reply)
	case !reply.HasPrefix("250"):
		return newReplyError(ErrController, "AUTHENTICATE", reply)
	}

	c.authenticated.Store(true)
	c.logger.Debug("authenticated to control port")

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.registry.empty() {
		return nil
	}
	return c.subscribe(ctx)
}

// Close sends QUIT and closes the transport. It returns once the reader
// loop has stopped; the dispatcher drains for a short grace period after.
func (c *Control) Close() error {
	if c.isClosed() {
		return nil
	}
	if _, err := io.WriteString(c.conn, "QUIT\r\n"); err != nil {
		c.logger.Debug("failed to send QUIT", "error", err)
	}
	c.shutdown()
	<-c.readerDone
	return nil
}

// Done is closed when the event dispatcher has exited after the transport
// closed.
func (c *Control) Done() <-chan struct{} {
	return c.dispatchDone
}

// Closed reports whether the transport has been torn down.
func (c *Control) Closed() bool {
	return c.isClosed()
}

func (c *Control) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// shutdown closes the transport once and cancels the listener context.
func (c *Control) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close control transport", "error", err)
		}
		c.cancel()
	})
}

// commandVerb returns the upper-cased first word of a command.
func commandVerb(command string) string {
	verb, _, _ := strings.Cut(command, " ")
	return strings.ToUpper(verb)
}

// redactCommand hides credentials before a command is logged.
func redactCommand(command string) string {
	if commandVerb(command) == "AUTHENTICATE" && strings.Contains(command, " ") {
		return "AUTHENTICATE ***REDACTED***"
	}
	return command
}

// quote wraps v in double quotes, escaping backslashes and quotes.
func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}
