package control

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
)

// Circuit purposes accepted by EXTENDCIRCUIT.
const (
	PurposeGeneral    = "general"
	PurposeController = "controller"
)

// leaveStreamsUnattached is the option that hands new streams to the
// controller instead of attaching them automatically.
const leaveStreamsUnattached = "__LeaveStreamsUnattached"

// ExtendOptions configures ExtendCircuit.
type ExtendOptions struct {
	// CircuitID is 0 to build a new circuit or the id of one to extend.
	CircuitID int

	// ServerSpecs are the relay fingerprints (or nicknames) of the path.
	// When empty the daemon picks the path itself.
	ServerSpecs []string

	// Purpose defaults to PurposeGeneral.
	Purpose string

	// AwaitBuild makes ExtendCircuit wait for the first CIRC event that
	// names the new circuit. That event is not necessarily BUILT; callers
	// that need a finished circuit should check GetCircuit afterwards.
	// Do not set it from inside a Listener: the dispatcher would be blocked
	// waiting for its own event.
	AwaitBuild bool
}

// ExtendCircuit sends EXTENDCIRCUIT and returns the circuit id from the
// "250 EXTENDED <id>" reply. Any other reply fails with ErrOperationFailed.
func (c *Control) ExtendCircuit(ctx context.Context, opts ExtendOptions) (int, error) {
	if opts.Purpose == "" {
		opts.Purpose = PurposeGeneral
	}

	cmd := "EXTENDCIRCUIT " + strconv.Itoa(opts.CircuitID)
	if len(opts.ServerSpecs) > 0 {
		cmd += " " + strings.Join(opts.ServerSpecs, ",")
	}
	cmd += " purpose=" + opts.Purpose

	if !opts.AwaitBuild {
		return c.extendCircuit(ctx, cmd)
	}

	circs := make(chan *CircEvent)
	done := make(chan struct{})

	lid, err := c.AddListener(ctx, func(_ context.Context, ev Event) error {
		if ce, ok := ev.(*CircEvent); ok {
			select {
			case circs <- ce:
			case <-done:
			}
		}
		return nil
	}, EventCirc)
	defer func() {
		close(done)
		if lid != 0 {
			c.removeQuietly(ctx, lid)
		}
	}()
	if err != nil {
		return 0, err
	}

	id, err := c.extendCircuit(ctx, cmd)
	if err != nil {
		return 0, err
	}

	for {
		select {
		case ev := <-circs:
			if ev.CircuitID == id {
				c.logger.Debug("circuit event received", "circuitId", id, "status", ev.Status)
				return id, nil
			}
		case <-ctx.Done():
			return id, ctx.Err()
		case <-c.closed:
			return id, ErrTransportClosed
		}
	}
}

func (c *Control) extendCircuit(ctx context.Context, cmd string) (int, error) {
	reply, err := c.Send(ctx, cmd)
	if err != nil {
		return 0, err
	}
	if !reply.HasPrefix("250 EXTENDED") {
		return 0, newReplyError(ErrOperationFailed, "EXTENDCIRCUIT", reply)
	}

	fields := strings.Fields(reply.Message())
	if len(fields) < 2 {
		return 0, protocolErrorf("EXTENDED reply without circuit id: %q", reply.Message())
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, protocolErrorf("invalid circuit id in %q", reply.Message())
	}
	return id, nil
}

// removeQuietly unregisters a temporary listener, logging failures.
func (c *Control) removeQuietly(ctx context.Context, id ListenerID) {
	if err := c.RemoveListener(context.WithoutCancel(ctx), id); err != nil {
		c.logger.Debug("failed to remove temporary listener", "error", err)
	}
}

// CloseCircuit sends CLOSECIRCUIT. With ifUnused the daemon keeps the
// circuit if streams still use it. Any non-250 reply fails with
// ErrOperationFailed.
func (c *Control) CloseCircuit(ctx context.Context, circuitID int, ifUnused bool) error {
	cmd := "CLOSECIRCUIT " + strconv.Itoa(circuitID)
	if ifUnused {
		cmd += " IfUnused"
	}
	reply, err := c.Send(ctx, cmd)
	if err != nil {
		return err
	}
	if !reply.HasPrefix("250") {
		return newReplyError(ErrOperationFailed, "CLOSECIRCUIT", reply)
	}
	return nil
}

// AttachStream sends ATTACHSTREAM. A circuitID of 0 lets the daemon choose.
// hop, when positive, is the hop at which the stream exits. Refusals map to
// ErrInvalidRequest (552), ErrOperationFailed (551) and
// ErrUnsatisfiableRequest (555); anything else is ErrProtocol.
func (c *Control) AttachStream(ctx context.Context, streamID, circuitID, hop int) error {
	cmd := fmt.Sprintf("ATTACHSTREAM %d %d", streamID, circuitID)
	if hop > 0 {
		cmd += " HOP=" + strconv.Itoa(hop)
	}

	reply, err := c.Send(ctx, cmd)
	if err != nil {
		return err
	}
	switch {
	case reply.HasPrefix("250"):
		return nil
	case reply.HasPrefix("552"):
		return newReplyError(ErrInvalidRequest, "ATTACHSTREAM", reply)
	case reply.HasPrefix("551"):
		return newReplyError(ErrOperationFailed, "ATTACHSTREAM", reply)
	case reply.HasPrefix("555"):
		return newReplyError(ErrUnsatisfiableRequest, "ATTACHSTREAM", reply)
	default:
		return newReplyError(ErrProtocol, "ATTACHSTREAM", reply)
	}
}

// SetConf sets key to values with SETCONF. Each value is trimmed and sent
// quoted; a key given several values is repeated. With no values the key
// is sent bare, which resets it to its default.
func (c *Control) SetConf(ctx context.Context, key string, values ...string) error {
	return c.setOptions(ctx, "SETCONF", confArgs(key, values))
}

// ResetConf resets keys to their defaults with RESETCONF.
func (c *Control) ResetConf(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return errors.New("control: RESETCONF needs at least one key")
	}
	return c.setOptions(ctx, "RESETCONF", keys)
}

func confArgs(key string, values []string) []string {
	if len(values) == 0 {
		return []string{key}
	}
	args := make([]string, 0, len(values))
	for _, v := range values {
		args = append(args, key+"="+quote(strings.TrimSpace(v)))
	}
	return args
}

func (c *Control) setOptions(ctx context.Context, verb string, args []string) error {
	reply, err := c.Send(ctx, verb+" "+strings.Join(args, " "))
	if err != nil {
		return err
	}
	if !reply.HasPrefix("250 OK") {
		return newReplyError(ErrConfig, verb, reply)
	}
	return nil
}

// DisableStreamAttachment stops the daemon from attaching new streams on
// its own; they wait in NEW state for AttachStream.
func (c *Control) DisableStreamAttachment(ctx context.Context) error {
	return c.SetConf(ctx, leaveStreamsUnattached, "1")
}

// EnableStreamAttachment restores automatic stream attachment.
func (c *Control) EnableStreamAttachment(ctx context.Context) error {
	return c.ResetConf(ctx, leaveStreamsUnattached)
}

// Resolve asks the daemon to resolve hostname through the network. The
// answer arrives later as an ADDRMAP event.
func (c *Control) Resolve(ctx context.Context, hostname string) error {
	reply, err := c.Send(ctx, "RESOLVE "+hostname)
	if err != nil {
		return err
	}
	if !reply.HasPrefix("250") {
		return newReplyError(ErrController, "RESOLVE", reply)
	}
	return nil
}

// GetInfo issues one GETINFO for keys and returns their values. Values sent
// as data blocks are joined with "\n".
func (c *Control) GetInfo(ctx context.Context, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return nil, errors.New("control: GETINFO needs at least one key")
	}
	reply, err := c.Send(ctx, "GETINFO "+strings.Join(keys, " "))
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}

	values := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok := reply.value(k)
		if !ok {
			return nil, protocolErrorf("GETINFO reply lacks %q", k)
		}
		values[k] = v
	}
	return values, nil
}

// Authentication methods reported by PROTOCOLINFO.
const (
	AuthNull           = "NULL"
	AuthHashedPassword = "HASHEDPASSWORD"
	AuthCookie         = "COOKIE"
	AuthSafeCookie     = "SAFECOOKIE"
)

// ProtocolInfo is the answer to PROTOCOLINFO.
type ProtocolInfo struct {
	AuthMethods []string
	CookieFile  string
	Version     string
}

// HasMethod reports whether the daemon accepts the auth method.
func (p *ProtocolInfo) HasMethod(method string) bool {
	return slices.Contains(p.AuthMethods, method)
}

// ProtocolInfo sends "PROTOCOLINFO 1". It may be used before
// authentication.
func (c *Control) ProtocolInfo(ctx context.Context) (*ProtocolInfo, error) {
	reply, err := c.Send(ctx, "PROTOCOLINFO 1")
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}

	info := &ProtocolInfo{}
	for _, l := range reply.Lines {
		fields := splitFields(l.Text)
		if len(fields) == 0 {
			continue
		}
		kw := keywordArgs(fields[1:])
		switch fields[0] {
		case "AUTH":
			if m := kw["METHODS"]; m != "" {
				info.AuthMethods = strings.Split(m, ",")
			}
			info.CookieFile = kw["COOKIEFILE"]
		case "VERSION":
			info.Version = kw["TOR"]
		}
	}
	return info, nil
}

// cookieLength is the size of the daemon's authentication cookie.
const cookieLength = 32

// AuthenticateCookie authenticates with the contents of the cookie file at
// path, sent as hex.
func (c *Control) AuthenticateCookie(ctx context.Context, path string) error {
	cookie, err := os.ReadFile(path) //nolint:gosec // path comes from PROTOCOLINFO or the user
	if err != nil {
		return fmt.Errorf("read auth cookie: %w", err)
	}
	if len(cookie) != cookieLength {
		return fmt.Errorf("%w: auth cookie %s has %d bytes, want %d", ErrAuthentication, path, len(cookie), cookieLength)
	}
	return c.authenticate(ctx, "AUTHENTICATE "+strings.ToUpper(hex.EncodeToString(cookie)))
}

// AuthenticateAuto asks PROTOCOLINFO for the accepted methods and uses the
// first that applies: NULL, then the cookie file, then password.
func (c *Control) AuthenticateAuto(ctx context.Context, password string) error {
	info, err := c.ProtocolInfo(ctx)
	if err != nil {
		return err
	}

	switch {
	case info.HasMethod(AuthNull):
		return c.Authenticate(ctx, "")
	case info.HasMethod(AuthCookie) && info.CookieFile != "":
		return c.AuthenticateCookie(ctx, info.CookieFile)
	case info.HasMethod(AuthHashedPassword) && password != "":
		return c.Authenticate(ctx, password)
	default:
		return fmt.Errorf("%w: no usable method among %s", ErrAuthentication, strings.Join(info.AuthMethods, ","))
	}
}
