package control

import (
	"errors"
	"fmt"
	"strings"
)

// Control protocol errors.
// Every error returned by this package wraps one of these sentinels so callers
// can branch with errors.Is regardless of the concrete type.
var (
	// ErrTransport is returned when connecting to, reading from or writing to
	// the control socket fails.
	ErrTransport = errors.New("control transport error")

	// ErrTransportClosed is returned when the control connection has already
	// been torn down. The client does not reconnect; construct a new one.
	ErrTransportClosed = errors.New("control transport closed")

	// ErrProtocol is returned when the daemon sends something that does not
	// follow the reply grammar, or an unexpected reply for a command.
	ErrProtocol = errors.New("control protocol violation")

	// ErrController is returned when the daemon answers a command with a 5xx
	// status that has no more specific meaning.
	ErrController = errors.New("controller error")

	// ErrAuthentication is returned for a 515 reply to AUTHENTICATE.
	ErrAuthentication = errors.New("authentication failed")

	// ErrTimeout is returned when a lookup exceeds its deadline.
	ErrTimeout = errors.New("control request timed out")

	// ErrNotFound is returned when a circuit id is absent from a snapshot.
	ErrNotFound = errors.New("not found")

	// ErrDecode is returned when a relay fingerprint cannot be decoded into
	// 40 uppercase hex characters.
	ErrDecode = errors.New("decode error")

	// ErrInvalidRequest maps the 552 reply of ATTACHSTREAM.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrOperationFailed maps the 551 reply of ATTACHSTREAM and failed
	// EXTENDCIRCUIT / CLOSECIRCUIT commands.
	ErrOperationFailed = errors.New("operation failed")

	// ErrUnsatisfiableRequest maps the 555 reply of ATTACHSTREAM.
	ErrUnsatisfiableRequest = errors.New("unsatisfiable request")

	// ErrConfig is returned when SETCONF or RESETCONF is rejected.
	ErrConfig = errors.New("configuration rejected")
)

// ReplyError carries the daemon reply that caused an operation to fail.
type ReplyError struct {
	// Kind is one of the package sentinels.
	Kind error

	// Command is the command verb that was answered, e.g. "ATTACHSTREAM".
	Command string

	// Code is the three digit status code of the reply.
	Code string

	// Message is the reply text with the status prefix removed.
	Message string
}

// Error implements error.
func (e *ReplyError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("%v: %s %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %v: %s %s", e.Command, e.Kind, e.Code, e.Message)
}

// Unwrap returns the sentinel kind.
func (e *ReplyError) Unwrap() error {
	return e.Kind
}

// newReplyError builds a ReplyError from a reply.
func newReplyError(kind error, command string, r *Reply) *ReplyError {
	e := &ReplyError{Kind: kind, Command: command}
	if r != nil {
		e.Code = r.Code()
		e.Message = r.Message()
	}
	return e
}

// SubscriptionError reports event types the daemon refused to subscribe.
// Types that were accepted stay registered.
type SubscriptionError struct {
	// Failed lists the rejected event type names in registration order.
	Failed []string
}

// Error implements error.
func (e *SubscriptionError) Error() string {
	return "failed to set events: " + strings.Join(e.Failed, ", ")
}

// Unwrap returns ErrController.
func (e *SubscriptionError) Unwrap() error {
	return ErrController
}

// protocolErrorf builds an error wrapping ErrProtocol.
func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
