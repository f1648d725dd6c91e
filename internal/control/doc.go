// Package control implements a client for the control port of a
// Tor-protocol anonymity daemon.
//
// One Control owns one connection. Two goroutines run for its lifetime:
//   - the reader loop frames every incoming message and routes it either to
//     the reply channel (synchronous replies) or to the event queue
//     (asynchronous "650" events)
//   - the dispatcher decodes queued events and invokes listeners
//
// Commands go through Send, which holds a one-slot permit from the moment
// a command is written until its reply arrives. The protocol has no request
// ids; replies are matched to commands purely by order. Replies left over
// from commands whose caller gave up (canceled context) are discarded before
// the next command is written.
//
// Listeners run on the dispatcher goroutine and may call back into the
// Control, for example to attach a stream from a STREAM event.
//
// # Errors
//
// Every error wraps one of the package sentinels (ErrTransport,
// ErrController, ErrInvalidRequest, ...), so callers branch with errors.Is.
// Send itself fails only when no reply could be obtained; the daemon's 5xx
// replies are returned and classified by Reply.Err.
//
// There is no reconnection. Once the transport closes every call fails
// with ErrTransportClosed and a new Control has to be created.
//
// # Usage
//
//	c, err := control.Dial(ctx, "127.0.0.1:9051", control.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	if err := c.Authenticate(ctx, password); err != nil {
//	    return err
//	}
//	relays, err := c.GetRelays(ctx)
package control
