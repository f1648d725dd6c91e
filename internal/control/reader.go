package control

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// readLoop frames every message from the transport. Events go to the event
// queue, everything else to the reply channel. When framing or the
// transport fails, a synthesized error reply unblocks any waiting command
// and the loop ends.
func (c *Control) readLoop() {
	defer close(c.readerDone)

	f := newFramer(c.conn)
	for {
		reply, err := f.ReadReply()
		if err != nil {
			err = c.classifyReadError(err)
			c.logger.Debug("control reader stopped", "error", err)
			c.shutdown()
			select {
			case c.replies <- &Reply{err: err}:
			default:
			}
			return
		}

		if reply.isEvent() {
			c.events.push(reply.payload())
			continue
		}

		select {
		case c.replies <- reply:
		case <-c.closed:
			return
		}
	}
}

// classifyReadError maps a framer error onto the package sentinels.
func (c *Control) classifyReadError(err error) error {
	switch {
	case errors.Is(err, ErrProtocol):
		return err
	case c.isClosed(), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	default:
		return fmt.Errorf("%w: read: %w", ErrTransport, err)
	}
}
