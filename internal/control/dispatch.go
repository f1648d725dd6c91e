package control

import (
	"fmt"
	"sync"
	"time"
)

// eventQueue is the unbounded event channel between the reader loop and
// the dispatcher. notice has capacity one and acts as the wake signal.
type eventQueue struct {
	mu     sync.Mutex
	items  []string
	notice chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notice: make(chan struct{}, 1)}
}

func (q *eventQueue) push(payload string) {
	q.mu.Lock()
	q.items = append(q.items, payload)
	q.mu.Unlock()

	select {
	case q.notice <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	payload := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return payload, true
}

// dispatchLoop delivers events to listeners in arrival order. After the
// transport closes it keeps draining for dispatchGrace, then exits.
func (c *Control) dispatchLoop() {
	defer close(c.dispatchDone)

	var closedAt time.Time
	for {
		if payload, ok := c.events.pop(); ok {
			c.dispatch(payload)
			continue
		}

		if c.isClosed() {
			if closedAt.IsZero() {
				closedAt = time.Now()
			} else if time.Since(closedAt) >= dispatchGrace {
				return
			}
		}

		select {
		case <-c.events.notice:
		case <-time.After(eventPoll):
		}
	}
}

// dispatch decodes one payload and hands it to every listener of its type.
// Payloads that fail to decode are delivered as EventMalformed.
func (c *Control) dispatch(payload string) {
	ev, err := decodeEvent(payload)
	if err != nil {
		c.logger.Warn("failed to decode event", "error", err)
		ev = &GenericEvent{EventType: EventMalformed, Data: payload, raw: payload}
	}
	c.metrics.RecordEvent(string(ev.Type()))

	for _, fn := range c.registry.listeners(ev.Type()) {
		c.invoke(fn, ev)
	}
}

// invoke runs one listener, containing its errors and panics.
func (c *Control) invoke(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.RecordListenerFailure(string(ev.Type()))
			c.logger.Error("event listener panicked", "type", ev.Type(), "panic", fmt.Sprint(r))
		}
	}()

	if err := fn(c.ctx, ev); err != nil {
		c.metrics.RecordListenerFailure(string(ev.Type()))
		c.logger.Warn("event listener failed", "type", ev.Type(), "error", err)
	}
}
