package control

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

// Listener receives asynchronous events. It runs on the dispatcher
// goroutine, so events of all types are delivered one at a time in arrival
// order. A listener may issue commands through the same Control. Returned
// errors and panics are logged and do not affect other listeners.
//
// ctx is canceled when the control connection closes.
type Listener func(ctx context.Context, ev Event) error

// ListenerID identifies one AddListener registration.
type ListenerID uint64

type registration struct {
	id ListenerID
	fn Listener
}

// registry maps event types to their listeners in registration order.
type registry struct {
	mu     sync.RWMutex
	nextID ListenerID
	order  []EventType
	byType map[EventType][]registration
}

func newRegistry() *registry {
	return &registry{byType: make(map[EventType][]registration)}
}

// add registers fn for each type and returns its handle.
func (r *registry) add(fn Listener, types []EventType) ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	for _, t := range types {
		regs, ok := r.byType[t]
		if !ok {
			r.order = append(r.order, t)
		}
		if slices.ContainsFunc(regs, func(reg registration) bool { return reg.id == id }) {
			continue
		}
		r.byType[t] = append(regs, registration{id: id, fn: fn})
	}
	return id
}

// remove drops id from every type. found reports whether id was registered
// anywhere and emptied whether some type lost its last listener.
func (r *registry) remove(id ListenerID) (found, emptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range slices.Clone(r.order) {
		regs := r.byType[t]
		kept := slices.DeleteFunc(slices.Clone(regs), func(reg registration) bool { return reg.id == id })
		if len(kept) == len(regs) {
			continue
		}
		found = true
		if len(kept) == 0 {
			emptied = true
			r.dropLocked(t)
			continue
		}
		r.byType[t] = kept
	}
	return found, emptied
}

// drop forgets every listener of the given types.
func (r *registry) drop(types []EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		r.dropLocked(t)
	}
}

func (r *registry) dropLocked(t EventType) {
	delete(r.byType, t)
	r.order = slices.DeleteFunc(r.order, func(o EventType) bool { return o == t })
}

// eventTypes returns the registered types in first-registration order.
func (r *registry) eventTypes() []EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// listeners returns a snapshot of the listeners for t.
func (r *registry) listeners(t EventType) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.byType[t]
	fns := make([]Listener, len(regs))
	for i, reg := range regs {
		fns[i] = reg.fn
	}
	return fns
}

func (r *registry) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order) == 0
}

// AddListener registers fn for the given event types and subscribes the
// union of all registered types with SETEVENTS. If the daemon refuses the
// combined set, each type is tried on its own; refused types are dropped
// from the registry and reported in a *SubscriptionError while accepted
// ones stay active. If the accepted types are then refused as a set, they
// are dropped and reported too. The returned id is valid even when an error is
// returned, as long as at least one type was accepted.
//
// Before Authenticate succeeds the listener is only recorded; the
// subscription is sent after authentication.
func (c *Control) AddListener(ctx context.Context, fn Listener, types ...EventType) (ListenerID, error) {
	if fn == nil {
		return 0, errors.New("control: nil listener")
	}
	if len(types) == 0 {
		return 0, errors.New("control: at least one event type is required")
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.registry.add(fn, types)
	if !c.authenticated.Load() {
		return id, nil
	}
	return id, c.subscribe(ctx)
}

// RemoveListener unregisters a listener from every type. When a type loses
// its last listener the reduced set is resubscribed. Removing an unknown id
// is a no-op.
func (c *Control) RemoveListener(ctx context.Context, id ListenerID) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	found, emptied := c.registry.remove(id)
	if !found || !emptied || !c.authenticated.Load() {
		return nil
	}
	return c.subscribe(ctx)
}

// subscribe sends SETEVENTS for the registry. Callers hold subMu.
func (c *Control) subscribe(ctx context.Context) error {
	types := c.registry.eventTypes()
	ok, err := c.setEvents(ctx, types)
	if err != nil || ok {
		return err
	}

	var accepted, failed []EventType
	if len(types) == 1 {
		failed = types
	} else {
		c.logger.Debug("combined SETEVENTS refused, subscribing individually", "types", types)
		for _, t := range types {
			ok, err := c.setEvents(ctx, []EventType{t})
			if err != nil {
				return err
			}
			if ok {
				accepted = append(accepted, t)
			} else {
				failed = append(failed, t)
			}
		}
		// Each SETEVENTS replaces the previous set, so the survivors have
		// to be sent together once more.
		if len(accepted) > 1 {
			ok, err := c.setEvents(ctx, accepted)
			if err != nil {
				return err
			}
			if !ok {
				c.logger.Debug("SETEVENTS of accepted types refused", "types", accepted)
				failed = types
				accepted = nil
			}
		}
	}
	if len(failed) == 0 {
		return nil
	}

	c.registry.drop(failed)
	if len(accepted) == 0 {
		// A refused SETEVENTS leaves the previous set active.
		if _, err := c.setEvents(ctx, nil); err != nil {
			return err
		}
	}
	names := make([]string, len(failed))
	for i, t := range failed {
		names[i] = string(t)
	}
	c.logger.Warn("event types refused by daemon", "types", strings.Join(names, ","))
	return &SubscriptionError{Failed: names}
}

// setEvents sends one SETEVENTS and reports whether it was accepted.
func (c *Control) setEvents(ctx context.Context, types []EventType) (bool, error) {
	var sb strings.Builder
	sb.WriteString("SETEVENTS")
	for _, t := range types {
		sb.WriteByte(' ')
		sb.WriteString(string(t))
	}
	reply, err := c.Send(ctx, sb.String())
	if err != nil {
		return false, err
	}
	return reply.HasPrefix("250"), nil
}
