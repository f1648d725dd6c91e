package control

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Hop is one relay of a circuit path.
type Hop struct {
	Fingerprint string `json:"fingerprint"`
	Nickname    string `json:"nickname"`
}

// CircuitStatus is one entry of the daemon's circuit-status snapshot.
type CircuitStatus struct {
	CircuitID int `json:"circuitId"`

	// State is LAUNCHED, BUILT, EXTENDED, FAILED or CLOSED.
	State string `json:"state"`

	// Relays are ordered guard first, exit last.
	Relays []Hop `json:"relays"`

	BuildFlags  []string  `json:"buildFlags"`
	Purpose     string    `json:"purpose"`
	TimeCreated time.Time `json:"timeCreated"`
}

// CircuitStatus issues "GETINFO circuit-status" and decodes every circuit in
// the snapshot.
func (c *Control) CircuitStatus(ctx context.Context) ([]CircuitStatus, error) {
	reply, err := c.Send(ctx, "GETINFO circuit-status")
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}

	value, ok := reply.value("circuit-status")
	if !ok {
		return nil, protocolErrorf("unexpected circuit-status reply: %q", reply.String())
	}
	return parseCircuitStatus(value), nil
}

// GetCircuit returns the circuit with the given id from a fresh snapshot.
// It fails with ErrNotFound when no such circuit is open.
func (c *Control) GetCircuit(ctx context.Context, circuitID int) (*CircuitStatus, error) {
	circuits, err := c.CircuitStatus(ctx)
	if err != nil {
		return nil, err
	}
	for i := range circuits {
		if circuits[i].CircuitID == circuitID {
			return &circuits[i], nil
		}
	}
	c.logger.Debug("circuit not found", "circuitId", circuitID)
	return nil, fmt.Errorf("circuit %d: %w", circuitID, ErrNotFound)
}

// parseCircuitStatus decodes circuit-status lines. Lines whose first token
// is not a circuit id are skipped.
func parseCircuitStatus(text string) []CircuitStatus {
	var circuits []CircuitStatus
	for _, line := range strings.Split(text, "\n") {
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}

		cs := CircuitStatus{CircuitID: id, State: parts[1], Relays: []Hop{}, BuildFlags: []string{}}
		for _, part := range parts[2:] {
			switch {
			case strings.HasPrefix(part, "$"):
				cs.Relays = parseHops(part)
			case strings.HasPrefix(part, "BUILD_FLAGS="):
				cs.BuildFlags = strings.Split(strings.TrimPrefix(part, "BUILD_FLAGS="), ",")
			case strings.HasPrefix(part, "PURPOSE="):
				cs.Purpose = strings.TrimPrefix(part, "PURPOSE=")
			case strings.HasPrefix(part, "TIME_CREATED="):
				cs.TimeCreated = parseTimeCreated(strings.TrimPrefix(part, "TIME_CREATED="))
			}
		}
		circuits = append(circuits, cs)
	}
	return circuits
}

// parseTimeCreated parses a TIME_CREATED value. The daemon omits the zone
// but the value is UTC, so a literal "Z" is appended before parsing.
func parseTimeCreated(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v+"Z")
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseHops splits a comma-joined "$FINGERPRINT~nickname" path. The older
// "$FINGERPRINT=nickname" form is accepted too.
func parseHops(spec string) []Hop {
	var hops []Hop
	for _, part := range strings.Split(spec, ",") {
		if part == "" {
			continue
		}
		part = strings.TrimPrefix(part, "$")
		fp, nick, found := strings.Cut(part, "~")
		if !found {
			fp, nick, _ = strings.Cut(part, "=")
		}
		hops = append(hops, Hop{Fingerprint: fp, Nickname: nick})
	}
	return hops
}
