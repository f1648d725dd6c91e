package control

import (
	"strconv"
	"strings"
	"time"
)

// EventType names an asynchronous event as used by SETEVENTS.
type EventType string

// Event types understood by the daemon.
const (
	EventAddrMap           EventType = "ADDRMAP"
	EventBuildTimeoutSet   EventType = "BUILDTIMEOUT_SET"
	EventBandwidth         EventType = "BW"
	EventCellStats         EventType = "CELL_STATS"
	EventCirc              EventType = "CIRC"
	EventCircBandwidth     EventType = "CIRC_BW"
	EventCircMinor         EventType = "CIRC_MINOR"
	EventConfChanged       EventType = "CONF_CHANGED"
	EventConnBandwidth     EventType = "CONN_BW"
	EventClientsSeen       EventType = "CLIENTS_SEEN"
	EventDebug             EventType = "DEBUG"
	EventDescChanged       EventType = "DESCCHANGED"
	EventErr               EventType = "ERR"
	EventGuard             EventType = "GUARD"
	EventHSDesc            EventType = "HS_DESC"
	EventHSDescContent     EventType = "HS_DESC_CONTENT"
	EventInfo              EventType = "INFO"
	EventNetworkLiveness   EventType = "NETWORK_LIVENESS"
	EventNewConsensus      EventType = "NEWCONSENSUS"
	EventNewDesc           EventType = "NEWDESC"
	EventNotice            EventType = "NOTICE"
	EventNS                EventType = "NS"
	EventORConn            EventType = "ORCONN"
	EventSignal            EventType = "SIGNAL"
	EventStatusClient      EventType = "STATUS_CLIENT"
	EventStatusGeneral     EventType = "STATUS_GENERAL"
	EventStatusServer      EventType = "STATUS_SERVER"
	EventStream            EventType = "STREAM"
	EventStreamBandwidth   EventType = "STREAM_BW"
	EventTransportLaunched EventType = "TRANSPORT_LAUNCHED"
	EventWarn              EventType = "WARN"

	// EventMalformed is the type under which events that failed to decode
	// are delivered, carrying the raw payload.
	EventMalformed EventType = "MALFORMED_EVENTS"
)

// Event is an asynchronous notification from the daemon. The set of
// implementations is fixed: *StreamEvent, *AddrMapEvent, *CircEvent and
// *GenericEvent for everything else.
type Event interface {
	// Type returns the event type name.
	Type() EventType

	// Raw returns the payload as received, without the "650" prefix.
	Raw() string

	event()
}

// StreamEvent reports a stream status change.
type StreamEvent struct {
	StreamID  int
	Status    string
	CircuitID int
	Target    string

	// Optional keyword fields; empty when absent.
	SourceAddr   string
	Purpose      string
	Reason       string
	RemoteReason string
	Source       string

	raw string
}

// Type implements Event.
func (e *StreamEvent) Type() EventType { return EventStream }

// Raw implements Event.
func (e *StreamEvent) Raw() string { return e.raw }

func (e *StreamEvent) event() {}

// AddrMapEvent reports a new address mapping, typically the answer to RESOLVE.
type AddrMapEvent struct {
	Address       string
	MappedAddress string

	// Expires is zero when the mapping never expires or no expiry was sent.
	Expires time.Time

	raw string
}

// Type implements Event.
func (e *AddrMapEvent) Type() EventType { return EventAddrMap }

// Raw implements Event.
func (e *AddrMapEvent) Raw() string { return e.raw }

func (e *AddrMapEvent) event() {}

// CircEvent reports a circuit status change.
type CircEvent struct {
	CircuitID  int
	Status     string
	Path       []Hop
	BuildFlags []string
	Purpose    string
	Reason     string

	raw string
}

// Type implements Event.
func (e *CircEvent) Type() EventType { return EventCirc }

// Raw implements Event.
func (e *CircEvent) Raw() string { return e.raw }

func (e *CircEvent) event() {}

// GenericEvent carries any event type without a dedicated decoder.
type GenericEvent struct {
	EventType EventType

	// Data is the payload after the event type name.
	Data string

	raw string
}

// Type implements Event.
func (e *GenericEvent) Type() EventType { return e.EventType }

// Raw implements Event.
func (e *GenericEvent) Raw() string { return e.raw }

func (e *GenericEvent) event() {}

// eventDecoder decodes the fields following the event type name.
type eventDecoder func(raw string, fields []string) (Event, error)

// eventDecoders is the per-type parser table.
var eventDecoders = map[EventType]eventDecoder{
	EventStream:  decodeStreamEvent,
	EventAddrMap: decodeAddrMapEvent,
	EventCirc:    decodeCircEvent,
}

// decodeEvent decodes an event payload. Unknown types become GenericEvent.
func decodeEvent(payload string) (Event, error) {
	head, _, _ := strings.Cut(payload, "\n")
	fields := splitFields(head)
	if len(fields) == 0 {
		return nil, protocolErrorf("empty event")
	}

	typ := EventType(fields[0])
	if dec, ok := eventDecoders[typ]; ok {
		return dec(payload, fields[1:])
	}

	data := strings.TrimLeft(strings.TrimPrefix(payload, fields[0]), " \n")
	return &GenericEvent{EventType: typ, Data: data, raw: payload}, nil
}

// decodeStreamEvent decodes "STREAM StreamID Status CircID Target [KEY=value...]".
func decodeStreamEvent(raw string, fields []string) (Event, error) {
	if len(fields) < 4 {
		return nil, protocolErrorf("short STREAM event: %q", raw)
	}
	streamID, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, protocolErrorf("invalid stream id %q", fields[0])
	}
	circID, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, protocolErrorf("invalid circuit id %q", fields[2])
	}

	kw := keywordArgs(fields[4:])
	return &StreamEvent{
		StreamID:     streamID,
		Status:       fields[1],
		CircuitID:    circID,
		Target:       fields[3],
		SourceAddr:   kw["SOURCE_ADDR"],
		Purpose:      kw["PURPOSE"],
		Reason:       kw["REASON"],
		RemoteReason: kw["REMOTE_REASON"],
		Source:       kw["SOURCE"],
		raw:          raw,
	}, nil
}

// decodeAddrMapEvent decodes "ADDRMAP Address NewAddress Expiry [KEY=value...]".
// The UTC EXPIRES keyword wins over the positional local-time expiry.
func decodeAddrMapEvent(raw string, fields []string) (Event, error) {
	if len(fields) < 2 {
		return nil, protocolErrorf("short ADDRMAP event: %q", raw)
	}
	ev := &AddrMapEvent{Address: fields[0], MappedAddress: fields[1], raw: raw}

	rest := fields[2:]
	if len(rest) > 0 && !strings.Contains(rest[0], "=") {
		if t, err := parseExpiry(rest[0], time.Local); err == nil {
			ev.Expires = t
		}
		rest = rest[1:]
	}
	if v, ok := keywordArgs(rest)["EXPIRES"]; ok {
		if t, err := parseExpiry(v, time.UTC); err == nil {
			ev.Expires = t
		}
	}
	return ev, nil
}

// decodeCircEvent decodes "CIRC CircuitID Status [Path] [KEY=value...]".
func decodeCircEvent(raw string, fields []string) (Event, error) {
	if len(fields) < 2 {
		return nil, protocolErrorf("short CIRC event: %q", raw)
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, protocolErrorf("invalid circuit id %q", fields[0])
	}

	ev := &CircEvent{CircuitID: id, Status: fields[1], raw: raw}
	rest := fields[2:]
	if len(rest) > 0 && strings.HasPrefix(rest[0], "$") {
		ev.Path = parseHops(rest[0])
		rest = rest[1:]
	}
	kw := keywordArgs(rest)
	if v := kw["BUILD_FLAGS"]; v != "" {
		ev.BuildFlags = strings.Split(v, ",")
	}
	ev.Purpose = kw["PURPOSE"]
	ev.Reason = kw["REASON"]
	return ev, nil
}

// parseExpiry parses an expiry timestamp; "NEVER" yields the zero time.
func parseExpiry(v string, loc *time.Location) (time.Time, error) {
	if v == "NEVER" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(time.DateTime, v, loc)
}

// keywordArgs collects KEY=value tokens with upper-cased keys.
func keywordArgs(fields []string) map[string]string {
	kw := make(map[string]string, len(fields))
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			continue
		}
		kw[strings.ToUpper(key)] = value
	}
	return kw
}

// splitFields splits on spaces, keeping double-quoted sections (which may
// contain spaces) together and stripping the quotes.
func splitFields(s string) []string {
	var (
		fields  []string
		cur     strings.Builder
		inQuote bool
		escaped bool
		started bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case inQuote && r == '\\':
			escaped = true
		case r == '"':
			inQuote = !inQuote
			started = true
		case r == ' ' && !inQuote:
			if started {
				fields = append(fields, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if started {
		fields = append(fields, cur.String())
	}
	return fields
}
