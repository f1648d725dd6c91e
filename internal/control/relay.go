package control

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/anonctl/internal/metrics"
)

// Relay flags assigned by the directory authorities.
const (
	FlagAuthority = "Authority"
	FlagBadExit   = "BadExit"
	FlagExit      = "Exit"
	FlagFast      = "Fast"
	FlagGuard     = "Guard"
	FlagHSDir     = "HSDir"
	FlagRunning   = "Running"
	FlagStable    = "Stable"
	FlagV2Dir     = "V2Dir"
	FlagValid     = "Valid"
)

// fingerprintPattern is the canonical relay fingerprint form.
var fingerprintPattern = regexp.MustCompile(`^[A-F0-9]{40}$`)

// FlagSet is the set of flags of one relay.
type FlagSet map[string]struct{}

// NewFlagSet builds a FlagSet from flag names.
func NewFlagSet(flags ...string) FlagSet {
	fs := make(FlagSet, len(flags))
	for _, f := range flags {
		if f != "" {
			fs[f] = struct{}{}
		}
	}
	return fs
}

// Has reports whether flag is set.
func (fs FlagSet) Has(flag string) bool {
	_, ok := fs[flag]
	return ok
}

// HasAll reports whether every given flag is set.
func (fs FlagSet) HasAll(flags ...string) bool {
	for _, f := range flags {
		if !fs.Has(f) {
			return false
		}
	}
	return true
}

// List returns the flags sorted by name.
func (fs FlagSet) List() []string {
	list := make([]string, 0, len(fs))
	for f := range fs {
		list = append(list, f)
	}
	slices.Sort(list)
	return list
}

// MarshalJSON encodes the set as a sorted array.
func (fs FlagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(fs.List())
}

// UnmarshalJSON decodes an array of flag names.
func (fs *FlagSet) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*fs = NewFlagSet(list...)
	return nil
}

// RelayInfo describes one relay of the current consensus. Values are built
// fresh for every query and are never cached.
type RelayInfo struct {
	// Fingerprint is 40 uppercase hex characters.
	Fingerprint string  `json:"fingerprint"`
	Nickname    string  `json:"nickname"`
	IP          string  `json:"ip"`
	ORPort      int     `json:"orPort"`
	DirPort     int     `json:"dirPort,omitempty"` // 0 when the relay has none
	Flags       FlagSet `json:"flags"`

	// Bandwidth is the consensus weight.
	Bandwidth int64 `json:"bandwidth"`

	Published time.Time `json:"published,omitzero"`

	// Country is a lower-case ISO 3166 code, empty until looked up.
	Country string `json:"country,omitempty"`
}

// GetRelays issues "GETINFO ns/all" and decodes every router status entry.
func (c *Control) GetRelays(ctx context.Context) ([]RelayInfo, error) {
	return c.networkStatus(ctx, "ns/all")
}

// GetRelayInfo looks up a single relay by fingerprint with
// "GETINFO ns/id/$<fingerprint>".
func (c *Control) GetRelayInfo(ctx context.Context, fingerprint string) (*RelayInfo, error) {
	fingerprint = strings.ToUpper(strings.TrimPrefix(fingerprint, "$"))
	relays, err := c.networkStatus(ctx, "ns/id/$"+fingerprint)
	if err != nil {
		return nil, err
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf("relay %s: %w", fingerprint, ErrNotFound)
	}
	return &relays[0], nil
}

func (c *Control) networkStatus(ctx context.Context, key string) ([]RelayInfo, error) {
	reply, err := c.Send(ctx, "GETINFO "+key)
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}
	value, ok := reply.value(key)
	if !ok {
		return nil, protocolErrorf("unexpected %s reply: %q", key, reply.Message())
	}
	return parseNetworkStatus(value)
}

// parseNetworkStatus decodes v3 router status entries: an "r" line starts
// a relay, "s" carries its flags and "w" its bandwidth.
func parseNetworkStatus(text string) ([]RelayInfo, error) {
	var (
		relays  []RelayInfo
		current *RelayInfo
	)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "r "):
			relay, err := parseRouterLine(line)
			if err != nil {
				return nil, err
			}
			relays = append(relays, relay)
			current = &relays[len(relays)-1]
		case current == nil:
			continue
		case strings.HasPrefix(line, "s ") || line == "s":
			current.Flags = NewFlagSet(strings.Fields(line)[1:]...)
		case strings.HasPrefix(line, "w "):
			current.Bandwidth = parseBandwidth(line)
		}
	}
	return relays, nil
}

// parseRouterLine parses
// "r <nickname> <identity> <digest> <date> <time> <ip> <orport> <dirport>".
func parseRouterLine(line string) (RelayInfo, error) {
	parts := strings.Fields(line)
	if len(parts) < 9 {
		return RelayInfo{}, protocolErrorf("r line too short: %q", line)
	}

	fp, err := decodeFingerprint(parts[2])
	if err != nil {
		return RelayInfo{}, err
	}

	relay := RelayInfo{
		Fingerprint: fp,
		Nickname:    parts[1],
		IP:          parts[6],
		Flags:       FlagSet{},
	}
	relay.ORPort, _ = strconv.Atoi(parts[7])
	relay.DirPort, _ = strconv.Atoi(parts[8])
	if t, err := time.Parse(time.DateTime, parts[4]+" "+parts[5]); err == nil {
		relay.Published = t
	}
	return relay, nil
}

// decodeFingerprint turns a base64 identity into uppercase hex.
func decodeFingerprint(identity string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(identity, "="))
	if err != nil {
		return "", fmt.Errorf("%w: identity %q: %w", ErrDecode, identity, err)
	}
	fp := strings.ToUpper(hex.EncodeToString(raw))
	if !fingerprintPattern.MatchString(fp) {
		return "", fmt.Errorf("%w: identity %q is not a 20 byte digest", ErrDecode, identity)
	}
	return fp, nil
}

// parseBandwidth extracts Bandwidth=<n> from a "w" line.
func parseBandwidth(line string) int64 {
	for _, field := range strings.Fields(line)[1:] {
		if v, ok := strings.CutPrefix(field, "Bandwidth="); ok {
			if bw, err := strconv.ParseInt(v, 10, 64); err == nil && bw >= 0 {
				return bw
			}
		}
	}
	return 0
}

// GetCountry resolves the country of an IP address with
// "GETINFO ip-to-country/<address>". The lookup is bounded by the country
// timeout (one second by default) and fails with ErrTimeout when exceeded.
// Addresses the daemon cannot place yield "".
func (c *Control) GetCountry(ctx context.Context, address string) (string, error) {
	return c.GetCountryWithin(ctx, address, c.countryTimeout)
}

// GetCountryWithin is GetCountry with its own lookup timeout. A timeout of
// zero or less falls back to the client's country timeout.
func (c *Control) GetCountryWithin(ctx context.Context, address string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = c.countryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	key := "ip-to-country/" + address
	reply, err := c.Send(ctx, "GETINFO "+key)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.metrics.RecordCountryLookup(metrics.ResultTimeout)
			return "", fmt.Errorf("%w: country of %s", ErrTimeout, address)
		}
		c.metrics.RecordCountryLookup(metrics.ResultError)
		return "", err
	}
	if err := reply.Err(); err != nil {
		c.metrics.RecordCountryLookup(metrics.ResultRefused)
		return "", err
	}

	value, ok := reply.value(key)
	if !ok {
		c.metrics.RecordCountryLookup(metrics.ResultError)
		return "", protocolErrorf("unexpected ip-to-country reply: %q", reply.Message())
	}
	c.metrics.RecordCountryLookup(metrics.ResultOK)
	if value == "??" {
		return "", nil
	}
	return strings.ToLower(value), nil
}

// PopulateCountries fills in Country for relays that have none. Lookups are
// rate limited; a failed lookup is logged and leaves Country empty. Only a
// canceled ctx or a closed transport aborts the pass.
func (c *Control) PopulateCountries(ctx context.Context, relays []RelayInfo) error {
	for i := range relays {
		if relays[i].Country != "" || relays[i].IP == "" {
			continue
		}
		if err := c.countryLimiter.Wait(ctx); err != nil {
			return err
		}

		country, err := c.GetCountry(ctx, relays[i].IP)
		if err != nil {
			if errors.Is(err, ErrTransportClosed) || ctx.Err() != nil {
				return err
			}
			c.logger.Warn("country lookup failed",
				"fingerprint", relays[i].Fingerprint, "ip", relays[i].IP, "error", err)
			continue
		}
		relays[i].Country = country
	}
	return nil
}

// FilterByFlags returns the relays carrying every given flag.
func FilterByFlags(relays []RelayInfo, flags ...string) []RelayInfo {
	var out []RelayInfo
	for _, r := range relays {
		if r.Flags.HasAll(flags...) {
			out = append(out, r)
		}
	}
	return out
}

// FilterByCountries returns the relays located in one of the given
// countries. Relays without a known country never match; call
// PopulateCountries first.
func FilterByCountries(relays []RelayInfo, countries ...string) []RelayInfo {
	want := make(map[string]struct{}, len(countries))
	for _, cc := range countries {
		want[strings.ToLower(cc)] = struct{}{}
	}

	var out []RelayInfo
	for _, r := range relays {
		if _, ok := want[r.Country]; ok && r.Country != "" {
			out = append(out, r)
		}
	}
	return out
}
