package pathselect

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/nao1215/anonctl/internal/control"
)

// Role is the position of a hop in a path.
type Role string

// Hop roles.
const (
	RoleGuard  Role = "guard"
	RoleMiddle Role = "middle"
	RoleExit   Role = "exit"
)

// CountryResolver fills in RelayInfo.Country. *control.Control implements
// it with rate-limited ip-to-country lookups.
type CountryResolver interface {
	PopulateCountries(ctx context.Context, relays []control.RelayInfo) error
}

// Selector picks paths. It is safe for concurrent use.
type Selector struct {
	resolver CountryResolver
	logger   *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option configures a Selector.
type Option func(*Selector)

// WithRand sets the random source, e.g. a seeded one in tests.
func WithRand(r *rand.Rand) Option {
	return func(s *Selector) {
		if r != nil {
			s.rnd = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Selector. resolver may be nil when relays already carry
// their countries.
func New(resolver CountryResolver, opts ...Option) *Selector {
	s := &Selector{
		resolver: resolver,
		logger:   slog.Default(),
		rnd:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), //nolint:gosec // path choice is not a secret
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// pathState tracks what the path built so far rules out.
type pathState struct {
	exitCountries     map[string]struct{}
	excludedRelays    map[string]struct{}
	excludedCountries map[string]struct{}
}

func newPathState(exitCountries []string) *pathState {
	st := &pathState{
		exitCountries:     make(map[string]struct{}, len(exitCountries)),
		excludedRelays:    make(map[string]struct{}),
		excludedCountries: make(map[string]struct{}),
	}
	for _, cc := range exitCountries {
		if cc = strings.ToLower(strings.TrimSpace(cc)); cc != "" {
			st.exitCountries[cc] = struct{}{}
		}
	}
	return st
}

func (st *pathState) exclude(r control.RelayInfo) {
	st.excludedRelays[r.Fingerprint] = struct{}{}
	if r.Country != "" {
		st.excludedCountries[r.Country] = struct{}{}
	}
}

func (st *pathState) allowed(r control.RelayInfo) bool {
	if _, ok := st.excludedRelays[r.Fingerprint]; ok {
		return false
	}
	_, ok := st.excludedCountries[r.Country]
	return r.Country == "" || !ok
}

func (st *pathState) isExitCountry(cc string) bool {
	_, ok := st.exitCountries[cc]
	return ok
}

// SelectPath returns hopCount relay fingerprints, guard first and exit
// last. When exitCountries are given the exit is located in one of them
// and the guard in none of them. relays is not modified.
func (s *Selector) SelectPath(ctx context.Context, relays []control.RelayInfo, hopCount int, exitCountries ...string) ([]string, error) {
	if hopCount < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidHopCount, hopCount)
	}

	pool := make([]control.RelayInfo, len(relays))
	copy(pool, relays)
	st := newPathState(exitCountries)

	exit, err := s.choose(ctx, pool, RoleExit, st)
	if err != nil {
		return nil, err
	}
	st.exclude(exit)

	path := make([]string, 0, hopCount)
	for i := range hopCount {
		var relay control.RelayInfo
		switch i {
		case 0:
			relay, err = s.choose(ctx, pool, RoleGuard, st)
		case hopCount - 1:
			relay = exit
		default:
			relay, err = s.choose(ctx, pool, RoleMiddle, st)
		}
		if err != nil {
			return nil, err
		}
		st.exclude(relay)
		path = append(path, relay.Fingerprint)
		s.logger.Debug("selected hop", "position", i+1, "fingerprint", relay.Fingerprint,
			"nickname", relay.Nickname, "country", relay.Country)
	}
	return path, nil
}

// choose draws one relay for role from the pool.
func (s *Selector) choose(ctx context.Context, pool []control.RelayInfo, role Role, st *pathState) (control.RelayInfo, error) {
	var idx []int
	for i := range pool {
		if qualifies(pool[i], role) {
			idx = append(idx, i)
		}
	}
	if err := s.populate(ctx, pool, idx); err != nil {
		return control.RelayInfo{}, err
	}

	var candidates []control.RelayInfo
	for _, i := range idx {
		r := pool[i]
		if !st.allowed(r) {
			continue
		}
		if len(st.exitCountries) > 0 {
			switch role {
			case RoleExit:
				if !st.isExitCountry(r.Country) {
					continue
				}
			case RoleGuard:
				if r.Country == "" || st.isExitCountry(r.Country) {
					continue
				}
			}
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return control.RelayInfo{}, fmt.Errorf("%w for %s hop", ErrNoCandidates, role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return weightedPick(s.rnd, candidates), nil
}

// populate looks up the countries of pool[idx...] and stores them back.
func (s *Selector) populate(ctx context.Context, pool []control.RelayInfo, idx []int) error {
	if s.resolver == nil || len(idx) == 0 {
		return nil
	}
	sub := make([]control.RelayInfo, len(idx))
	for j, i := range idx {
		sub[j] = pool[i]
	}
	if err := s.resolver.PopulateCountries(ctx, sub); err != nil {
		return fmt.Errorf("populate relay countries: %w", err)
	}
	for j, i := range idx {
		pool[i].Country = sub[j].Country
	}
	return nil
}

// qualifies applies the flag requirements of a role.
func qualifies(r control.RelayInfo, role Role) bool {
	f := r.Flags
	switch role {
	case RoleGuard:
		return f.HasAll(control.FlagGuard, control.FlagStable, control.FlagRunning, control.FlagFast) &&
			!f.Has(control.FlagExit)
	case RoleMiddle:
		return f.HasAll(control.FlagStable, control.FlagRunning) &&
			!f.Has(control.FlagExit) && !f.Has(control.FlagGuard)
	case RoleExit:
		return f.Has(control.FlagExit) && !f.Has(control.FlagBadExit)
	default:
		return false
	}
}

// weightedPick draws a candidate with probability bandwidth/total. When
// every bandwidth is zero the draw is uniform. candidates must not be empty.
func weightedPick(rnd *rand.Rand, candidates []control.RelayInfo) control.RelayInfo {
	var total int64
	for _, c := range candidates {
		total += c.Bandwidth
	}
	if total <= 0 {
		return candidates[rnd.IntN(len(candidates))]
	}

	x := rnd.Float64()
	var cumulative float64
	for _, c := range candidates {
		cumulative += float64(c.Bandwidth) / float64(total)
		if x < cumulative {
			return c
		}
	}
	return candidates[len(candidates)-1]
}
