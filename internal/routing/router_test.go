package routing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/nao1215/anonctl/internal/control"
)

// fakeClient records the calls a Router makes.
type fakeClient struct {
	mu        sync.Mutex
	nextCirc  int
	extended  [][]string
	closed    []int
	attached  [][2]int
	listener  control.Listener
	removed   []control.ListenerID
	disabled  bool
	enabled   bool
	extendErr error
	lookups   int
}

func (f *fakeClient) GetRelays(context.Context) ([]control.RelayInfo, error) {
	return []control.RelayInfo{{Fingerprint: "A"}, {Fingerprint: "B"}}, nil
}

// PopulateCountries places every relay in "de".
func (f *fakeClient) PopulateCountries(_ context.Context, relays []control.RelayInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range relays {
		if relays[i].Country == "" {
			f.lookups++
			relays[i].Country = "de"
		}
	}
	return nil
}

func (f *fakeClient) ExtendCircuit(_ context.Context, opts control.ExtendOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !opts.AwaitBuild {
		return 0, errors.New("route circuits must await their build")
	}
	if f.extendErr != nil && len(f.extended) > 0 {
		return 0, f.extendErr
	}
	f.nextCirc++
	f.extended = append(f.extended, opts.ServerSpecs)
	return f.nextCirc, nil
}

func (f *fakeClient) CloseCircuit(_ context.Context, id int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeClient) AttachStream(_ context.Context, streamID, circuitID, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, [2]int{streamID, circuitID})
	return nil
}

func (f *fakeClient) AddListener(_ context.Context, fn control.Listener, types ...control.EventType) (control.ListenerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Equal(types, []control.EventType{control.EventStream}) {
		return 0, errors.New("unexpected event types")
	}
	f.listener = fn
	return 1, nil
}

func (f *fakeClient) RemoveListener(_ context.Context, id control.ListenerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeClient) DisableStreamAttachment(context.Context) error {
	f.disabled = true
	return nil
}

func (f *fakeClient) EnableStreamAttachment(context.Context) error {
	f.enabled = true
	return nil
}

// fixedSelector returns a path naming the requested exit countries.
type fixedSelector struct{}

func (fixedSelector) SelectPath(_ context.Context, _ []control.RelayInfo, hops int, exits ...string) ([]string, error) {
	path := make([]string, hops)
	for i := range path {
		path[i] = "hop"
	}
	path[hops-1] = "exit-" + strings.Join(exits, "+")
	return path, nil
}

// countrySelector records the relay countries each SelectPath call sees.
type countrySelector struct {
	fixedSelector

	mu   sync.Mutex
	seen [][]string
}

func (s *countrySelector) SelectPath(ctx context.Context, relays []control.RelayInfo, hops int, exits ...string) ([]string, error) {
	countries := make([]string, len(relays))
	for i, r := range relays {
		countries[i] = r.Country
	}
	s.mu.Lock()
	s.seen = append(s.seen, countries)
	s.mu.Unlock()
	return s.fixedSelector.SelectPath(ctx, relays, hops, exits...)
}

func newTestRouter(client Client, routes []Route) *Router {
	return New(client, fixedSelector{}, routes,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithConcurrency(2),
	)
}

func TestRouterStart(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	r := newTestRouter(client, []Route{
		{Target: "IP-API.com", ExitCountries: []string{"de"}},
		{Target: "ipinfo.io", ExitCountries: []string{"nl"}, Hops: 2},
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	circuits := r.Circuits()
	if len(circuits) != 2 || circuits["ip-api.com"] == 0 || circuits["ipinfo.io"] == 0 {
		t.Errorf("Circuits() = %v", circuits)
	}
	if !client.disabled {
		t.Error("stream attachment was not disabled")
	}

	var lengths []int
	for _, p := range client.extended {
		lengths = append(lengths, len(p))
	}
	sort.Ints(lengths)
	if !slices.Equal(lengths, []int{2, DefaultHops}) {
		t.Errorf("path lengths = %v", lengths)
	}
}

func TestRouterResolvesCountriesOnce(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	selector := &countrySelector{}
	r := New(client, selector, []Route{
		{Target: "a.example", ExitCountries: []string{"de"}},
		{Target: "b.example", ExitCountries: []string{"de"}},
		{Target: "c.example"},
	}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithConcurrency(3))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if client.lookups != 2 {
		t.Errorf("country lookups = %d, want 2 for the shared relay list", client.lookups)
	}
	if len(selector.seen) != 3 {
		t.Fatalf("SelectPath calls = %d, want 3", len(selector.seen))
	}
	for _, countries := range selector.seen {
		if !slices.Equal(countries, []string{"de", "de"}) {
			t.Errorf("SelectPath saw countries %q, want resolved ones", countries)
		}
	}
}

func TestRouterAttachesStreams(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	r := newTestRouter(client, []Route{{Target: "api.ipify.org", ExitCountries: []string{"us"}}})
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	circ := r.Circuits()["api.ipify.org"]

	events := []control.Event{
		&control.StreamEvent{StreamID: 10, Status: "NEW", Target: "api.ipify.org:443"},
		&control.StreamEvent{StreamID: 11, Status: "NEW", Target: "example.com:80"},
		&control.StreamEvent{StreamID: 12, Status: "SUCCEEDED", CircuitID: circ, Target: "api.ipify.org:443"},
		&control.StreamEvent{StreamID: 13, Status: "NEW", CircuitID: 5, Target: "api.ipify.org:443"},
		&control.GenericEvent{EventType: control.EventBandwidth},
	}
	for _, ev := range events {
		if err := client.listener(context.Background(), ev); err != nil {
			t.Fatalf("listener error = %v", err)
		}
	}

	want := [][2]int{{10, circ}, {11, 0}}
	if !slices.Equal(client.attached, want) {
		t.Errorf("attached = %v, want %v", client.attached, want)
	}
	if r.Attached() != 1 {
		t.Errorf("Attached() = %d, want 1", r.Attached())
	}
}

func TestRouterStop(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	r := newTestRouter(client, []Route{{Target: "a.example"}, {Target: "b.example"}})
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if !slices.Equal(client.removed, []control.ListenerID{1}) {
		t.Errorf("removed = %v", client.removed)
	}
	if !client.enabled {
		t.Error("stream attachment not restored")
	}
	closed := slices.Clone(client.closed)
	slices.Sort(closed)
	if !slices.Equal(closed, []int{1, 2}) {
		t.Errorf("closed = %v, want [1 2]", closed)
	}
	if len(r.Circuits()) != 0 {
		t.Errorf("Circuits() after Stop = %v", r.Circuits())
	}

	// A second Stop is a no-op.
	if err := r.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestRouterStartFailureCleansUp(t *testing.T) {
	t.Parallel()

	boom := errors.New("extend refused")
	client := &fakeClient{extendErr: boom}
	r := New(client, fixedSelector{}, []Route{{Target: "a.example"}, {Target: "b.example"}},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithConcurrency(1),
	)

	err := r.Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v, want %v", err, boom)
	}
	if !slices.Equal(client.closed, []int{1}) {
		t.Errorf("closed = %v, want the one built circuit", client.closed)
	}
	if client.disabled {
		t.Error("stream attachment disabled despite failure")
	}
	if client.listener != nil {
		t.Error("stream listener installed despite failure")
	}
}

func TestTargetHost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "example.com:443", want: "example.com"},
		{in: "Example.COM:80", want: "example.com"},
		{in: "[2001:db8::1]:443", want: "2001:db8::1"},
		{in: "10.0.0.1:22", want: "10.0.0.1"},
		{in: "noport.example", want: "noport.example"},
		{in: "abc.onion:80", want: "abc.onion"},
	}
	for _, tt := range tests {
		if got := targetHost(tt.in); got != tt.want {
			t.Errorf("targetHost(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
