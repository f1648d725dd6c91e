package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/anonctl/internal/control"
	"github.com/nao1215/anonctl/internal/journal"
)

const (
	testExitFP  = "7BE683E65D48141321C5ED92F075C55364AC7123"
	testGuardFP = "A1B2C3D4E5F60718293A4B5C6D7E8F9012345678"
)

func testRelays() []control.RelayInfo {
	return []control.RelayInfo{
		{
			Fingerprint: testExitFP,
			Nickname:    "caerSidi",
			IP:          "71.35.133.197",
			ORPort:      9001,
			Flags:       control.NewFlagSet(control.FlagExit, control.FlagFast, control.FlagRunning),
			Bandwidth:   1500,
			Country:     "us",
		},
		{
			Fingerprint: testGuardFP,
			Nickname:    "moria1",
			IP:          "128.31.0.34",
			ORPort:      9101,
			Flags:       control.NewFlagSet(control.FlagGuard, control.FlagStable),
			Bandwidth:   500,
		},
	}
}

func testCircuits(created time.Time) []control.CircuitStatus {
	return []control.CircuitStatus{
		{
			CircuitID: 5,
			State:     "BUILT",
			Relays: []control.Hop{
				{Fingerprint: testGuardFP, Nickname: "moria1"},
				{Fingerprint: testExitFP},
			},
			Purpose:     "GENERAL",
			TimeCreated: created,
		},
		{CircuitID: 6, State: "FAILED"},
	}
}

func testEntries() []journal.Entry {
	return []journal.Entry{
		{
			ID:       2,
			Type:     "CIRC",
			Received: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Raw:      "CIRC 5 BUILT $" + testGuardFP + "~moria1",
		},
		{
			ID:       1,
			Type:     "STREAM",
			Received: time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
			Raw:      "STREAM 7 NEW 0 example.com:443",
		},
	}
}

func assertContains(t *testing.T, output string, wants ...string) {
	t.Helper()
	for _, want := range wants {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, output)
		}
	}
}

func TestSimpleWriter(t *testing.T) {
	t.Parallel()

	t.Run("writes relays with totals", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		n, err := NewSimpleWriter(&buf).WriteRelays(testRelays())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != buf.Len() {
			t.Errorf("returned %d bytes, buffer has %d", n, buf.Len())
		}

		output := buf.String()
		assertContains(t, output,
			"FINGERPRINT", "caerSidi", "71.35.133.197:9001",
			"Exit,Fast,Running", "1.5 MB/s", "500 kB/s",
			"2 relays (1 exits, 1 guards), total bandwidth 2.0 MB/s",
		)
		if strings.Contains(output, testExitFP) {
			t.Error("expected fingerprint to be shortened without verbose")
		}
	})

	t.Run("verbose shows full fingerprints", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf, WithVerbose(true)).WriteRelays(testRelays()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		assertContains(t, buf.String(), testExitFP)
	})

	t.Run("writes empty relay list", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf).WriteRelays(nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if buf.String() != "No relays.\n" {
			t.Errorf("unexpected output %q", buf.String())
		}
	})

	t.Run("writes circuits with age and path", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2026, 1, 2, 3, 10, 0, 0, time.UTC)
		var buf bytes.Buffer
		w := NewSimpleWriter(&buf, WithClock(func() time.Time { return now }))
		if _, err := w.WriteCircuits(testCircuits(now.Add(-3 * time.Minute))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		assertContains(t, buf.String(),
			"ID", "BUILT", "GENERAL", "3 minutes ago",
			"moria1 > $7BE683E6...", "FAILED",
		)
	})

	t.Run("writes events", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewSimpleWriter(&buf).WriteEvents(testEntries()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		assertContains(t, buf.String(), "2026-01-02T03:04:05Z", "STREAM 7 NEW 0 example.com:443")
	})
}

func TestMarkdownWriter(t *testing.T) {
	t.Parallel()

	t.Run("writes relay report", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewMarkdownWriter(&buf).WriteRelays(testRelays()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		assertContains(t, buf.String(),
			"# Relay Report", "Total Bandwidth", "## Countries", "```mermaid",
			"`"+testExitFP+"`", "moria1", "anonctl",
		)
	})

	t.Run("skips chart without countries", func(t *testing.T) {
		t.Parallel()

		relays := testRelays()
		relays[0].Country = ""

		var buf bytes.Buffer
		if _, err := NewMarkdownWriter(&buf).WriteRelays(relays); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if strings.Contains(buf.String(), "mermaid") {
			t.Error("expected no chart when no relay has a country")
		}
	})

	t.Run("writes circuit report with failure warning", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		if _, err := NewMarkdownWriter(&buf).WriteCircuits(testCircuits(created)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		assertContains(t, buf.String(),
			"# Circuit Report", "[!WARNING]", "1 of 2 circuit(s) failed", "2026-01-02 03:04:05",
		)
	})

	t.Run("writes note for empty circuits", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewMarkdownWriter(&buf).WriteCircuits(nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		assertContains(t, buf.String(), "[!NOTE]", "No circuits are open.")
	})

	t.Run("writes event history", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewMarkdownWriter(&buf).WriteEvents(testEntries()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		assertContains(t, buf.String(), "# Event History", "`STREAM 7 NEW 0 example.com:443`")
	})
}

func TestJSONWriter(t *testing.T) {
	t.Parallel()

	t.Run("writes relays", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewJSONWriter(&buf).WriteRelays(testRelays()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var decoded []control.RelayInfo
		if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if len(decoded) != 2 || decoded[0].Fingerprint != testExitFP {
			t.Errorf("decoded = %+v", decoded)
		}
		if !decoded[0].Flags.Has(control.FlagExit) {
			t.Error("flags lost in JSON output")
		}
	})

	t.Run("writes empty arrays instead of null", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name  string
			write func(w *JSONWriter) (int, error)
		}{
			{name: "relays", write: func(w *JSONWriter) (int, error) { return w.WriteRelays(nil) }},
			{name: "circuits", write: func(w *JSONWriter) (int, error) { return w.WriteCircuits(nil) }},
			{name: "events", write: func(w *JSONWriter) (int, error) { return w.WriteEvents(nil) }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()

				var buf bytes.Buffer
				if _, err := tt.write(NewJSONWriter(&buf)); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if buf.String() != "[]\n" {
					t.Errorf("got %q, want %q", buf.String(), "[]\n")
				}
			})
		}
	})

	t.Run("pretty print indents", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if _, err := NewJSONWriter(&buf, WithPrettyPrint()).WriteCircuits(testCircuits(time.Time{})); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		assertContains(t, buf.String(), "\n  {", `"circuitId": 5`)
	})
}

type failingWriter struct{}

func (failingWriter) WriteRelays([]control.RelayInfo) (int, error) { return 0, errors.New("boom") }
func (failingWriter) WriteCircuits([]control.CircuitStatus) (int, error) { return 0, errors.New("boom") }
func (failingWriter) WriteEvents([]journal.Entry) (int, error) { return 0, errors.New("boom") }

func TestMultiWriter(t *testing.T) {
	t.Parallel()

	t.Run("writes to all writers", func(t *testing.T) {
		t.Parallel()

		var text, js bytes.Buffer
		mw := NewMultiWriter(NewSimpleWriter(&text), NewJSONWriter(&js))
		n, err := mw.WriteEvents(testEntries())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != text.Len()+js.Len() {
			t.Errorf("total = %d, want %d", n, text.Len()+js.Len())
		}
	})

	t.Run("stops on first error", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		mw := NewMultiWriter(failingWriter{}, NewSimpleWriter(&buf))
		if _, err := mw.WriteRelays(testRelays()); err == nil {
			t.Fatal("expected error")
		}
		if buf.Len() != 0 {
			t.Error("writer after the failing one should not run")
		}
	})
}

func TestFormatBandwidth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kb   int64
		want string
	}{
		{kb: 0, want: "0 B/s"},
		{kb: -5, want: "0 B/s"},
		{kb: 1, want: "1.0 kB/s"},
		{kb: 500, want: "500 kB/s"},
		{kb: 25000, want: "25 MB/s"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			if got := formatBandwidth(tt.kb); got != tt.want {
				t.Errorf("formatBandwidth(%d) = %q, want %q", tt.kb, got, tt.want)
			}
		})
	}
}
