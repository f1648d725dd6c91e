package report

import (
	"cmp"
	"io"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/nao1215/anonctl/internal/control"
	"github.com/nao1215/anonctl/internal/journal"
)

// Writer defines the interface for report output.
// Each method returns the number of bytes written.
type Writer interface {
	// WriteRelays outputs a relay listing.
	WriteRelays(relays []control.RelayInfo) (int, error)

	// WriteCircuits outputs a circuit-status snapshot.
	WriteCircuits(circuits []control.CircuitStatus) (int, error)

	// WriteEvents outputs journaled events.
	WriteEvents(entries []journal.Entry) (int, error)
}

// MultiWriter writes to multiple Writers simultaneously.
// This is useful for outputting to both terminal and file.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a Writer that writes to all provided Writers.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// WriteRelays writes to every Writer, stopping on the first error.
func (m *MultiWriter) WriteRelays(relays []control.RelayInfo) (int, error) {
	return m.each(func(w Writer) (int, error) { return w.WriteRelays(relays) })
}

// WriteCircuits writes to every Writer, stopping on the first error.
func (m *MultiWriter) WriteCircuits(circuits []control.CircuitStatus) (int, error) {
	return m.each(func(w Writer) (int, error) { return w.WriteCircuits(circuits) })
}

// WriteEvents writes to every Writer, stopping on the first error.
func (m *MultiWriter) WriteEvents(entries []journal.Entry) (int, error) {
	return m.each(func(w Writer) (int, error) { return w.WriteEvents(entries) })
}

func (m *MultiWriter) each(write func(Writer) (int, error)) (int, error) {
	var total int
	for _, w := range m.writers {
		n, err := write(w)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// baseWriter provides common functionality for report writers.
type baseWriter struct {
	output io.Writer
}

// newBaseWriter creates a baseWriter with the given output destination.
func newBaseWriter(output io.Writer) baseWriter {
	return baseWriter{output: output}
}

// formatBandwidth renders a consensus weight, which is measured in
// kilobytes per second.
func formatBandwidth(kb int64) string {
	if kb <= 0 {
		return "0 B/s"
	}
	return humanize.Bytes(uint64(kb)*1000) + "/s"
}

// relaySummary holds the totals shown above relay tables.
type relaySummary struct {
	relays    int
	exits     int
	guards    int
	bandwidth int64
}

func summarizeRelays(relays []control.RelayInfo) relaySummary {
	s := relaySummary{relays: len(relays)}
	for _, r := range relays {
		if r.Flags.Has(control.FlagExit) && !r.Flags.Has(control.FlagBadExit) {
			s.exits++
		}
		if r.Flags.Has(control.FlagGuard) {
			s.guards++
		}
		s.bandwidth += r.Bandwidth
	}
	return s
}

// countryCount is the number of relays in one country.
type countryCount struct {
	country string
	count   int
}

// countRelaysByCountry counts relays per country, most populated first.
// Relays without a country are counted as "unknown".
func countRelaysByCountry(relays []control.RelayInfo) []countryCount {
	counts := make(map[string]int)
	for _, r := range relays {
		country := r.Country
		if country == "" {
			country = "unknown"
		}
		counts[country]++
	}

	result := make([]countryCount, 0, len(counts))
	for country, n := range counts {
		result = append(result, countryCount{country: country, count: n})
	}
	slices.SortFunc(result, func(a, b countryCount) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return cmp.Compare(a.country, b.country)
	})
	return result
}

// pathString renders circuit hops as "nick1 > nick2 > nick3", falling back
// to a shortened fingerprint for hops without a nickname.
func pathString(hops []control.Hop) string {
	if len(hops) == 0 {
		return "-"
	}
	names := make([]string, len(hops))
	for i, h := range hops {
		names[i] = h.Nickname
		if names[i] == "" {
			names[i] = "$" + truncateString(h.Fingerprint, 11)
		}
	}
	return strings.Join(names, " > ")
}

// orDash returns "-" for empty strings.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncateString truncates a string to maxLen characters with ellipsis.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
