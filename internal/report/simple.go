package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nao1215/anonctl/internal/control"
	"github.com/nao1215/anonctl/internal/journal"
)

// SimpleWriter outputs aligned text tables for terminal display.
type SimpleWriter struct {
	baseWriter

	// verbose shows full fingerprints and raw event payloads.
	verbose bool

	// now is used for relative ages; time.Now when nil.
	now func() time.Time
}

// SimpleWriterOption configures a SimpleWriter.
type SimpleWriterOption func(*SimpleWriter)

// WithVerbose enables verbose output with additional details.
func WithVerbose(verbose bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.verbose = verbose
	}
}

// WithClock sets the clock used to render circuit ages.
func WithClock(now func() time.Time) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.now = now
	}
}

// NewSimpleWriter creates a SimpleWriter that outputs to the given writer.
func NewSimpleWriter(output io.Writer, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{
		baseWriter: newBaseWriter(output),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WriteRelays outputs one row per relay followed by totals.
func (w *SimpleWriter) WriteRelays(relays []control.RelayInfo) (int, error) {
	var sb strings.Builder

	if len(relays) == 0 {
		sb.WriteString("No relays.\n")
		return w.output.Write([]byte(sb.String()))
	}

	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINGERPRINT\tNICKNAME\tADDRESS\tCOUNTRY\tFLAGS\tBANDWIDTH")
	for _, r := range relays {
		fp := r.Fingerprint
		if !w.verbose {
			fp = truncateString(fp, 16)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s:%d\t%s\t%s\t%s\n",
			fp,
			r.Nickname,
			r.IP, r.ORPort,
			orDash(r.Country),
			strings.Join(r.Flags.List(), ","),
			formatBandwidth(r.Bandwidth),
		)
	}
	_ = tw.Flush()

	s := summarizeRelays(relays)
	fmt.Fprintf(&sb, "\n%s relays (%s exits, %s guards), total bandwidth %s\n",
		humanize.Comma(int64(s.relays)),
		humanize.Comma(int64(s.exits)),
		humanize.Comma(int64(s.guards)),
		formatBandwidth(s.bandwidth),
	)
	return w.output.Write([]byte(sb.String()))
}

// WriteCircuits outputs one row per circuit.
func (w *SimpleWriter) WriteCircuits(circuits []control.CircuitStatus) (int, error) {
	var sb strings.Builder

	if len(circuits) == 0 {
		sb.WriteString("No circuits.\n")
		return w.output.Write([]byte(sb.String()))
	}

	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tPURPOSE\tAGE\tPATH")
	for _, c := range circuits {
		age := "-"
		if !c.TimeCreated.IsZero() {
			age = humanize.RelTime(c.TimeCreated, w.now(), "ago", "from now")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			c.CircuitID, c.State, orDash(c.Purpose), age, pathString(c.Relays))
	}
	_ = tw.Flush()
	return w.output.Write([]byte(sb.String()))
}

// WriteEvents outputs journaled events, one per line.
func (w *SimpleWriter) WriteEvents(entries []journal.Entry) (int, error) {
	var sb strings.Builder

	if len(entries) == 0 {
		sb.WriteString("No events.\n")
		return w.output.Write([]byte(sb.String()))
	}

	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRECEIVED\tTYPE\tPAYLOAD")
	for _, e := range entries {
		payload := e.Raw
		if !w.verbose {
			payload, _, _ = strings.Cut(payload, "\n")
			payload = truncateString(payload, 80)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			e.ID, e.Received.UTC().Format(time.RFC3339), e.Type, payload)
	}
	_ = tw.Flush()
	return w.output.Write([]byte(sb.String()))
}
