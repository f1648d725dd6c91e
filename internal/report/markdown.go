package report

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/nao1215/anonctl/internal/control"
	"github.com/nao1215/anonctl/internal/journal"
)

// maxChartCountries is the number of pie slices before the rest are grouped
// as "other".
const maxChartCountries = 8

// MarkdownWriter outputs reports in GitHub Flavored Markdown, built with
// nao1215/markdown.
type MarkdownWriter struct {
	baseWriter
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{
		baseWriter: newBaseWriter(output),
	}
}

// WriteRelays outputs a summary, a country chart and the relay table.
func (w *MarkdownWriter) WriteRelays(relays []control.RelayInfo) (int, error) {
	md := markdown.NewMarkdown(w.output)

	md.H1("Relay Report")
	md.PlainText("")

	s := summarizeRelays(relays)
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Relays", humanize.Comma(int64(s.relays))},
			{"Exits", humanize.Comma(int64(s.exits))},
			{"Guards", humanize.Comma(int64(s.guards))},
			{"Total Bandwidth", formatBandwidth(s.bandwidth)},
		},
	})
	md.PlainText("")

	if len(relays) == 0 {
		md.Note("No relays matched.")
		md.PlainText("")
		w.writeFooter(md)
		return len(md.String()), md.Build()
	}

	if hasCountries(relays) {
		w.writeCountryChart(md, relays)
	}

	rows := make([][]string, len(relays))
	for i, r := range relays {
		rows[i] = []string{
			"`" + r.Fingerprint + "`",
			r.Nickname,
			r.IP + ":" + strconv.Itoa(r.ORPort),
			orDash(r.Country),
			strings.Join(r.Flags.List(), ", "),
			formatBandwidth(r.Bandwidth),
		}
	}
	md.H2("Relays")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Fingerprint", "Nickname", "Address", "Country", "Flags", "Bandwidth"},
		Rows:   rows,
	})
	md.PlainText("")

	w.writeFooter(md)
	return len(md.String()), md.Build()
}

// writeCountryChart writes a mermaid pie chart of relays per country.
func (w *MarkdownWriter) writeCountryChart(md *markdown.Markdown, relays []control.RelayInfo) {
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Relays by Country"),
		piechart.WithShowData(true),
	)

	var other int
	for i, cc := range countRelaysByCountry(relays) {
		if i >= maxChartCountries {
			other += cc.count
			continue
		}
		chart.LabelAndIntValue(cc.country, uint64(cc.count))
	}
	if other > 0 {
		chart.LabelAndIntValue("other", uint64(other))
	}

	md.H2("Countries")
	md.PlainText("")
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

// WriteCircuits outputs the circuit table and flags failed circuits.
func (w *MarkdownWriter) WriteCircuits(circuits []control.CircuitStatus) (int, error) {
	md := markdown.NewMarkdown(w.output)

	md.H1("Circuit Report")
	md.PlainText("")

	if len(circuits) == 0 {
		md.Note("No circuits are open.")
		md.PlainText("")
		w.writeFooter(md)
		return len(md.String()), md.Build()
	}

	var failed int
	rows := make([][]string, len(circuits))
	for i, c := range circuits {
		if c.State == "FAILED" {
			failed++
		}
		created := "-"
		if !c.TimeCreated.IsZero() {
			created = c.TimeCreated.UTC().Format(time.DateTime)
		}
		rows[i] = []string{
			strconv.Itoa(c.CircuitID),
			c.State,
			orDash(c.Purpose),
			created,
			pathString(c.Relays),
		}
	}

	if failed > 0 {
		md.Warningf("%d of %d circuit(s) failed.", failed, len(circuits))
		md.PlainText("")
	}
	md.Table(markdown.TableSet{
		Header: []string{"ID", "State", "Purpose", "Created (UTC)", "Path"},
		Rows:   rows,
	})
	md.PlainText("")

	w.writeFooter(md)
	return len(md.String()), md.Build()
}

// WriteEvents outputs journaled events as a table.
func (w *MarkdownWriter) WriteEvents(entries []journal.Entry) (int, error) {
	md := markdown.NewMarkdown(w.output)

	md.H1("Event History")
	md.PlainText("")

	if len(entries) == 0 {
		md.Note("No events recorded.")
		md.PlainText("")
		w.writeFooter(md)
		return len(md.String()), md.Build()
	}

	rows := make([][]string, len(entries))
	for i, e := range entries {
		payload, _, _ := strings.Cut(e.Raw, "\n")
		rows[i] = []string{
			strconv.FormatInt(e.ID, 10),
			e.Received.UTC().Format(time.RFC3339),
			e.Type,
			"`" + truncateString(payload, 80) + "`",
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"ID", "Received", "Type", "Payload"},
		Rows:   rows,
	})
	md.PlainText("")

	w.writeFooter(md)
	return len(md.String()), md.Build()
}

// writeFooter writes the report footer.
func (w *MarkdownWriter) writeFooter(md *markdown.Markdown) {
	md.HorizontalRule()
	md.PlainText("")
	md.PlainTextf("*Report generated by [anonctl](https://github.com/nao1215/anonctl)*")
}

func hasCountries(relays []control.RelayInfo) bool {
	for _, r := range relays {
		if r.Country != "" {
			return true
		}
	}
	return false
}
