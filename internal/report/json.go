package report

import (
	"encoding/json"
	"io"

	"github.com/nao1215/anonctl/internal/control"
	"github.com/nao1215/anonctl/internal/journal"
)

// JSONWriter outputs reports in JSON format for tool integration.
// Empty listings are written as [] rather than null.
type JSONWriter struct {
	baseWriter

	// indent enables pretty-printed JSON output.
	// When false, output is compact (no extra whitespace).
	indent bool

	// indentPrefix is the prefix for each line in indented output.
	indentPrefix string

	// indentString is the indentation string (typically "  " or "\t").
	indentString string
}

// JSONWriterOption configures a JSONWriter.
type JSONWriterOption func(*JSONWriter)

// WithIndent enables pretty-printed JSON output.
// The prefix is prepended to each line, and indent is used for each level.
func WithIndent(prefix, indent string) JSONWriterOption {
	return func(w *JSONWriter) {
		w.indent = true
		w.indentPrefix = prefix
		w.indentString = indent
	}
}

// WithPrettyPrint enables pretty-printed JSON with default indentation.
// This is a convenience wrapper for WithIndent("", "  ").
func WithPrettyPrint() JSONWriterOption {
	return WithIndent("", "  ")
}

// NewJSONWriter creates a JSONWriter that outputs to the given writer.
func NewJSONWriter(output io.Writer, opts ...JSONWriterOption) *JSONWriter {
	w := &JSONWriter{
		baseWriter: newBaseWriter(output),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WriteRelays outputs the relays as a JSON array.
func (w *JSONWriter) WriteRelays(relays []control.RelayInfo) (int, error) {
	if relays == nil {
		relays = []control.RelayInfo{}
	}
	return w.writeJSON(relays)
}

// WriteCircuits outputs the circuits as a JSON array.
func (w *JSONWriter) WriteCircuits(circuits []control.CircuitStatus) (int, error) {
	if circuits == nil {
		circuits = []control.CircuitStatus{}
	}
	return w.writeJSON(circuits)
}

// WriteEvents outputs the entries as a JSON array.
func (w *JSONWriter) WriteEvents(entries []journal.Entry) (int, error) {
	if entries == nil {
		entries = []journal.Entry{}
	}
	return w.writeJSON(entries)
}

// writeJSON marshals the given value to JSON and writes it to the output.
func (w *JSONWriter) writeJSON(v any) (int, error) {
	var (
		data []byte
		err  error
	)
	if w.indent {
		data, err = json.MarshalIndent(v, w.indentPrefix, w.indentString)
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return 0, err
	}

	// Trailing newline for terminal output
	data = append(data, '\n')
	return w.output.Write(data)
}
