// Package report renders relays, circuits and journaled events for the
// command line.
//
// Three formats are provided:
//   - SimpleWriter: aligned text tables for terminal display
//   - MarkdownWriter: GitHub Flavored Markdown with summary tables and charts
//   - JSONWriter: structured JSON for tool integration
//
// Writers implement the Writer interface, allowing them to be used
// interchangeably and composed with MultiWriter.
package report
