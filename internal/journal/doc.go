// Package journal stores observed control port events in a SQLite database
// (via modernc.org/sqlite, CGO-free).
//
// The journal is an audit log: `anonctl watch` appends every event it
// receives and `anonctl history` queries them back. Nothing stored here is
// ever loaded into a control client.
package journal
