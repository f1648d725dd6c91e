package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nao1215/anonctl/internal/control"
)

// FileName is the database file created inside the journal directory.
const FileName = "anonctl.db"

// DefaultLimit is the number of entries Recent returns when Query.Limit is
// not positive.
const DefaultLimit = 100

// ErrNotExist is returned by Open when the database is missing and
// CreateIfNotExists is false.
var ErrNotExist = errors.New("journal database not found")

// Journal is an append-only event log backed by SQLite.
type Journal struct {
	db     *sql.DB
	dbPath string
}

// Options configures Journal behavior.
type Options struct {
	// CreateIfNotExists creates the directory and database file if they
	// don't exist.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging so `history` can read while
	// `watch` writes.
	EnableWAL bool
}

// DefaultOptions returns the default journal options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Entry is one recorded event.
type Entry struct {
	ID       int64     `json:"id"`
	Type     string    `json:"type"`
	Received time.Time `json:"received"`

	// Raw is the event payload without the "650" status prefix.
	Raw string `json:"raw"`
}

// Query selects entries for Recent.
type Query struct {
	// Type restricts results to one event type; empty matches all.
	Type string

	// Since drops entries received before it; zero matches all.
	Since time.Time

	// Limit caps the number of entries; DefaultLimit when not positive.
	Limit int
}

// Open opens or creates the journal in dir.
func Open(dir string, opts Options) (*Journal, error) {
	dbPath := filepath.Join(dir, FileName)

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrNotExist, dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check journal path: %w", err)
		}
	} else if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	// mode=rw refuses to create a missing file, mode=rwc allows it.
	dsn := dbPath + "?mode=rw"
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	j := &Journal{db: db, dbPath: dbPath}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if err := j.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return j, nil
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.dbPath
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		received INTEGER NOT NULL,
		raw TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_received ON events(received);
	`
	_, err := j.db.ExecContext(context.Background(), schema)
	return err
}

// Record appends an entry and returns its id. A zero Received time is
// replaced by the current time.
func (j *Journal) Record(ctx context.Context, e Entry) (int64, error) {
	if e.Type == "" {
		return 0, errors.New("journal entry without type")
	}
	if e.Received.IsZero() {
		e.Received = time.Now()
	}

	result, err := j.db.ExecContext(ctx,
		"INSERT INTO events (type, received, raw) VALUES (?, ?, ?)",
		e.Type, e.Received.UnixNano(), e.Raw,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record event: %w", err)
	}
	return result.LastInsertId()
}

// Recent returns matching entries, newest first.
func (j *Journal) Recent(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, strings.ToUpper(q.Type))
	}
	if !q.Since.IsZero() {
		where = append(where, "received >= ?")
		args = append(args, q.Since.UnixNano())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := "SELECT id, type, received, raw FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY received DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			received int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &received, &e.Raw); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Received = time.Unix(0, received).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries received before cutoff and returns how many were
// removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, "DELETE FROM events WHERE received < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return result.RowsAffected()
}

// Listener returns a control listener that records every event it is
// given.
func (j *Journal) Listener() control.Listener {
	return func(ctx context.Context, ev control.Event) error {
		_, err := j.Record(ctx, Entry{Type: string(ev.Type()), Raw: ev.Raw()})
		return err
	}
}
