// Package auditlog is the daemon's append-only record of instance
// lifecycle events, backed by sqlite in WAL mode with versioned
// migrations.
package auditlog

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Kind enumerates the audit event kinds.
type Kind string

const (
	KindLaunch Kind = "launch"
	KindBuild  Kind = "build"
	KindAttach Kind = "attach"
	KindDetach Kind = "detach"
	KindReap   Kind = "reap"
	KindRemove Kind = "remove"
)

// Event is one row of the audit_events table.
type Event struct {
	ID     int64
	Ts     time.Time
	Kind   Kind
	Tag    string
	Detail string
}

// Log wraps a sqlite-backed database/sql handle.
type Log struct {
	db *sql.DB
}

// Open opens (creating if necessary) the audit database at path, enables
// WAL mode for concurrent readers alongside the single daemon writer,
// and brings the schema up to the latest migration.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: enable WAL mode: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Log{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("auditlog: load migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("auditlog: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("auditlog: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("auditlog: apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends one audit event. ts is supplied by the caller rather
// than computed here, so every write path funnels through a single
// clock read (daemon.go uses time.Now()).
func (l *Log) Record(ts time.Time, kind Kind, tag, detail string) error {
	_, err := l.db.Exec(
		`INSERT INTO audit_events (ts, kind, tag, detail) VALUES (?, ?, ?, ?)`,
		ts, string(kind), tag, detail,
	)
	if err != nil {
		return fmt.Errorf("auditlog: record %s for %s: %w", kind, tag, err)
	}
	return nil
}

// ForTag returns all events recorded for one instance tag, oldest first.
func (l *Log) ForTag(tag string) ([]Event, error) {
	rows, err := l.db.Query(
		`SELECT id, ts, kind, tag, detail FROM audit_events WHERE tag = ? ORDER BY id ASC`,
		tag,
	)
	if err != nil {
		return nil, fmt.Errorf("auditlog: query tag %s: %w", tag, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Recent returns the most recent n events across all instances, newest
// first, backing the "history" GENERIC_COMMAND subcommand.
func (l *Log) Recent(n int) ([]Event, error) {
	rows, err := l.db.Query(
		`SELECT id, ts, kind, tag, detail FROM audit_events ORDER BY id DESC LIMIT ?`,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("auditlog: query recent: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var kind string
		if err := rows.Scan(&e.ID, &e.Ts, &kind, &e.Tag, &e.Detail); err != nil {
			return nil, fmt.Errorf("auditlog: scan row: %w", err)
		}
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}
