// Package store persists file snapshots in SQLite.
//
// # Scoping
//
// Every record belongs to exactly one scan root. All snapshot primitives and
// analytical queries live on *Scope, obtained explicitly via Store.Scope, so
// a query can never read or write outside its root.
//
// # Write Model
//
// SQLite allows a single writer. The pool is pinned to one connection, and
// each mutating primitive runs in its own transaction: a failing batch rolls
// back completely and leaves earlier commits untouched.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const busyTimeoutMillis = 5000

// timeLayout is fixed-width UTC so that text ordering equals time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when a scoped lookup matches no row.
var ErrNotFound = errors.New("record not found")

// StorageError wraps a failed database operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Store is the SQLite-backed snapshot database.
type Store struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

// Open opens (creating if necessary) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, storageErr(pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, storageErr("apply schema", err)
	}

	log.Debug().Str("path", path).Msg("database opened")
	return &Store{db: db, path: path, log: log}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Scope returns the handle for one scan root.
// The root must already be normalized (absolute and cleaned).
func (s *Store) Scope(root string) *Scope {
	return &Scope{db: s.db, root: root, log: s.log.With().Str("scope", root).Logger()}
}

// RootStat summarizes one tracked scan root.
type RootStat struct {
	Root    string
	Files   int64
	Active  int64
	Deleted int64
}

// Roots lists every scan root in the database, largest first.
func (s *Store) Roots(ctx context.Context) ([]RootStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scan_root, COUNT(*), SUM(is_deleted = 0), SUM(is_deleted = 1)
		FROM files
		GROUP BY scan_root
		ORDER BY COUNT(*) DESC, scan_root`)
	if err != nil {
		return nil, storageErr("list roots", err)
	}
	defer func() { _ = rows.Close() }()

	var roots []RootStat
	for rows.Next() {
		var r RootStat
		if err := rows.Scan(&r.Root, &r.Files, &r.Active, &r.Deleted); err != nil {
			return nil, storageErr("list roots", err)
		}
		roots = append(roots, r)
	}
	return roots, storageErr("list roots", rows.Err())
}

// Vacuum compacts the database file and returns its size before and after.
func (s *Store) Vacuum(ctx context.Context) (before, after int64, err error) {
	before = s.fileSize()
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return 0, 0, storageErr("checkpoint", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return 0, 0, storageErr("vacuum", err)
	}
	after = s.fileSize()
	s.log.Info().Int64("before", before).Int64("after", after).Msg("database compacted")
	return before, after, nil
}

// fileSize returns the combined size of the database and its WAL.
func (s *Store) fileSize() int64 {
	if s.path == ":memory:" {
		return 0
	}
	var total int64
	for _, p := range []string{s.path, s.path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}

// formatTime renders t in the fixed storage layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// nullTime converts an optional time to a bindable value.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// nullString binds empty strings as NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
