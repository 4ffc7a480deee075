package store

import (
	"context"
	"database/sql"
	"time"
)

// Run kinds.
const (
	RunReconcile = "reconcile"
	RunHash      = "hash"
)

// Run is one recorded reconcile or hash pass.
type Run struct {
	ID         string
	Root       string
	Kind       string
	StartedAt  time.Time
	FinishedAt time.Time

	Scanned   int
	Inserted  int
	Updated   int
	Unchanged int
	Restored  int
	Deleted   int
	Errors    int

	Hashed int
	Failed int
	Groups int

	Error string // empty when the run completed
}

// Duration returns the wall time of the run.
func (r *Run) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// RecordRun stores a run history entry.
func (s *Store) RecordRun(ctx context.Context, r *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, scan_root, kind, started_at, finished_at,
			scanned, inserted, updated, unchanged, restored, deleted, errors,
			hashed, failed, dup_groups, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Root, r.Kind, formatTime(r.StartedAt), formatTime(r.FinishedAt),
		r.Scanned, r.Inserted, r.Updated, r.Unchanged, r.Restored, r.Deleted, r.Errors,
		r.Hashed, r.Failed, r.Groups, nullString(r.Error))
	return storageErr("record run", err)
}

// Runs returns up to limit most recent runs, newest first. An empty root
// lists runs of every scope.
func (s *Store) Runs(ctx context.Context, root string, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scan_root, kind, started_at, finished_at,
			scanned, inserted, updated, unchanged, restored, deleted, errors,
			hashed, failed, dup_groups, error
		FROM runs
		WHERE ? = '' OR scan_root = ?
		ORDER BY started_at DESC
		LIMIT ?`, root, root, limit)
	if err != nil {
		return nil, storageErr("list runs", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished string
			runErr            sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Root, &r.Kind, &started, &finished,
			&r.Scanned, &r.Inserted, &r.Updated, &r.Unchanged, &r.Restored, &r.Deleted, &r.Errors,
			&r.Hashed, &r.Failed, &r.Groups, &runErr); err != nil {
			return nil, storageErr("list runs", err)
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, storageErr("list runs", err)
		}
		if r.FinishedAt, err = parseTime(finished); err != nil {
			return nil, storageErr("list runs", err)
		}
		r.Error = runErr.String
		runs = append(runs, r)
	}
	return runs, storageErr("list runs", rows.Err())
}
