// Package reconciler brings the stored snapshot of one scan root in line
// with what is currently on disk.
//
// # Algorithm
//
//  1. Walk the target tree, extracting metadata for every regular file.
//  2. Load the stored path → state snapshot for the scope in one query.
//  3. Classify each observed path in path order:
//     unknown → insert, active → update or refresh, soft-deleted → restore.
//  4. Flush operations in fixed-size batches, one transaction each.
//  5. Soft-delete every previously active path that was not observed.
//
// Content hashes are never touched here; the duplicate phase owns them.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ivoronin/snapdog/internal/scanner"
	"github.com/ivoronin/snapdog/internal/store"
	"github.com/ivoronin/snapdog/internal/types"
)

// DefaultBatchSize is the number of operations committed per transaction.
const DefaultBatchSize = 1000

// ErrInvalidTarget is matched by every *TargetError.
var ErrInvalidTarget = errors.New("invalid scan target")

// TargetError reports a scan root that is missing or not a directory.
type TargetError struct {
	Path string
	Err  error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrInvalidTarget, e.Path, e.Err)
}

func (e *TargetError) Unwrap() []error { return []error{ErrInvalidTarget, e.Err} }

// Locker serializes writers of one scope.
type Locker interface {
	Lock(ctx context.Context, root string) (unlock func(), err error)
}

// Options configures an Engine.
type Options struct {
	Walk      scanner.Options
	BatchSize int
	Now       func() time.Time
}

// Engine runs reconciliations against one store.
type Engine struct {
	store  *store.Store
	locker Locker
	opts   Options
	log    zerolog.Logger
}

// New creates an Engine. A nil locker disables scope locking.
func New(st *store.Store, locker Locker, opts Options, log zerolog.Logger) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: st, locker: locker, opts: opts, log: log}
}

// Result summarizes one reconciliation.
type Result struct {
	Root      string
	Scanned   int
	Inserted  int
	Updated   int // size or mtime changed
	Unchanged int // seen again with identical metadata
	Restored  int
	Deleted   int // soft-deleted this run
	Errors    int // extraction failures during the walk
	Elapsed   time.Duration
}

func (r *Result) String() string {
	return fmt.Sprintf("Scanned %d files: %d new, %d updated, %d unchanged, %d restored, %d deleted, %d errors in %.1fs",
		r.Scanned, r.Inserted, r.Updated, r.Unchanged, r.Restored, r.Deleted, r.Errors, r.Elapsed.Seconds())
}

// NormalizeTarget returns the absolute, cleaned form of target after checking
// that it is an existing directory.
func NormalizeTarget(target string) (string, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", &TargetError{Path: target, Err: err}
	}
	abs = filepath.Clean(abs)
	info, err := os.Stat(abs)
	if err != nil {
		return "", &TargetError{Path: abs, Err: err}
	}
	if !info.IsDir() {
		return "", &TargetError{Path: abs, Err: errors.New("not a directory")}
	}
	return abs, nil
}

// Reconcile rescans target and synchronizes its scope.
//
// Per-file failures are counted, never fatal. A storage failure aborts the
// run after rolling back the failing batch; earlier batches stay committed.
// On cancellation no soft-deletes are applied, so an interrupted walk can
// never mark unvisited files as missing.
func (e *Engine) Reconcile(ctx context.Context, target string) (res *Result, err error) {
	start := time.Now()
	startedAt := e.opts.Now()

	root, err := NormalizeTarget(target)
	if err != nil {
		return nil, err
	}
	res = &Result{Root: root}
	log := e.log.With().Str("root", root).Logger()

	if e.locker != nil {
		unlock, err := e.locker.Lock(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("lock scope %s: %w", root, err)
		}
		defer unlock()
	}

	defer func() {
		res.Elapsed = time.Since(start)
		e.recordRun(root, startedAt, res, err)
	}()

	walked, err := scanner.New(e.opts.Walk, log).Run(ctx, root)
	if err != nil {
		return res, err
	}
	res.Scanned = len(walked.Files)
	res.Errors = walked.Errors

	scope := e.store.Scope(root)
	known, err := scope.LookupAll(ctx)
	if err != nil {
		return res, err
	}

	now := e.opts.Now()
	observed := make(map[string]struct{}, len(walked.Files))
	batch := make([]store.Op, 0, e.opts.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := scope.ApplyBatch(ctx, batch, now); err != nil {
			return err
		}
		for _, op := range batch {
			res.count(op.Kind)
		}
		batch = batch[:0]
		return nil
	}

	for _, rec := range walked.Files {
		rec.ScanRoot = root
		observed[rec.Path] = struct{}{}
		batch = append(batch, store.Op{Kind: classify(known, rec), Record: rec})
		if len(batch) >= e.opts.BatchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	var missing []string
	for path, k := range known {
		if _, seen := observed[path]; !seen && k.State() == types.StateActive {
			missing = append(missing, path)
		}
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if res.Deleted, err = scope.MarkMissing(ctx, missing, now); err != nil {
		return res, err
	}

	log.Info().
		Int("scanned", res.Scanned).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("restored", res.Restored).
		Int("deleted", res.Deleted).
		Int("errors", res.Errors).
		Msg("reconciliation finished")
	return res, nil
}

// classify decides the transition for one observed record.
func classify(known map[string]store.Known, rec *types.FileRecord) store.OpKind {
	state := types.StateUnknown
	k, ok := known[rec.Path]
	if ok {
		state = k.State()
	}
	switch state {
	case types.StateUnknown:
		return store.OpInsert
	case types.StateSoftDeleted:
		return store.OpRestore
	}
	if types.SameContentMeta(k.Size, k.ModifiedAt, rec.Size, rec.ModifiedAt) {
		return store.OpRefresh
	}
	return store.OpUpdate
}

func (r *Result) count(kind store.OpKind) {
	switch kind {
	case store.OpInsert:
		r.Inserted++
	case store.OpUpdate:
		r.Updated++
	case store.OpRefresh:
		r.Unchanged++
	case store.OpRestore:
		r.Restored++
	}
}

// recordRun stores run history. Failures are logged, never returned.
func (e *Engine) recordRun(root string, startedAt time.Time, res *Result, runErr error) {
	run := &store.Run{
		ID:         uuid.NewString(),
		Root:       root,
		Kind:       store.RunReconcile,
		StartedAt:  startedAt,
		FinishedAt: startedAt.Add(res.Elapsed),
		Scanned:    res.Scanned,
		Inserted:   res.Inserted,
		Updated:    res.Updated,
		Unchanged:  res.Unchanged,
		Restored:   res.Restored,
		Deleted:    res.Deleted,
		Errors:     res.Errors,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	// The run context may already be cancelled; history is still worth keeping.
	if err := e.store.RecordRun(context.Background(), run); err != nil {
		e.log.Warn().Err(err).Msg("failed to record run history")
	}
}
