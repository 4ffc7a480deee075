// Package duplicates finds files with identical content inside one scope.
//
// # Processing Pipeline
//
//	SelectSizeCandidates (active files sharing a size, group count in [2, cap])
//	    │
//	    ├──► skip candidates that already carry a hash
//	    │
//	    ├──► HASH WORKERS (errgroup, bounded by Workers)
//	    │        stat → size check → cache lookup → full-content digest
//	    │
//	    ├──► WRITER GOROUTINE (single)
//	    │        WriteHash per file, progress callback
//	    │
//	    └──► ResetAndRegroup → DuplicateStats
//
// Every hash is committed on its own, so an interrupted run keeps whatever it
// already wrote. Failed files stay unhashed and are retried on the next run.
// Regrouping always runs after a completed pass, even when nothing new was
// hashed, so that deletions since the last pass dissolve stale groups.
package duplicates

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ivoronin/snapdog/internal/cache"
	"github.com/ivoronin/snapdog/internal/extract"
	"github.com/ivoronin/snapdog/internal/hasher"
	"github.com/ivoronin/snapdog/internal/progress"
	"github.com/ivoronin/snapdog/internal/store"
)

// Defaults for Options.
const (
	DefaultMinSize     = 1
	DefaultMaxSameSize = 100
	DefaultWorkers     = 4
)

// errChangedSinceScan marks a candidate whose size no longer matches the snapshot.
var errChangedSinceScan = errors.New("file changed since last scan")

// WastedBytes is the space reclaimable from k identical files of size bytes.
func WastedBytes(k int, size int64) int64 {
	if k < 2 {
		return 0
	}
	return int64(k-1) * size
}

// Locker serializes writers of one scope.
type Locker interface {
	Lock(ctx context.Context, root string) (unlock func(), err error)
}

// Options configures a Detector.
type Options struct {
	MinSize      int64 // smallest size worth hashing
	MaxSameSize  int   // skip sizes shared by more active files than this; <= 0 disables the cap
	Workers      int   // concurrent file reads
	Cache        *cache.Cache
	ShowProgress bool
	Progress     func(processed, total int)
	Now          func() time.Time
}

// Result summarizes one detection pass.
type Result struct {
	Root          string
	Candidates    int // files in qualifying size groups
	SizeGroups    int
	AlreadyHashed int
	Hashed        int // digests written this run
	Cached        int // of Hashed, served from the digest cache
	Failed        int
	Groups        int
	Stats         store.DuplicateStats
	Elapsed       time.Duration
}

func (r *Result) String() string {
	return fmt.Sprintf("Hashed %d of %d candidates (%d cached, %d already hashed, %d failed), found %d duplicate groups wasting %s in %.1fs",
		r.Hashed, r.Candidates, r.Cached, r.AlreadyHashed, r.Failed, r.Groups,
		humanize.IBytes(uint64(r.Stats.WastedBytes)), r.Elapsed.Seconds())
}

// Detector runs duplicate detection passes against one store.
type Detector struct {
	store  *store.Store
	locker Locker
	hasher *hasher.Hasher
	opts   Options
	log    zerolog.Logger
}

// New creates a Detector. A nil locker disables scope locking.
func New(st *store.Store, locker Locker, h *hasher.Hasher, opts Options, log zerolog.Logger) *Detector {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Detector{store: st, locker: locker, hasher: h, opts: opts, log: log}
}

// hashed is one worker outcome handed to the writer.
type hashed struct {
	cand   store.Candidate
	digest string
	cached bool
	err    error
}

// stats tracks hashing progress for the progress bar.
type stats struct {
	processed atomic.Int64
	total     int
	bytes     func() uint64
	startTime time.Time
}

func (s *stats) String() string {
	return fmt.Sprintf("Hashed %d/%d candidates (%s read) in %.1fs",
		s.processed.Load(), s.total, humanize.IBytes(s.bytes()), time.Since(s.startTime).Seconds())
}

// Run hashes unhashed candidates of root and recomputes its duplicate groups.
// root must be the normalized scope root.
func (d *Detector) Run(ctx context.Context, root string) (res *Result, err error) {
	start := time.Now()
	startedAt := d.opts.Now()
	res = &Result{Root: root}
	log := d.log.With().Str("root", root).Logger()

	if d.locker != nil {
		unlock, err := d.locker.Lock(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("lock scope %s: %w", root, err)
		}
		defer unlock()
	}

	defer func() {
		res.Elapsed = time.Since(start)
		d.recordRun(root, startedAt, res, err)
	}()

	scope := d.store.Scope(root)
	candidates, err := scope.SelectSizeCandidates(ctx, d.opts.MinSize, d.opts.MaxSameSize)
	if err != nil {
		return res, err
	}

	var todo []store.Candidate
	for _, members := range candidates {
		res.SizeGroups++
		for _, c := range members {
			res.Candidates++
			if c.Hash != "" {
				res.AlreadyHashed++
				continue
			}
			todo = append(todo, c)
		}
	}
	log.Debug().
		Int("candidates", res.Candidates).
		Int("size_groups", res.SizeGroups).
		Int("to_hash", len(todo)).
		Msg("candidates selected")

	if err := d.hashAll(ctx, scope, todo, res, log); err != nil {
		return res, err
	}

	if res.Groups, err = scope.ResetAndRegroup(ctx); err != nil {
		return res, err
	}
	if res.Stats, err = scope.DuplicateStats(ctx); err != nil {
		return res, err
	}

	log.Info().
		Int("hashed", res.Hashed).
		Int("failed", res.Failed).
		Int("groups", res.Groups).
		Int64("wasted_bytes", res.Stats.WastedBytes).
		Msg("duplicate detection finished")
	return res, nil
}

// hashAll fans candidates out to hash workers and commits results through a
// single writer. Returns the first storage error or the context's error.
func (d *Detector) hashAll(ctx context.Context, scope *store.Scope, todo []store.Candidate, res *Result, log zerolog.Logger) error {
	if len(todo) == 0 {
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &stats{total: len(todo), bytes: d.hasher.BytesRead, startTime: time.Now()}
	bar := progress.New(d.opts.ShowProgress, int64(len(todo)))
	bar.Describe(st)

	results := make(chan hashed, d.opts.Workers)
	var writeErr error
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for r := range results {
			n := int(st.processed.Add(1))
			bar.Set(uint64(n))
			bar.Describe(st)
			if d.opts.Progress != nil {
				d.opts.Progress(n, len(todo))
			}
			if writeErr != nil {
				continue
			}
			if r.err != nil {
				if ctx.Err() != nil {
					continue // interrupted, not failed
				}
				res.Failed++
				log.Warn().Err(r.err).Str("path", r.cand.Path).Msg("leaving file unhashed")
				continue
			}
			if err := scope.WriteHash(ctx, r.cand.ID, r.digest, d.opts.Now()); err != nil {
				writeErr = err
				cancel()
				continue
			}
			res.Hashed++
			if r.cached {
				res.Cached++
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for _, c := range todo {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results <- d.hashOne(gctx, c)
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	<-writerDone

	bar.Finish(st)

	if writeErr != nil {
		return writeErr
	}
	return ctx.Err()
}

// hashOne digests one candidate, consulting the cache first.
func (d *Detector) hashOne(ctx context.Context, c store.Candidate) hashed {
	r := hashed{cand: c}
	if err := ctx.Err(); err != nil {
		r.err = err
		return r
	}

	rec, err := extract.Extract(c.Path)
	if err != nil {
		r.err = err
		return r
	}
	if rec.Size != c.Size {
		r.err = fmt.Errorf("%s: %w (size %d, recorded %d)", c.Path, errChangedSinceScan, rec.Size, c.Size)
		return r
	}

	alg := string(d.hasher.Algorithm())
	if digest, err := d.opts.Cache.Lookup(rec, alg); err != nil {
		d.log.Debug().Err(err).Str("path", c.Path).Msg("cache lookup failed")
	} else if digest != "" {
		r.digest, r.cached = digest, true
		return r
	}

	r.digest, r.err = d.hasher.Hash(ctx, c.Path)
	if r.err == nil {
		if err := d.opts.Cache.Store(rec, alg, r.digest); err != nil {
			d.log.Debug().Err(err).Str("path", c.Path).Msg("cache store failed")
		}
	}
	return r
}

// recordRun stores run history. Failures are logged, never returned.
func (d *Detector) recordRun(root string, startedAt time.Time, res *Result, runErr error) {
	run := &store.Run{
		ID:         uuid.NewString(),
		Root:       root,
		Kind:       store.RunHash,
		StartedAt:  startedAt,
		FinishedAt: startedAt.Add(res.Elapsed),
		Hashed:     res.Hashed,
		Failed:     res.Failed,
		Groups:     res.Groups,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := d.store.RecordRun(context.Background(), run); err != nil {
		d.log.Warn().Err(err).Msg("failed to record run history")
	}
}
