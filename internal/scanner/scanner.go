// Package scanner walks a directory tree in parallel and extracts metadata
// for every regular file it finds.
//
// # Concurrency Model
//
// The scanner uses a fan-out/fan-in architecture:
//
//  1. WALKER GOROUTINES (fan-out)
//     - One goroutine spawned per directory discovered
//     - Concurrent directory reads limited by a semaphore (walkerSem)
//     - Each walker: acquires semaphore → lists directory → extracts files → spawns child walkers
//
//  2. COLLECTOR GOROUTINE (fan-in)
//     - Single goroutine that drains resultCh into a slice
//     - Runs until resultCh is closed
//
//  3. MAIN GOROUTINE (orchestrator)
//     - Spawns the root walker, waits for all walkers (walkerWg.Wait)
//     - Closes resultCh, waits for the collector
//
// # Synchronization Primitives
//
//	┌─────────────────┬────────────────────────────────────────────────┐
//	│ Primitive       │ Purpose                                        │
//	├─────────────────┼────────────────────────────────────────────────┤
//	│ walkerSem       │ Limits concurrent directory reads              │
//	│ walkerWg        │ Tracks active walker goroutines                │
//	│ collectorWg     │ Signals collector goroutine completion         │
//	│ resultCh        │ Buffered channel for extracted records         │
//	│ atomic counters │ Lock-free stats updates from any goroutine     │
//	└─────────────────┴────────────────────────────────────────────────┘
//
// # Failures
//
// Nothing aborts the walk except context cancellation. Unreadable
// directories and files that fail extraction are logged and counted in
// Result.Errors; no record is produced for them.
package scanner

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/ivoronin/snapdog/internal/extract"
	"github.com/ivoronin/snapdog/internal/progress"
	"github.com/ivoronin/snapdog/internal/types"
)

// DefaultWorkers bounds concurrent directory reads when Options.Workers is unset.
const DefaultWorkers = 8

// ExtractFunc turns a directory entry into a record.
type ExtractFunc func(path string, entry fs.DirEntry) (*types.FileRecord, error)

// Options configures a walk.
type Options struct {
	Workers      int      // max concurrent directory reads
	SkipHidden   bool     // skip files whose name starts with "."
	Excludes     []string // glob patterns matched against base names of files and directories
	ShowProgress bool

	// Extract defaults to extract.FromDirEntry.
	Extract ExtractFunc
}

// Result is the outcome of one walk.
type Result struct {
	Files  []*types.FileRecord // sorted by path
	Bytes  int64
	Errors int
}

// Scanner walks one directory tree. Create with New, call Run once.
type Scanner struct {
	opts Options
	log  zerolog.Logger

	// Runtime (initialized in Run)
	ctx       context.Context
	walkerWg  sync.WaitGroup
	walkerSem types.Semaphore
	resultCh  chan *types.FileRecord
	stats     *stats
	bar       *progress.Bar
}

// New creates a Scanner.
func New(opts Options, log zerolog.Logger) *Scanner {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Extract == nil {
		opts.Extract = extract.FromDirEntry
	}
	return &Scanner{opts: opts, log: log}
}

// stats tracks walk progress using atomic counters.
// Individual loads may be slightly out of step; fine for a progress line.
type stats struct {
	files     atomic.Int64
	bytes     atomic.Int64
	dirs      atomic.Int64
	errors    atomic.Int64
	startTime time.Time
}

func (s *stats) String() string {
	return fmt.Sprintf("Walked %d dirs, found %d files (%s), %d errors in %.1fs",
		s.dirs.Load(), s.files.Load(), humanize.IBytes(uint64(s.bytes.Load())),
		s.errors.Load(), time.Since(s.startTime).Seconds())
}

// Run walks root and returns every regular file found beneath it.
// The only error returned is the context's, in which case the partial result
// must not be treated as a complete observation of the tree.
func (s *Scanner) Run(ctx context.Context, root string) (*Result, error) {
	s.ctx = ctx
	s.walkerSem = types.NewSemaphore(s.opts.Workers)
	s.bar = progress.New(s.opts.ShowProgress, -1)
	s.stats = &stats{startTime: time.Now()}
	s.bar.Describe(s.stats)
	s.resultCh = make(chan *types.FileRecord, 1000)

	var files []*types.FileRecord
	collectorWg := sync.WaitGroup{}
	collectorWg.Add(1)
	go func() {
		for r := range s.resultCh {
			files = append(files, r)
		}
		collectorWg.Done()
	}()

	s.walkDirectory(root)

	s.walkerWg.Wait()
	close(s.resultCh)
	collectorWg.Wait()

	s.bar.Finish(s.stats)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	res := &Result{
		Files:  files,
		Bytes:  s.stats.bytes.Load(),
		Errors: int(s.stats.errors.Load()),
	}
	s.log.Debug().
		Str("root", root).
		Int("files", len(files)).
		Int("errors", res.Errors).
		Dur("elapsed", time.Since(s.stats.startTime)).
		Msg("walk finished")
	return res, nil
}

// walkDirectory spawns a goroutine to process one directory and its children.
//
// walkerWg.Add(1) happens before the spawn so Wait cannot race ahead of it.
// The semaphore bounds directory reads, not pending goroutines.
func (s *Scanner) walkDirectory(dir string) {
	s.walkerWg.Add(1)
	go func() {
		defer s.walkerWg.Done()

		if s.ctx.Err() != nil {
			return
		}

		s.walkerSem.Acquire()
		files, subdirs, err := s.listDirectory(dir)
		s.walkerSem.Release()

		if err != nil {
			s.fail(dir, err)
		}
		s.stats.dirs.Add(1)

		for _, f := range files {
			s.stats.files.Add(1)
			s.stats.bytes.Add(f.Size)
			s.resultCh <- f
		}
		s.bar.Describe(s.stats)

		for _, sub := range subdirs {
			s.walkDirectory(sub)
		}
	}()
}

// listDirectory reads a single directory in batches, extracting files and
// collecting subdirectories. Entries read before a mid-listing error are
// still returned.
func (s *Scanner) listDirectory(dirPath string) (files []*types.FileRecord, subdirs []string, err error) {
	dir, err := os.Open(dirPath)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = dir.Close() }()

	const batchSize = 1000
	for {
		entries, err := dir.ReadDir(batchSize)
		if len(entries) == 0 {
			if err != nil && err != io.EOF {
				return files, subdirs, err
			}
			break
		}

		for _, entry := range entries {
			f, sub := s.processEntry(dirPath, entry)
			if f != nil {
				files = append(files, f)
			}
			if sub != "" {
				subdirs = append(subdirs, sub)
			}
		}
	}

	return files, subdirs, nil
}

// processEntry returns a record or a subdirectory path for one entry.
// Returns (nil, "") for skipped entries: symlinks, devices, sockets,
// excluded or hidden names, and files that failed extraction.
func (s *Scanner) processEntry(dirPath string, entry fs.DirEntry) (file *types.FileRecord, subdir string) {
	fullPath := filepath.Join(dirPath, entry.Name())

	if entry.IsDir() {
		if s.shouldExclude(fullPath) {
			return nil, ""
		}
		return nil, fullPath
	}

	if !entry.Type().IsRegular() {
		return nil, ""
	}
	if s.opts.SkipHidden && strings.HasPrefix(entry.Name(), ".") {
		return nil, ""
	}
	if s.shouldExclude(fullPath) {
		return nil, ""
	}

	rec, err := s.opts.Extract(fullPath, entry)
	if err != nil {
		s.fail(fullPath, err)
		return nil, ""
	}
	return rec, ""
}

// fail logs and counts a non-fatal walk error.
func (s *Scanner) fail(path string, err error) {
	s.stats.errors.Add(1)
	s.log.Warn().Err(err).Str("path", path).Msg("skipping unreadable entry")
}

// shouldExclude checks if a path's base name matches any exclude pattern.
// Invalid patterns never match; callers validate patterns up front.
func (s *Scanner) shouldExclude(path string) bool {
	if len(s.opts.Excludes) == 0 {
		return false
	}
	base := filepath.Base(path)
	for _, pattern := range s.opts.Excludes {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
