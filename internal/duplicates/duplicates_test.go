package duplicates

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivoronin/snapdog/internal/cache"
	"github.com/ivoronin/snapdog/internal/hasher"
	"github.com/ivoronin/snapdog/internal/reconciler"
	"github.com/ivoronin/snapdog/internal/scopelock"
	"github.com/ivoronin/snapdog/internal/store"
	"github.com/ivoronin/snapdog/internal/testfs"
)

// =============================================================================
// Helpers
// =============================================================================

type env struct {
	h      *testfs.Harness
	root   string
	store  *store.Store
	locker *scopelock.Locker
	hasher *hasher.Hasher
}

func newEnv(t *testing.T, files ...testfs.File) *env {
	t.Helper()
	h := testfs.New(t, testfs.FileTree{Volumes: []testfs.Volume{{Dir: "/data", Files: files}}})

	dbPath := filepath.Join(t.TempDir(), "snap.db")
	st, err := store.Open(context.Background(), dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hs, err := hasher.New(hasher.Options{})
	require.NoError(t, err)

	e := &env{h: h, root: h.Path("/data"), store: st, locker: scopelock.ForDatabase(dbPath), hasher: hs}
	e.reconcile(t)
	return e
}

func (e *env) reconcile(t *testing.T) *reconciler.Result {
	t.Helper()
	res, err := reconciler.New(e.store, e.locker, reconciler.Options{}, zerolog.Nop()).Reconcile(context.Background(), e.root)
	require.NoError(t, err)
	return res
}

func (e *env) detect(t *testing.T, opts Options) *Result {
	t.Helper()
	if opts.MinSize == 0 {
		opts.MinSize = DefaultMinSize
	}
	if opts.MaxSameSize == 0 {
		opts.MaxSameSize = DefaultMaxSameSize
	}
	res, err := New(e.store, e.locker, e.hasher, opts, zerolog.Nop()).Run(context.Background(), e.root)
	require.NoError(t, err)
	return res
}

func (e *env) hashOf(t *testing.T, rel string) string {
	t.Helper()
	r, err := e.store.Scope(e.root).Get(context.Background(), filepath.Join(e.root, rel))
	require.NoError(t, err)
	return r.ContentHash
}

func file(path string, pattern rune, size string) testfs.File {
	return testfs.File{Path: []string{path}, Chunks: []testfs.Chunk{{Pattern: pattern, Size: size}}}
}

// =============================================================================
// Grouping
// =============================================================================

// TestPairOfCopiesFormsOneGroup: two identical 1000-byte files and one
// distinct 500-byte file.
func TestPairOfCopiesFormsOneGroup(t *testing.T) {
	e := newEnv(t,
		file("a.bin", 'X', "1000"),
		file("sub/b.bin", 'X', "1000"),
		file("c.bin", 'Y', "500"),
	)

	res := e.detect(t, Options{})
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 1, res.SizeGroups)
	assert.Equal(t, 2, res.Hashed)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, res.Groups)
	assert.Equal(t, store.DuplicateStats{Files: 2, Groups: 1, WastedBytes: 1000}, res.Stats)

	// The unique-size file is never hashed.
	assert.Empty(t, e.hashOf(t, "c.bin"))
	assert.Equal(t, e.hashOf(t, "a.bin"), e.hashOf(t, "sub/b.bin"))
}

// TestDeletedCopyDissolvesGroup: deleting one member of a pair dissolves the group on the
// next pass, even though nothing new is hashed.
func TestDeletedCopyDissolvesGroup(t *testing.T) {
	e := newEnv(t,
		file("a.bin", 'X', "1000"),
		file("b.bin", 'X', "1000"),
		file("c.bin", 'Y', "500"),
	)
	e.detect(t, Options{})

	e.h.Remove("/data", "b.bin")
	rec := e.reconcile(t)
	assert.Equal(t, 1, rec.Deleted)

	res := e.detect(t, Options{})
	assert.Zero(t, res.Hashed)
	assert.Zero(t, res.Groups)
	assert.Equal(t, store.DuplicateStats{}, res.Stats)

	groups, err := e.store.Scope(e.root).DuplicateGroups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, groups)
}

// TestSizeGroupAboveCapNeverHashed: a size group larger than the cap is skipped entirely.
func TestSizeGroupAboveCapNeverHashed(t *testing.T) {
	var files []testfs.File
	for i := 0; i < 150; i++ {
		files = append(files, file(fmt.Sprintf("logs/%03d.log", i), 'L', "64"))
	}
	files = append(files, file("x1", 'Q', "10"), file("x2", 'Q', "10"))
	e := newEnv(t, files...)

	res := e.detect(t, Options{MaxSameSize: 100})
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 2, res.Hashed)
	assert.Equal(t, 1, res.Groups)

	for i := 0; i < 150; i++ {
		assert.Empty(t, e.hashOf(t, fmt.Sprintf("logs/%03d.log", i)))
	}
}

// =============================================================================
// Grouping
// =============================================================================

// TestGroupingCorrectness: same size with different content never groups.
func TestGroupingCorrectness(t *testing.T) {
	e := newEnv(t,
		file("a1", 'A', "2KiB"), file("a2", 'A', "2KiB"), file("a3", 'A', "2KiB"),
		file("b1", 'B', "2KiB"), file("b2", 'B', "2KiB"),
		file("c1", 'C', "2KiB"),
	)

	res := e.detect(t, Options{})
	assert.Equal(t, 6, res.Hashed)
	assert.Equal(t, 2, res.Groups)
	assert.Equal(t, int64(3*2048), res.Stats.WastedBytes)

	groups, err := e.store.Scope(e.root).DuplicateGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{
		filepath.Join(e.root, "a1"), filepath.Join(e.root, "a2"), filepath.Join(e.root, "a3"),
	}, groups[0].Members)
	assert.Equal(t, []string{filepath.Join(e.root, "b1"), filepath.Join(e.root, "b2")}, groups[1].Members)
}

// TestRegroupIdempotent: a second pass hashes nothing and yields the same groups.
func TestRegroupIdempotent(t *testing.T) {
	e := newEnv(t, file("a", 'A', "100"), file("b", 'A', "100"))

	first := e.detect(t, Options{})
	before, err := e.store.Scope(e.root).DuplicateGroups(context.Background())
	require.NoError(t, err)

	second := e.detect(t, Options{})
	after, err := e.store.Scope(e.root).DuplicateGroups(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, first.Hashed)
	assert.Zero(t, second.Hashed)
	assert.Equal(t, 2, second.AlreadyHashed)
	assert.Equal(t, first.Stats, second.Stats)
	assert.Equal(t, before, after)
}

func TestMinSizeFloor(t *testing.T) {
	e := newEnv(t,
		file("e1", 'E', "0"), file("e2", 'E', "0"),
		file("s1", 'S', "10"), file("s2", 'S', "10"),
	)

	res := e.detect(t, Options{MinSize: 11})
	assert.Zero(t, res.Candidates)
	assert.Zero(t, res.Groups)

	res = e.detect(t, Options{MinSize: 1})
	assert.Equal(t, 2, res.Candidates)
	assert.Empty(t, e.hashOf(t, "e1"))
}

// TestHardlinksAreDuplicates: two paths to one inode share content.
func TestHardlinksAreDuplicates(t *testing.T) {
	e := newEnv(t, testfs.File{Path: []string{"a", "a-link"}, Chunks: []testfs.Chunk{{Pattern: 'H', Size: "300"}}})

	res := e.detect(t, Options{})
	assert.Equal(t, 1, res.Groups)
	assert.Equal(t, int64(300), res.Stats.WastedBytes)
}

// =============================================================================
// Failures
// =============================================================================

// TestVanishedCandidateLeftUnhashed: a file removed after the scan fails to
// hash and is retried on a later pass; nothing is fabricated.
func TestVanishedCandidateLeftUnhashed(t *testing.T) {
	e := newEnv(t, file("a", 'A', "100"), file("b", 'A', "100"), file("c", 'A', "100"))
	e.h.Remove("/data", "c")

	res := e.detect(t, Options{})
	assert.Equal(t, 3, res.Candidates)
	assert.Equal(t, 2, res.Hashed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Groups)
	assert.Empty(t, e.hashOf(t, "c"))
}

// TestChangedSinceScanSkipped: a candidate whose size no longer matches the
// snapshot is not hashed until it is rescanned.
func TestChangedSinceScanSkipped(t *testing.T) {
	e := newEnv(t, file("a", 'A', "100"), file("b", 'A', "100"))
	e.h.Write("/data", file("b", 'A', "150"))

	res := e.detect(t, Options{})
	assert.Equal(t, 1, res.Hashed)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Groups)
	assert.Empty(t, e.hashOf(t, "b"))
}

func TestCanceledRunSkipsRegroup(t *testing.T) {
	e := newEnv(t, file("a", 'A', "100"), file("b", 'A', "100"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(e.store, nil, e.hasher, Options{MinSize: 1, MaxSameSize: 100}, zerolog.Nop()).Run(ctx, e.root)
	require.ErrorIs(t, err, context.Canceled)

	stats, err := e.store.Scope(e.root).DuplicateStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Groups)
}

// =============================================================================
// Cache, progress, history
// =============================================================================

func TestDigestCacheReused(t *testing.T) {
	e := newEnv(t, file("a", 'A', "100"), file("b", 'A', "100"))
	cachePath := filepath.Join(t.TempDir(), "digests.db")

	c, err := cache.Open(cachePath)
	require.NoError(t, err)
	first := e.detect(t, Options{Cache: c})
	require.NoError(t, c.Close())
	assert.Zero(t, first.Cached)

	// A second root over the same files resolves digests from the cache.
	other, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "other.db"), zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = other.Close() }()
	_, err = reconciler.New(other, nil, reconciler.Options{}, zerolog.Nop()).Reconcile(context.Background(), e.root)
	require.NoError(t, err)

	c, err = cache.Open(cachePath)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	res, err := New(other, nil, e.hasher, Options{MinSize: 1, MaxSameSize: 100, Cache: c}, zerolog.Nop()).Run(context.Background(), e.root)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Hashed)
	assert.Equal(t, 2, res.Cached)
	assert.Equal(t, 1, res.Groups)
}

func TestDigestCacheSurvivesRunWithoutLookups(t *testing.T) {
	e := newEnv(t, file("a", 'A', "100"), file("b", 'A', "100"))
	cachePath := filepath.Join(t.TempDir(), "digests.db")

	c, err := cache.Open(cachePath)
	require.NoError(t, err)
	e.detect(t, Options{Cache: c})
	require.NoError(t, c.Close())

	// Everything is already hashed, so this run never consults the cache.
	c, err = cache.Open(cachePath)
	require.NoError(t, err)
	again := e.detect(t, Options{Cache: c})
	require.NoError(t, c.Close())
	assert.Equal(t, 2, again.AlreadyHashed)
	assert.Zero(t, again.Hashed)

	other, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "other.db"), zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = other.Close() }()
	_, err = reconciler.New(other, nil, reconciler.Options{}, zerolog.Nop()).Reconcile(context.Background(), e.root)
	require.NoError(t, err)

	c, err = cache.Open(cachePath)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	res, err := New(other, nil, e.hasher, Options{MinSize: 1, MaxSameSize: 100, Cache: c}, zerolog.Nop()).Run(context.Background(), e.root)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cached)
}

func TestProgressCallback(t *testing.T) {
	e := newEnv(t, file("a", 'A', "100"), file("b", 'A', "100"), file("c", 'A', "100"))

	var mu sync.Mutex
	var calls [][2]int
	e.detect(t, Options{Progress: func(processed, total int) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, [2]int{processed, total})
	}})

	require.Len(t, calls, 3)
	for i, c := range calls {
		assert.Equal(t, [2]int{i + 1, 3}, c)
	}
}

func TestRunHistory(t *testing.T) {
	e := newEnv(t, file("a", 'A', "100"), file("b", 'A', "100"))
	e.detect(t, Options{})

	runs, err := e.store.Runs(context.Background(), e.root, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, store.RunHash, runs[0].Kind)
	assert.Equal(t, 2, runs[0].Hashed)
	assert.Equal(t, 1, runs[0].Groups)
}

func TestWastedBytes(t *testing.T) {
	tests := []struct {
		k    int
		size int64
		want int64
	}{
		{0, 100, 0},
		{1, 100, 0},
		{2, 1000, 1000},
		{5, 7, 28},
	}
	for _, tt := range tests {
		if got := WastedBytes(tt.k, tt.size); got != tt.want {
			t.Errorf("WastedBytes(%d, %d) = %d, want %d", tt.k, tt.size, got, tt.want)
		}
	}
}

func TestResultString(t *testing.T) {
	r := &Result{Candidates: 4, Hashed: 3, Cached: 1, AlreadyHashed: 1, Groups: 1,
		Stats: store.DuplicateStats{WastedBytes: 2048}, Elapsed: 2 * time.Second}
	assert.Equal(t, "Hashed 3 of 4 candidates (1 cached, 1 already hashed, 0 failed), found 1 duplicate groups wasting 2.0 KiB in 2.0s", r.String())
}
