//go:build unix

package internal

import (
	"bytes"
	"context"
	"encoding/csv"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivoronin/snapdog/internal/duplicates"
	"github.com/ivoronin/snapdog/internal/export"
	"github.com/ivoronin/snapdog/internal/hasher"
	"github.com/ivoronin/snapdog/internal/metrics"
	"github.com/ivoronin/snapdog/internal/reconciler"
	"github.com/ivoronin/snapdog/internal/scanner"
	"github.com/ivoronin/snapdog/internal/scopelock"
	"github.com/ivoronin/snapdog/internal/store"
	"github.com/ivoronin/snapdog/internal/testfs"
)

// =============================================================================
// Helpers
// =============================================================================

type pipeline struct {
	h      *testfs.Harness
	store  *store.Store
	locker *scopelock.Locker
	walk   scanner.Options
	dupes  duplicates.Options
}

func newPipeline(t *testing.T, tree testfs.FileTree) *pipeline {
	t.Helper()
	h := testfs.New(t, tree)

	dbPath := filepath.Join(t.TempDir(), "snapdog.db")
	st, err := store.Open(context.Background(), dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return &pipeline{
		h:      h,
		store:  st,
		locker: scopelock.ForDatabase(dbPath),
		dupes: duplicates.Options{
			MinSize:     duplicates.DefaultMinSize,
			MaxSameSize: duplicates.DefaultMaxSameSize,
			Workers:     2,
		},
	}
}

func (p *pipeline) scan(t *testing.T, dir string) *reconciler.Result {
	t.Helper()
	engine := reconciler.New(p.store, p.locker, reconciler.Options{Walk: p.walk}, zerolog.Nop())
	res, err := engine.Reconcile(context.Background(), p.h.Path(dir))
	require.NoError(t, err)
	return res
}

func (p *pipeline) detect(t *testing.T, dir string) *duplicates.Result {
	t.Helper()
	hs, err := hasher.New(hasher.Options{})
	require.NoError(t, err)
	res, err := duplicates.New(p.store, p.locker, hs, p.dupes, zerolog.Nop()).Run(context.Background(), p.h.Path(dir))
	require.NoError(t, err)
	return res
}

// groups returns duplicate groups as member lists relative to dir.
func (p *pipeline) groups(t *testing.T, dir string) [][]string {
	t.Helper()
	root := p.h.Path(dir)
	groups, err := p.store.Scope(root).DuplicateGroups(context.Background())
	require.NoError(t, err)

	var out [][]string
	for _, g := range groups {
		var members []string
		for _, m := range g.Members {
			rel, err := filepath.Rel(root, m)
			require.NoError(t, err)
			members = append(members, rel)
		}
		out = append(out, members)
	}
	return out
}

func file(pattern rune, size string, paths ...string) testfs.File {
	return testfs.File{Path: paths, Chunks: []testfs.Chunk{{Pattern: pattern, Size: size}}}
}

func data(files ...testfs.File) testfs.FileTree {
	return testfs.FileTree{Volumes: []testfs.Volume{{Dir: "/data", Files: files}}}
}

// =============================================================================
// Full pipeline
// =============================================================================

func TestPipelineBasicDuplicates(t *testing.T) {
	p := newPipeline(t, data(
		file('D', "1KiB", "a.txt"),
		file('D', "1KiB", "b.txt"),
	))

	p.scan(t, "/data")
	res := p.detect(t, "/data")

	assert.Equal(t, 2, res.Hashed)
	assert.Equal(t, 1, res.Groups)
	assert.Equal(t, int64(1024), res.Stats.WastedBytes)
	assert.Equal(t, [][]string{{"a.txt", "b.txt"}}, p.groups(t, "/data"))
}

// Hardlinks are distinct paths with identical content, so they group.
func TestPipelineExistingHardlinks(t *testing.T) {
	p := newPipeline(t, data(
		file('H', "2KiB", "orig.bin", "link.bin"),
	))

	p.scan(t, "/data")
	p.detect(t, "/data")

	assert.Equal(t, [][]string{{"link.bin", "orig.bin"}}, p.groups(t, "/data"))
}

func TestPipelineMixedDuplicatesAndUnique(t *testing.T) {
	p := newPipeline(t, data(
		file('A', "4KiB", "dup1/a.bin"),
		file('A', "4KiB", "dup2/a.bin"),
		file('A', "4KiB", "dup3/a.bin"),
		file('B', "4KiB", "same-size-different.bin"),
		file('C', "1KiB", "unique.bin"),
		file('E', "512", "pair/x"),
		file('E', "512", "pair/y"),
	))

	p.scan(t, "/data")
	res := p.detect(t, "/data")

	assert.Equal(t, 6, res.Candidates, "unique.bin has no size sibling")
	assert.Equal(t, 2, res.SizeGroups)
	assert.Equal(t, 2, res.Groups)
	assert.Equal(t, int64(2*4096+512), res.Stats.WastedBytes)
	assert.Equal(t, [][]string{
		{"dup1/a.bin", "dup2/a.bin", "dup3/a.bin"},
		{"pair/x", "pair/y"},
	}, p.groups(t, "/data"))
}

func TestPipelineMinSizeFilter(t *testing.T) {
	p := newPipeline(t, data(
		file('S', "100", "small1"),
		file('S', "100", "small2"),
		file('L', "10KiB", "large1"),
		file('L', "10KiB", "large2"),
	))
	p.dupes.MinSize = 1024

	p.scan(t, "/data")
	p.detect(t, "/data")

	assert.Equal(t, [][]string{{"large1", "large2"}}, p.groups(t, "/data"))
}

func TestPipelineExcludePatterns(t *testing.T) {
	p := newPipeline(t, data(
		file('X', "1KiB", "keep.dat"),
		file('X', "1KiB", "drop.tmp"),
		file('X', "1KiB", "cache/inner.dat"),
		file('X', "1KiB", "other.dat"),
	))
	p.walk.Excludes = []string{"*.tmp", "cache"}

	res := p.scan(t, "/data")
	assert.Equal(t, 2, res.Scanned)

	p.detect(t, "/data")
	assert.Equal(t, [][]string{{"keep.dat", "other.dat"}}, p.groups(t, "/data"))
}

func TestPipelineSkipHidden(t *testing.T) {
	p := newPipeline(t, data(
		file('H', "64", ".hidden"),
		file('H', "64", "visible"),
		file('H', "64", "also-visible"),
	))
	p.walk.SkipHidden = true

	p.scan(t, "/data")
	p.detect(t, "/data")
	assert.Equal(t, [][]string{{"also-visible", "visible"}}, p.groups(t, "/data"))
}

func TestPipelineDegenerateTrees(t *testing.T) {
	tests := []struct {
		name  string
		files []testfs.File
	}{
		{"empty tree", nil},
		{"single file", []testfs.File{file('A', "1KiB", "only")}},
		{"zero-byte files only", []testfs.File{
			{Path: []string{"empty1"}},
			{Path: []string{"empty2"}},
		}},
		{"all sizes distinct", []testfs.File{
			file('A', "1", "one"),
			file('A', "2", "two"),
			file('A', "3", "three"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t, data(tt.files...))
			p.scan(t, "/data")
			res := p.detect(t, "/data")

			assert.Zero(t, res.Candidates)
			assert.Zero(t, res.Groups)
			assert.Empty(t, p.groups(t, "/data"))
		})
	}
}

// =============================================================================
// Content comparison covers the whole file
// =============================================================================

func TestPipelineSameHeadDifferentTail(t *testing.T) {
	p := newPipeline(t, data(
		testfs.File{Path: []string{"a"}, Chunks: []testfs.Chunk{{Pattern: 'H', Size: "64KiB"}, {Pattern: 'X', Size: "1"}}},
		testfs.File{Path: []string{"b"}, Chunks: []testfs.Chunk{{Pattern: 'H', Size: "64KiB"}, {Pattern: 'Y', Size: "1"}}},
	))

	p.scan(t, "/data")
	res := p.detect(t, "/data")

	assert.Equal(t, 2, res.Hashed)
	assert.Empty(t, p.groups(t, "/data"))
}

func TestPipelineMultiChunk(t *testing.T) {
	chunks := func(middle rune) []testfs.Chunk {
		return []testfs.Chunk{
			{Pattern: 'A', Size: "16KiB"},
			{Pattern: middle, Size: "16KiB"},
			{Pattern: 'C', Size: "16KiB"},
		}
	}
	p := newPipeline(t, data(
		testfs.File{Path: []string{"one"}, Chunks: chunks('B')},
		testfs.File{Path: []string{"two"}, Chunks: chunks('B')},
		testfs.File{Path: []string{"three"}, Chunks: chunks('Z')},
	))

	p.scan(t, "/data")
	p.detect(t, "/data")

	assert.Equal(t, [][]string{{"one", "two"}}, p.groups(t, "/data"))
}

// =============================================================================
// Snapshot lifecycle
// =============================================================================

func TestPipelineLifecycle(t *testing.T) {
	p := newPipeline(t, data(
		file('A', "1KiB", "a1"),
		file('A', "1KiB", "a2"),
		file('A', "1KiB", "a3"),
	))

	p.scan(t, "/data")
	first := p.detect(t, "/data")
	assert.Equal(t, 3, first.Hashed)
	assert.Equal(t, [][]string{{"a1", "a2", "a3"}}, p.groups(t, "/data"))

	// A vanished member leaves the group on the next pass.
	p.h.Remove("/data", "a3")
	rescan := p.scan(t, "/data")
	assert.Equal(t, 1, rescan.Deleted)
	second := p.detect(t, "/data")
	assert.Zero(t, second.Hashed, "surviving members keep their digest")
	assert.Equal(t, 2, second.AlreadyHashed)
	assert.Equal(t, [][]string{{"a1", "a2"}}, p.groups(t, "/data"))

	// Once only one member survives there is no group at all.
	p.h.Remove("/data", "a2")
	p.scan(t, "/data")
	p.detect(t, "/data")
	assert.Empty(t, p.groups(t, "/data"))

	// Returning files are restored with their hash and regroup without rehashing.
	p.h.Write("/data", file('A', "1KiB", "a2"))
	p.h.Write("/data", file('A', "1KiB", "a3"))
	restored := p.scan(t, "/data")
	assert.Equal(t, 2, restored.Restored)
	third := p.detect(t, "/data")
	assert.Equal(t, [][]string{{"a1", "a2", "a3"}}, p.groups(t, "/data"))
	assert.Equal(t, 3, third.Candidates)
}

func TestPipelineRootsAreIsolated(t *testing.T) {
	p := newPipeline(t, testfs.FileTree{Volumes: []testfs.Volume{
		{Dir: "/photos", Files: []testfs.File{file('P', "2KiB", "img.jpg")}},
		{Dir: "/backup", Files: []testfs.File{file('P', "2KiB", "img.jpg")}},
	}})

	p.scan(t, "/photos")
	p.scan(t, "/backup")
	assert.Zero(t, p.detect(t, "/photos").Groups, "identical files in another root never group")
	assert.Zero(t, p.detect(t, "/backup").Groups)

	roots, err := p.store.Roots(context.Background())
	require.NoError(t, err)
	assert.Len(t, roots, 2)
}

// Overlapping roots are separate scopes; the nested one groups on its own.
func TestPipelineNestedRoots(t *testing.T) {
	p := newPipeline(t, data(
		file('N', "1KiB", "top.bin"),
		file('N', "1KiB", "inner/a.bin"),
		file('N', "1KiB", "inner/b.bin"),
	))

	p.scan(t, "/data")
	p.scan(t, "/data/inner")
	assert.Equal(t, 1, p.detect(t, "/data").Groups)
	assert.Equal(t, 1, p.detect(t, "/data/inner").Groups)

	assert.Equal(t, [][]string{{"inner/a.bin", "inner/b.bin", "top.bin"}}, p.groups(t, "/data"))
	assert.Equal(t, [][]string{{"a.bin", "b.bin"}}, p.groups(t, "/data/inner"))
}

// =============================================================================
// Outputs
// =============================================================================

func TestPipelineExportAndMetrics(t *testing.T) {
	p := newPipeline(t, data(
		file('D', "1KiB", "a"),
		file('D', "1KiB", "b"),
		file('U', "10", "c"),
	))

	rec := metrics.New()
	rec.ObserveReconcile(p.scan(t, "/data"))
	rec.ObserveDuplicates(p.detect(t, "/data"))

	records, err := p.store.Scope(p.h.Path("/data")).Records(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, export.WriteCSV(&buf, records))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)

	groupCol := -1
	for i, c := range export.Columns {
		if c == "duplicate_group" {
			groupCol = i
		}
	}
	require.NotEqual(t, -1, groupCol)
	assert.Equal(t, "1", rows[1][groupCol])
	assert.Equal(t, "1", rows[2][groupCol])
	assert.Empty(t, rows[3][groupCol])

	families, err := rec.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
