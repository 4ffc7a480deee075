package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivoronin/snapdog/internal/store"
)

// =============================================================================
// Root normalization
// =============================================================================

func TestNormalizeRoot(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	wd, err := os.Getwd()
	require.NoError(t, err)

	tests := []struct {
		input string
		want  string
	}{
		{".", wd},
		{"sub/../sub/", filepath.Join(wd, "sub")},
		{"/a//b/./c/", "/a/b/c"},
		{"/does/not/exist", "/does/not/exist"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := normalizeRoot(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = normalizeRoot("")
	assert.Error(t, err)
}

// =============================================================================
// Formatting helpers
// =============================================================================

func TestFormatting(t *testing.T) {
	assert.Equal(t, "0 B", size(-5))
	assert.Equal(t, "1.5 KiB", size(1536))
	assert.Equal(t, "25.0%", percent(1, 4))
	assert.Equal(t, "0.0%", percent(1, 0))
	assert.Equal(t, "-", when(nil))
	assert.Equal(t, "-", ago(nil))

	past := time.Now().Add(-3 * time.Hour)
	assert.Equal(t, "3 hours ago", ago(&past))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, isTerminal(&bytes.Buffer{}))
}

// =============================================================================
// Renderers
// =============================================================================

func TestRenderGroups(t *testing.T) {
	groups := []store.DuplicateGroup{
		{ID: 2, Size: 1024, Members: []string{"/d/a", "/d/b", "/d/c"}},
		{ID: 1, Size: 10, Members: []string{"/d/x", "/d/y"}},
	}

	var buf bytes.Buffer
	renderGroups(&buf, groups, 1)
	out := buf.String()
	assert.Contains(t, out, "Group 2: 3 files of 1.0 KiB, 2.0 KiB wasted")
	assert.Contains(t, out, "  /d/c\n")
	assert.NotContains(t, out, "/d/x")
	assert.Contains(t, out, "and 1 more groups")

	buf.Reset()
	renderGroups(&buf, nil, 0)
	assert.Equal(t, "No duplicates found.\n", buf.String())
}

func TestRenderTypesShares(t *testing.T) {
	var buf bytes.Buffer
	renderTypes(&buf, []store.TypeStat{
		{Extension: ".mkv", Files: 1, Bytes: 300},
		{Extension: ".txt", Files: 4, Bytes: 100},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"EXTENSION", "FILES", "FILE", "SHARE", "SIZE", "SIZE", "SHARE", "AVG", "SIZE"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{".mkv", "1", "20.0%", "300", "B", "75.0%", "300", "B"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{".txt", "4", "80.0%", "100", "B", "25.0%", "25", "B"}, strings.Fields(lines[2]))
}

func TestRunOutcome(t *testing.T) {
	assert.Equal(t, "failed: boom", runOutcome(store.Run{Kind: store.RunReconcile, Error: "boom"}))
	assert.Equal(t, "3 hashed, 1 failed, 2 groups",
		runOutcome(store.Run{Kind: store.RunHash, Hashed: 3, Failed: 1, Groups: 2}))
	assert.Equal(t, "5 scanned, +2 ~1 -1, 0 restored, 0 errors",
		runOutcome(store.Run{Kind: store.RunReconcile, Scanned: 5, Inserted: 2, Updated: 1, Deleted: 1}))
}
