package store

import (
	"cmp"
	"context"
	"database/sql"
	"slices"
	"time"
)

// Summary is the overall picture of one scope.
type Summary struct {
	ActiveFiles     int64
	ActiveBytes     int64
	DeletedFiles    int64
	DeletedBytes    int64
	Directories     int64
	Extensions      int64
	Largest         *FileRef // nil when the scope has no active files
	SmallestNonZero *FileRef
}

// FileRef is a lightweight row used by listings.
type FileRef struct {
	Path       string
	Name       string
	Extension  string
	Size       int64
	ModifiedAt *time.Time
	DeletedAt  *time.Time
	Deleted    bool
}

// TypeStat aggregates active files by extension.
type TypeStat struct {
	Extension string
	Files     int64
	Bytes     int64
}

// AvgBytes returns the mean file size of the extension.
func (t TypeStat) AvgBytes() int64 {
	if t.Files == 0 {
		return 0
	}
	return t.Bytes / t.Files
}

// DirStat aggregates active files by parent directory.
type DirStat struct {
	Directory string
	Files     int64
	Bytes     int64
}

// DuplicateStats summarizes the current duplicate groups of a scope.
type DuplicateStats struct {
	Files       int64
	Groups      int64
	WastedBytes int64
}

// DuplicateGroup is one set of active files sharing a content hash.
type DuplicateGroup struct {
	ID      int64
	Hash    string
	Size    int64
	Members []string
}

// Wasted returns the bytes reclaimable by keeping a single copy.
func (g DuplicateGroup) Wasted() int64 {
	if len(g.Members) < 2 {
		return 0
	}
	return int64(len(g.Members)-1) * g.Size
}

// ActiveCount returns the number of active files in the scope.
func (sc *Scope) ActiveCount(ctx context.Context) (int64, error) {
	var n int64
	err := sc.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE scan_root = ? AND is_deleted = 0`, sc.root).Scan(&n)
	return n, storageErr("active count", err)
}

// RecordCount returns the number of files in the scope, deleted included.
func (sc *Scope) RecordCount(ctx context.Context) (int64, error) {
	var n int64
	err := sc.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE scan_root = ?`, sc.root).Scan(&n)
	return n, storageErr("record count", err)
}

// Summary computes overall counts and extremes for the scope.
func (sc *Scope) Summary(ctx context.Context) (*Summary, error) {
	var s Summary
	err := sc.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(is_deleted = 0), 0),
			COALESCE(SUM(CASE WHEN is_deleted = 0 THEN size_bytes END), 0),
			COALESCE(SUM(is_deleted = 1), 0),
			COALESCE(SUM(CASE WHEN is_deleted = 1 THEN size_bytes END), 0),
			COUNT(DISTINCT CASE WHEN is_deleted = 0 THEN parent_directory END),
			COUNT(DISTINCT CASE WHEN is_deleted = 0 THEN extension END)
		FROM files
		WHERE scan_root = ?`, sc.root).Scan(
		&s.ActiveFiles, &s.ActiveBytes, &s.DeletedFiles, &s.DeletedBytes,
		&s.Directories, &s.Extensions)
	if err != nil {
		return nil, storageErr("summary", err)
	}

	largest, err := sc.TopFiles(ctx, 1, false)
	if err != nil {
		return nil, err
	}
	if len(largest) > 0 {
		s.Largest = &largest[0]
	}
	smallest, err := sc.SmallestFiles(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(smallest) > 0 {
		s.SmallestNonZero = &smallest[0]
	}
	return &s, nil
}

const refColumns = `path, name, extension, size_bytes, modified_at, deleted_at, is_deleted`

// queryRefs runs a query selecting refColumns.
func (sc *Scope) queryRefs(ctx context.Context, op, query string, args ...any) ([]FileRef, error) {
	rows, err := sc.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	var refs []FileRef
	for rows.Next() {
		var (
			f                 FileRef
			modified, deleted sql.NullString
		)
		if err := rows.Scan(&f.Path, &f.Name, &f.Extension, &f.Size, &modified, &deleted, &f.Deleted); err != nil {
			return nil, storageErr(op, err)
		}
		if f.ModifiedAt, err = parseNullTime(modified); err != nil {
			return nil, storageErr(op, err)
		}
		if f.DeletedAt, err = parseNullTime(deleted); err != nil {
			return nil, storageErr(op, err)
		}
		refs = append(refs, f)
	}
	return refs, storageErr(op, rows.Err())
}

// TopFiles returns the n largest files, optionally including soft-deleted ones.
func (sc *Scope) TopFiles(ctx context.Context, n int, includeDeleted bool) ([]FileRef, error) {
	return sc.queryRefs(ctx, "top files", `
		SELECT `+refColumns+`
		FROM files
		WHERE scan_root = ? AND (? OR is_deleted = 0)
		ORDER BY size_bytes DESC, path
		LIMIT ?`, sc.root, includeDeleted, n)
}

// SmallestFiles returns the n smallest non-empty active files.
func (sc *Scope) SmallestFiles(ctx context.Context, n int) ([]FileRef, error) {
	return sc.queryRefs(ctx, "smallest files", `
		SELECT `+refColumns+`
		FROM files
		WHERE scan_root = ? AND is_deleted = 0 AND size_bytes > 0
		ORDER BY size_bytes, path
		LIMIT ?`, sc.root, n)
}

// Oldest returns the n active files with the earliest modification time.
func (sc *Scope) Oldest(ctx context.Context, n int) ([]FileRef, error) {
	return sc.queryRefs(ctx, "oldest files", `
		SELECT `+refColumns+`
		FROM files
		WHERE scan_root = ? AND is_deleted = 0 AND modified_at IS NOT NULL
		ORDER BY modified_at, path
		LIMIT ?`, sc.root, n)
}

// Newest returns the n active files with the latest modification time.
func (sc *Scope) Newest(ctx context.Context, n int) ([]FileRef, error) {
	return sc.queryRefs(ctx, "newest files", `
		SELECT `+refColumns+`
		FROM files
		WHERE scan_root = ? AND is_deleted = 0 AND modified_at IS NOT NULL
		ORDER BY modified_at DESC, path
		LIMIT ?`, sc.root, n)
}

// ZeroByteFiles lists empty active files by name.
func (sc *Scope) ZeroByteFiles(ctx context.Context) ([]FileRef, error) {
	return sc.queryRefs(ctx, "zero-byte files", `
		SELECT `+refColumns+`
		FROM files
		WHERE scan_root = ? AND is_deleted = 0 AND size_bytes = 0
		ORDER BY name, path`, sc.root)
}

// DeletedFiles lists soft-deleted files, most recently deleted first.
func (sc *Scope) DeletedFiles(ctx context.Context) ([]FileRef, error) {
	return sc.queryRefs(ctx, "deleted files", `
		SELECT `+refColumns+`
		FROM files
		WHERE scan_root = ? AND is_deleted = 1
		ORDER BY deleted_at DESC, path`, sc.root)
}

// TypeStats groups active files by extension, largest total first.
func (sc *Scope) TypeStats(ctx context.Context) ([]TypeStat, error) {
	rows, err := sc.db.QueryContext(ctx, `
		SELECT extension, COUNT(*), COALESCE(SUM(size_bytes), 0) AS total
		FROM files
		WHERE scan_root = ? AND is_deleted = 0
		GROUP BY extension
		ORDER BY total DESC, extension`, sc.root)
	if err != nil {
		return nil, storageErr("type stats", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []TypeStat
	for rows.Next() {
		var t TypeStat
		if err := rows.Scan(&t.Extension, &t.Files, &t.Bytes); err != nil {
			return nil, storageErr("type stats", err)
		}
		stats = append(stats, t)
	}
	return stats, storageErr("type stats", rows.Err())
}

// SpaceHogs returns the n directories holding the most active bytes.
// Only files directly inside a directory count towards it.
func (sc *Scope) SpaceHogs(ctx context.Context, n int) ([]DirStat, error) {
	rows, err := sc.db.QueryContext(ctx, `
		SELECT parent_directory, COUNT(*), COALESCE(SUM(size_bytes), 0) AS total
		FROM files
		WHERE scan_root = ? AND is_deleted = 0
		GROUP BY parent_directory
		ORDER BY total DESC, parent_directory
		LIMIT ?`, sc.root, n)
	if err != nil {
		return nil, storageErr("space hogs", err)
	}
	defer func() { _ = rows.Close() }()

	var dirs []DirStat
	for rows.Next() {
		var d DirStat
		if err := rows.Scan(&d.Directory, &d.Files, &d.Bytes); err != nil {
			return nil, storageErr("space hogs", err)
		}
		dirs = append(dirs, d)
	}
	return dirs, storageErr("space hogs", rows.Err())
}

// DuplicateStats counts grouped active files, groups, and wasted bytes
// (the sum of (k-1)*size over all groups).
func (sc *Scope) DuplicateStats(ctx context.Context) (DuplicateStats, error) {
	var s DuplicateStats
	err := sc.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(k), 0), COUNT(*), COALESCE(SUM((k - 1) * size), 0)
		FROM (
			SELECT COUNT(*) AS k, MAX(size_bytes) AS size
			FROM files
			WHERE scan_root = ? AND is_deleted = 0 AND duplicate_group IS NOT NULL
			GROUP BY duplicate_group
		)`, sc.root).Scan(&s.Files, &s.Groups, &s.WastedBytes)
	if err != nil {
		return DuplicateStats{}, storageErr("duplicate stats", err)
	}
	return s, nil
}

// DuplicateGroups lists every group with its members, biggest waste first.
func (sc *Scope) DuplicateGroups(ctx context.Context) ([]DuplicateGroup, error) {
	rows, err := sc.db.QueryContext(ctx, `
		SELECT duplicate_group, content_hash, size_bytes, path
		FROM files
		WHERE scan_root = ? AND is_deleted = 0 AND duplicate_group IS NOT NULL
		ORDER BY duplicate_group, path`, sc.root)
	if err != nil {
		return nil, storageErr("duplicate groups", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []DuplicateGroup
	for rows.Next() {
		var (
			id, size   int64
			hash, path string
		)
		if err := rows.Scan(&id, &hash, &size, &path); err != nil {
			return nil, storageErr("duplicate groups", err)
		}
		if n := len(groups); n == 0 || groups[n-1].ID != id {
			groups = append(groups, DuplicateGroup{ID: id, Hash: hash, Size: size})
		}
		g := &groups[len(groups)-1]
		g.Members = append(g.Members, path)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("duplicate groups", err)
	}

	sortGroupsByWaste(groups)
	return groups, nil
}

// CandidatePopulation reports how many active files currently qualify for
// hashing and across how many size groups, without hashing anything.
func (sc *Scope) CandidatePopulation(ctx context.Context, minSize int64, maxGroupSize int) (files, sizeGroups int, err error) {
	candidates, err := sc.SelectSizeCandidates(ctx, minSize, maxGroupSize)
	if err != nil {
		return 0, 0, err
	}
	for _, members := range candidates {
		files += len(members)
	}
	return files, len(candidates), nil
}

func sortGroupsByWaste(groups []DuplicateGroup) {
	slices.SortStableFunc(groups, func(a, b DuplicateGroup) int {
		if c := cmp.Compare(b.Wasted(), a.Wasted()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
