package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ivoronin/snapdog/internal/extract"
	"github.com/ivoronin/snapdog/internal/types"
)

// Scope exposes the snapshot primitives for one scan root.
type Scope struct {
	db   *sql.DB
	root string
	log  zerolog.Logger
}

// Root returns the scan root this scope is bound to.
func (sc *Scope) Root() string { return sc.root }

// Known is the stored state of one path, as needed to classify a rescan.
type Known struct {
	ID         int64
	Deleted    bool
	Size       int64
	ModifiedAt *time.Time
}

// State returns the lifecycle state the stored row is in.
func (k Known) State() types.State {
	if k.Deleted {
		return types.StateSoftDeleted
	}
	return types.StateActive
}

// OpKind is the transition applied to an observed path.
type OpKind int

const (
	OpInsert  OpKind = iota // Unknown -> Active
	OpUpdate                // Active -> Active, descriptive fields changed
	OpRefresh               // Active -> Active, nothing changed but last_seen
	OpRestore               // SoftDeleted -> Active
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpRefresh:
		return "refresh"
	case OpRestore:
		return "restore"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Op is one pending write for an observed file.
type Op struct {
	Kind   OpKind
	Record *types.FileRecord
}

// Candidate is an active file sharing its size with other active files.
type Candidate struct {
	ID   int64
	Path string
	Size int64
	Hash string // empty when not yet hashed
}

// LookupAll returns the stored state of every path in the scope (active and
// soft-deleted) in a single query.
func (sc *Scope) LookupAll(ctx context.Context) (map[string]Known, error) {
	rows, err := sc.db.QueryContext(ctx, `
		SELECT id, path, is_deleted, size_bytes, modified_at
		FROM files
		WHERE scan_root = ?`, sc.root)
	if err != nil {
		return nil, storageErr("lookup all", err)
	}
	defer func() { _ = rows.Close() }()

	known := make(map[string]Known)
	for rows.Next() {
		var (
			k     Known
			path  string
			mtime sql.NullString
		)
		if err := rows.Scan(&k.ID, &path, &k.Deleted, &k.Size, &mtime); err != nil {
			return nil, storageErr("lookup all", err)
		}
		if k.ModifiedAt, err = parseNullTime(mtime); err != nil {
			return nil, storageErr("lookup all", err)
		}
		known[path] = k
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("lookup all", err)
	}
	return known, nil
}

const insertSQL = `
	INSERT INTO files (
		scan_root, path, name, extension, size_bytes, size_readable,
		parent_directory, created_at, modified_at, first_seen, last_seen, is_deleted
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`

// updateSQL serves update, refresh and restore alike. It never touches
// content_hash, hash_computed_at or duplicate_group.
const updateSQL = `
	UPDATE files SET
		name = ?, extension = ?, size_bytes = ?, size_readable = ?,
		parent_directory = ?, created_at = ?, modified_at = ?,
		last_seen = ?, is_deleted = 0, deleted_at = NULL
	WHERE scan_root = ? AND path = ?`

// ApplyBatch applies ops in one transaction. On any failure the whole batch
// is rolled back and a *StorageError is returned.
func (sc *Scope) ApplyBatch(ctx context.Context, ops []Op, now time.Time) (err error) {
	if len(ops) == 0 {
		return nil
	}

	tx, err := sc.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("apply batch: begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insertStmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return storageErr("apply batch: prepare insert", err)
	}
	defer func() { _ = insertStmt.Close() }()

	updateStmt, err := tx.PrepareContext(ctx, updateSQL)
	if err != nil {
		return storageErr("apply batch: prepare update", err)
	}
	defer func() { _ = updateStmt.Close() }()

	ts := formatTime(now)
	for _, op := range ops {
		r := op.Record
		switch op.Kind {
		case OpInsert:
			_, err = insertStmt.ExecContext(ctx,
				sc.root, r.Path, r.Name, r.Extension, r.Size, extract.FormatSize(r.Size),
				r.ParentDir, nullTime(r.CreatedAt), nullTime(r.ModifiedAt), ts, ts)
			if err != nil {
				return storageErr("apply batch: insert "+r.Path, err)
			}
		case OpUpdate, OpRefresh, OpRestore:
			var res sql.Result
			res, err = updateStmt.ExecContext(ctx,
				r.Name, r.Extension, r.Size, extract.FormatSize(r.Size),
				r.ParentDir, nullTime(r.CreatedAt), nullTime(r.ModifiedAt),
				ts, sc.root, r.Path)
			if err != nil {
				return storageErr("apply batch: "+op.Kind.String()+" "+r.Path, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				err = fmt.Errorf("%s %s: %w", op.Kind, r.Path, ErrNotFound)
				return storageErr("apply batch", err)
			}
		default:
			err = fmt.Errorf("unknown op %v", op.Kind)
			return storageErr("apply batch", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return storageErr("apply batch: commit", err)
	}
	sc.log.Debug().Int("ops", len(ops)).Msg("batch applied")
	return nil
}

// MarkMissing soft-deletes the given paths that are currently active and
// returns how many rows changed. Already-deleted or unknown paths are ignored.
func (sc *Scope) MarkMissing(ctx context.Context, paths []string, now time.Time) (marked int, err error) {
	if len(paths) == 0 {
		return 0, nil
	}

	tx, err := sc.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("mark missing: begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE files SET is_deleted = 1, deleted_at = ?
		WHERE scan_root = ? AND path = ? AND is_deleted = 0`)
	if err != nil {
		return 0, storageErr("mark missing: prepare", err)
	}
	defer func() { _ = stmt.Close() }()

	ts := formatTime(now)
	for _, p := range paths {
		res, execErr := stmt.ExecContext(ctx, ts, sc.root, p)
		if execErr != nil {
			err = execErr
			return 0, storageErr("mark missing: "+p, err)
		}
		n, _ := res.RowsAffected()
		marked += int(n)
	}

	if err = tx.Commit(); err != nil {
		return 0, storageErr("mark missing: commit", err)
	}
	return marked, nil
}

// SelectSizeCandidates returns active files of at least minSize bytes,
// grouped by size, for sizes shared by between 2 and maxGroupSize active
// files. Larger populations are left out entirely. maxGroupSize <= 0 means
// no cap. Members are ordered by path.
func (sc *Scope) SelectSizeCandidates(ctx context.Context, minSize int64, maxGroupSize int) (map[int64][]Candidate, error) {
	maxCount := int64(maxGroupSize)
	if maxGroupSize <= 0 {
		maxCount = -1
	}

	rows, err := sc.db.QueryContext(ctx, `
		SELECT id, path, size_bytes, content_hash
		FROM files
		WHERE scan_root = ? AND is_deleted = 0 AND size_bytes IN (
			SELECT size_bytes
			FROM files
			WHERE scan_root = ? AND is_deleted = 0 AND size_bytes >= ?
			GROUP BY size_bytes
			HAVING COUNT(*) >= 2 AND (? < 0 OR COUNT(*) <= ?)
		)
		ORDER BY size_bytes DESC, path`,
		sc.root, sc.root, minSize, maxCount, maxCount)
	if err != nil {
		return nil, storageErr("select size candidates", err)
	}
	defer func() { _ = rows.Close() }()

	candidates := make(map[int64][]Candidate)
	for rows.Next() {
		var (
			c    Candidate
			hash sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Path, &c.Size, &hash); err != nil {
			return nil, storageErr("select size candidates", err)
		}
		c.Hash = hash.String
		candidates[c.Size] = append(candidates[c.Size], c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("select size candidates", err)
	}
	return candidates, nil
}

// WriteHash records the content hash of one file. No other column changes.
func (sc *Scope) WriteHash(ctx context.Context, id int64, hash string, computedAt time.Time) error {
	res, err := sc.db.ExecContext(ctx, `
		UPDATE files SET content_hash = ?, hash_computed_at = ?
		WHERE id = ? AND scan_root = ?`,
		hash, formatTime(computedAt), id, sc.root)
	if err != nil {
		return storageErr("write hash", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storageErr("write hash", fmt.Errorf("id %d: %w", id, ErrNotFound))
	}
	return nil
}

// ResetAndRegroup recomputes duplicate groups for the scope in one
// transaction: every group is cleared, then each hash shared by two or more
// active files gets a fresh sequential id. Returns the number of groups.
//
// Group ids are assignment-order artifacts; only membership is meaningful.
func (sc *Scope) ResetAndRegroup(ctx context.Context) (groups int, err error) {
	tx, err := sc.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("regroup: begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`UPDATE files SET duplicate_group = NULL WHERE scan_root = ? AND duplicate_group IS NOT NULL`,
		sc.root); err != nil {
		return 0, storageErr("regroup: reset", err)
	}

	hashes, err := sharedHashes(ctx, tx, sc.root)
	if err != nil {
		return 0, storageErr("regroup: find shared hashes", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE files SET duplicate_group = ?
		WHERE scan_root = ? AND content_hash = ? AND is_deleted = 0`)
	if err != nil {
		return 0, storageErr("regroup: prepare", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, h := range hashes {
		if _, err = stmt.ExecContext(ctx, i+1, sc.root, h); err != nil {
			return 0, storageErr("regroup: assign", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, storageErr("regroup: commit", err)
	}
	sc.log.Debug().Int("groups", len(hashes)).Msg("duplicate groups recomputed")
	return len(hashes), nil
}

// sharedHashes lists hashes held by two or more active files, ordered by hash.
func sharedHashes(ctx context.Context, tx *sql.Tx, root string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT content_hash
		FROM files
		WHERE scan_root = ? AND is_deleted = 0 AND content_hash IS NOT NULL
		GROUP BY content_hash
		HAVING COUNT(*) > 1
		ORDER BY content_hash`, root)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// recordColumns is the column list scanRecord expects.
const recordColumns = `
	id, scan_root, path, name, extension, size_bytes, parent_directory,
	created_at, modified_at, first_seen, last_seen, deleted_at,
	content_hash, hash_computed_at, duplicate_group, is_deleted`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord builds a typed record from one row of recordColumns.
func scanRecord(row rowScanner) (*types.FileRecord, error) {
	var (
		r                                  types.FileRecord
		created, modified, deleted, hashAt sql.NullString
		firstSeen, lastSeen                string
		hash                               sql.NullString
		group                              sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.ScanRoot, &r.Path, &r.Name, &r.Extension, &r.Size, &r.ParentDir,
		&created, &modified, &firstSeen, &lastSeen, &deleted,
		&hash, &hashAt, &group, &r.IsDeleted)
	if err != nil {
		return nil, err
	}

	r.ContentHash = hash.String
	r.DuplicateGroup = group.Int64

	if r.FirstSeen, err = parseTime(firstSeen); err != nil {
		return nil, err
	}
	if r.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{created, &r.CreatedAt},
		{modified, &r.ModifiedAt},
		{deleted, &r.DeletedAt},
		{hashAt, &r.HashComputedAt},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// Get returns the record for path, or ErrNotFound.
func (sc *Scope) Get(ctx context.Context, path string) (*types.FileRecord, error) {
	row := sc.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM files WHERE scan_root = ? AND path = ?`, sc.root, path)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return r, nil
}

// Records returns every record of the scope ordered by path, for export.
func (sc *Scope) Records(ctx context.Context) ([]*types.FileRecord, error) {
	rows, err := sc.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM files WHERE scan_root = ? ORDER BY path`, sc.root)
	if err != nil {
		return nil, storageErr("records", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.FileRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("records", err)
		}
		records = append(records, r)
	}
	return records, storageErr("records", rows.Err())
}
