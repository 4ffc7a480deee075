// Package export writes snapshot records as CSV.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/ivoronin/snapdog/internal/extract"
	"github.com/ivoronin/snapdog/internal/types"
)

// Columns is the CSV header, in output order.
var Columns = []string{
	"id",
	"file_name",
	"file_extension",
	"file_size_bytes",
	"file_size_readable",
	"parent_directory",
	"full_path",
	"scan_root_directory",
	"created_timestamp",
	"modified_timestamp",
	"file_hash",
	"duplicate_group",
	"hash_computed_at",
	"is_deleted",
	"first_seen",
	"last_seen",
	"deleted_at",
}

// WriteCSV writes a header and one row per record.
func WriteCSV(w io.Writer, records []*types.FileRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, r := range records {
		if err := cw.Write(row(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ToFile writes records to path atomically: readers see either the previous
// content or the complete export.
func ToFile(path string, records []*types.FileRecord) (err error) {
	f, err := atomicwriter.New(path, 0o644)
	if err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("export %s: %w", path, cerr)
		}
	}()
	if err := WriteCSV(f, records); err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	return nil
}

func row(r *types.FileRecord) []string {
	group := ""
	if r.DuplicateGroup > 0 {
		group = strconv.FormatInt(r.DuplicateGroup, 10)
	}
	deleted := "0"
	if r.IsDeleted {
		deleted = "1"
	}
	return []string{
		strconv.FormatInt(r.ID, 10),
		r.Name,
		r.Extension,
		strconv.FormatInt(r.Size, 10),
		extract.FormatSize(r.Size),
		r.ParentDir,
		r.Path,
		r.ScanRoot,
		optionalTime(r.CreatedAt),
		optionalTime(r.ModifiedAt),
		r.ContentHash,
		group,
		optionalTime(r.HashComputedAt),
		deleted,
		formatTime(r.FirstSeen),
		formatTime(r.LastSeen),
		optionalTime(r.DeletedAt),
	}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func optionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
