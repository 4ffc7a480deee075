// Package extract turns filesystem paths into normalized file records.
//
// Extraction is read-only: one stat per path, no content reads. Failures
// are returned as *ExtractError so the walker can count them and move on.
package extract

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ivoronin/snapdog/internal/types"
)

// FailureKind classifies an extraction failure.
type FailureKind int

const (
	Unreadable FailureKind = iota // permission denied, I/O error
	Vanished                      // removed between listing and stat
)

func (k FailureKind) String() string {
	if k == Vanished {
		return "vanished during walk"
	}
	return "unreadable"
}

// ExtractError reports a file whose metadata could not be read.
type ExtractError struct {
	Path string
	Kind FailureKind
	Err  error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// NewExtractError classifies err for path.
func NewExtractError(path string, err error) *ExtractError {
	kind := Unreadable
	if errors.Is(err, fs.ErrNotExist) {
		kind = Vanished
	}
	return &ExtractError{Path: path, Kind: kind, Err: err}
}

// Extract stats path and returns its metadata record.
// The record's ScanRoot, ID and engine-managed timestamps are left zero.
func Extract(path string) (*types.FileRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, NewExtractError(path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, &ExtractError{Path: path, Kind: Unreadable, Err: fmt.Errorf("not a regular file (%s)", info.Mode().Type())}
	}
	return FromInfo(path, info), nil
}

// FromDirEntry extracts metadata using the directory entry's cached info.
func FromDirEntry(path string, entry fs.DirEntry) (*types.FileRecord, error) {
	info, err := entry.Info()
	if err != nil {
		return nil, NewExtractError(path, err)
	}
	return FromInfo(path, info), nil
}

// FromInfo converts already-fetched file info into a record.
func FromInfo(path string, info fs.FileInfo) *types.FileRecord {
	name := filepath.Base(path)
	dev, ino, created := statDetails(info)

	rec := &types.FileRecord{
		Path:      path,
		Name:      name,
		Extension: ExtensionOf(name),
		Size:      info.Size(),
		ParentDir: filepath.Dir(path),
		CreatedAt: created,
		Dev:       dev,
		Ino:       ino,
	}
	if mt := info.ModTime(); !mt.IsZero() {
		rec.ModifiedAt = &mt
	}
	return rec
}

// ExtensionOf returns the lower-cased extension including the dot,
// or types.NoExtension.
func ExtensionOf(name string) string {
	ext := filepath.Ext(name)
	// A leading-dot name such as ".bashrc" has no extension.
	if ext == "" || ext == name {
		return types.NoExtension
	}
	return strings.ToLower(ext)
}
