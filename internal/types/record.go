// Package types provides shared types used across the snapdog codebase.
package types

import (
	"time"
)

// NoExtension is stored in place of an empty extension.
const NoExtension = "(no extension)"

// FileRecord is one tracked file within one scan root.
//
// Optional timestamps are nil when absent. ContentHash is empty until the
// duplicate phase hashes the file; DuplicateGroup is 0 when the file is not
// part of a multi-member hash collision.
type FileRecord struct {
	ID        int64
	Path      string
	ScanRoot  string
	Name      string
	Extension string
	Size      int64
	ParentDir string

	CreatedAt  *time.Time
	ModifiedAt *time.Time
	FirstSeen  time.Time
	LastSeen   time.Time
	DeletedAt  *time.Time

	ContentHash    string
	HashComputedAt *time.Time
	DuplicateGroup int64

	IsDeleted bool

	// Inode and device are not persisted; they feed the digest cache key.
	Dev uint64
	Ino uint64
}

// State is the reconciliation state of a path.
type State int

const (
	StateUnknown State = iota // not in the store
	StateActive
	StateSoftDeleted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSoftDeleted:
		return "soft-deleted"
	default:
		return "unknown"
	}
}

// State derives the record's lifecycle state.
func (r *FileRecord) State() State {
	if r == nil {
		return StateUnknown
	}
	if r.IsDeleted {
		return StateSoftDeleted
	}
	return StateActive
}

// SameContentMeta reports whether size and modification time match,
// i.e. whether a rescan observed no descriptive change.
func SameContentMeta(size int64, mtime *time.Time, otherSize int64, otherMtime *time.Time) bool {
	if size != otherSize {
		return false
	}
	if mtime == nil || otherMtime == nil {
		return mtime == nil && otherMtime == nil
	}
	return mtime.Equal(*otherMtime)
}

// Semaphore implements a counting semaphore using a buffered channel.
// It limits concurrent access to a resource by blocking when the limit is reached.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent acquisitions.
func NewSemaphore(n int) Semaphore {
	if n < 1 {
		n = 1
	}
	return make(chan struct{}, n)
}

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }
