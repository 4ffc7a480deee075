// Package scopelock serializes writers of one scan root, within a process and
// across processes sharing a database.
package scopelock

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const retryDelay = 50 * time.Millisecond

// Locker hands out per-root exclusive locks. Distinct roots never block each other.
type Locker struct {
	dir string // lock file directory; empty disables cross-process locking

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// New returns a Locker keeping lock files in dir.
// An empty dir gives in-process locking only.
func New(dir string) *Locker {
	return &Locker{dir: dir, slots: make(map[string]chan struct{})}
}

// ForDatabase returns a Locker whose lock files live next to the database
// at dbPath, in "<dbPath>.locks".
func ForDatabase(dbPath string) *Locker {
	if dbPath == "" || dbPath == ":memory:" {
		return New("")
	}
	return New(dbPath + ".locks")
}

func (l *Locker) slot(root string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[root]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[root] = s
	}
	return s
}

// LockPath returns the lock file used for root.
func (l *Locker) LockPath(root string) string {
	sum := sha1.Sum([]byte(root))
	return filepath.Join(l.dir, hex.EncodeToString(sum[:])+".lock")
}

// Lock blocks until root is exclusively held or ctx is done.
// The returned func releases the lock and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, root string) (unlock func(), err error) {
	s := l.slot(root)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-s }

	if l.dir == "" {
		return release, nil
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		release()
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	path := l.LockPath(root)
	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to acquire lock on %s: %w", path, err)
	}
	if !locked {
		release()
		return nil, fmt.Errorf("failed to acquire lock on %s", path)
	}

	return func() {
		_ = fl.Unlock()
		release()
	}, nil
}
