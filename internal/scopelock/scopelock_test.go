package scopelock

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
)

func TestLockSerializesSameRoot(t *testing.T) {
	l := New(t.TempDir())
	ctx := context.Background()

	var inside atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			unlock, err := l.Lock(ctx, "/data")
			if err != nil {
				t.Error(err)
				return
			}
			if n := inside.Add(1); n != 1 {
				t.Errorf("%d holders inside critical section", n)
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
}

func TestDistinctRootsIndependent(t *testing.T) {
	l := New(t.TempDir())
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "/a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "/b")
	if err != nil {
		t.Fatalf("lock on /b blocked by /a: %v", err)
	}
	unlockB()
}

func TestLockHonorsContext(t *testing.T) {
	l := New("")
	unlock, err := l.Lock(context.Background(), "/a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "/a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

// TestLockFileHeldElsewhere simulates another process holding the lock file.
func TestLockFileHeldElsewhere(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	other := flock.New(l.LockPath("/a"))
	if err := other.Lock(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "/a"); err == nil {
		t.Fatal("expected lock to fail while file lock is held")
	}

	if err := other.Unlock(); err != nil {
		t.Fatal(err)
	}
	unlock, err := l.Lock(context.Background(), "/a")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	unlock()
}

func TestForDatabase(t *testing.T) {
	if New("").dir != "" || ForDatabase(":memory:").dir != "" {
		t.Error("in-memory database must not use lock files")
	}
	l := ForDatabase(filepath.Join("x", "snap.db"))
	if got, want := filepath.Dir(l.LockPath("/r")), filepath.Join("x", "snap.db.locks"); got != want {
		t.Errorf("lock dir = %s, want %s", got, want)
	}
}
