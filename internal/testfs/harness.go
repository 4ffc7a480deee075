package testfs

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Harness owns a temporary tree created from a FileTree.
//
//	h := testfs.New(t, given)
//	res, err := engine.Reconcile(ctx, h.Path("/data"))
//	h.Remove("/data", "copy/a.bin")
type Harness struct {
	t    *testing.T
	root string
}

// New creates a temporary directory and sows given into it.
// The directory is removed by t.TempDir() mechanics.
func New(t *testing.T, given FileTree) *Harness {
	t.Helper()

	h := &Harness{t: t, root: t.TempDir()}
	if err := SowFileTree(h.root, given); err != nil {
		t.Fatalf("failed to setup files: %v", err)
	}
	return h
}

// Root returns the temporary directory root path.
func (h *Harness) Root() string {
	return h.root
}

// Path returns the absolute path of rel inside volume dir.
func (h *Harness) Path(dir string, rel ...string) string {
	return filepath.Join(append([]string{h.root, dir}, rel...)...)
}

// Write (re)creates a file inside volume dir.
func (h *Harness) Write(dir string, f File) {
	h.t.Helper()
	if err := SowFile(h.Path(dir), f); err != nil {
		h.t.Fatalf("write %v: %v", f.Path, err)
	}
}

// Remove deletes a file inside volume dir.
func (h *Harness) Remove(dir, rel string) {
	h.t.Helper()
	if err := os.Remove(h.Path(dir, rel)); err != nil {
		h.t.Fatalf("remove %s: %v", rel, err)
	}
}

// Touch sets the modification time of a file inside volume dir.
func (h *Harness) Touch(dir, rel string, mtime time.Time) {
	h.t.Helper()
	if err := os.Chtimes(h.Path(dir, rel), mtime, mtime); err != nil {
		h.t.Fatalf("touch %s: %v", rel, err)
	}
}
