package testfs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// SowFileTree creates every volume of tree under root.
func SowFileTree(root string, tree FileTree) error {
	for _, vol := range tree.Volumes {
		if err := sowVolume(root, vol); err != nil {
			return fmt.Errorf("sow volume %s: %w", vol.Dir, err)
		}
	}
	return nil
}

// sowVolume creates all files and symlinks in a volume.
func sowVolume(root string, vol Volume) error {
	volPath := filepath.Join(root, vol.Dir)

	if err := os.MkdirAll(volPath, 0o755); err != nil {
		return fmt.Errorf("create volume dir: %w", err)
	}

	if err := sowFiles(volPath, vol.Files); err != nil {
		return err
	}

	return sowSymlinks(volPath, vol.Symlinks)
}

// sowFiles creates files and their hardlinks.
func sowFiles(volPath string, files []File) error {
	for _, f := range files {
		if err := sowFile(volPath, f); err != nil {
			return err
		}
	}
	return nil
}

// SowFile creates a single file entry (with optional hardlinks) under dir.
func SowFile(dir string, f File) error {
	return sowFile(dir, f)
}

// sowFile creates a single file entry (with optional hardlinks).
func sowFile(volPath string, f File) error {
	if len(f.Path) == 0 {
		return nil
	}

	firstPath := filepath.Join(volPath, f.Path[0])
	if err := writeChunkedFile(firstPath, f.Chunks); err != nil {
		return fmt.Errorf("create %s: %w", firstPath, err)
	}

	for _, p := range f.Path[1:] {
		linkPath := filepath.Join(volPath, p)
		if err := createHardlink(firstPath, linkPath); err != nil {
			return fmt.Errorf("hardlink %s -> %s: %w", linkPath, firstPath, err)
		}
	}
	return nil
}

// writeChunkedFile streams content directly to disk, truncating any previous content.
func writeChunkedFile(path string, chunks []Chunk) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for _, c := range chunks {
		if err := writeChunk(f, c); err != nil {
			return err
		}
	}
	return nil
}

// writeChunk writes a single chunk to the file using streaming.
func writeChunk(f *os.File, c Chunk) error {
	const maxBufSize = 1 << 20 // 1MiB max buffer

	size, err := humanize.ParseBytes(c.Size)
	if err != nil {
		return fmt.Errorf("parse chunk size %q: %w", c.Size, err)
	}

	// Use smaller buffer for small chunks
	bufSize := int(size)
	if bufSize > maxBufSize {
		bufSize = maxBufSize
	}

	// Create pattern-filled buffer
	buf := bytes.Repeat([]byte{byte(c.Pattern)}, bufSize)

	// Stream write
	remaining := int64(size)
	for remaining > 0 {
		toWrite := int64(len(buf))
		if remaining < toWrite {
			toWrite = remaining
		}
		if _, err := f.Write(buf[:toWrite]); err != nil {
			return err
		}
		remaining -= toWrite
	}
	return nil
}

// sowSymlinks creates symlinks in a volume.
func sowSymlinks(volPath string, symlinks []Symlink) error {
	for _, sym := range symlinks {
		linkPath := filepath.Join(volPath, sym.Path)
		if err := createSymlink(sym.Target, linkPath); err != nil {
			return fmt.Errorf("symlink %s -> %s: %w", linkPath, sym.Target, err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Helper Functions
// -----------------------------------------------------------------------------

// createHardlink creates a hardlink, creating parent dirs.
func createHardlink(target, link string) error {
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	return os.Link(target, link)
}

// createSymlink creates a symlink, creating parent dirs.
func createSymlink(target, link string) error {
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	return os.Symlink(target, link)
}
