// Package testfs builds file trees for tests from a declarative spec.
//
//	given := testfs.FileTree{
//	    Volumes: []testfs.Volume{
//	        {
//	            Dir: "/data",
//	            Files: []testfs.File{
//	                {Path: []string{"a.bin"}, Chunks: []testfs.Chunk{{Pattern: 'A', Size: "1KiB"}}},
//	                {Path: []string{"copy/a.bin"}, Chunks: []testfs.Chunk{{Pattern: 'A', Size: "1KiB"}}},
//	                {Path: []string{"b.bin", "b-link.bin"}, Chunks: []testfs.Chunk{{Pattern: 'B', Size: "500"}}},
//	            },
//	        },
//	    },
//	}
//	h := testfs.New(t, given)
//	root := h.Path("/data")
//
// Each Volume is a separate directory under the harness root, which makes it
// a separate scan root. Subdirectories are created from file paths
// (mkdir -p semantics). Same chunks = same content.
package testfs

// FileTree describes the files to create.
type FileTree struct {
	Volumes []Volume
}

// Volume is one top-level directory of the tree.
type Volume struct {
	// Dir is relative to the harness root, e.g. "/data" or "/photos/2024".
	Dir string

	Files    []File
	Symlinks []Symlink
}

// File defines a regular file. Path[0] is written from Chunks; Path[1:] are
// hardlinks to it.
type File struct {
	Path   []string
	Chunks []Chunk
}

// Chunk fills a region of the file with its pattern byte.
type Chunk struct {
	Pattern rune

	// Size accepts humanize units: "100", "1KiB", "4MiB".
	Size string
}

// Symlink defines a symbolic link at Path (relative to the volume).
// Target is written verbatim, so relative targets resolve from the link.
type Symlink struct {
	Path   string
	Target string
}
