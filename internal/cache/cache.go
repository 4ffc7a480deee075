// Package cache keeps whole-file digests across runs so that overlapping
// scan roots and repeated duplicate passes do not re-read unchanged files.
package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ivoronin/snapdog/internal/extract"
	"github.com/ivoronin/snapdog/internal/types"
)

const bucketName = "digests"

// Cache provides persistent caching of file digests using BoltDB.
// Each run writes a new database. On Close, old entries whose file still
// matches its key are carried forward; entries for changed or vanished
// files are dropped.
type Cache struct {
	readDB  *bolt.DB // Existing cache (read-only)
	writeDB *bolt.DB // New cache (write) - BoltDB locks this file
	path    string   // Final path (for atomic swap)
	enabled bool
}

// Open opens existing cache for reading and creates new cache for writing.
// BoltDB's built-in file locking on .new file prevents concurrent instances.
// Returns disabled cache if path is empty.
func Open(path string) (*Cache, error) {
	if path == "" {
		return &Cache{enabled: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{path: path, enabled: true}
	var err error

	// Open existing cache for reading (if exists)
	if _, statErr := os.Stat(path); statErr == nil {
		c.readDB, err = bolt.Open(path, 0o600, &bolt.Options{
			ReadOnly: true,
			Timeout:  1 * time.Second,
		})
		if err != nil {
			// Can't open existing - continue without read cache
			c.readDB = nil
		}
	}

	newPath := path + ".new"
	c.writeDB, err = bolt.Open(newPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create new cache (locked by another instance?): %w", err)
	}

	if err := c.writeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Enabled reports whether lookups can ever hit.
func (c *Cache) Enabled() bool { return c != nil && c.enabled }

// Close closes both databases and atomically replaces old with new.
// Only replaces if write database closed successfully to avoid data loss.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.readDB != nil && c.writeDB != nil {
		if err := c.carryForward(); err != nil {
			errs = append(errs, fmt.Errorf("carry cache forward: %w", err))
		}
	}
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.writeDB != nil {
		if err := c.writeDB.Close(); err != nil {
			errs = append(errs, err)
		} else if err := os.Rename(c.path+".new", c.path); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

const keyVersion byte = 2 // Increment when key format changes

// keyTrailer is the NUL after the path plus size, dev, ino and mtime.
const keyTrailer = 1 + 4*8

// carryForward copies entries not touched this run whose file on disk still
// produces the same key.
func (c *Cache) carryForward() error {
	type entry struct{ key, digest []byte }
	var keep []entry

	err := c.readDB.View(func(rtx *bolt.Tx) error {
		rb := rtx.Bucket([]byte(bucketName))
		if rb == nil {
			return nil
		}
		return c.writeDB.View(func(wtx *bolt.Tx) error {
			wb := wtx.Bucket([]byte(bucketName))
			return rb.ForEach(func(k, v []byte) error {
				if wb.Get(k) != nil || !validDigest(v) {
					return nil
				}
				algorithm, path, ok := parseKey(k)
				if !ok {
					return nil
				}
				rec, err := extract.Extract(path)
				if err != nil || !bytes.Equal(makeKey(rec, algorithm), k) {
					return nil
				}
				keep = append(keep, entry{bytes.Clone(k), bytes.Clone(v)})
				return nil
			})
		})
	})
	if err != nil || len(keep) == 0 {
		return err
	}

	return c.writeDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		for _, e := range keep {
			if err := b.Put(e.key, e.digest); err != nil {
				return err
			}
		}
		return nil
	})
}

// parseKey extracts the algorithm and path from a key built by makeKey.
func parseKey(key []byte) (algorithm, path string, ok bool) {
	if len(key) < 1+keyTrailer || key[0] != keyVersion {
		return "", "", false
	}
	rest := key[1 : len(key)-keyTrailer]
	if key[len(key)-keyTrailer] != 0 {
		return "", "", false
	}
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return "", "", false
	}
	return string(rest[:i]), string(rest[i+1:]), true
}

// makeKey builds deterministic byte key for BoltDB lookup.
// Key = ver(1) + algorithm + NUL + path + NUL + size(8) + dev(8) + ino(8) + mtime(8)
func makeKey(rec *types.FileRecord, algorithm string) []byte {
	var mtime int64
	if rec.ModifiedAt != nil {
		mtime = rec.ModifiedAt.UnixNano()
	}
	buf := new(bytes.Buffer)
	buf.WriteByte(keyVersion)
	buf.WriteString(algorithm)
	buf.WriteByte(0)
	buf.WriteString(rec.Path)
	buf.WriteByte(0)
	_ = binary.Write(buf, binary.BigEndian, rec.Size)
	_ = binary.Write(buf, binary.BigEndian, rec.Dev)
	_ = binary.Write(buf, binary.BigEndian, rec.Ino)
	_ = binary.Write(buf, binary.BigEndian, mtime)
	return buf.Bytes()
}

// Lookup retrieves a cached hex digest.
// Any change to (path, size, dev, ino, mtime) or algorithm is a miss.
// On HIT: copies entry to writeDB (self-cleaning).
// Returns ("", nil) if not found.
func (c *Cache) Lookup(rec *types.FileRecord, algorithm string) (string, error) {
	if !c.Enabled() || c.readDB == nil {
		return "", nil
	}

	key := makeKey(rec, algorithm)
	var digest string

	err := c.readDB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		if data := b.Get(key); validDigest(data) {
			digest = string(data)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("cache lookup: %w", err)
	}
	if digest == "" {
		return "", nil
	}

	// Self-cleaning: copy valid entry to new database
	_ = c.Store(rec, algorithm, digest)

	return digest, nil
}

// Store saves a digest to the new database.
func (c *Cache) Store(rec *types.FileRecord, algorithm, digest string) error {
	if !c.Enabled() || c.writeDB == nil || !validDigest([]byte(digest)) {
		return nil
	}

	err := c.writeDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put(makeKey(rec, algorithm), []byte(digest))
	})
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

// validDigest accepts non-empty even-length hex.
func validDigest(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	_, err := hex.DecodeString(string(data))
	return err == nil
}
