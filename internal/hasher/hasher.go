// Package hasher streams file content through a configurable digest.
//
// A hash is either complete or absent: any read error, size change during
// the read, cancellation or timeout yields a *HashError and no digest.
package hasher

import (
	"context"
	"crypto/md5"  //nolint:gosec // content identity, not security
	"crypto/sha1" //nolint:gosec // content identity, not security
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// Algorithm names a supported digest.
type Algorithm string

const (
	MD5     Algorithm = "md5"
	SHA1    Algorithm = "sha1"
	SHA256  Algorithm = "sha256"
	SHA512  Algorithm = "sha512"
	BLAKE2b Algorithm = "blake2b"
	XXHash  Algorithm = "xxhash"
)

// DefaultChunkSize is the read buffer size when none is configured.
const DefaultChunkSize = 8192

var factories = map[Algorithm]func() hash.Hash{
	MD5:    md5.New,
	SHA1:   sha1.New,
	SHA256: sha256.New,
	SHA512: sha512.New,
	BLAKE2b: func() hash.Hash {
		h, _ := blake2b.New256(nil) // only fails for oversized keys
		return h
	},
	XXHash: func() hash.Hash { return xxhash.New() },
}

// Algorithms lists the supported digest names, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(factories))
	for a := range factories {
		names = append(names, string(a))
	}
	sort.Strings(names)
	return names
}

// Options configures a Hasher.
type Options struct {
	Algorithm  Algorithm
	ChunkSize  int
	Attempts   uint          // total attempts per file; 1 = no retry
	RetryDelay time.Duration // base delay between attempts
	Timeout    time.Duration // per-file bound, 0 = none
}

// HashError reports a file that could not be hashed.
type HashError struct {
	Path string
	Err  error
}

func (e *HashError) Error() string { return fmt.Sprintf("hash %s: %v", e.Path, e.Err) }

func (e *HashError) Unwrap() error { return e.Err }

// Vanished reports whether the file no longer exists.
func (e *HashError) Vanished() bool { return errors.Is(e.Err, fs.ErrNotExist) }

// errSizeChanged marks a file that grew or shrank while being read.
var errSizeChanged = errors.New("file size changed during read")

// Hasher computes content digests. It is safe for concurrent use.
type Hasher struct {
	opts      Options
	newHash   func() hash.Hash
	bytesRead atomic.Uint64
}

// New validates opts and returns a Hasher.
func New(opts Options) (*Hasher, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = MD5
	}
	factory, ok := factories[opts.Algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm %q (supported: %v)", opts.Algorithm, Algorithms())
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	return &Hasher{opts: opts, newHash: factory}, nil
}

// Algorithm returns the configured digest name.
func (h *Hasher) Algorithm() Algorithm { return h.opts.Algorithm }

// BytesRead returns the total bytes hashed so far.
func (h *Hasher) BytesRead() uint64 { return h.bytesRead.Load() }

// Hash returns the hex digest of the file at path.
// Missing files are not retried; other failures are retried up to Attempts.
func (h *Hasher) Hash(ctx context.Context, path string) (string, error) {
	var digest string
	var lastErr error

	err := retry.Do(
		func() error {
			d, err := h.hashOnce(ctx, path)
			if err != nil {
				lastErr = err
				return err
			}
			digest = d
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(h.opts.Attempts),
		retry.Delay(h.opts.RetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, fs.ErrNotExist) && ctx.Err() == nil
		}),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return "", &HashError{Path: path, Err: lastErr}
	}
	return digest, nil
}

// hashOnce makes a single full pass over the file.
func (h *Hasher) hashOnce(ctx context.Context, path string) (string, error) {
	if h.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.Timeout)
		defer cancel()
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	digest := h.newHash()
	buf := make([]byte, h.opts.ChunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := f.Read(buf)
		if n > 0 {
			_, _ = digest.Write(buf[:n]) // hash.Hash never returns an error
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
	}
	h.bytesRead.Add(uint64(total))

	if total != info.Size() {
		return "", fmt.Errorf("%w: expected %d bytes, read %d", errSizeChanged, info.Size(), total)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}
