// Package extractcache provides the core types for a content-addressed
// extraction cache: hashes, blob references, cache entries, configuration,
// and the error taxonomy shared by all subpackages.
package extractcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// HashSize is the size of a SHA-256 digest in bytes.
const HashSize = 32

// FingerprintChunkSize is the read size used when fingerprinting files.
// The fingerprinter checks for cancellation between chunks, so this also
// bounds how much work happens between yield points.
const FingerprintChunkSize = 64 * 1024

// Hash represents a SHA-256 digest.
type Hash [HashSize]byte

// String returns the lowercase hex representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the SHA-256 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

// HashReader computes the SHA-256 hash of content from the reader.
// It returns the hash and the number of bytes read.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var hash Hash
	h.Sum(hash[:0])
	return hash, n, nil
}

// HashingReader wraps a reader and computes the hash as data is read.
type HashingReader struct {
	r io.Reader
	h io.Writer
	s func() Hash
	n int64
}

// NewHashingReader creates a reader that computes a SHA-256 hash of all
// data read through it.
func NewHashingReader(r io.Reader) *HashingReader {
	h := sha256.New()
	return &HashingReader{
		r: r,
		h: h,
		s: func() Hash {
			var out Hash
			h.Sum(out[:0])
			return out
		},
	}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data read so far.
func (hr *HashingReader) Sum() Hash {
	return hr.s()
}

// BytesRead returns the total number of bytes read.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}

// FingerprintFile computes the SHA-256 digest of the file at path, reading
// in FingerprintChunkSize chunks and checking ctx between chunks so that
// hashing a large file does not starve other work. It returns the digest
// and the number of bytes hashed.
func FingerprintFile(ctx context.Context, path string) (Hash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	buf := make([]byte, FingerprintChunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return Hash{}, total, err
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Hash{}, total, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	var hash Hash
	h.Sum(hash[:0])
	return hash, total, nil
}
