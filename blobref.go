package extractcache

import (
	"fmt"
	"strings"
)

// Algorithm identifies the hash algorithm used in a blob reference.
type Algorithm string

const (
	AlgSHA256 Algorithm = "sha256"
	AlgBLAKE3 Algorithm = "blake3"
)

// BlobRef is a content-addressed reference to a blob, combining an
// algorithm identifier with a hash digest.
type BlobRef struct {
	Alg  Algorithm
	Hash Hash
}

// NewBlobRef creates a BlobRef using the default SHA-256 algorithm.
func NewBlobRef(h Hash) BlobRef {
	return BlobRef{Alg: AlgSHA256, Hash: h}
}

// ParseBlobRef parses a blob reference string in the form "algorithm:hex".
// The algorithm is case-insensitive and normalised to lowercase. Plain hex
// strings (without an algorithm prefix) are accepted and assumed SHA-256.
func ParseBlobRef(s string) (BlobRef, error) {
	if s == "" {
		return BlobRef{}, fmt.Errorf("empty blob ref")
	}

	algoStr, hexStr, hasPrefix := strings.Cut(s, ":")
	if !hasPrefix {
		hexStr = algoStr
		algoStr = string(AlgSHA256)
	}

	algoStr = strings.ToLower(algoStr)

	var alg Algorithm
	switch Algorithm(algoStr) {
	case AlgSHA256:
		alg = AlgSHA256
	case AlgBLAKE3:
		alg = AlgBLAKE3
	default:
		return BlobRef{}, fmt.Errorf("unsupported algorithm %q in blob ref %q", algoStr, s)
	}

	h, err := ParseHash(strings.ToLower(hexStr))
	if err != nil {
		return BlobRef{}, fmt.Errorf("invalid hash in blob ref %q: %w", s, err)
	}

	return BlobRef{Alg: alg, Hash: h}, nil
}

// String returns the canonical string form "algorithm:hex".
func (r BlobRef) String() string {
	return string(r.Alg) + ":" + r.Hash.String()
}

// Hex returns the plain hex digest without the algorithm prefix.
func (r BlobRef) Hex() string {
	return r.Hash.String()
}

// IsZero returns true if the reference is unset.
func (r BlobRef) IsZero() bool {
	return r.Alg == "" && r.Hash.IsZero()
}

// MarshalText implements encoding.TextMarshaler.
func (r BlobRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *BlobRef) UnmarshalText(text []byte) error {
	parsed, err := ParseBlobRef(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
