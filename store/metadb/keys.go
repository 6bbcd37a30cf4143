package metadb

import (
	"encoding/binary"
	"time"
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice so that time-ordered indexes sort lexicographically. Uses an
// offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Shift [MinInt64, MaxInt64] to [0, MaxUint64] to preserve order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeAccessKey creates a key for the entries_by_access index.
// Format: [8-byte timestamp][path]
func makeAccessKey(accessTime time.Time, path string) []byte {
	ts := encodeTimestamp(accessTime)
	key := make([]byte, 8+len(path))
	copy(key[:8], ts)
	copy(key[8:], path)
	return key
}

// makeHashIndexKey creates a key for the entries_by_hash index.
// Format: [hash hex][separator][path]
func makeHashIndexKey(hashHex, path string) []byte {
	key := make([]byte, len(hashHex)+1+len(path))
	copy(key, hashHex)
	key[len(hashHex)] = 0 // null separator
	copy(key[len(hashHex)+1:], path)
	return key
}

// parseHashIndexKey extracts hash hex and path from an entries_by_hash
// index key.
func parseHashIndexKey(data []byte) (hashHex, path string) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), string(data[i+1:])
		}
	}
	return string(data), ""
}
