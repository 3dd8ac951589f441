package indexdb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketEntries = []byte("entries") // key -> EntryMeta JSON

	// Expiry indexes: forward index for ordered expiry scans, reverse index
	// for O(1) removal of the old forward entry when a row is overwritten.
	bucketByExpiry    = []byte("entries_by_expiry") // timestamp+key -> key
	bucketExpiryByKey = []byte("expiry_by_key")     // key -> 8-byte timestamp
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
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

// makeExpiryKey creates a key for the entries_by_expiry index.
// Format: [8-byte timestamp][key]
func makeExpiryKey(expiresAt time.Time, key string) []byte {
	ts := encodeTimestamp(expiresAt)
	result := make([]byte, 8+len(key))
	copy(result[:8], ts)
	copy(result[8:], key)
	return result
}
