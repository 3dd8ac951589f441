// Package indexdb provides the bbolt-backed metadata index for the cache.
// The index holds one row per cache key; blob payloads live in separate files
// owned by the cache package.
package indexdb

import "time"

// Compression identifies how a blob payload is encoded on disk.
type Compression string

const (
	// CompressionNone means the blob is stored as plain serialized JSON.
	CompressionNone Compression = "none"

	// CompressionGzip means the blob is gzip-compressed.
	CompressionGzip Compression = "gzip"
)

// EntryMeta is one index row: everything known about a cache entry except its
// payload.
type EntryMeta struct {
	Key          string      `json:"key"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    time.Time   `json:"expires_at,omitzero"` // zero means never expires
	Compression  Compression `json:"compression"`
	SizeBytes    int64       `json:"size_bytes"`
	AccessCount  int64       `json:"access_count"`
	LastAccessed time.Time   `json:"last_accessed"`
}

// Expired reports whether the entry is past its expiry at the given time.
// Entries without an expiry never expire.
func (m EntryMeta) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Stats summarizes the index contents.
type Stats struct {
	TotalEntries   int   `json:"total_entries"`
	ExpiredEntries int   `json:"expired_entries"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}
