package indexdb

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an index row does not exist.
var ErrNotFound = errors.New("indexdb: not found")

// Index provides metadata storage for cache entries.
type Index interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Row operations
	Put(ctx context.Context, meta EntryMeta) error
	Get(ctx context.Context, key string) (EntryMeta, error)
	Delete(ctx context.Context, key string) error

	// Touch updates the last access time and increments the access counter.
	// Returns the updated row, or ErrNotFound if the key does not exist.
	Touch(ctx context.Context, key string, at time.Time) (EntryMeta, error)

	// Enumeration
	List(ctx context.Context) ([]EntryMeta, error)

	// Expired returns keys whose expiry is before the given time, in expiry
	// order. A limit of 0 means no limit.
	Expired(ctx context.Context, before time.Time, limit int) ([]string, error)

	Clear(ctx context.Context) error
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

// New creates a new Index backed by bbolt.
func New() Index {
	return NewBoltDB()
}
