package indexdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements Index using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening index database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened index database", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketEntries,
			bucketByExpiry,
			bucketExpiryByKey,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing index database")
	return b.db.Close()
}

// Put stores an index row, replacing any existing row for the key.
func (b *BoltDB) Put(_ context.Context, meta EntryMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if entries == nil {
			return fmt.Errorf("entries bucket not found")
		}

		if err := entries.Put([]byte(meta.Key), data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}

		return b.updateExpiryIndex(tx, meta.Key, meta.ExpiresAt)
	})
}

// updateExpiryIndex updates the forward+reverse expiry indexes for a key.
// A zero expiresAt only deletes existing index entries.
func (b *BoltDB) updateExpiryIndex(tx *bbolt.Tx, key string, expiresAt time.Time) error {
	expiryBucket := tx.Bucket(bucketByExpiry)
	if expiryBucket == nil {
		return nil
	}

	reverseBucket := tx.Bucket(bucketExpiryByKey)
	if reverseBucket == nil {
		return nil
	}

	keyBytes := []byte(key)

	// Delete old forward index entry via reverse index lookup (O(1)), then
	// delete the reverse index entry.
	if tsBytes := reverseBucket.Get(keyBytes); tsBytes != nil {
		oldExpiresAt := decodeTimestamp(tsBytes)
		if err := expiryBucket.Delete(makeExpiryKey(oldExpiresAt, key)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverseBucket.Delete(keyBytes); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if !expiresAt.IsZero() {
		if err := expiryBucket.Put(makeExpiryKey(expiresAt, key), keyBytes); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		if err := reverseBucket.Put(keyBytes, encodeTimestamp(expiresAt)); err != nil {
			return fmt.Errorf("putting expiry reverse index: %w", err)
		}
	}

	return nil
}

// Get retrieves an index row by key.
func (b *BoltDB) Get(_ context.Context, key string) (EntryMeta, error) {
	var meta EntryMeta
	err := b.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if entries == nil {
			return ErrNotFound
		}

		val := entries.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}

		return json.Unmarshal(val, &meta)
	})
	return meta, err
}

// Delete removes an index row. Deleting a missing key is not an error.
func (b *BoltDB) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if entries == nil {
			return nil
		}

		if err := b.updateExpiryIndex(tx, key, time.Time{}); err != nil {
			return err
		}

		return entries.Delete([]byte(key))
	})
}

// Touch updates the last access time and increments the access counter.
func (b *BoltDB) Touch(_ context.Context, key string, at time.Time) (EntryMeta, error) {
	var meta EntryMeta
	err := b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if entries == nil {
			return ErrNotFound
		}

		val := entries.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}

		if err := json.Unmarshal(val, &meta); err != nil {
			return fmt.Errorf("unmarshaling entry: %w", err)
		}

		meta.AccessCount++
		meta.LastAccessed = at

		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshaling entry: %w", err)
		}

		return entries.Put([]byte(key), data)
	})
	return meta, err
}

// List returns all index rows.
func (b *BoltDB) List(_ context.Context) ([]EntryMeta, error) {
	var metas []EntryMeta
	err := b.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if entries == nil {
			return nil
		}

		return entries.ForEach(func(_, v []byte) error {
			var meta EntryMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return nil // Skip invalid rows
			}
			metas = append(metas, meta)
			return nil
		})
	})
	return metas, err
}

// Expired returns keys whose expiry is before the given time, in expiry order.
func (b *BoltDB) Expired(_ context.Context, before time.Time, limit int) ([]string, error) {
	var keys []string
	beforeTs := encodeTimestamp(before)

	err := b.db.View(func(tx *bbolt.Tx) error {
		expiryBucket := tx.Bucket(bucketByExpiry)
		if expiryBucket == nil {
			return nil
		}

		cursor := expiryBucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			// Keys are sorted by timestamp, so stop when we pass the cutoff
			if bytes.Compare(k[:8], beforeTs) >= 0 {
				break
			}

			if limit > 0 && len(keys) >= limit {
				break
			}

			keys = append(keys, string(v))
		}
		return nil
	})
	return keys, err
}

// Clear removes all index rows.
func (b *BoltDB) Clear(_ context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketEntries,
			bucketByExpiry,
			bucketExpiryByKey,
		}
		for _, name := range buckets {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return fmt.Errorf("deleting bucket %s: %w", name, err)
				}
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Stats summarizes the index in a single read transaction.
func (b *BoltDB) Stats(_ context.Context, now time.Time) (Stats, error) {
	var stats Stats
	err := b.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if entries == nil {
			return nil
		}

		return entries.ForEach(func(_, v []byte) error {
			var meta EntryMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return nil // Skip invalid rows
			}
			stats.TotalEntries++
			stats.TotalSizeBytes += meta.SizeBytes
			if meta.Expired(now) {
				stats.ExpiredEntries++
			}
			return nil
		})
	})
	return stats, err
}

// Compile-time interface check
var _ Index = (*BoltDB)(nil)
