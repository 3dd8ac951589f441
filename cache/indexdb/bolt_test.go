package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *BoltDB {
	t.Helper()
	db := NewBoltDB(WithNoSync(true))
	path := filepath.Join(t.TempDir(), "cache.db")
	require.NoError(t, db.Open(path))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutGet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	meta := EntryMeta{
		Key:          "alpha",
		CreatedAt:    now,
		Compression:  CompressionNone,
		SizeBytes:    42,
		LastAccessed: now,
	}
	require.NoError(t, db.Put(ctx, meta))

	got, err := db.Get(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, meta.Key, got.Key)
	require.Equal(t, meta.SizeBytes, got.SizeBytes)
	require.True(t, got.ExpiresAt.IsZero())
}

func TestGetNotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, EntryMeta{Key: "k", CreatedAt: time.Now()}))
	require.NoError(t, db.Delete(ctx, "k"))
	require.NoError(t, db.Delete(ctx, "k"))

	_, err := db.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTouch(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	created := time.Now().UTC()
	require.NoError(t, db.Put(ctx, EntryMeta{Key: "k", CreatedAt: created, LastAccessed: created}))

	at := created.Add(time.Minute)
	got, err := db.Touch(ctx, "k", at)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.AccessCount)
	require.WithinDuration(t, at, got.LastAccessed, time.Millisecond)

	got, err = db.Touch(ctx, "k", at.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(2), got.AccessCount)

	_, err = db.Touch(ctx, "missing", at)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExpiredOrdering(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, db.Put(ctx, EntryMeta{Key: "later", CreatedAt: base, ExpiresAt: base.Add(2 * time.Hour)}))
	require.NoError(t, db.Put(ctx, EntryMeta{Key: "sooner", CreatedAt: base, ExpiresAt: base.Add(time.Hour)}))
	require.NoError(t, db.Put(ctx, EntryMeta{Key: "forever", CreatedAt: base}))

	keys, err := db.Expired(ctx, base.Add(3*time.Hour), 0)
	require.NoError(t, err)
	require.Equal(t, []string{"sooner", "later"}, keys)

	keys, err = db.Expired(ctx, base.Add(90*time.Minute), 0)
	require.NoError(t, err)
	require.Equal(t, []string{"sooner"}, keys)

	keys, err = db.Expired(ctx, base.Add(3*time.Hour), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"sooner"}, keys)
}

func TestPutReplacesExpiryIndex(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, db.Put(ctx, EntryMeta{Key: "k", CreatedAt: base, ExpiresAt: base.Add(time.Hour)}))

	// Overwrite with no expiry; the old index entry must be gone.
	require.NoError(t, db.Put(ctx, EntryMeta{Key: "k", CreatedAt: base}))

	keys, err := db.Expired(ctx, base.Add(2*time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestListAndStats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, db.Put(ctx, EntryMeta{Key: "a", CreatedAt: base, SizeBytes: 10}))
	require.NoError(t, db.Put(ctx, EntryMeta{Key: "b", CreatedAt: base, SizeBytes: 20, ExpiresAt: base.Add(-time.Minute)}))

	metas, err := db.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)

	stats, err := db.Stats(ctx, base)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalEntries)
	require.Equal(t, 1, stats.ExpiredEntries)
	require.Equal(t, int64(30), stats.TotalSizeBytes)
}

func TestClear(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, db.Put(ctx, EntryMeta{Key: "a", CreatedAt: base, ExpiresAt: base.Add(time.Hour)}))
	require.NoError(t, db.Clear(ctx))

	metas, err := db.List(ctx)
	require.NoError(t, err)
	require.Empty(t, metas)

	keys, err := db.Expired(ctx, base.Add(2*time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, keys)
}
