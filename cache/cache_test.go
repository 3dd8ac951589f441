package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/invokerpm/invokerpm/cache/indexdb"
)

// testClock is a manually advanced clock for TTL tests.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func setupTestManager(t *testing.T, opts ...Option) (*Manager, *testClock) {
	t.Helper()

	clock := &testClock{now: time.Now().UTC()}
	opts = append([]Option{
		WithIndex(indexdb.NewBoltDB(indexdb.WithNoSync(true))),
		WithNow(clock.Now),
	}, opts...)

	m, err := New(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	return m, clock
}

func TestSetGetRoundTrip(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	value := map[string]any{"name": "hello-world", "version": "1.2.0"}
	require.NoError(t, m.Set(ctx, "pkg:hello-world", value))

	got, err := m.Get(ctx, "pkg:hello-world")
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestGetMissing(t *testing.T) {
	m, _ := setupTestManager(t)

	_, err := m.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTTLExpiry(t *testing.T) {
	m, clock := setupTestManager(t, WithAutoCleanup(false))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short", "v", WithTTL(time.Hour)))
	require.NoError(t, m.Set(ctx, "forever", "v"))

	got, err := m.Get(ctx, "short")
	require.NoError(t, err)
	require.Equal(t, "v", got)

	clock.Advance(2 * time.Hour)

	_, err = m.Get(ctx, "short")
	require.ErrorIs(t, err, ErrNotFound)

	got, err = m.Get(ctx, "forever")
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestExistsDoesNotLoadValue(t *testing.T) {
	m, clock := setupTestManager(t, WithAutoCleanup(false))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", WithTTL(time.Minute)))

	ok, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(2 * time.Minute)

	ok, err = m.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = m.Exists(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompressedRoundTrip(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	value := map[string]any{"description": "a reasonably long description that compresses"}
	require.NoError(t, m.Set(ctx, "k", value, WithCompression()))

	// Drop the memory tier to force the disk read path.
	m.mu.Lock()
	m.mem = make(map[string]*memEntry)
	m.mu.Unlock()

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, value, got)

	info, err := m.Info(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, indexdb.CompressionGzip, info.Compression)
}

func TestWithoutPersist(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "mem-only", "v", WithoutPersist()))

	got, err := m.Get(ctx, "mem-only")
	require.NoError(t, err)
	require.Equal(t, "v", got)

	// Not in the persistent index.
	keys, err := m.Keys(ctx, true)
	require.NoError(t, err)
	require.Empty(t, keys)

	// Gone once evicted from memory.
	m.mu.Lock()
	m.mem = make(map[string]*memEntry)
	m.mu.Unlock()

	_, err = m.Get(ctx, "mem-only")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestKeysIncludeExpired(t *testing.T) {
	m, clock := setupTestManager(t, WithAutoCleanup(false))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "live", "v"))
	require.NoError(t, m.Set(ctx, "dead", "v", WithTTL(time.Minute)))

	clock.Advance(time.Hour)

	keys, err := m.Keys(ctx, false)
	require.NoError(t, err)
	require.Equal(t, []string{"live"}, keys)

	keys, err = m.Keys(ctx, true)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"live", "dead"}, keys)
}

func TestCleanupCountsUniqueEntries(t *testing.T) {
	m, clock := setupTestManager(t, WithAutoCleanup(false))
	ctx := context.Background()

	// "both" is expired in memory and on disk; it must count once.
	require.NoError(t, m.Set(ctx, "both", "v", WithTTL(time.Minute)))
	require.NoError(t, m.Set(ctx, "disk-only", "v", WithTTL(time.Minute)))
	require.NoError(t, m.Set(ctx, "live", "v"))

	m.mu.Lock()
	delete(m.mem, "disk-only")
	m.mu.Unlock()

	clock.Advance(time.Hour)

	removed, err := m.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	keys, err := m.Keys(ctx, true)
	require.NoError(t, err)
	require.Equal(t, []string{"live"}, keys)
}

func TestDeleteIdempotent(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v"))
	require.NoError(t, m.Delete(ctx, "k"))
	require.NoError(t, m.Delete(ctx, "k"))

	_, err := m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClear(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", 1))
	require.NoError(t, m.Set(ctx, "b", 2))
	require.NoError(t, m.Clear(ctx))

	keys, err := m.Keys(ctx, true)
	require.NoError(t, err)
	require.Empty(t, keys)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.TotalEntries)
	require.Zero(t, stats.MemoryEntries)
}

func TestLRUEvictionBound(t *testing.T) {
	m, clock := setupTestManager(t, WithMaxMemoryEntries(3))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", "v"))
	clock.Advance(time.Second)
	require.NoError(t, m.Set(ctx, "b", "v"))
	clock.Advance(time.Second)
	require.NoError(t, m.Set(ctx, "c", "v"))
	clock.Advance(time.Second)

	// Touch "a" so "b" is now least recently used.
	_, err := m.Get(ctx, "a")
	require.NoError(t, err)
	clock.Advance(time.Second)

	require.NoError(t, m.Set(ctx, "d", "v"))

	m.mu.Lock()
	_, hasA := m.mem["a"]
	_, hasB := m.mem["b"]
	_, hasD := m.mem["d"]
	memLen := len(m.mem)
	m.mu.Unlock()

	require.Equal(t, 3, memLen)
	require.True(t, hasA)
	require.False(t, hasB)
	require.True(t, hasD)

	// Evicted entries are still served from disk.
	got, err := m.Get(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestSelfHealingMissingBlob(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v"))

	m.mu.Lock()
	m.mem = make(map[string]*memEntry)
	m.mu.Unlock()

	require.NoError(t, os.Remove(m.blobPath("k")))

	_, err := m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	// The stale index row must be gone too.
	keys, err := m.Keys(ctx, true)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestSelfHealingCorruptBlob(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", WithCompression()))

	m.mu.Lock()
	m.mem = make(map[string]*memEntry)
	m.mu.Unlock()

	require.NoError(t, os.WriteFile(m.blobPath("k"), []byte("not gzip"), 0o644))

	_, err := m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = os.Stat(m.blobPath("k"))
	require.True(t, os.IsNotExist(err))
}

func TestDiskPromotionUpdatesAccessStats(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v"))

	m.mu.Lock()
	m.mem = make(map[string]*memEntry)
	m.mu.Unlock()

	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	info, err := m.Info(ctx, "k")
	require.NoError(t, err)
	require.True(t, info.InMemory)
	require.EqualValues(t, 1, info.AccessCount)
}

func TestColdStartReadsDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m1, err := New(dir, WithIndex(indexdb.NewBoltDB(indexdb.WithNoSync(true))))
	require.NoError(t, err)
	require.NoError(t, m1.Set(ctx, "k", "v"))
	require.NoError(t, m1.Close(ctx))

	m2, err := New(dir, WithIndex(indexdb.NewBoltDB(indexdb.WithNoSync(true))))
	require.NoError(t, err)
	defer func() { _ = m2.Close(ctx) }()

	got, err := m2.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestStats(t *testing.T) {
	m, clock := setupTestManager(t, WithAutoCleanup(false))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", "v"))
	require.NoError(t, m.Set(ctx, "b", "v", WithTTL(time.Minute)))

	clock.Advance(time.Hour)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalEntries)
	require.Equal(t, 2, stats.MemoryEntries)
	require.Equal(t, 1, stats.ExpiredEntries)
	require.Positive(t, stats.TotalSizeBytes)
	require.Equal(t, m.Dir(), stats.Dir)
}

func TestInfoReportsExpiredEntries(t *testing.T) {
	m, clock := setupTestManager(t, WithAutoCleanup(false))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", WithTTL(time.Minute)))
	clock.Advance(time.Hour)

	// Metadata stays visible until cleanup removes the entry.
	info, err := m.Info(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "k", info.Key)
	require.True(t, info.Expired(clock.Now()))
}

// failingIndex wraps a real index but fails every Put.
type failingIndex struct {
	indexdb.Index
	putErr error
}

func (f *failingIndex) Put(_ context.Context, _ indexdb.EntryMeta) error {
	return f.putErr
}

func TestSetPersistFailureKeepsMemoryEntry(t *testing.T) {
	putErr := errors.New("index unavailable")
	idx := &failingIndex{
		Index:  indexdb.NewBoltDB(indexdb.WithNoSync(true)),
		putErr: putErr,
	}

	m, err := New(t.TempDir(), WithIndex(idx))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	ctx := context.Background()

	// Persistence fails loudly, but the memory-tier write has already
	// committed, so the entry stays usable in-process.
	err = m.Set(ctx, "k", "v")
	require.ErrorIs(t, err, putErr)

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", got)

	ok, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLazyCleanupRuns(t *testing.T) {
	m, clock := setupTestManager(t, WithCleanupInterval(time.Minute))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "dead", "v", WithTTL(time.Second)))

	clock.Advance(2 * time.Minute)

	// Any operation past the interval triggers the sweep.
	require.NoError(t, m.Set(ctx, "live", "v"))

	keys, err := m.Keys(ctx, true)
	require.NoError(t, err)
	require.Equal(t, []string{"live"}, keys)
}
