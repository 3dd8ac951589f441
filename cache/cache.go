// Package cache provides a durable, expiring key-value store with two tiers:
// a bounded in-memory map with strict LRU eviction, and an unbounded disk tier
// of one blob file per key indexed by a bbolt metadata database.
//
// A Manager is safe for concurrent use by multiple goroutines within one
// process. It assumes exclusive ownership of its cache directory; concurrent
// access from other processes is not supported.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/invokerpm/invokerpm"
	"github.com/invokerpm/invokerpm/cache/indexdb"
	"github.com/invokerpm/invokerpm/telemetry"
)

const (
	// DefaultMaxMemoryEntries bounds the memory tier.
	DefaultMaxMemoryEntries = 1000

	// DefaultCleanupInterval is how often the lazy expiry sweep runs.
	DefaultCleanupInterval = time.Hour

	// indexFilename is the metadata index database inside the cache dir.
	indexFilename = "cache.db"

	// dataDirname holds the blob files inside the cache dir.
	dataDirname = "data"
)

// ErrNotFound is returned when a key is absent, expired, or unreadable.
var ErrNotFound = fmt.Errorf("%w: entry not found", invokerpm.ErrCache)

// memEntry is a memory-tier entry: the decoded value plus its index row.
type memEntry struct {
	meta  indexdb.EntryMeta
	value any
}

// Manager is the two-tier cache.
type Manager struct {
	mu               sync.Mutex
	mem              map[string]*memEntry
	maxMemoryEntries int
	cleanupInterval  time.Duration
	autoCleanup      bool
	lastCleanup      time.Time

	baseDir string
	dataDir string
	idx     indexdb.Index

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxMemoryEntries sets the memory tier bound.
func WithMaxMemoryEntries(n int) Option {
	return func(m *Manager) {
		m.maxMemoryEntries = n
	}
}

// WithCleanupInterval sets the interval between lazy expiry sweeps.
func WithCleanupInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.cleanupInterval = d
	}
}

// WithAutoCleanup enables or disables the lazy expiry sweep at the top of
// Set and Get. Cleanup can still be invoked manually.
func WithAutoCleanup(enabled bool) Option {
	return func(m *Manager) {
		m.autoCleanup = enabled
	}
}

// WithIndex sets the metadata index. Defaults to a bbolt index in the cache
// directory.
func WithIndex(idx indexdb.Index) Option {
	return func(m *Manager) {
		m.idx = idx
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a Manager rooted at dir. An empty dir selects the OS cache
// location (e.g. ~/.cache/invokerpm on Linux). The directory, its data
// subdirectory, and the metadata index are created if missing.
func New(dir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		mem:              make(map[string]*memEntry),
		maxMemoryEntries: DefaultMaxMemoryEntries,
		cleanupInterval:  DefaultCleanupInterval,
		autoCleanup:      true,
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("%w: resolving user cache dir: %w", invokerpm.ErrPath, err)
		}
		dir = filepath.Join(base, "invokerpm")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating cache dir: %w", invokerpm.ErrPath, err)
	}
	m.baseDir = dir

	m.dataDir = filepath.Join(dir, dataDirname)
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating data dir: %w", invokerpm.ErrPath, err)
	}

	if m.idx == nil {
		m.idx = indexdb.New()
	}
	if err := m.idx.Open(filepath.Join(dir, indexFilename)); err != nil {
		return nil, err
	}

	m.lastCleanup = m.now()
	m.logger.Debug("cache opened", "dir", dir, "maxMemoryEntries", m.maxMemoryEntries)
	return m, nil
}

// Dir returns the cache directory.
func (m *Manager) Dir() string {
	return m.baseDir
}

// setConfig holds per-call Set options.
type setConfig struct {
	ttl      time.Duration
	persist  bool
	compress bool
}

// SetOption configures a single Set call.
type SetOption func(*setConfig)

// WithTTL sets a time-to-live for the entry. Zero or negative means the
// entry never expires.
func WithTTL(ttl time.Duration) SetOption {
	return func(c *setConfig) {
		c.ttl = ttl
	}
}

// WithoutPersist keeps the entry in the memory tier only.
func WithoutPersist() SetOption {
	return func(c *setConfig) {
		c.persist = false
	}
}

// WithCompression gzip-compresses the blob on disk.
func WithCompression() SetOption {
	return func(c *setConfig) {
		c.compress = true
	}
}

// Set stores a JSON-serializable value under key, replacing any existing
// entry. The memory-tier write commits before persistence is attempted, so
// on a disk error the entry remains usable in-process while the error is
// still reported to the caller.
func (m *Manager) Set(ctx context.Context, key string, value any, opts ...SetOption) error {
	cfg := setConfig{persist: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	compression := indexdb.CompressionNone
	if cfg.compress {
		compression = indexdb.CompressionGzip
	}

	data, err := encodeValue(value, compression)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleanupIfNeeded(ctx)

	now := m.now()
	meta := indexdb.EntryMeta{
		Key:          key,
		CreatedAt:    now,
		Compression:  compression,
		SizeBytes:    int64(len(data)),
		LastAccessed: now,
	}
	if cfg.ttl > 0 {
		meta.ExpiresAt = now.Add(cfg.ttl)
	}

	m.mem[key] = &memEntry{meta: meta, value: value}
	m.evictLRU(ctx)

	if !cfg.persist {
		telemetry.RecordCacheWrite(ctx, false, meta.SizeBytes)
		return nil
	}

	if err := writeBlob(m.blobPath(key), data); err != nil {
		return fmt.Errorf("%w: persisting %q: %w", invokerpm.ErrPath, key, err)
	}
	if err := m.idx.Put(ctx, meta); err != nil {
		return fmt.Errorf("indexing %q: %w", key, err)
	}

	telemetry.RecordCacheWrite(ctx, true, meta.SizeBytes)
	return nil
}

// Get retrieves the value for key. Expired, missing, and corrupted entries
// all report ErrNotFound; corruption and index/blob disagreement are repaired
// in place rather than surfaced.
func (m *Manager) Get(ctx context.Context, key string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleanupIfNeeded(ctx)

	now := m.now()

	if entry, ok := m.mem[key]; ok {
		if entry.meta.Expired(now) {
			m.deleteLocked(ctx, key)
			telemetry.RecordCacheLookup(ctx, telemetry.TierMemory, telemetry.LookupExpired)
			return nil, ErrNotFound
		}

		entry.meta.AccessCount++
		entry.meta.LastAccessed = now
		telemetry.RecordCacheLookup(ctx, telemetry.TierMemory, telemetry.LookupHit)
		return entry.value, nil
	}

	value, err := m.loadFromDisk(ctx, key, now)
	if err != nil {
		return nil, err
	}
	telemetry.RecordCacheLookup(ctx, telemetry.TierDisk, telemetry.LookupHit)
	return value, nil
}

// loadFromDisk reads an entry through the index, promotes it into the memory
// tier, and persists the access stats. Caller holds the lock.
func (m *Manager) loadFromDisk(ctx context.Context, key string, now time.Time) (any, error) {
	meta, err := m.idx.Get(ctx, key)
	if errors.Is(err, indexdb.ErrNotFound) {
		telemetry.RecordCacheLookup(ctx, telemetry.TierDisk, telemetry.LookupMiss)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading index for %q: %w", key, err)
	}

	if meta.Expired(now) {
		m.deleteLocked(ctx, key)
		telemetry.RecordCacheLookup(ctx, telemetry.TierDisk, telemetry.LookupExpired)
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(m.blobPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			// Index row without a blob file: purge the stale row.
			m.logger.Warn("purging index row with missing blob", "key", key)
			_ = m.idx.Delete(ctx, key)
			telemetry.RecordCacheLookup(ctx, telemetry.TierDisk, telemetry.LookupMiss)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: reading blob for %q: %w", invokerpm.ErrPath, key, err)
	}

	value, err := decodeValue(data, meta.Compression)
	if err != nil {
		// Corrupted blob: evict silently and report a miss.
		m.logger.Warn("evicting corrupted cache entry", "key", key, "error", err)
		m.deleteLocked(ctx, key)
		telemetry.RecordCacheLookup(ctx, telemetry.TierDisk, telemetry.LookupCorrupt)
		return nil, ErrNotFound
	}

	touched, err := m.idx.Touch(ctx, key, now)
	if err == nil {
		meta = touched
	} else {
		meta.AccessCount++
		meta.LastAccessed = now
	}

	m.mem[key] = &memEntry{meta: meta, value: value}
	m.evictLRU(ctx)

	return value, nil
}

// Exists reports whether key is present and not expired, without loading or
// deserializing the value.
func (m *Manager) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if entry, ok := m.mem[key]; ok {
		if entry.meta.Expired(now) {
			m.deleteLocked(ctx, key)
			return false, nil
		}
		return true, nil
	}

	meta, err := m.idx.Get(ctx, key)
	if errors.Is(err, indexdb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading index for %q: %w", key, err)
	}

	if meta.Expired(now) {
		m.deleteLocked(ctx, key)
		return false, nil
	}
	return true, nil
}

// Delete removes an entry from both tiers. Deleting a missing key is not an
// error.
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(ctx, key)
}

// deleteLocked removes an entry from both tiers. Caller holds the lock.
func (m *Manager) deleteLocked(ctx context.Context, key string) error {
	delete(m.mem, key)

	if err := removeBlob(m.blobPath(key)); err != nil {
		return err
	}
	return m.idx.Delete(ctx, key)
}

// Clear removes all entries from both tiers.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mem = make(map[string]*memEntry)

	blobs, err := filepath.Glob(filepath.Join(m.dataDir, "*"+blobExt))
	if err != nil {
		return fmt.Errorf("listing blobs: %w", err)
	}
	for _, path := range blobs {
		_ = os.Remove(path)
	}

	return m.idx.Clear(ctx)
}

// Keys enumerates the keys of persisted entries. When includeExpired is
// false, entries past their expiry are filtered out. Values are never loaded.
func (m *Manager) Keys(ctx context.Context, includeExpired bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metas, err := m.idx.List(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	keys := make([]string, 0, len(metas))
	for _, meta := range metas {
		if !includeExpired && meta.Expired(now) {
			continue
		}
		keys = append(keys, meta.Key)
	}
	return keys, nil
}

// Cleanup removes all expired entries from both tiers and returns the number
// of distinct entries removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupLocked(ctx)
}

// cleanupIfNeeded runs the expiry sweep when auto-cleanup is enabled and the
// interval has elapsed. Caller holds the lock.
func (m *Manager) cleanupIfNeeded(ctx context.Context) {
	if !m.autoCleanup {
		return
	}
	if m.now().Sub(m.lastCleanup) <= m.cleanupInterval {
		return
	}
	if _, err := m.cleanupLocked(ctx); err != nil {
		m.logger.Warn("lazy cleanup failed", "error", err)
	}
}

// cleanupLocked sweeps expired entries. A key expired in both tiers counts
// once. Caller holds the lock.
func (m *Manager) cleanupLocked(ctx context.Context) (int, error) {
	start := m.now()
	removed := make(map[string]struct{})

	for key, entry := range m.mem {
		if entry.meta.Expired(start) {
			delete(m.mem, key)
			removed[key] = struct{}{}
		}
	}

	expired, err := m.idx.Expired(ctx, start, 0)
	if err != nil {
		return len(removed), err
	}
	for _, key := range expired {
		if err := removeBlob(m.blobPath(key)); err != nil {
			m.logger.Warn("failed to remove expired blob", "key", key, "error", err)
			continue
		}
		if err := m.idx.Delete(ctx, key); err != nil {
			m.logger.Warn("failed to delete expired index row", "key", key, "error", err)
			continue
		}
		delete(m.mem, key)
		removed[key] = struct{}{}
	}

	m.lastCleanup = start
	telemetry.RecordCacheCleanup(ctx, len(removed), m.now().Sub(start))
	return len(removed), nil
}

// evictLRU trims the memory tier back to its bound, removing entries in
// ascending last-access order. Caller holds the lock.
func (m *Manager) evictLRU(ctx context.Context) {
	evicted := 0
	for len(m.mem) > m.maxMemoryEntries {
		var oldestKey string
		var oldest time.Time
		for key, entry := range m.mem {
			if oldestKey == "" || entry.meta.LastAccessed.Before(oldest) {
				oldestKey = key
				oldest = entry.meta.LastAccessed
			}
		}
		delete(m.mem, oldestKey)
		evicted++
	}
	if evicted > 0 {
		telemetry.RecordCacheEviction(ctx, evicted)
	}
}

// EntryInfo describes an entry's metadata and which tier holds it.
type EntryInfo struct {
	indexdb.EntryMeta
	InMemory bool `json:"in_memory"`
}

// Info returns an entry's metadata without loading its value. Expired entries
// still report their metadata until cleanup removes them.
func (m *Manager) Info(ctx context.Context, key string) (EntryInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.mem[key]; ok {
		return EntryInfo{EntryMeta: entry.meta, InMemory: true}, nil
	}

	meta, err := m.idx.Get(ctx, key)
	if errors.Is(err, indexdb.ErrNotFound) {
		return EntryInfo{}, ErrNotFound
	}
	if err != nil {
		return EntryInfo{}, fmt.Errorf("reading index for %q: %w", key, err)
	}
	return EntryInfo{EntryMeta: meta}, nil
}

// Stats summarizes the cache.
type Stats struct {
	TotalEntries   int       `json:"total_entries"`
	MemoryEntries  int       `json:"memory_entries"`
	ExpiredEntries int       `json:"expired_entries"`
	TotalSizeBytes int64     `json:"total_size_bytes"`
	Dir            string    `json:"cache_directory"`
	LastCleanup    time.Time `json:"last_cleanup"`
}

// Stats returns aggregate cache statistics. Totals cover persisted entries;
// MemoryEntries counts the memory tier.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idxStats, err := m.idx.Stats(ctx, m.now())
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		TotalEntries:   idxStats.TotalEntries,
		MemoryEntries:  len(m.mem),
		ExpiredEntries: idxStats.ExpiredEntries,
		TotalSizeBytes: idxStats.TotalSizeBytes,
		Dir:            m.baseDir,
		LastCleanup:    m.lastCleanup,
	}, nil
}

// Close runs a final cleanup pass, releases the memory tier, and closes the
// index.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.cleanupLocked(ctx); err != nil {
		m.logger.Warn("final cleanup failed", "error", err)
	}
	m.mem = make(map[string]*memEntry)
	return m.idx.Close()
}
