// Package cache implements a disk-resident LRU cache with pinning.
//
// One file per key lives under the cache directory; an in-memory index
// tracks sizes and access times and is rebuilt from a directory scan on
// startup. Pinned entries are exempt from eviction, which means the
// byte and file-count budgets can be temporarily exceeded while every
// candidate is pinned. Pinning protects files in active use (playback,
// import) from disappearing mid-operation.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/quaverhq/quaver"
	"github.com/quaverhq/quaver/telemetry"
)

const (
	// DefaultMaxSizeBytes is the default cache byte budget (1 GiB).
	DefaultMaxSizeBytes = int64(1) << 30

	// DefaultMaxFiles is the default cache entry budget.
	DefaultMaxFiles = 10000
)

// Config configures a Cache.
type Config struct {
	// Dir is the cache directory. Created if missing.
	Dir string

	// MaxSizeBytes is the byte budget. Zero means DefaultMaxSizeBytes.
	MaxSizeBytes int64

	// MaxFiles is the entry budget. Zero means DefaultMaxFiles.
	MaxFiles int
}

// entry is the in-memory index record for one cached blob.
type entry struct {
	path         string
	size         int64
	lastAccessed time.Time
}

// Stats is a point-in-time snapshot of the cache ledger.
type Stats struct {
	Entries      int
	Pinned       int
	UsedBytes    int64
	MaxSizeBytes int64
	MaxFiles     int
	Hits         uint64
	Misses       uint64
	Evictions    uint64
}

// Cache is a disk-resident LRU cache with pinning.
type Cache struct {
	dir          string
	maxSizeBytes int64
	maxFiles     int
	logger       *slog.Logger

	mu          sync.Mutex
	entries     map[string]*entry
	pinned      map[string]struct{}
	currentSize int64
	hits        uint64
	misses      uint64
	evictions   uint64
}

// Option configures a Cache instance.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a cache rooted at cfg.Dir and rebuilds the index from the
// files already on disk. Entries whose metadata cannot be read are
// skipped and logged.
func New(cfg Config, opts ...Option) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if cfg.MaxSizeBytes == 0 {
		cfg.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if cfg.MaxFiles == 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	c := &Cache{
		dir:          cfg.Dir,
		maxSizeBytes: cfg.MaxSizeBytes,
		maxFiles:     cfg.MaxFiles,
		logger:       slog.Default(),
		entries:      make(map[string]*entry),
		pinned:       make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.scan(); err != nil {
		return nil, err
	}

	return c, nil
}

// scan rebuilds the in-memory index from the cache directory. ModTime
// stands in for last-accessed across restarts.
func (c *Cache) scan() error {
	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scanning cache directory: %w", err)
	}

	for _, de := range dirents {
		if de.IsDir() {
			continue
		}
		key, ok := quaver.KeyFromCacheFileName(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			c.logger.Warn("skipping unreadable cache file",
				"file", de.Name(), "error", err)
			continue
		}
		c.entries[key] = &entry{
			path:         filepath.Join(c.dir, de.Name()),
			size:         info.Size(),
			lastAccessed: info.ModTime(),
		}
		c.currentSize += info.Size()
	}

	c.logger.Info("cache index rebuilt",
		"entries", len(c.entries), "bytes", c.currentSize)
	return nil
}

// Get returns the cached bytes for key, or ok=false on a miss. A failed
// disk read is treated as silent invalidation: the entry is dropped
// from the index and the call reports a miss, not an error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		telemetry.RecordCacheOp(ctx, "get", "miss")
		return nil, false
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		c.logger.Warn("cache entry unreadable, invalidating",
			"key", key, "error", err)
		c.removeLocked(ctx, key, "corrupt")
		c.misses++
		telemetry.RecordCacheOp(ctx, "get", "corrupt")
		return nil, false
	}

	e.lastAccessed = time.Now()
	c.hits++
	telemetry.RecordCacheOp(ctx, "get", "hit")
	return data, true
}

// Contains reports whether key is present without touching its recency.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Put stores data under key, evicting least-recently-used unpinned
// entries first so the byte and count budgets hold after insertion.
// A put for an existing key replaces the blob and adjusts the ledger by
// the size delta.
func (c *Cache) Put(ctx context.Context, key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureSpaceLocked(ctx, key, int64(len(data)))

	path := filepath.Join(c.dir, quaver.CacheFileName(key))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing cache file: %w", err)
	}

	now := time.Now()
	if prev, ok := c.entries[key]; ok {
		c.currentSize -= prev.size
	}
	c.entries[key] = &entry{
		path:         path,
		size:         int64(len(data)),
		lastAccessed: now,
	}
	c.currentSize += int64(len(data))

	telemetry.RecordCacheOp(ctx, "put", "stored")
	c.updateUsage(ctx)
	return nil
}

// Remove deletes key from the cache. Removing an absent key is a no-op.
func (c *Cache) Remove(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(ctx, key, "explicit")
	c.updateUsage(ctx)
}

// Pin protects key from eviction until unpinned. Pinning a key that is
// not cached is allowed; the pin applies once the key arrives.
func (c *Cache) Pin(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[key] = struct{}{}
}

// Unpin releases the eviction protection for key.
func (c *Cache) Unpin(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pinned, key)
}

// PinAll pins every key in one exclusive section.
func (c *Cache) PinAll(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.pinned[key] = struct{}{}
	}
}

// UnpinAll unpins every key in one exclusive section.
func (c *Cache) UnpinAll(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.pinned, key)
	}
}

// Stats returns a snapshot of the cache ledger.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:      len(c.entries),
		Pinned:       len(c.pinned),
		UsedBytes:    c.currentSize,
		MaxSizeBytes: c.maxSizeBytes,
		MaxFiles:     c.maxFiles,
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
	}
}

// ensureSpaceLocked evicts least-recently-used unpinned entries until
// the incoming blob fits the byte budget, then until the count budget
// holds. When every candidate is pinned eviction stops and the budget
// is allowed to overrun.
func (c *Cache) ensureSpaceLocked(ctx context.Context, incoming string, newSize int64) {
	for c.currentSize+newSize > c.maxSizeBytes {
		if !c.evictOneLocked(ctx, incoming, "size") {
			c.logger.Warn("all eviction candidates pinned, allowing temporary overrun",
				"current_bytes", c.currentSize, "incoming_bytes", newSize)
			return
		}
	}
	for len(c.entries) >= c.maxFiles {
		if !c.evictOneLocked(ctx, incoming, "count") {
			c.logger.Warn("all eviction candidates pinned, allowing temporary overrun",
				"entries", len(c.entries))
			return
		}
	}
}

// evictOneLocked evicts the least-recently-used unpinned entry.
// The incoming key is exempt so a replacement put never evicts the blob
// it is about to overwrite. Returns false when no candidate exists.
func (c *Cache) evictOneLocked(ctx context.Context, incoming, reason string) bool {
	var (
		victim string
		oldest time.Time
		found  bool
	)
	for key, e := range c.entries {
		if key == incoming {
			continue
		}
		if _, pinned := c.pinned[key]; pinned {
			telemetry.RecordCachePinnedSkip(ctx)
			continue
		}
		if !found || e.lastAccessed.Before(oldest) {
			victim = key
			oldest = e.lastAccessed
			found = true
		}
	}
	if !found {
		return false
	}

	size := c.entries[victim].size
	c.removeLocked(ctx, victim, reason)
	c.evictions++
	c.logger.Debug("evicted cache entry", "key", victim, "bytes", size, "reason", reason)
	return true
}

// removeLocked drops key from the index and deletes its file. The
// deletion is best effort; a stale file is reclaimed by the next
// startup scan.
func (c *Cache) removeLocked(ctx context.Context, key, reason string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.currentSize -= e.size
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("removing cache file", "key", key, "error", err)
	}
	telemetry.RecordCacheEviction(ctx, reason, e.size)
}

func (c *Cache) updateUsage(ctx context.Context) {
	telemetry.UpdateCacheUsage(ctx, c.currentSize, len(c.entries), len(c.pinned))
}

// Keys returns the cached keys ordered from most to least recently
// accessed. Used by the CLI cache listing.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type keyed struct {
		key string
		at  time.Time
	}
	all := make([]keyed, 0, len(c.entries))
	for key, e := range c.entries {
		all = append(all, keyed{key: key, at: e.lastAccessed})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.After(all[j].at) })

	keys := make([]string, len(all))
	for i, k := range all {
		keys[i] = k.key
	}
	return keys
}
