package imagesource

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// CacheEntry records one locally-cached image.
type CacheEntry struct {
	SHA256Hex string    `json:"sha256_hash"`
	LocalPath string    `json:"local_path"`
	CachedAt  time.Time     `json:"cached_at"`
	TTL       time.Duration `json:"ttl_nanos"`
	Source    string        `json:"source"`
	SizeBytes int64     `json:"size_bytes"`
}

func (e CacheEntry) expired(now time.Time) bool {
	return now.Sub(e.CachedAt) > e.TTL
}

// CacheStats tracks cache performance, mirroring the original's counters.
type CacheStats struct {
	Hits       int `json:"hits"`
	Misses     int `json:"misses"`
	Evictions  int `json:"evictions"`
	Downloads  int `json:"downloads"`
	Errors     int `json:"errors"`
	TotalBytes int64 `json:"total_size_bytes"`
}

func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// JITCache is a just-in-time local cache in front of a remote Source.
// Every Put evicts by total size (oldest-first, down to 90% of the
// configured maximum); expired entries are treated as misses by Get and
// removed from disk by SaveMetadata.
type JITCache struct {
	mu         sync.Mutex
	dir        string
	defaultTTL time.Duration
	maxBytes   int64
	entries    map[string]CacheEntry
	stats      CacheStats
}

type metadataFile struct {
	Entries map[string]CacheEntry `json:"entries"`
	Stats   CacheStats            `json:"stats"`
}

// NewJITCache opens (and loads any persisted metadata for) a cache
// rooted at dir.
func NewJITCache(dir string, defaultTTL time.Duration, maxSizeBytes int64) (*JITCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating cache directory %q", dir)
	}
	c := &JITCache{
		dir:        dir,
		defaultTTL: defaultTTL,
		maxBytes:   maxSizeBytes,
		entries:    map[string]CacheEntry{},
	}
	c.loadMetadata()
	return c, nil
}

func (c *JITCache) metadataPath() string {
	return filepath.Join(c.dir, "cache_metadata.json")
}

func (c *JITCache) loadMetadata() {
	data, err := os.ReadFile(c.metadataPath())
	if err != nil {
		return
	}
	var m metadataFile
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	now := time.Now()
	for sha, entry := range m.Entries {
		if _, statErr := os.Stat(entry.LocalPath); statErr == nil && !entry.expired(now) {
			c.entries[sha] = entry
		}
	}
	c.stats = m.Stats
}

// SaveMetadata persists the current registry and stats to disk; callers
// invoke this at shutdown (the original saves on object destruction,
// which Go has no equivalent of).
func (c *JITCache) SaveMetadata() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupExpiredLocked()

	m := metadataFile{Entries: c.entries, Stats: c.stats}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling cache metadata")
	}
	return os.WriteFile(c.metadataPath(), data, 0o644)
}

func (c *JITCache) cleanupExpiredLocked() {
	now := time.Now()
	for sha, entry := range c.entries {
		if entry.expired(now) {
			os.Remove(entry.LocalPath)
			c.stats.Evictions++
			delete(c.entries, sha)
		}
	}
}

func (c *JITCache) checkSizeLimitLocked() {
	if c.maxBytes <= 0 {
		return
	}
	var current int64
	for _, e := range c.entries {
		current += e.SizeBytes
	}
	if current <= c.maxBytes {
		return
	}

	type aged struct {
		sha   string
		entry CacheEntry
	}
	ordered := make([]aged, 0, len(c.entries))
	for sha, e := range c.entries {
		ordered = append(ordered, aged{sha, e})
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].entry.CachedAt.Before(ordered[j].entry.CachedAt)
	})

	threshold := int64(float64(c.maxBytes) * 0.9)
	for _, a := range ordered {
		if current <= threshold {
			break
		}
		os.Remove(a.entry.LocalPath)
		current -= a.entry.SizeBytes
		c.stats.Evictions++
		delete(c.entries, a.sha)
	}
}

// Get returns a valid cached local path, or false on miss/expiry/missing file.
func (c *JITCache) Get(sha256Hex string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[sha256Hex]
	if !ok {
		c.stats.Misses++
		return "", false
	}
	if entry.expired(time.Now()) {
		delete(c.entries, sha256Hex)
		c.stats.Misses++
		return "", false
	}
	if _, err := os.Stat(entry.LocalPath); err != nil {
		delete(c.entries, sha256Hex)
		c.stats.Misses++
		return "", false
	}
	c.stats.Hits++
	return entry.LocalPath, true
}

// Put registers localPath (which must already exist) under sha256Hex.
func (c *JITCache) Put(sha256Hex, localPath, source string, ttl time.Duration) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return errors.Wrapf(err, "cannot cache missing file %q", localPath)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sha256Hex] = CacheEntry{
		SHA256Hex: sha256Hex,
		LocalPath: localPath,
		CachedAt:  time.Now(),
		TTL:       ttl,
		Source:    source,
		SizeBytes: info.Size(),
	}
	c.stats.TotalBytes += info.Size()
	c.checkSizeLimitLocked()
	return nil
}

// Remove evicts one entry, deleting its backing file.
func (c *JITCache) Remove(sha256Hex string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[sha256Hex]; ok {
		os.Remove(entry.LocalPath)
		delete(c.entries, sha256Hex)
	}
}

// Stats returns a snapshot of cache performance counters.
func (c *JITCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// FetchThrough serves sha256Hex from the local cache, falling back to
// fetching it from src into the cache directory on a miss.
func (c *JITCache) FetchThrough(ctx context.Context, src Source, sha256Hex, sourceName string) (string, error) {
	if path, ok := c.Get(sha256Hex); ok {
		return path, nil
	}

	dest := filepath.Join(c.dir, sha256Hex[:2], sha256Hex[2:4], sha256Hex+".jpg")
	if _, err := src.Fetch(ctx, sha256Hex, dest); err != nil {
		c.mu.Lock()
		c.stats.Errors++
		c.mu.Unlock()
		return "", errors.Wrapf(err, "fetching %s through cache", sha256Hex)
	}

	c.mu.Lock()
	c.stats.Downloads++
	c.mu.Unlock()

	if err := c.Put(sha256Hex, dest, sourceName, c.defaultTTL); err != nil {
		return "", err
	}
	return dest, nil
}
