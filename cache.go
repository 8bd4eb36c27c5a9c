package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Cache memoizes resolutions by package name. An empty URL is a cached
// "no changelog" answer and still counts as a hit.
type Cache interface {
	Get(name string) (string, bool)
	Set(name, url string)
}

// PersistentCache is a Cache that outlives the process.
type PersistentCache interface {
	Cache
	Len() int
	Save() error
	Close() error
	Path() string
}

// CacheEntry is one memoized resolution.
type CacheEntry struct {
	URL        string    `json:"url"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

const cacheFileName = "cache.json"

// defaultCacheTTL is how long a resolved changelog URL is trusted.
const defaultCacheTTL = 30 * 24 * time.Hour

// FileCache keeps entries in memory and writes them to a JSON file on Save.
type FileCache struct {
	mu      sync.Mutex
	path    string
	ttl     time.Duration
	entries map[string]*CacheEntry
	dirty   bool
}

type fileCacheDocument struct {
	Entries map[string]*CacheEntry `json:"entries"`
}

// LoadFileCache reads the cache file at path, starting empty when it is
// missing or corrupted.
func LoadFileCache(path string, ttl time.Duration) (*FileCache, error) {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c := &FileCache{
		path:    path,
		ttl:     ttl,
		entries: make(map[string]*CacheEntry),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("reading cache: %w", err)
	}

	var doc fileCacheDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		// Corrupted cache, start fresh
		return c, nil
	}
	for name, entry := range doc.Entries {
		if entry != nil {
			c.entries[name] = entry
		}
	}
	return c, nil
}

// Get returns the cached URL for name, dropping the entry once expired.
func (c *FileCache) Get(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[name]
	if !ok {
		return "", false
	}
	if c.expired(entry) {
		delete(c.entries, name)
		c.dirty = true
		return "", false
	}
	return entry.URL, true
}

// Set records a resolution with the current time.
func (c *FileCache) Set(name, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[name] = &CacheEntry{URL: url, ResolvedAt: time.Now()}
	c.dirty = true
}

// Len returns the number of entries, expired ones included.
func (c *FileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Save writes the cache atomically while holding the cache lock, so two
// processes never interleave writes.
func (c *FileCache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty {
		return nil
	}

	lock := NewLockFile(c.path + ".lock")
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	c.mergeFromDisk()
	if err := AtomicWriteJSON(c.path, fileCacheDocument{Entries: c.entries}); err != nil {
		return fmt.Errorf("saving cache: %w", err)
	}
	c.dirty = false
	return nil
}

// mergeFromDisk folds in entries another process saved since this cache
// was loaded. The newer resolution of a name wins; expired entries are
// dropped. The caller holds both c.mu and the file lock.
func (c *FileCache) mergeFromDisk() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var doc fileCacheDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return
	}

	for name, disk := range doc.Entries {
		if disk == nil || c.expired(disk) {
			continue
		}
		if mine, ok := c.entries[name]; ok && !disk.ResolvedAt.After(mine.ResolvedAt) {
			continue
		}
		c.entries[name] = disk
	}
}

func (c *FileCache) expired(entry *CacheEntry) bool {
	return !entry.ResolvedAt.IsZero() && time.Since(entry.ResolvedAt) > c.ttl
}

func (c *FileCache) Close() error { return nil }

func (c *FileCache) Path() string { return c.path }

// OpenCache opens the store selected by the cache configuration.
func OpenCache(cfg CacheConfig) (PersistentCache, error) {
	ttl := time.Duration(cfg.TTLDays) * 24 * time.Hour
	switch cfg.Backend {
	case cacheBackendSQLite:
		return OpenSQLiteCache(cfg.FilePath(), ttl)
	default:
		return LoadFileCache(cfg.FilePath(), ttl)
	}
}
