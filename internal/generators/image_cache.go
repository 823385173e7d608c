package generators

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fallora/internal/interfaces"
)

// CacheEntry represents a cached download
type CacheEntry struct {
	Key          string    `json:"key"`
	URL          string    `json:"url"`
	FilePath     string    `json:"file_path"`
	ContentType  string    `json:"content_type"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	FileSize     int64     `json:"file_size"`
	Hits         int       `json:"hits"`
}

// ImageCache keeps downloaded images on disk, one data file plus a .meta
// sidecar per entry.
type ImageCache struct {
	entries    map[string]*CacheEntry
	directory  string
	maxEntries int
	ttl        time.Duration
	mu         sync.RWMutex
	stats      CacheStats
}

// CacheStats holds statistics about cache performance
type CacheStats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	TotalEntries int     `json:"total_entries"`
	TotalSize    int64   `json:"total_size"`
}

// NewImageCache creates a new image cache. A zero ttl never expires entries
// and a non-positive maxEntries disables eviction.
func NewImageCache(directory string, maxEntries int, ttl time.Duration) *ImageCache {
	return &ImageCache{
		entries:    make(map[string]*CacheEntry),
		directory:  directory,
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// Initialize loads existing cache entries from disk
func (c *ImageCache) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.directory, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	files, err := os.ReadDir(c.directory)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".meta") {
			continue
		}
		metaPath := filepath.Join(c.directory, f.Name())
		raw, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var entry CacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		info, err := os.Stat(entry.FilePath)
		if err != nil {
			_ = os.Remove(metaPath)
			continue
		}
		if c.expired(&entry) {
			_ = os.Remove(entry.FilePath)
			_ = os.Remove(metaPath)
			continue
		}
		entry.FileSize = info.Size()
		c.entries[entry.Key] = &entry
		c.stats.TotalEntries++
		c.stats.TotalSize += entry.FileSize
	}

	return nil
}

// Get returns the cached bytes and content type for key.
func (c *ImageCache) Get(key string) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.miss()
		return nil, "", false
	}
	if c.expired(entry) {
		c.removeLocked(key)
		c.miss()
		return nil, "", false
	}

	data, err := os.ReadFile(entry.FilePath)
	if err != nil {
		c.removeLocked(key)
		c.miss()
		return nil, "", false
	}

	entry.LastAccessed = time.Now()
	entry.Hits++
	c.stats.Hits++
	c.updateHitRate()
	return data, entry.ContentType, true
}

// Put stores data for url under key, evicting the least recently used entry
// when the cache is full.
func (c *ImageCache) Put(key, url string, data []byte, contentType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.directory, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	filePath := filepath.Join(c.directory, key+extensionFor(contentType))
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}

	now := time.Now()
	entry := &CacheEntry{
		Key:          key,
		URL:          url,
		FilePath:     filePath,
		ContentType:  contentType,
		CreatedAt:    now,
		LastAccessed: now,
		FileSize:     int64(len(data)),
	}

	metaData, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.directory, key+".meta"), metaData, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	if old, ok := c.entries[key]; ok {
		c.stats.TotalEntries--
		c.stats.TotalSize -= old.FileSize
	}
	c.entries[key] = entry
	c.stats.TotalEntries++
	c.stats.TotalSize += entry.FileSize

	for c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		c.evictOldest()
	}
	return nil
}

// Fetch returns the image at imageURL from the cache, downloading it through
// d on a miss.
func (c *ImageCache) Fetch(ctx context.Context, d interfaces.Downloader, imageURL, filename string) ([]byte, string, error) {
	if imageURL == "" {
		return nil, "", errors.New("image URL is required")
	}
	key := CacheKey(imageURL)
	if data, ct, ok := c.Get(key); ok {
		return data, ct, nil
	}

	data, ct, err := d.Download(ctx, imageURL, filename)
	if err != nil {
		return nil, "", err
	}
	if err := c.Put(key, imageURL, data, ct); err != nil {
		return nil, "", err
	}
	return data, ct, nil
}

// Check reports whether a live entry exists for key
func (c *ImageCache) Check(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	return ok && !c.expired(entry)
}

// Invalidate removes an entry from cache
func (c *ImageCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Clear removes all entries from cache
func (c *ImageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		c.removeLocked(key)
	}
	c.stats = CacheStats{}
}

// CleanExpired removes expired entries and returns how many were dropped
func (c *ImageCache) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for key, entry := range c.entries {
		if c.expired(entry) {
			c.removeLocked(key)
			count++
		}
	}
	return count
}

// GetStats returns cache statistics
func (c *ImageCache) GetStats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// CacheKey derives the cache key of an image URL.
func CacheKey(imageURL string) string {
	hash := md5.Sum([]byte(imageURL))
	return hex.EncodeToString(hash[:])
}

func (c *ImageCache) expired(e *CacheEntry) bool {
	return c.ttl > 0 && time.Since(e.CreatedAt) > c.ttl
}

func (c *ImageCache) removeLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	_ = os.Remove(entry.FilePath)
	_ = os.Remove(filepath.Join(c.directory, key+".meta"))
	delete(c.entries, key)
	c.stats.TotalEntries--
	c.stats.TotalSize -= entry.FileSize
}

// evictOldest removes the least recently accessed entry
func (c *ImageCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.LastAccessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.LastAccessed
		}
	}
	if oldestKey != "" {
		c.removeLocked(oldestKey)
	}
}

func (c *ImageCache) miss() {
	c.stats.Misses++
	c.updateHitRate()
}

// updateHitRate recalculates the hit rate
func (c *ImageCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}

func extensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}
