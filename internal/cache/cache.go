// Package cache keeps a bounded LRU of (type, owner, version) to the storage
// reference of an already persisted document. It never holds document bytes.
package cache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/sdko-org/docvault/internal/models"
)

const DefaultSize = 10

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docvault_result_cache_hits_total",
		Help: "Result cache lookups that skipped a render.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docvault_result_cache_misses_total",
		Help: "Result cache lookups that required a render.",
	})
	cacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docvault_result_cache_evictions_total",
		Help: "Entries evicted from the result cache because it was full.",
	})
)

type Key struct {
	Type    models.DocumentType
	OwnerID string
	Version int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/v%d", k.Type, k.OwnerID, k.Version)
}

type Entry struct {
	BlobRef    string
	MetadataID string
	CachedAt   time.Time
}

type ResultCache struct {
	lru *lru.Cache[Key, Entry]
	log *logrus.Entry
}

func NewResultCache(logger *logrus.Logger, size int) (*ResultCache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	log := logger.WithField("component", "result_cache")
	c, err := lru.NewWithEvict(size, func(key Key, _ Entry) {
		cacheEvictionsTotal.Inc()
		log.WithField("key", key.String()).Debug("Evicted result cache entry")
	})
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	return &ResultCache{lru: c, log: log}, nil
}

// Get returns the entry for key and marks it most recently used.
func (c *ResultCache) Get(key Key) (Entry, bool) {
	entry, ok := c.lru.Get(key)
	if ok {
		cacheHitsTotal.Inc()
		return entry, true
	}
	cacheMissesTotal.Inc()
	return Entry{}, false
}

// Peek looks up key without touching recency or metrics.
func (c *ResultCache) Peek(key Key) (Entry, bool) {
	return c.lru.Peek(key)
}

func (c *ResultCache) Set(key Key, entry Entry) {
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now()
	}
	c.lru.Add(key, entry)
}

func (c *ResultCache) Invalidate(key Key) bool {
	return c.lru.Remove(key)
}

// InvalidateDocument removes key only while it still points at metadataID,
// so a newer generation cached under the same key survives.
func (c *ResultCache) InvalidateDocument(key Key, metadataID string) bool {
	entry, ok := c.lru.Peek(key)
	if !ok || entry.MetadataID != metadataID {
		return false
	}
	return c.lru.Remove(key)
}

func (c *ResultCache) Clear() {
	c.lru.Purge()
}

func (c *ResultCache) Len() int {
	return c.lru.Len()
}
