// Package snapshot implements the bounded in-memory cache of recently
// saved game-state blobs, backed by a transactional external store
// for entries evicted from the hot set.
package snapshot

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rossunger/lobby-broker/internal/logging"
	"github.com/rossunger/lobby-broker/internal/metrics"
)

// Store is the subset of the persistent store client the cache falls
// through to on a miss and flushes evicted entries into.
type Store interface {
	Upsert(ctx context.Context, code string, blob []byte) error
	Load(ctx context.Context, code string) ([]byte, bool, error)
}

type entry struct {
	blob      []byte
	timestamp time.Time
}

// Cache is a bounded map of code -> {blob, timestamp}. Eviction is
// strictly oldest-timestamp (write time, not access time).
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	maxSize int

	store   Store
	logger  *zap.Logger
	metrics *metrics.Registry

	restoreGroup singleflight.Group
}

// New builds a Cache bounded at maxSize entries, backed by store.
func New(maxSize int, store Store, logger *zap.Logger, reg *metrics.Registry) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		maxSize: maxSize,
		store:   store,
		logger:  logger,
		metrics: reg,
	}
}

// Save overwrites the cache entry for code with the current
// timestamp. If this pushes the cache over its bound, the single
// oldest entry (by timestamp, excluding the one just written) is
// flushed to the store and dropped from the cache. A Cache built
// without a store drops the evicted entry without flushing it.
func (c *Cache) Save(ctx context.Context, code string, blob []byte) {
	c.mu.Lock()
	c.entries[code] = entry{blob: blob, timestamp: time.Now()}

	var evictCode string
	var evictEntry entry
	haveEvict := false
	if len(c.entries) > c.maxSize {
		first := true
		for k, v := range c.entries {
			if k == code {
				continue
			}
			if first || v.timestamp.Before(evictEntry.timestamp) {
				evictCode, evictEntry, haveEvict, first = k, v, true, false
			}
		}
		if haveEvict {
			delete(c.entries, evictCode)
		}
	}
	c.mu.Unlock()

	if haveEvict && c.store != nil {
		go c.flushEvicted(evictCode, evictEntry.blob)
	}
}

func (c *Cache) flushEvicted(code string, blob []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.store.Upsert(ctx, code, blob); err != nil {
		if c.logger != nil {
			c.logger.Warn("snapshot eviction upsert failed", logging.Lobby(code), zap.Error(err))
		}
		return
	}
	if c.metrics != nil {
		c.metrics.SnapshotEvictions.Inc()
	}
}

// Load returns the blob for code. A cache hit returns immediately; a
// miss falls through to the store and, on a store hit, re-populates
// the cache (subject to the same eviction discipline) so a restored-
// then-emptied lobby can be flushed again. Load is non-destructive:
// it never removes a cache hit. Concurrent restores for the same code
// are coalesced onto a single store read. A Cache built without a
// store reports a miss as not found.
func (c *Cache) Load(ctx context.Context, code string) ([]byte, bool, error) {
	c.mu.Lock()
	if e, ok := c.entries[code]; ok {
		c.mu.Unlock()
		return e.blob, true, nil
	}
	c.mu.Unlock()

	if c.store == nil {
		return nil, false, nil
	}

	v, err, _ := c.restoreGroup.Do(code, func() (interface{}, error) {
		blob, ok, err := c.store.Load(ctx, code)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		c.Save(ctx, code, blob)
		return blob, nil
	})
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

// Has reports whether code is present in the cache, without
// consulting the store.
func (c *Cache) Has(code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[code]
	return ok
}

// Delete removes code from the cache without flushing it.
func (c *Cache) Delete(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, code)
}

// FlushAll upserts every cached entry to the store in a single batch
// call. Used by the broker's periodic bulk-flush background task.
func (c *Cache) FlushAll(ctx context.Context, upsertBatch func(context.Context, map[string][]byte) error) error {
	c.mu.Lock()
	pairs := make(map[string][]byte, len(c.entries))
	for code, e := range c.entries {
		pairs[code] = e.blob
	}
	c.mu.Unlock()

	if len(pairs) == 0 {
		return nil
	}
	return upsertBatch(ctx, pairs)
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
