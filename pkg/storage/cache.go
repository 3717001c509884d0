package storage

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/vjranagit/promrelay/pkg/types"
)

// QueryCache is an LRU cache of query results with a per-entry TTL
type QueryCache struct {
	capacity int
	ttl      time.Duration
	mu       sync.Mutex
	entries  map[uint64]*cacheEntry
	lru      *list.List
	now      func() time.Time

	// generation is bumped by Clear; results computed before a Clear are
	// refused by PutIfGeneration
	generation uint64
}

type cacheEntry struct {
	key      uint64
	result   *types.QueryResult
	storedAt time.Time
	element  *list.Element
}

// CacheStats contains cache statistics
type CacheStats struct {
	Size     int
	Capacity int
	Expired  int
}

// NewQueryCache creates a new query cache
func NewQueryCache(capacity int, ttl time.Duration) *QueryCache {
	return &QueryCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[uint64]*cacheEntry),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Get retrieves a cached query result
func (qc *QueryCache) Get(req *types.QueryRequest) (*types.QueryResult, bool) {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	key := cacheKey(req)
	entry, exists := qc.entries[key]
	if !exists {
		return nil, false
	}

	if qc.now().Sub(entry.storedAt) > qc.ttl {
		qc.removeLocked(key)
		return nil, false
	}

	qc.lru.MoveToFront(entry.element)
	return entry.result, true
}

// Put stores a query result, evicting the least recently used entry when full
func (qc *QueryCache) Put(req *types.QueryRequest, result *types.QueryResult) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.putLocked(req, result)
}

// Generation returns the current cache generation
func (qc *QueryCache) Generation() uint64 {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.generation
}

// PutIfGeneration stores result only if the cache has not been cleared
// since gen was read. It reports whether the result was stored.
func (qc *QueryCache) PutIfGeneration(gen uint64, req *types.QueryRequest, result *types.QueryResult) bool {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	if qc.generation != gen {
		return false
	}
	qc.putLocked(req, result)
	return true
}

func (qc *QueryCache) putLocked(req *types.QueryRequest, result *types.QueryResult) {
	if qc.capacity <= 0 {
		return
	}

	key := cacheKey(req)
	if entry, exists := qc.entries[key]; exists {
		entry.result = result
		entry.storedAt = qc.now()
		qc.lru.MoveToFront(entry.element)
		return
	}

	entry := &cacheEntry{
		key:      key,
		result:   result,
		storedAt: qc.now(),
	}
	entry.element = qc.lru.PushFront(entry)
	qc.entries[key] = entry

	for qc.lru.Len() > qc.capacity {
		oldest := qc.lru.Back()
		qc.removeLocked(oldest.Value.(*cacheEntry).key)
	}
}

// removeLocked removes an entry from the cache (must hold lock)
func (qc *QueryCache) removeLocked(key uint64) {
	if entry, exists := qc.entries[key]; exists {
		qc.lru.Remove(entry.element)
		delete(qc.entries, key)
	}
}

// Clear clears all cache entries
func (qc *QueryCache) Clear() {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	qc.entries = make(map[uint64]*cacheEntry)
	qc.lru.Init()
	qc.generation++
}

// Size returns the current cache size
func (qc *QueryCache) Size() int {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return len(qc.entries)
}

// Stats returns cache statistics
func (qc *QueryCache) Stats() CacheStats {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	expired := 0
	now := qc.now()
	for _, entry := range qc.entries {
		if now.Sub(entry.storedAt) > qc.ttl {
			expired++
		}
	}

	return CacheStats{
		Size:     len(qc.entries),
		Capacity: qc.capacity,
		Expired:  expired,
	}
}

// cacheKey hashes the request parameters that determine a result
func cacheKey(req *types.QueryRequest) uint64 {
	d := xxhash.New()
	d.WriteString(req.TenantID)
	d.WriteString("\x00")
	d.WriteString(req.Query)
	d.WriteString("\x00")
	d.WriteString(strconv.FormatInt(req.StartTime.UnixMilli(), 10))
	d.WriteString("\x00")
	d.WriteString(strconv.FormatInt(req.EndTime.UnixMilli(), 10))
	return d.Sum64()
}

// CachedStorage wraps a storage with query caching
type CachedStorage struct {
	storage Storage
	cache   *QueryCache
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// NewCachedStorage creates a cached storage wrapper
func NewCachedStorage(storage Storage, cacheCapacity int, cacheTTL time.Duration) *CachedStorage {
	return &CachedStorage{
		storage: storage,
		cache:   NewQueryCache(cacheCapacity, cacheTTL),
	}
}

// Write writes through to the underlying storage, then clears the cache
func (cs *CachedStorage) Write(ctx context.Context, req *types.WriteRequest) error {
	err := cs.storage.Write(ctx, req)
	cs.cache.Clear()
	return err
}

// Query serves from cache when possible
func (cs *CachedStorage) Query(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error) {
	if result, ok := cs.cache.Get(req); ok {
		cs.hits.Add(1)
		return result, nil
	}
	cs.misses.Add(1)

	gen := cs.cache.Generation()
	result, err := cs.storage.Query(ctx, req)
	if err != nil {
		return nil, err
	}

	// A write that finished while the query ran has cleared the cache
	cs.cache.PutIfGeneration(gen, req, result)
	return result, nil
}

// Close closes the underlying storage
func (cs *CachedStorage) Close() error {
	return cs.storage.Close()
}

// CacheStats returns cache statistics with hit and miss counts
func (cs *CachedStorage) CacheStats() (CacheStats, uint64, uint64) {
	return cs.cache.Stats(), cs.hits.Load(), cs.misses.Load()
}

// CacheHitRate returns the cache hit rate as a percentage
func (cs *CachedStorage) CacheHitRate() float64 {
	hits, misses := cs.hits.Load(), cs.misses.Load()
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total) * 100.0
}
