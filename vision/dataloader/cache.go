package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-qat/vision/dataset"
)

// CacheManager is an LRU cache of decoded samples keyed by dataset index.
// It may be shared between loaders over the same dataset.
type CacheManager struct {
	mu      sync.Mutex
	cache   map[int]*list.Element
	lru     *list.List
	maxSize int

	// Statistics
	hits   int64
	misses int64
}

type cacheEntry struct {
	index  int
	sample dataset.Sample
}

// NewCacheManager creates a cache holding at most maxSize samples.
func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		cache:   make(map[int]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves a sample from the cache. The returned data must not be
// modified.
func (cm *CacheManager) Get(index int) (dataset.Sample, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.cache[index]; ok {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheEntry).sample, true
	}

	cm.misses++
	return dataset.Sample{}, false
}

// Put adds a sample, evicting the least recently used ones over capacity.
func (cm *CacheManager) Put(index int, sample dataset.Sample) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.cache[index]; ok {
		cm.lru.MoveToFront(elem)
		return
	}

	cm.cache[index] = cm.lru.PushFront(&cacheEntry{index: index, sample: sample})

	for cm.lru.Len() > cm.maxSize {
		oldest := cm.lru.Back()
		cm.lru.Remove(oldest)
		delete(cm.cache, oldest.Value.(*cacheEntry).index)
	}
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.lru.Len(),
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear empties the cache. Statistics are kept.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cache = make(map[int]*list.Element)
	cm.lru.Init()
}

// ResetStats resets the statistics
func (cm *CacheManager) ResetStats() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hits = 0
	cm.misses = 0
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
