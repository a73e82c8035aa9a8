package isa

import (
	"container/list"

	"github.com/stillwater-sc/kpusim/kpu"
)

// TileKey identifies a tile in the cache by matrix and tiling coordinate.
type TileKey struct {
	Matrix MatrixID
	Ti, Tj, Tk uint32
}

// TileCacheEntry describes one resident tile, grounded on
// include/sw/kpu/isa/tile_cache.hpp's TileCacheEntry in original_source/.
type TileCacheEntry struct {
	Key             TileKey
	Size            kpu.Size
	Refcount        uint8
	Locked          bool
	LoadCycle       kpu.Cycle
	LastAccessCycle kpu.Cycle
}

// TileCacheStats tracks hit/miss/eviction counters for diagnostics.
type TileCacheStats struct {
	Hits, Misses, Evictions, Writebacks int
	BytesLoaded, BytesSaved             kpu.Size
}

// HitRate returns hits / (hits+misses), or 0 if nothing has been looked up.
func (s TileCacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// TileCache is an LRU-with-refcount cache of L3-resident tiles, used by
// the program builder to emit LOAD_TILE only on miss (spec §4.12).
type TileCache struct {
	capacityBytes kpu.Size
	usedBytes     kpu.Size
	entries       map[TileKey]*list.Element // -> lruList element wrapping *TileCacheEntry
	lru           *list.List                // front = most recently used
	stats         TileCacheStats
}

// NewTileCache creates a cache with the given total capacity in bytes.
func NewTileCache(capacityBytes kpu.Size) *TileCache {
	return &TileCache{
		capacityBytes: capacityBytes,
		entries:       make(map[TileKey]*list.Element),
		lru:           list.New(),
	}
}

// Reset empties the cache, discarding all entries and resetting stats.
func (c *TileCache) Reset() {
	c.entries = make(map[TileKey]*list.Element)
	c.lru = list.New()
	c.usedBytes = 0
	c.stats = TileCacheStats{}
}

// IsResident reports whether key is currently cached.
func (c *TileCache) IsResident(key TileKey) bool {
	_, ok := c.entries[key]
	return ok
}

// Lookup returns the entry for key, updating its LRU position and
// recording a hit/miss, or (zero, false) on miss.
func (c *TileCache) Lookup(key TileKey, currentCycle kpu.Cycle) (TileCacheEntry, bool) {
	el, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return TileCacheEntry{}, false
	}
	c.stats.Hits++
	entry := el.Value.(*TileCacheEntry)
	entry.LastAccessCycle = currentCycle
	c.stats.BytesSaved += entry.Size
	c.lru.MoveToFront(el)
	return *entry, true
}

// CanAllocate reports whether sizeBytes can fit, possibly after evicting
// unlocked, zero-refcount entries.
func (c *TileCache) CanAllocate(sizeBytes kpu.Size) bool {
	if c.usedBytes+sizeBytes <= c.capacityBytes {
		return true
	}
	free := c.capacityBytes - c.usedBytes
	for el := c.lru.Back(); el != nil && free < sizeBytes; el = el.Prev() {
		entry := el.Value.(*TileCacheEntry)
		if entry.Refcount == 0 && !entry.Locked {
			free += entry.Size
		}
	}
	return free >= sizeBytes
}

// Allocate reserves space for a new tile, evicting LRU unlocked,
// zero-refcount entries as needed. Returns false if there is no way to
// free enough space.
func (c *TileCache) Allocate(key TileKey, sizeBytes kpu.Size, currentCycle kpu.Cycle, lock bool) bool {
	if !c.evictForSpace(sizeBytes) {
		return false
	}
	entry := &TileCacheEntry{
		Key:             key,
		Size:            sizeBytes,
		Locked:          lock,
		LoadCycle:       currentCycle,
		LastAccessCycle: currentCycle,
	}
	el := c.lru.PushFront(entry)
	c.entries[key] = el
	c.usedBytes += sizeBytes
	c.stats.BytesLoaded += sizeBytes
	return true
}

func (c *TileCache) evictForSpace(sizeBytes kpu.Size) bool {
	for c.usedBytes+sizeBytes > c.capacityBytes {
		victim := c.selectVictim()
		if victim == nil {
			return false
		}
		entry := victim.Value.(*TileCacheEntry)
		c.lru.Remove(victim)
		delete(c.entries, entry.Key)
		c.usedBytes -= entry.Size
		c.stats.Evictions++
	}
	return true
}

func (c *TileCache) selectVictim() *list.Element {
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		entry := el.Value.(*TileCacheEntry)
		if entry.Refcount == 0 && !entry.Locked {
			return el
		}
	}
	return nil
}

// Acquire increments a resident tile's refcount, returning false if the
// tile isn't cached.
func (c *TileCache) Acquire(key TileKey) bool {
	el, ok := c.entries[key]
	if !ok {
		return false
	}
	el.Value.(*TileCacheEntry).Refcount++
	return true
}

// Release decrements a resident tile's refcount, returning false if the
// tile isn't cached.
func (c *TileCache) Release(key TileKey) bool {
	el, ok := c.entries[key]
	if !ok {
		return false
	}
	entry := el.Value.(*TileCacheEntry)
	if entry.Refcount > 0 {
		entry.Refcount--
	}
	return true
}

// Unlock allows a previously locked tile to be evicted once its refcount
// reaches zero.
func (c *TileCache) Unlock(key TileKey) {
	if el, ok := c.entries[key]; ok {
		el.Value.(*TileCacheEntry).Locked = false
	}
}

// Invalidate removes key from the cache outright.
func (c *TileCache) Invalidate(key TileKey) bool {
	el, ok := c.entries[key]
	if !ok {
		return false
	}
	entry := el.Value.(*TileCacheEntry)
	c.lru.Remove(el)
	delete(c.entries, key)
	c.usedBytes -= entry.Size
	return true
}

// Stats returns the current hit/miss/eviction counters.
func (c *TileCache) Stats() TileCacheStats { return c.stats }

// Utilization returns the fraction of capacity currently used.
func (c *TileCache) Utilization() float64 {
	if c.capacityBytes == 0 {
		return 0
	}
	return float64(c.usedBytes) / float64(c.capacityBytes)
}

// Size returns the number of tiles currently resident.
func (c *TileCache) Size() int { return len(c.entries) }
