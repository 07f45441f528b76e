// Package prefixcache implements the KV-prefix cache (C10): an LRU keyed
// by a hash of the token-prefix string, bounded by a configurable VRAM
// limit rather than entry count.
package prefixcache

import (
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Entry is one cached prefix's bookkeeping.
type Entry struct {
	KVBytes    uint64
	TokenCount int
	VRAMBytes  uint64
}

// Stats is a point-in-time snapshot for status/metrics reporting.
type Stats struct {
	HitCount         uint64
	MissCount        uint64
	EntryCount       int
	CurrentVRAMBytes uint64
	VRAMLimitBytes   uint64
}

// Cache is an LRU map from a 16-hex-character FNV-1a hash of a
// token-prefix string to its cached Entry, evicting from the tail once
// usage exceeds the configured VRAM limit (spec.md §4.10). Ordering and
// tail eviction are delegated to simplelru.LRU (golang-lru/v2), sized
// unbounded since the eviction trigger here is VRAM usage, not entry
// count. The hash function is isolated behind Hash so a future
// birthday-risk fix (the spec explicitly flags FNV-1a's 64-bit space as a
// risk at scale, not a mandate) is a one-line change.
type Cache struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[string, Entry]
	vramLimit uint64
	vramUsage uint64
	hits      uint64
	misses    uint64
}

// New returns an empty Cache bounded by vramLimitBytes (0 = unlimited).
func New(vramLimitBytes uint64) *Cache {
	// simplelru.NewLRU only errors on a non-positive size; math.MaxInt
	// never triggers its own count-based eviction, leaving VRAM
	// accounting as the sole eviction trigger.
	l, _ := simplelru.NewLRU[string, Entry](math.MaxInt, nil)
	return &Cache{
		lru:       l,
		vramLimit: vramLimitBytes,
	}
}

// Hash renders the FNV-1a hash of prefix as 16 lowercase hex characters.
func Hash(prefix string) string {
	h := fnv.New64a()
	h.Write([]byte(prefix))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Get returns the entry for hash, bumping the hit/miss counter and moving
// a hit to the front of the LRU.
func (c *Cache) Get(hash string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(hash)
	if !ok {
		c.misses++
		return Entry{}, false
	}
	c.hits++
	return entry, true
}

// Put inserts or overwrites hash's entry, updates VRAM usage accounting,
// then evicts from the tail until usage is within the configured limit.
func (c *Cache) Put(hash string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.lru.Peek(hash); ok {
		c.vramUsage -= existing.VRAMBytes
	}
	c.lru.Add(hash, entry)
	c.vramUsage += entry.VRAMBytes
	c.evictToLimitLocked()
}

// SetVRAMLimit changes the VRAM limit, evicting eagerly if the new limit
// is below current usage.
func (c *Cache) SetVRAMLimit(limitBytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vramLimit = limitBytes
	c.evictToLimitLocked()
}

// Clear resets both the entry map and usage accounting. Hit/miss counters
// are left untouched — they're cumulative stats, not cache state.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.vramUsage = 0
}

// Stats returns a snapshot of cumulative and current-state counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		HitCount:         c.hits,
		MissCount:        c.misses,
		EntryCount:       c.lru.Len(),
		CurrentVRAMBytes: c.vramUsage,
		VRAMLimitBytes:   c.vramLimit,
	}
}

// evictToLimitLocked removes tail entries until usage fits within
// vramLimit (0 means unlimited, nothing to evict). Caller must hold c.mu.
func (c *Cache) evictToLimitLocked() {
	if c.vramLimit == 0 {
		return
	}
	for c.vramUsage > c.vramLimit {
		_, entry, ok := c.lru.RemoveOldest()
		if !ok {
			return
		}
		c.vramUsage -= entry.VRAMBytes
	}
}
