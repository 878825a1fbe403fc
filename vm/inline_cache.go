package vm

import "sync"

// Lookup caching for MethodTable
//
// Each (selector, lookup start) pair owns a polymorphic cache of
// receiver class -> method. Most send sites see one class, a few see a
// handful, and the rest are left to the full superclass walk.

// CacheState represents the current state of a lookup cache.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // No cached lookup yet
	CacheMonomorphic                   // Single (class, method) cached
	CachePolymorphic                   // 2-6 entries
	CacheMegamorphic                   // Too many classes, always walk
)

func (s CacheState) String() string {
	switch s {
	case CacheEmpty:
		return "empty"
	case CacheMonomorphic:
		return "monomorphic"
	case CachePolymorphic:
		return "polymorphic"
	case CacheMegamorphic:
		return "megamorphic"
	}
	return "unknown"
}

// MaxPICEntries is the maximum number of classes a cache holds before it
// goes megamorphic.
const MaxPICEntries = 6

// InlineCacheEntry holds a single cached lookup result.
type InlineCacheEntry struct {
	Class Value
	Code  *CodeBlock
}

// InlineCache caches lookups for one selector. It progresses
// Empty -> Monomorphic -> Polymorphic -> Megamorphic and never goes back
// until the owning table flushes it. Safe for concurrent use.
type InlineCache struct {
	mu      sync.Mutex
	state   CacheState
	entries [MaxPICEntries]InlineCacheEntry
	count   int

	hits   uint64
	misses uint64
}

// Lookup returns the cached method for class, or nil on a miss.
func (ic *InlineCache) Lookup(class Value) *CodeBlock {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.state == CacheMonomorphic || ic.state == CachePolymorphic {
		for i := 0; i < ic.count; i++ {
			if ic.entries[i].Class == class {
				ic.hits++
				return ic.entries[i].Code
			}
		}
	}
	ic.misses++
	return nil
}

// Update records the result of a full lookup. Failed lookups are not
// cached.
func (ic *InlineCache) Update(class Value, code *CodeBlock) {
	if code == nil {
		return
	}
	ic.mu.Lock()
	defer ic.mu.Unlock()

	switch ic.state {
	case CacheEmpty:
		ic.entries[0] = InlineCacheEntry{class, code}
		ic.count = 1
		ic.state = CacheMonomorphic

	case CacheMonomorphic, CachePolymorphic:
		for i := 0; i < ic.count; i++ {
			if ic.entries[i].Class == class {
				ic.entries[i].Code = code
				return
			}
		}
		if ic.count == MaxPICEntries {
			ic.state = CacheMegamorphic
			ic.count = 0
			return
		}
		ic.entries[ic.count] = InlineCacheEntry{class, code}
		ic.count++
		ic.state = CachePolymorphic
	}
}

// State returns the cache's current state.
func (ic *InlineCache) State() CacheState {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.state
}

// HitRate returns hits as a percentage of all lookups.
func (ic *InlineCache) HitRate() float64 {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	total := ic.hits + ic.misses
	if total == 0 {
		return 0
	}
	return float64(ic.hits) * 100 / float64(total)
}

// ---------------------------------------------------------------------------
// Per-table cache set
// ---------------------------------------------------------------------------

// lookupKey names where a lookup starts. Super sends start above the
// class owning the sending method, so they get their own cache.
type lookupKey struct {
	selector Value
	super    bool
	owner    Value
}

type lookupCaches struct {
	mu     sync.Mutex
	caches map[lookupKey]*InlineCache
}

func (lc *lookupCaches) get(key lookupKey) *InlineCache {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.caches == nil {
		lc.caches = make(map[lookupKey]*InlineCache)
	}
	ic, ok := lc.caches[key]
	if !ok {
		ic = &InlineCache{}
		lc.caches[key] = ic
	}
	return ic
}

func (lc *lookupCaches) flush() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.caches = nil
}

// ICStats holds aggregate lookup cache statistics.
type ICStats struct {
	Caches      int
	Monomorphic int
	Polymorphic int
	Megamorphic int
	Empty       int
	Hits        uint64
	Misses      uint64
}

// HitRate returns hits as a percentage of all lookups.
func (s ICStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) * 100 / float64(total)
}

func (lc *lookupCaches) stats() ICStats {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	var stats ICStats
	for _, ic := range lc.caches {
		ic.mu.Lock()
		switch ic.state {
		case CacheEmpty:
			stats.Empty++
		case CacheMonomorphic:
			stats.Monomorphic++
		case CachePolymorphic:
			stats.Polymorphic++
		case CacheMegamorphic:
			stats.Megamorphic++
		}
		stats.Hits += ic.hits
		stats.Misses += ic.misses
		ic.mu.Unlock()
		stats.Caches++
	}
	return stats
}
