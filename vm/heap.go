package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Heap: generation-checked handle arena
// ---------------------------------------------------------------------------

// Handle addresses a Heap entry: the low 32 bits are the slot index and the
// next 16 bits the slot generation. A handle whose generation no longer
// matches its slot is stale and never resolves.
type Handle uint64

const handleGenShift = 32

func makeHandle(index uint32, gen uint16) Handle {
	return Handle(uint64(gen)<<handleGenShift | uint64(index))
}

// Index returns the arena slot index.
func (h Handle) Index() uint32 {
	return uint32(h)
}

// Generation returns the arena slot generation.
func (h Handle) Generation() uint16 {
	return uint16(h >> handleGenShift)
}

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.Index(), h.Generation())
}

type heapEntry struct {
	gen  uint16
	live bool
	obj  any
}

// Heap holds every guest entity that a Value can reference: objects,
// closures and materialized contexts. The core only allocates; reclaiming is
// the external collector's job, done through Free.
type Heap struct {
	mu      sync.RWMutex
	entries []heapEntry
	free    []uint32
	live    int
}

// NewHeap creates an empty heap. Slot 0 is reserved so the zero Handle is
// never valid.
func NewHeap() *Heap {
	return &Heap{entries: make([]heapEntry, 1, 256)}
}

// Alloc stores obj in a fresh slot and returns its handle.
func (h *Heap) Alloc(obj any) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.live++
	if n := len(h.free); n > 0 {
		idx := h.free[n-1]
		h.free = h.free[:n-1]
		e := &h.entries[idx]
		e.live = true
		e.obj = obj
		return makeHandle(idx, e.gen)
	}
	idx := uint32(len(h.entries))
	h.entries = append(h.entries, heapEntry{live: true, obj: obj})
	return makeHandle(idx, 0)
}

// Get resolves a handle. The second result is false for stale or freed handles.
func (h *Heap) Get(handle Handle) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	idx := handle.Index()
	if idx == 0 || int(idx) >= len(h.entries) {
		return nil, false
	}
	e := h.entries[idx]
	if !e.live || e.gen != handle.Generation() {
		return nil, false
	}
	return e.obj, true
}

// IsLive reports whether handle still resolves.
func (h *Heap) IsLive(handle Handle) bool {
	_, ok := h.Get(handle)
	return ok
}

// Free releases a slot and bumps its generation so outstanding handles go
// stale. Freeing a stale handle is a no-op and returns false.
func (h *Heap) Free(handle Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := handle.Index()
	if idx == 0 || int(idx) >= len(h.entries) {
		return false
	}
	e := &h.entries[idx]
	if !e.live || e.gen != handle.Generation() {
		return false
	}
	e.live = false
	e.obj = nil
	e.gen++
	h.free = append(h.free, idx)
	h.live--
	return true
}

// Len returns the number of live entries.
func (h *Heap) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.live
}

// Each calls fn for every live entry until fn returns false.
func (h *Heap) Each(fn func(Handle, any) bool) {
	h.mu.RLock()
	snapshot := make([]heapEntry, len(h.entries))
	copy(snapshot, h.entries)
	h.mu.RUnlock()

	for i := 1; i < len(snapshot); i++ {
		e := snapshot[i]
		if !e.live {
			continue
		}
		if !fn(makeHandle(uint32(i), e.gen), e.obj) {
			return
		}
	}
}
