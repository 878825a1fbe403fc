package vm

import (
	"sync"
)

// ---------------------------------------------------------------------------
// WeakTable: explicit weak references over heap handles
// ---------------------------------------------------------------------------

// WeakRef identifies an entry in a WeakTable.
type WeakRef uint32

type weakEntry struct {
	target    Handle
	alive     bool
	finalizer func(Handle)
}

// WeakTable maps weak references to optional heap handles. Holding a WeakRef
// never keeps its target alive: the external collector reports which handles
// survived a collection through Sweep, and every other entry is cleared.
type WeakTable struct {
	heap *Heap

	mu     sync.RWMutex
	nextID WeakRef
	refs   map[WeakRef]*weakEntry
}

// NewWeakTable creates a weak table whose liveness checks consult heap.
func NewWeakTable(heap *Heap) *WeakTable {
	return &WeakTable{
		heap: heap,
		refs: make(map[WeakRef]*weakEntry),
	}
}

// Register creates a weak reference to target.
func (t *WeakTable) Register(target Handle) WeakRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.refs[t.nextID] = &weakEntry{target: target, alive: true}
	return t.nextID
}

// Unregister removes a weak reference.
func (t *WeakTable) Unregister(ref WeakRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.refs, ref)
}

// SetFinalizer installs a callback invoked when the target is cleared.
func (t *WeakTable) SetFinalizer(ref WeakRef, fn func(Handle)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.refs[ref]; ok {
		e.finalizer = fn
	}
}

// Get returns the referenced handle if it is still alive. A target whose
// heap slot was freed counts as cleared even before the next Sweep.
func (t *WeakTable) Get(ref WeakRef) (Handle, bool) {
	t.mu.RLock()
	e, ok := t.refs[ref]
	t.mu.RUnlock()
	if !ok || !e.alive {
		return 0, false
	}
	if t.heap != nil && !t.heap.IsLive(e.target) {
		return 0, false
	}
	return e.target, true
}

// Len returns the number of registered references, cleared or not.
func (t *WeakTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.refs)
}

// Each calls fn with every reference whose target is still alive.
func (t *WeakTable) Each(fn func(WeakRef, Handle) bool) {
	t.mu.RLock()
	ids := make([]WeakRef, 0, len(t.refs))
	for id := range t.refs {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	for _, id := range ids {
		if h, ok := t.Get(id); ok {
			if !fn(id, h) {
				return
			}
		}
	}
}

// Sweep is called by the external collector after marking. Every entry whose
// target is absent from marked is cleared and its finalizer run. Returns the
// number of references cleared.
func (t *WeakTable) Sweep(marked map[Handle]struct{}) int {
	t.mu.Lock()
	var finalize []*weakEntry
	cleared := 0
	for _, e := range t.refs {
		if !e.alive {
			continue
		}
		if _, ok := marked[e.target]; ok {
			continue
		}
		e.alive = false
		cleared++
		if e.finalizer != nil {
			finalize = append(finalize, e)
		}
	}
	t.mu.Unlock()

	// Finalizers run without the lock so they may touch the table.
	for _, e := range finalize {
		e.finalizer(e.target)
	}
	return cleared
}

// Compact drops cleared entries.
func (t *WeakTable) Compact() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, e := range t.refs {
		if !e.alive || (t.heap != nil && !t.heap.IsLive(e.target)) {
			delete(t.refs, id)
			removed++
		}
	}
	return removed
}
