package vm

import (
	"testing"
)

func TestHeapHandlesGoStale(t *testing.T) {
	h := NewHeap()
	obj := NewObject(Nil, 1)
	a := h.Alloc(obj)
	if a.Index() == 0 {
		t.Fatal("slot 0 is reserved")
	}
	if got, ok := h.Get(a); !ok || got != obj {
		t.Fatalf("Get(%s) = %v, %v", a, got, ok)
	}

	if !h.Free(a) {
		t.Fatal("Free of a live handle should succeed")
	}
	if h.Free(a) {
		t.Error("double Free should be a no-op")
	}
	if h.IsLive(a) {
		t.Error("freed handle should not resolve")
	}

	// the slot is reused under a new generation
	b := h.Alloc(NewObject(Nil, 2))
	if b.Index() != a.Index() || b.Generation() != a.Generation()+1 {
		t.Errorf("reused handle = %s, want index %d generation %d", b, a.Index(), a.Generation()+1)
	}
	if h.IsLive(a) || !h.IsLive(b) {
		t.Error("only the new handle should resolve")
	}
	if h.Len() != 1 {
		t.Errorf("Len() = %d, want 1", h.Len())
	}
	if _, ok := h.Get(0); ok {
		t.Error("the zero handle should never resolve")
	}
}

func TestHeapEach(t *testing.T) {
	h := NewHeap()
	h.Alloc(NewObject(Nil, 0))
	dead := h.Alloc(NewObject(Nil, 0))
	h.Alloc(NewObject(Nil, 0))
	h.Free(dead)

	n := 0
	h.Each(func(handle Handle, _ any) bool {
		if handle == dead {
			t.Error("Each visited a freed entry")
		}
		n++
		return true
	})
	if n != 2 {
		t.Errorf("Each visited %d entries, want 2", n)
	}
}

func TestValueRefRoundTrip(t *testing.T) {
	h := NewHeap()
	handle := h.Alloc(NewObject(Nil, 0))
	v := FromHandle(handle)
	if !v.IsRef() || v.IsSmallInt() || v.IsFloat() {
		t.Fatalf("%v should only be a reference", v)
	}
	if v.Handle() != handle {
		t.Errorf("Handle() = %s, want %s", v.Handle(), handle)
	}
}

func TestWeakTableGet(t *testing.T) {
	h := NewHeap()
	wt := NewWeakTable(h)
	target := h.Alloc(NewObject(Nil, 0))
	ref := wt.Register(target)

	if got, ok := wt.Get(ref); !ok || got != target {
		t.Fatalf("Get = %s, %v; want %s", got, ok, target)
	}
	h.Free(target)
	if _, ok := wt.Get(ref); ok {
		t.Error("a freed target should read as cleared before any sweep")
	}
	if _, ok := wt.Get(ref + 100); ok {
		t.Error("unknown reference should not resolve")
	}
}

func TestWeakTableSweep(t *testing.T) {
	h := NewHeap()
	wt := NewWeakTable(h)
	kept := h.Alloc(NewObject(Nil, 0))
	dropped := h.Alloc(NewObject(Nil, 0))
	keptRef := wt.Register(kept)
	droppedRef := wt.Register(dropped)

	var finalized []Handle
	wt.SetFinalizer(droppedRef, func(h Handle) { finalized = append(finalized, h) })
	wt.SetFinalizer(keptRef, func(h Handle) { finalized = append(finalized, h) })

	cleared := wt.Sweep(map[Handle]struct{}{kept: {}})
	if cleared != 1 {
		t.Errorf("Sweep cleared %d, want 1", cleared)
	}
	if len(finalized) != 1 || finalized[0] != dropped {
		t.Errorf("finalized %v, want [%s]", finalized, dropped)
	}
	if _, ok := wt.Get(droppedRef); ok {
		t.Error("swept reference should be cleared")
	}
	if _, ok := wt.Get(keptRef); !ok {
		t.Error("marked reference should survive")
	}

	// a second sweep does not finalize again
	wt.Sweep(map[Handle]struct{}{kept: {}})
	if len(finalized) != 1 {
		t.Errorf("finalizer ran %d times, want 1", len(finalized))
	}

	if wt.Len() != 2 {
		t.Errorf("Len() before Compact = %d, want 2", wt.Len())
	}
	if removed := wt.Compact(); removed != 1 {
		t.Errorf("Compact removed %d, want 1", removed)
	}
	if wt.Len() != 1 {
		t.Errorf("Len() after Compact = %d, want 1", wt.Len())
	}
}

func TestWeakTableEachSkipsCleared(t *testing.T) {
	h := NewHeap()
	wt := NewWeakTable(h)
	a := h.Alloc(NewObject(Nil, 0))
	b := h.Alloc(NewObject(Nil, 0))
	wt.Register(a)
	refB := wt.Register(b)
	h.Free(a)

	var seen []WeakRef
	wt.Each(func(ref WeakRef, _ Handle) bool {
		seen = append(seen, ref)
		return true
	})
	if len(seen) != 1 || seen[0] != refB {
		t.Errorf("Each saw %v, want [%d]", seen, refB)
	}

	wt.Unregister(refB)
	if wt.Len() != 1 {
		t.Errorf("Len() after Unregister = %d, want 1", wt.Len())
	}
}

func TestContextRegistryClearsCollectedContexts(t *testing.T) {
	vm, _ := newTestVM(t, DefaultConfig())
	code := method(vm, "escape", 0, 0, func(_ *MethodBuilder, b *CodeBuilder) {
		b.PushThisContext()
		b.ReturnTop()
	})
	v := mustEvaluate(t, vm, code, Nil)
	if len(vm.Contexts()) != 1 {
		t.Fatalf("Contexts() = %d, want 1", len(vm.Contexts()))
	}

	// the collector found nothing reachable
	vm.Heap().Free(v.Handle())
	vm.ContextRegistry().Sweep(nil)
	if n := len(vm.Contexts()); n != 0 {
		t.Errorf("Contexts() after collection = %d, want 0", n)
	}
	if _, ok := vm.ContextOf(v); ok {
		t.Error("collected context should not resolve")
	}
}
