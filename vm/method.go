package vm

import "sync"

// ---------------------------------------------------------------------------
// Collaborator interfaces
// ---------------------------------------------------------------------------

// Primitive is an entry in the primitive library. Returning
// ErrPrimitiveFailed runs the method's bytecode instead; returning a
// *SwitchRequest makes Value the send's result and suspends the process.
type Primitive func(p *Process, receiver Value, args []Value) (Value, error)

// MethodResolver finds the method a send activates. from is the method
// containing the send; super sends start their lookup above its class.
type MethodResolver interface {
	Resolve(receiver, selector Value, super bool, from *CodeBlock) (*CodeBlock, bool)
}

// ---------------------------------------------------------------------------
// MethodTable: flat resolver
// ---------------------------------------------------------------------------

type methodKey struct {
	class    Value
	selector Value
}

// MethodTable is a MethodResolver over explicitly defined methods. Classes
// are opaque values; ClassOf maps receivers to them and SetSuperclass links
// them into chains. Methods defined on Nil are found for every receiver.
type MethodTable struct {
	// ClassOf returns a receiver's class. When nil every receiver is
	// treated as having class Nil.
	ClassOf func(Value) Value

	mu         sync.RWMutex
	methods    map[methodKey]*CodeBlock
	superclass map[Value]Value
	owner      map[*CodeBlock]Value
	byName     map[string]*CodeBlock
	caches     lookupCaches
}

// NewMethodTable creates an empty table.
func NewMethodTable() *MethodTable {
	return &MethodTable{
		methods:    make(map[methodKey]*CodeBlock),
		superclass: make(map[Value]Value),
		owner:      make(map[*CodeBlock]Value),
		byName:     make(map[string]*CodeBlock),
	}
}

// Define installs code as class>>selector.
func (t *MethodTable) Define(class, selector Value, code *CodeBlock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.methods[methodKey{class, selector}] = code
	t.owner[code] = class
	t.byName[code.Name] = code
	t.caches.flush()
}

// LoadCode finds a defined method by CodeBlock name. It makes a
// MethodTable usable as a CodeLoader.
func (t *MethodTable) LoadCode(name string) (*CodeBlock, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	code, ok := t.byName[name]
	return code, ok
}

// SetSuperclass links class under super.
func (t *MethodTable) SetSuperclass(class, super Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.superclass[class] = super
	t.caches.flush()
}

// Len returns the number of defined methods.
func (t *MethodTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.methods)
}

// Resolve implements MethodResolver.
func (t *MethodTable) Resolve(receiver, selector Value, super bool, from *CodeBlock) (*CodeBlock, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	class := Nil
	if t.ClassOf != nil {
		class = t.ClassOf(receiver)
	}
	key := lookupKey{selector: selector}
	if super {
		owner, ok := t.owner[from]
		if !ok || owner == Nil {
			return nil, false
		}
		class = t.superOf(owner)
		key.super, key.owner = true, owner
	}

	ic := t.caches.get(key)
	if code := ic.Lookup(class); code != nil {
		return code, true
	}
	code, ok := t.lookup(class, selector)
	if ok {
		ic.Update(class, code)
	}
	return code, ok
}

// CacheStats reports on the lookup caches filled since the last Define or
// SetSuperclass.
func (t *MethodTable) CacheStats() ICStats {
	return t.caches.stats()
}

func (t *MethodTable) lookup(class, selector Value) (*CodeBlock, bool) {
	seen := make(map[Value]struct{}, 4)
	for {
		if code, ok := t.methods[methodKey{class, selector}]; ok {
			return code, true
		}
		if class == Nil {
			return nil, false
		}
		if _, loop := seen[class]; loop {
			return nil, false
		}
		seen[class] = struct{}{}
		class = t.superOf(class)
	}
}

func (t *MethodTable) superOf(class Value) Value {
	if s, ok := t.superclass[class]; ok {
		return s
	}
	return Nil
}

// ClassOf returns the class of heap objects and Nil for everything else.
// It suits MethodTable.ClassOf.
func (vm *VM) ClassOf(v Value) Value {
	if obj, ok := vm.Object(v); ok {
		return obj.Class
	}
	return Nil
}
