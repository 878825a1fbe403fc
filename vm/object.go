package vm

// Object is a pointer-slot guest object: receiver instance variables,
// arrays built by the push-new-array bytecode, remote temp vectors and
// literal variable bindings are all Objects.
//
// Class is opaque to the core; the method resolver interprets it.
type Object struct {
	Class Value
	Slots []Value
}

// NewObject creates an Object with numSlots nil slots.
func NewObject(class Value, numSlots int) *Object {
	obj := &Object{Class: class, Slots: make([]Value, numSlots)}
	for i := range obj.Slots {
		obj.Slots[i] = Nil
	}
	return obj
}

// NewObjectWithSlots creates an Object owning a copy of slots.
func NewObjectWithSlots(class Value, slots []Value) *Object {
	obj := &Object{Class: class, Slots: make([]Value, len(slots))}
	copy(obj.Slots, slots)
	return obj
}

// NumSlots returns the number of slots.
func (obj *Object) NumSlots() int {
	return len(obj.Slots)
}

// GetSlot returns the value at index, or nil when out of range.
func (obj *Object) GetSlot(index int) Value {
	if index < 0 || index >= len(obj.Slots) {
		return Nil
	}
	return obj.Slots[index]
}

// SetSlot stores into index. Out-of-range stores are ignored and reported.
func (obj *Object) SetSlot(index int, v Value) bool {
	if index < 0 || index >= len(obj.Slots) {
		return false
	}
	obj.Slots[index] = v
	return true
}

// Binding slot layout used by literal variables (an Association: key, value).
const (
	BindingKey   = 0
	BindingValue = 1
)

// NewBinding creates a key/value association for use as a literal variable.
func NewBinding(key, value Value) *Object {
	return &Object{Class: Nil, Slots: []Value{key, value}}
}
