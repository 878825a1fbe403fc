package vm

import (
	"testing"
)

func TestNewVMDefaults(t *testing.T) {
	vm := New(DefaultConfig())
	defer vm.Close()

	if vm.Symbols() == nil || vm.Heap() == nil || vm.Profiler() == nil {
		t.Fatal("New should create symbols, heap and profiler")
	}
	if _, ok := vm.Resolver().(*MethodTable); !ok {
		t.Errorf("default resolver = %T, want *MethodTable", vm.Resolver())
	}
	if vm.Scheduler() != nil {
		t.Error("no scheduler should be installed by default")
	}
	if vm.Config() != DefaultConfig() {
		t.Errorf("Config() = %+v", vm.Config())
	}
	if vm.Profiler().LoopHotThreshold != DefaultConfig().LoopHotThreshold {
		t.Error("profiler thresholds should come from the config")
	}
}

func TestSharedSymbolTable(t *testing.T) {
	st := NewSymbolTable()
	a := New(DefaultConfig(), WithSymbols(st))
	b := New(DefaultConfig(), WithSymbols(st))
	defer a.Close()
	defer b.Close()

	if a.Symbols().SymbolValue("foo") != b.Symbols().SymbolValue("foo") {
		t.Error("VMs sharing a table should agree on symbols")
	}
}

func TestObjects(t *testing.T) {
	class := FromSymbolID(99)
	vm, _ := newTestVM(t, DefaultConfig(), WithArrayClass(class))

	obj := vm.NewObject(class, 3)
	o, ok := vm.Object(obj)
	if !ok || o.NumSlots() != 3 || o.GetSlot(2) != Nil {
		t.Fatalf("NewObject = %+v", o)
	}
	if !o.SetSlot(1, True) || o.GetSlot(1) != True {
		t.Error("SetSlot in range should store")
	}
	if o.SetSlot(3, True) || o.GetSlot(-1) != Nil {
		t.Error("out-of-range slot access should be rejected")
	}
	if vm.ClassOf(obj) != class || vm.ClassOf(FromSmallInt(1)) != Nil {
		t.Error("ClassOf should answer the object's class and Nil otherwise")
	}

	src := []Value{FromSmallInt(1), FromSmallInt(2)}
	arr, _ := vm.Object(vm.NewArray(src...))
	src[0] = Nil
	if arr.Class != class || arr.GetSlot(0) != FromSmallInt(1) {
		t.Error("NewArray should copy its elements into an array-class object")
	}

	binding, _ := vm.Object(vm.NewBinding(FromSymbolID(1), FromSmallInt(4)))
	if binding.Slots[BindingKey] != FromSymbolID(1) || binding.Slots[BindingValue] != FromSmallInt(4) {
		t.Errorf("binding slots = %v", binding.Slots)
	}

	if _, ok := vm.Object(FromSmallInt(5)); ok {
		t.Error("an immediate is not an object")
	}
	if _, ok := vm.ClosureOf(obj); ok {
		t.Error("an object is not a closure")
	}
	if _, ok := vm.ContextOf(obj); ok {
		t.Error("an object is not a context")
	}
}

func TestMethodTableResolve(t *testing.T) {
	st := NewSymbolTable()
	table := NewMethodTable()
	a, b, c := FromSymbolID(100), FromSymbolID(101), FromSymbolID(102)
	table.SetSuperclass(b, a)
	table.SetSuperclass(c, b)
	table.ClassOf = func(v Value) Value { return v }

	foo := st.SymbolValue("foo")
	bar := st.SymbolValue("bar")
	aFoo := NewCodeBlock("A>>foo", 0, []byte{0x78}, nil)
	bFoo := NewCodeBlock("B>>foo", 0, []byte{0x78}, nil)
	anyBar := NewCodeBlock("bar", 0, []byte{0x78}, nil)
	table.Define(a, foo, aFoo)
	table.Define(b, foo, bFoo)
	table.Define(Nil, bar, anyBar)

	tests := []struct {
		name  string
		rcvr  Value
		sel   Value
		super bool
		from  *CodeBlock
		want  *CodeBlock
	}{
		{"own method", b, foo, false, nil, bFoo},
		{"inherited", c, foo, false, nil, bFoo},
		{"root class", a, foo, false, nil, aFoo},
		{"defined on nil", c, bar, false, nil, anyBar},
		{"super from B", c, foo, true, bFoo, aFoo},
		{"super from A finds nothing", c, foo, true, aFoo, nil},
		{"super from unowned code", c, foo, true, anyBar, nil},
		{"missing", a, st.SymbolValue("baz"), false, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := table.Resolve(tt.rcvr, tt.sel, tt.super, tt.from)
			if ok != (tt.want != nil) || got != tt.want {
				t.Errorf("Resolve = %v, %v; want %v", got, ok, tt.want)
			}
		})
	}

	if table.Len() != 3 {
		t.Errorf("Len() = %d, want 3", table.Len())
	}
	if code, ok := table.LoadCode("B>>foo"); !ok || code != bFoo {
		t.Error("LoadCode should find methods by name")
	}
}

func TestMethodTableSuperclassCycle(t *testing.T) {
	table := NewMethodTable()
	a, b := FromSymbolID(100), FromSymbolID(101)
	table.SetSuperclass(a, b)
	table.SetSuperclass(b, a)
	table.ClassOf = func(v Value) Value { return v }

	if _, ok := table.Resolve(a, FromSymbolID(5), false, nil); ok {
		t.Error("lookup in a superclass cycle should fail, not loop")
	}
}
