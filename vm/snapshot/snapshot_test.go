package snapshot

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chazu/marrow/vm"
	"github.com/fxamacker/cbor/v2"
)

const primPause = 1

// newMachine returns a VM where #pause suspends the running process and
// #main answers ([self pause. ^7] value) + 1.
func newMachine(t *testing.T) (*vm.VM, *vm.MethodTable, *vm.CodeBlock) {
	t.Helper()
	table := vm.NewMethodTable()
	machine := vm.New(vm.DefaultConfig(),
		vm.WithResolver(table),
		vm.WithPrimitive(primPause, func(p *vm.Process, rcvr vm.Value, args []vm.Value) (vm.Value, error) {
			return vm.Nil, vm.Yield(rcvr)
		}),
	)
	table.ClassOf = machine.ClassOf
	t.Cleanup(func() { machine.Close() })
	st := machine.Symbols()

	pause := vm.NewMethodBuilder(st, "pause", 0)
	pause.SetPrimitive(primPause)
	pause.Bytecode().ReturnSelf()
	table.Define(vm.Nil, st.SymbolValue("pause"), pause.Build())

	m := vm.NewMethodBuilder(st, "main", 0)
	b := m.Bytecode()
	b.Closure(0, 0, func(b *vm.CodeBuilder) {
		b.PushSelf()
		b.Send(m.Selector("pause"), 0)
		b.Pop()
		b.PushLiteral(m.Literal(vm.FromSmallInt(7)))
		b.ReturnTop()
	})
	b.SendSpecial("value")
	b.PushSmall(1)
	b.SendSpecial("+")
	b.ReturnTop()
	main := m.Build()
	table.Define(vm.Nil, st.SymbolValue("main"), main)
	return machine, table, main
}

func suspend(t *testing.T, machine *vm.VM, code *vm.CodeBlock) *vm.Process {
	t.Helper()
	p := machine.NewProcess("main", code, vm.Nil)
	p.Run()
	if p.State() != vm.ProcessSuspended {
		t.Fatalf("state = %s, want suspended", p.State())
	}
	return p
}

func TestEncodeDecode(t *testing.T) {
	src, _, code := newMachine(t)
	p := suspend(t, src, code)

	data, err := Encode(src, p)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	again, err := Encode(src, p)
	if err != nil {
		t.Fatalf("second Encode failed: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("encoding the same chain twice should give identical bytes")
	}

	dst, table, _ := newMachine(t)
	q, err := Decode(dst, data, table)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if q.ID != p.ID || q.Name != "main" {
		t.Errorf("decoded process = %s, want %s", q, p)
	}

	v, err := dst.Resume(q).Result()
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if v != vm.FromSmallInt(8) {
		t.Errorf("result = %v, want 8", v)
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	machine, table, code := newMachine(t)
	p := suspend(t, machine, code)
	img, err := machine.Export(p)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	future, err := cbor.Marshal(envelope{Version: Version + 1, Image: img})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if _, err := Decode(machine, future, table); !errors.Is(err, ErrVersion) {
		t.Errorf("future version: error = %v, want ErrVersion", err)
	}

	empty, _ := cbor.Marshal(envelope{Version: Version})
	if _, err := Decode(machine, empty, table); err == nil {
		t.Error("envelope without an image should fail")
	}
	if _, err := Decode(machine, []byte{0xff, 0x00}, table); err == nil {
		t.Error("garbage should fail")
	}

	other := vm.NewMethodTable()
	data, _ := Encode(machine, p)
	if _, err := Decode(machine, data, other); err == nil {
		t.Error("decoding without the methods should fail")
	}
}

func TestEncodeRequiresSuspension(t *testing.T) {
	machine, _, code := newMachine(t)
	p := machine.NewProcess("main", code, vm.Nil)
	if _, err := Encode(machine, p); err == nil {
		t.Error("encoding a ready process should fail")
	}
}

func TestStore(t *testing.T) {
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	src, _, code := newMachine(t)
	p := suspend(t, src, code)
	if err := store.Save(src, p); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	// saving again replaces the entry
	if err := store.Save(src, p); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	entries, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List() returned %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.ID != p.ID.String() || e.Name != "main" || e.Size == 0 || e.SavedAt.IsZero() {
		t.Errorf("entry = %+v", e)
	}

	dst, table, _ := newMachine(t)
	q, err := store.Load(dst, e.ID, table)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if v, err := dst.Resume(q).Result(); err != nil || v != vm.FromSmallInt(8) {
		t.Errorf("resumed snapshot = %v, %v; want 8", v, err)
	}

	if err := store.Delete(e.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}
	if _, err := store.Load(dst, e.ID, table); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after Delete error = %v, want ErrNotFound", err)
	}
}
