package vm

import (
	"testing"
)

// newTestVM creates a VM whose sends resolve through a fresh MethodTable.
func newTestVM(t *testing.T, cfg Config, opts ...Option) (*VM, *MethodTable) {
	t.Helper()
	table := NewMethodTable()
	vm := New(cfg, append([]Option{WithResolver(table)}, opts...)...)
	table.ClassOf = vm.ClassOf
	t.Cleanup(func() { vm.Close() })
	return vm, table
}

// method assembles a CodeBlock with body.
func method(vm *VM, name string, numArgs, numTemps int, body func(m *MethodBuilder, b *CodeBuilder)) *CodeBlock {
	m := NewMethodBuilder(vm.Symbols(), name, numArgs)
	m.SetNumTemps(numTemps)
	body(m, m.Bytecode())
	return m.Build()
}

// define installs code under its name on class Nil, where every receiver
// finds it.
func define(vm *VM, table *MethodTable, code *CodeBlock) {
	table.Define(Nil, vm.Symbols().SymbolValue(code.Name), code)
}

func mustEvaluate(t *testing.T, vm *VM, code *CodeBlock, rcvr Value, args ...Value) Value {
	t.Helper()
	v, err := vm.Evaluate(code, rcvr, args...)
	if err != nil {
		t.Fatalf("Evaluate(%s) failed: %v", code.Name, err)
	}
	return v
}

// countingLoop sums 1..n with a backward jump per iteration.
func countingLoop(vm *VM, name string, n int64) *CodeBlock {
	return method(vm, name, 0, 2, func(m *MethodBuilder, b *CodeBuilder) {
		limit := m.Literal(FromSmallInt(n))
		b.PushSmall(0)
		b.PopIntoTemp(0)
		b.PushSmall(1)
		b.PopIntoTemp(1)
		loop := b.NewLabel()
		done := b.NewLabel()
		b.Mark(loop)
		b.PushTemp(1)
		b.PushLiteral(limit)
		b.SendSpecial("<=")
		b.JumpIfFalse(done)
		b.PushTemp(0)
		b.PushTemp(1)
		b.SendSpecial("+")
		b.PopIntoTemp(0)
		b.PushTemp(1)
		b.PushSmall(1)
		b.SendSpecial("+")
		b.PopIntoTemp(1)
		b.Jump(loop)
		b.Mark(done)
		b.PushTemp(0)
		b.ReturnTop()
	})
}

// primTestYield suspends the process; the send answers the receiver once
// the process is resumed.
const primTestYield = 900

func yieldOption() Option {
	return WithPrimitive(primTestYield, func(p *Process, rcvr Value, args []Value) (Value, error) {
		return Nil, Yield(rcvr)
	})
}

// yieldingMethod defines #pause, backed by primTestYield.
func yieldingMethod(vm *VM, table *MethodTable) *CodeBlock {
	code := method(vm, "pause", 0, 0, func(m *MethodBuilder, b *CodeBuilder) {
		m.SetPrimitive(primTestYield)
		b.ReturnSelf()
	})
	define(vm, table, code)
	return code
}
