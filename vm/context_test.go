package vm

import (
	"errors"
	"testing"
)

func TestThisContextIsMaterializedOnce(t *testing.T) {
	vm, _ := newTestVM(t, DefaultConfig())
	code := method(vm, "same", 0, 0, func(_ *MethodBuilder, b *CodeBuilder) {
		b.PushThisContext()
		b.PushThisContext()
		b.SendSpecial("==")
		b.ReturnTop()
	})
	if got := mustEvaluate(t, vm, code, Nil); got != True {
		t.Errorf("thisContext == thisContext = %v, want true", got)
	}
	if n := len(vm.Contexts()); n != 1 {
		t.Errorf("materialized %d contexts, want 1", n)
	}
}

func TestReturnedContextIsDead(t *testing.T) {
	vm, _ := newTestVM(t, DefaultConfig())
	code := method(vm, "escape", 0, 1, func(_ *MethodBuilder, b *CodeBuilder) {
		b.PushThisContext()
		b.ReturnTop()
	})
	v := mustEvaluate(t, vm, code, Nil)

	ctx, ok := vm.ContextOf(v)
	if !ok {
		t.Fatalf("result %v is not a context", v)
	}
	if !ctx.IsDead() || ctx.PC() != -1 {
		t.Errorf("returned context pc = %d, want dead", ctx.PC())
	}
	if ctx.IsRunning() || ctx.Sender() != nil {
		t.Error("dead context should have no frame and no sender")
	}
	if !ctx.IsEscaped() || ctx.IsBlockContext() {
		t.Error("method context should be escaped and not a block context")
	}
	if ctx.Code() != code || ctx.Receiver() != Nil || ctx.Home() != ctx {
		t.Errorf("context = %v, want a method context of escape", ctx)
	}
	if got := ctx.String(); got != "escape (dead)" {
		t.Errorf("String() = %q, want %q", got, "escape (dead)")
	}
}

func TestSenderMaterializesCaller(t *testing.T) {
	type observation struct {
		running bool
		depth   int
		sender  string
		caller  bool
	}
	var seen observation
	opt := WithPrimitive(902, func(p *Process, rcvr Value, args []Value) (Value, error) {
		ctx, ok := p.VM().ContextOf(args[0])
		if !ok {
			return Nil, ErrPrimitiveFailed
		}
		seen.running = ctx.IsRunning()
		seen.depth = ctx.Depth()
		if s := ctx.Sender(); s != nil {
			seen.sender = s.Code().Name
			seen.caller = s.IsRunning() && !s.IsDead()
		}
		return Nil, nil
	})
	vm, table := newTestVM(t, DefaultConfig(), opt)

	peekCode := method(vm, "peek:", 1, 1, func(_ *MethodBuilder, b *CodeBuilder) { b.ReturnSelf() })
	peekCode.PrimitiveIndex = 902
	define(vm, table, peekCode)
	define(vm, table, method(vm, "inner", 0, 0, func(m *MethodBuilder, b *CodeBuilder) {
		b.PushSelf()
		b.PushThisContext()
		b.Send(m.Selector("peek:"), 1)
		b.ReturnTop()
	}))
	outer := method(vm, "outer", 0, 0, func(m *MethodBuilder, b *CodeBuilder) {
		b.PushSelf()
		b.Send(m.Selector("inner"), 0)
		b.ReturnTop()
	})
	mustEvaluate(t, vm, outer, Nil)

	want := observation{running: true, depth: 2, sender: "outer", caller: true}
	if seen != want {
		t.Errorf("peek saw %+v, want %+v", seen, want)
	}
	contexts := vm.Contexts()
	if len(contexts) != 2 {
		t.Fatalf("materialized %d contexts, want 2", len(contexts))
	}
	for _, c := range contexts {
		if !c.IsDead() {
			t.Errorf("%s survived its return", c)
		}
	}
}

func TestGetOrCreateContext(t *testing.T) {
	vm, _ := newTestVM(t, DefaultConfig())
	code := method(vm, "frame", 0, 2, func(_ *MethodBuilder, b *CodeBuilder) { b.ReturnSelf() })
	p := vm.NewProcess("frame", code, Nil)

	f, err := p.interp.newFrame(nil, code, nil, FromSmallInt(1), nil)
	if err != nil {
		t.Fatalf("newFrame failed: %v", err)
	}
	if f.Context() != nil || !f.IsVirtualized() {
		t.Fatal("fresh frame should be virtualized with no context")
	}

	before := vm.ContextRegistry().Len()
	c1, err := f.GetOrCreateContext()
	if err != nil {
		t.Fatalf("GetOrCreateContext failed: %v", err)
	}
	c2, _ := f.GetOrCreateContext()
	if c1 != c2 || f.Context() != c1 {
		t.Error("repeated materialization should return the same context")
	}
	if got := vm.ContextRegistry().Len(); got != before+1 {
		t.Errorf("registry Len() = %d, want %d", got, before+1)
	}
	if c1.Marker() != f.Marker() || c1.Receiver() != FromSmallInt(1) {
		t.Error("context should inherit the frame's marker and receiver")
	}
	if got, ok := vm.ContextOf(c1.Value()); !ok || got != c1 {
		t.Error("ContextOf should resolve the context's own value")
	}

	// shared activation
	f.act.slots[1] = FromSmallInt(9)
	if v, _ := c1.At(1); v != FromSmallInt(9) {
		t.Errorf("At(1) = %v, want 9", v)
	}
	if err := c1.AtPut(0, True); !errors.Is(err, ErrInvalidFrameState) {
		t.Errorf("AtPut on a running context error = %v, want ErrInvalidFrameState", err)
	}
	if f.act.slots[0] == True {
		t.Error("a rejected AtPut should leave the frame alone")
	}
	if _, err := c1.At(2); !errors.Is(err, ErrInvalidFrameState) {
		t.Errorf("At(2) error = %v, want ErrInvalidFrameState", err)
	}
	if err := c1.AtPut(-1, Nil); !errors.Is(err, ErrInvalidFrameState) {
		t.Errorf("AtPut(-1) error = %v, want ErrInvalidFrameState", err)
	}

	exited, _ := p.interp.newFrame(nil, code, nil, Nil, nil)
	exited.exited = true
	if _, err := exited.GetOrCreateContext(); !errors.Is(err, ErrInvalidFrameState) {
		t.Errorf("exited frame error = %v, want ErrInvalidFrameState", err)
	}
}

func TestContextTerminate(t *testing.T) {
	vm, _ := newTestVM(t, DefaultConfig())
	code := method(vm, "live", 0, 0, func(_ *MethodBuilder, b *CodeBuilder) { b.ReturnSelf() })
	p := vm.NewProcess("live", code, Nil)
	f, _ := p.interp.newFrame(nil, code, nil, Nil, nil)
	ctx := f.mustContext()

	if ctx.IsDead() {
		t.Fatal("fresh context should be live")
	}
	ctx.Terminate()
	if !ctx.IsDead() || ctx.IsRunning() {
		t.Error("terminated context should be dead and detached")
	}
}

func TestAtPutOnSuspendedContext(t *testing.T) {
	vm, p := suspendInBlock(t)
	block := p.SuspendedContext()
	if block.IsRunning() {
		t.Fatal("suspended context should not be running")
	}

	// slot 2 holds the answer of #pause, which the block returns
	if err := block.AtPut(2, FromSmallInt(42)); err != nil {
		t.Fatalf("AtPut failed: %v", err)
	}
	if v, _ := block.At(2); v != FromSmallInt(42) {
		t.Errorf("At(2) = %v, want 42", v)
	}
	v, err := vm.Resume(p).Result()
	if err != nil || v != FromSmallInt(42) {
		t.Errorf("Resume() = %v, %v; want 42", v, err)
	}
}

// callsUnder defines #under with the given body and returns a method that
// materializes itself and then sends #under.
func callsUnder(vm *VM, table *MethodTable, numTemps int, body func(m *MethodBuilder, b *CodeBuilder)) *CodeBlock {
	define(vm, table, method(vm, "under", 0, numTemps, body))
	return method(vm, "outer", 0, 0, func(m *MethodBuilder, b *CodeBuilder) {
		b.PushThisContext()
		b.Pop()
		b.PushSelf()
		b.Send(m.Selector("under"), 0)
		b.ReturnTop()
	})
}

func checkChainDead(t *testing.T, vm *VM, want int) {
	t.Helper()
	contexts := vm.Contexts()
	if len(contexts) != want {
		t.Fatalf("materialized %d contexts, want %d", len(contexts), want)
	}
	for _, c := range contexts {
		if !c.IsDead() || c.IsRunning() {
			t.Errorf("%s dead=%v running=%v after the chain failed", c, c.IsDead(), c.IsRunning())
		}
	}
}

func TestStackUnderflowEndsChain(t *testing.T) {
	tests := []struct {
		name     string
		numTemps int
	}{
		{"no temps", 0},
		{"temps below the stack", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm, table := newTestVM(t, DefaultConfig())
			outer := callsUnder(vm, table, tt.numTemps, func(_ *MethodBuilder, b *CodeBuilder) {
				b.PushThisContext()
				b.Pop()
				b.Pop()
				b.ReturnNil()
			})

			p := vm.NewProcess("outer", outer, Nil)
			sig := p.Run()
			if sig.Kind != SignalError || !errors.Is(sig.Err, ErrInvalidFrameState) {
				t.Fatalf("signal = %s, want an ErrInvalidFrameState error", sig)
			}
			if p.State() != ProcessTerminated {
				t.Errorf("State() = %s, want terminated", p.State())
			}
			checkChainDead(t, vm, 2)
		})
	}
}

func TestSendUnderflow(t *testing.T) {
	vm, table := newTestVM(t, DefaultConfig())
	outer := callsUnder(vm, table, 0, func(_ *MethodBuilder, b *CodeBuilder) {
		b.PushSmall(1)
		b.SendSpecial("+")
		b.ReturnTop()
	})
	if _, err := vm.Evaluate(outer, Nil); !errors.Is(err, ErrInvalidFrameState) {
		t.Errorf("error = %v, want ErrInvalidFrameState", err)
	}
	checkChainDead(t, vm, 1)
}

const primTestPanic = 903

func TestPanicTerminatesChain(t *testing.T) {
	vm, table := newTestVM(t, DefaultConfig(), WithPrimitive(primTestPanic,
		func(p *Process, rcvr Value, args []Value) (Value, error) {
			panic("primitive blew up")
		}))
	define(vm, table, method(vm, "explode", 0, 0, func(m *MethodBuilder, b *CodeBuilder) {
		m.SetPrimitive(primTestPanic)
		b.ReturnSelf()
	}))
	outer := callsUnder(vm, table, 0, func(m *MethodBuilder, b *CodeBuilder) {
		b.PushThisContext()
		b.Pop()
		b.PushSelf()
		b.Send(m.Selector("explode"), 0)
		b.ReturnTop()
	})

	p := vm.NewProcess("outer", outer, Nil)
	sig := p.Run()
	if sig.Kind != SignalError || !errors.Is(sig.Err, ErrInvalidFrameState) {
		t.Fatalf("signal = %s, want an ErrInvalidFrameState error", sig)
	}
	if _, err := p.Result(); !errors.Is(err, ErrInvalidFrameState) {
		t.Errorf("Result() error = %v, want ErrInvalidFrameState", err)
	}
	if p.State() != ProcessTerminated {
		t.Errorf("State() = %s, want terminated", p.State())
	}
	checkChainDead(t, vm, 2)
}
