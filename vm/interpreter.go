package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Interpreter: bytecode execution engine
// ---------------------------------------------------------------------------

// Interpreter executes bytecode for one Process. Sends recurse on the Go
// stack; every activation hands its caller a Signal saying how it ended.
type Interpreter struct {
	vm      *VM
	process *Process

	// Back-jump bookkeeping drives interrupt polling.
	backJumps uint64
	sincePoll int
	polls     uint64

	// innermost frame currently executing
	top *Frame
}

func newInterpreter(vm *VM, p *Process) *Interpreter {
	return &Interpreter{vm: vm, process: p}
}

// BackJumps returns the number of backward jumps taken so far.
func (in *Interpreter) BackJumps() uint64 { return in.backJumps }

// Polls returns the number of interrupt checks performed so far.
func (in *Interpreter) Polls() uint64 { return in.polls }

// ---------------------------------------------------------------------------
// Frame creation
// ---------------------------------------------------------------------------

func (in *Interpreter) newFrame(sender *Frame, code *CodeBlock, cl *Closure, rcvr Value, args []Value) (*Frame, error) {
	depth := 1
	if sender != nil {
		depth = sender.depth + 1
	}
	if max := in.vm.cfg.MaxDepth; max > 0 && depth > max {
		return nil, fmt.Errorf("%w: depth %d activating %s", ErrStackOverflow, depth, code.Name)
	}
	prog, err := code.Decode()
	if err != nil {
		return nil, err
	}
	if len(args) != code.NumArgs {
		return nil, fmt.Errorf("%w: %s expects %d, got %d", ErrWrongArgumentCount, code.Name, code.NumArgs, len(args))
	}

	act := newActivation(frameTemps(code), code.FrameSize)
	copy(act.slots, args)
	if cl != nil {
		copy(act.slots[len(args):], cl.copied)
	}

	return &Frame{
		marker:      &Marker{name: code.Name},
		code:        code,
		program:     prog,
		closure:     cl,
		receiver:    rcvr,
		act:         act,
		sender:      sender,
		virtualized: true,
		depth:       depth,
		process:     in.process,
	}, nil
}

// frameTemps returns the number of argument and temporary slots an
// activation of code reserves below its operand stack.
func frameTemps(code *CodeBlock) int {
	if min := code.NumArgs + code.NumCopied; code.NumTemps < min {
		return min
	}
	return code.NumTemps
}

// resumedFrame rebuilds a frame around a suspended context.
func (in *Interpreter) resumedFrame(ctx *Context) (*Frame, error) {
	if ctx.IsDead() {
		return nil, fmt.Errorf("%w: resume of dead context %s", ErrInvalidFrameState, ctx.code.Name)
	}
	if ctx.frame != nil {
		return nil, fmt.Errorf("%w: context %s is already running", ErrInvalidFrameState, ctx.code.Name)
	}
	prog, err := ctx.code.Decode()
	if err != nil {
		return nil, err
	}
	f := &Frame{
		marker:    ctx.marker,
		code:      ctx.code,
		program:   prog,
		closure:   ctx.closure,
		receiver:  ctx.receiver,
		act:       ctx.act,
		senderCtx: ctx.sender,
		ctx:       ctx,
		depth:     1,
		process:   in.process,
	}
	ctx.frame = f
	return f, nil
}

// activate runs a fresh frame to its end and settles its context.
func (in *Interpreter) activate(f *Frame) Signal {
	prev := in.top
	in.top = f
	sig := in.run(f)
	in.top = prev
	f.exit(sig)
	return sig
}

// abandon kills every activation left on the chain when a Go panic cut
// the run short, so none of their contexts stays marked as running.
func (in *Interpreter) abandon() {
	var rest *Context
	for f := in.top; f != nil; f = f.sender {
		rest = f.senderCtx
		if !f.exited {
			f.exit(Signal{Kind: SignalError})
		}
	}
	in.top = nil
	for c := rest; c != nil; {
		next := c.sender
		c.terminate()
		c = next
	}
}

// ---------------------------------------------------------------------------
// Main interpreter loops
// ---------------------------------------------------------------------------

// run is the fast path for inline activations. Jumps are resolved here
// rather than through step.
func (in *Interpreter) run(f *Frame) Signal {
	prog, act := f.program, f.act
	for {
		ins := prog.At(act.pc)
		if ins == nil {
			return errorSignal(fmt.Errorf("%w: %s has no instruction at %d", ErrInvalidFrameState, f.code.Name, act.pc))
		}
		act.pc = ins.Successor()

		switch ins.Kind {
		case KindJump:
			act.pc = ins.Target
			if ins.Target <= ins.Offset {
				if sig, done := in.backJump(f); done {
					return sig
				}
			}
		case KindJumpIfTrue, KindJumpIfFalse:
			if sig, done := in.branch(f, ins); done {
				return sig
			}
		default:
			if sig, done := in.step(f, ins); done {
				return sig
			}
		}
	}
}

// runResumed executes a frame rebuilt from a suspended context, every
// instruction going through step.
func (in *Interpreter) runResumed(f *Frame) Signal {
	for {
		ins := f.program.At(f.act.pc)
		if ins == nil {
			return errorSignal(fmt.Errorf("%w: %s has no instruction at %d", ErrInvalidFrameState, f.code.Name, f.act.pc))
		}
		f.act.pc = ins.Successor()
		if sig, done := in.step(f, ins); done {
			return sig
		}
	}
}

// resume drives a suspended chain from ctx down through its senders.
func (in *Interpreter) resume(ctx *Context) Signal {
	for {
		sender := ctx.sender
		f, err := in.resumedFrame(ctx)
		if err != nil {
			return errorSignal(err)
		}
		in.top = f
		sig := in.runResumed(f)
		in.top = nil
		f.exit(sig)

		switch sig.Kind {
		case SignalCompleted:
			if sender == nil {
				return sig
			}
			if sender.IsDead() {
				return errorSignal(fmt.Errorf("%w: sender %s of %s is dead", ErrCannotReturn, sender.code.Name, ctx.code.Name))
			}
			sender.act.push(sig.Value)
			ctx = sender
		case SignalUnwind:
			target := unwindTo(sender, sig.Target)
			if target == nil {
				log.Debugf("unwind to %s found no live target", sig.Target)
				return errorSignal(fmt.Errorf("%w: no live context for %s", ErrCannotReturn, sig.Target))
			}
			target.act.push(sig.Value)
			ctx = target
		default:
			return sig
		}
	}
}

// unwindTo walks a suspended chain for target, killing every context it
// passes.
func unwindTo(c *Context, target *Marker) *Context {
	for c != nil {
		if c.marker == target {
			if c.IsDead() {
				return nil
			}
			return c
		}
		next := c.sender
		c.terminate()
		c = next
	}
	return nil
}

// ---------------------------------------------------------------------------
// Jumps and interrupt polling
// ---------------------------------------------------------------------------

func (in *Interpreter) branch(f *Frame, ins *Instruction) (Signal, bool) {
	if f.act.depth() < 1 {
		return in.underflow(f, ins)
	}
	cond := f.act.pop()
	if !cond.IsBool() {
		return errorSignal(fmt.Errorf("%w: %s in %s at %d", ErrNotBoolean, cond, f.code.Name, ins.Offset)), true
	}
	if (cond == True) != (ins.Kind == KindJumpIfTrue) {
		return Signal{}, false
	}
	f.act.pc = ins.Target
	if ins.Target <= ins.Offset {
		return in.backJump(f)
	}
	return Signal{}, false
}

// backJump counts a loop iteration and, every InterruptCheckInterval of
// them, asks the poller whether the process should give up the CPU. pc
// already holds the jump target.
func (in *Interpreter) backJump(f *Frame) (Signal, bool) {
	in.backJumps++
	in.vm.profiler.RecordLoop(f.code)

	interval := in.vm.cfg.InterruptCheckInterval
	if interval <= 0 {
		return Signal{}, false
	}
	in.sincePoll++
	if in.sincePoll < interval {
		return Signal{}, false
	}
	in.sincePoll = 0
	in.polls++
	if in.vm.poller == nil {
		return Signal{}, false
	}

	err := in.vm.poller.Poll(in.process)
	if err == nil {
		return Signal{}, false
	}
	var req *SwitchRequest
	if errors.As(err, &req) {
		return in.raiseSwitch(f, req), true
	}
	return errorSignal(fmt.Errorf("interrupt poll: %w", err)), true
}

// raiseSwitch starts a process switch in f, which becomes the top of the
// suspended chain.
func (in *Interpreter) raiseSwitch(f *Frame, req *SwitchRequest) Signal {
	ctx := f.mustContext()
	in.process.mu.Lock()
	in.process.top = ctx
	in.process.mu.Unlock()
	log.Debugf("process %s switching out at %s (%s)", in.process.ID, f, req.Reason)
	return Signal{Kind: SignalSwitch}
}

// ---------------------------------------------------------------------------
// Instruction dispatch
// ---------------------------------------------------------------------------

// step executes one instruction whose successor is already in pc. It
// reports true when the frame must stop with the returned signal.
func (in *Interpreter) step(f *Frame, ins *Instruction) (Signal, bool) {
	act := f.act
	if act.depth() < ins.Pops {
		return in.underflow(f, ins)
	}

	switch ins.Kind {
	case KindPop:
		act.pop()
	case KindDup:
		act.push(act.top())
	case KindPushReceiver:
		act.push(f.receiver)
	case KindPushConstant:
		act.push(ins.Constant)
	case KindPushLiteralConstant:
		act.push(f.code.Literals[ins.Index])

	case KindPushTemp, KindStoreTemp, KindPopIntoTemp:
		limit := len(act.slots)
		if ins.Kind == KindPopIntoTemp {
			limit--
		}
		if ins.Index >= limit {
			return in.fail(fmt.Errorf("%w: temp %d in %s", ErrInvalidFrameState, ins.Index, f.code.Name))
		}
		switch ins.Kind {
		case KindPushTemp:
			act.push(act.slots[ins.Index])
		case KindStoreTemp:
			act.slots[ins.Index] = act.top()
		default:
			v := act.pop()
			act.slots[ins.Index] = v
		}

	case KindPushReceiverVariable, KindStoreReceiverVariable, KindPopIntoReceiverVariable:
		obj, ok := in.vm.Object(f.receiver)
		if !ok || ins.Index >= len(obj.Slots) {
			return in.fail(fmt.Errorf("%w: receiver variable %d of %s", ErrInvalidObject, ins.Index, f.receiver))
		}
		in.access(act, ins.Kind, obj, ins.Index)

	case KindPushLiteralVariable, KindStoreLiteralVariable, KindPopIntoLiteralVariable:
		lit := f.code.Literals[ins.Index]
		binding, ok := in.vm.Object(lit)
		if !ok || len(binding.Slots) <= BindingValue {
			return in.fail(fmt.Errorf("%w: literal variable %d is not a binding", ErrInvalidObject, ins.Index))
		}
		in.access(act, ins.Kind, binding, BindingValue)

	case KindPushRemoteTemp, KindStoreRemoteTemp, KindPopIntoRemoteTemp:
		if ins.Vector >= len(act.slots) {
			return in.fail(fmt.Errorf("%w: temp vector slot %d in %s", ErrInvalidFrameState, ins.Vector, f.code.Name))
		}
		vec, ok := in.vm.Object(act.slots[ins.Vector])
		if !ok || ins.Index >= len(vec.Slots) {
			return in.fail(fmt.Errorf("%w: remote temp %d in vector %d", ErrInvalidObject, ins.Index, ins.Vector))
		}
		in.access(act, ins.Kind, vec, ins.Index)

	case KindPushActiveContext:
		act.push(f.mustContext().Value())

	case KindPushNewArray:
		var elems []Value
		if ins.Pop {
			elems = act.popN(ins.Index)
		}
		act.push(in.vm.newArray(ins.Index, elems))

	case KindPushClosure:
		act.push(in.vm.newClosure(f, ins.Block).Value())

	case KindSend, KindSuperSend:
		return in.send(f, ins)

	case KindJump:
		act.pc = ins.Target
		if ins.Target <= ins.Offset {
			return in.backJump(f)
		}
	case KindJumpIfTrue, KindJumpIfFalse:
		return in.branch(f, ins)

	case KindReturnReceiver, KindReturnConstant, KindReturnTop, KindReturnTopFromBlock:
		return in.ret(f, ins), true

	default:
		return in.fail(fmt.Errorf("%w: %s at %d in %s", ErrInvalidFrameState, ins.Kind, ins.Offset, f.code.Name))
	}
	return Signal{}, false
}

func (in *Interpreter) fail(err error) (Signal, bool) {
	return errorSignal(err), true
}

func (in *Interpreter) underflow(f *Frame, ins *Instruction) (Signal, bool) {
	return in.fail(fmt.Errorf("%w: stack underflow at %d in %s (%s needs %d, has %d)",
		ErrInvalidFrameState, ins.Offset, f.code.Name, ins.Kind, ins.Pops, f.act.depth()))
}

// access performs the push/store/pop-into variant of kind on obj's slot i.
func (in *Interpreter) access(act *activation, kind Kind, obj *Object, i int) {
	switch kind {
	case KindPushReceiverVariable, KindPushLiteralVariable, KindPushRemoteTemp:
		act.push(obj.Slots[i])
	case KindStoreReceiverVariable, KindStoreLiteralVariable, KindStoreRemoteTemp:
		obj.Slots[i] = act.top()
	default:
		obj.Slots[i] = act.pop()
	}
}

// ---------------------------------------------------------------------------
// Returns
// ---------------------------------------------------------------------------

func (in *Interpreter) ret(f *Frame, ins *Instruction) Signal {
	var v Value
	switch ins.Kind {
	case KindReturnReceiver:
		v = f.receiver
	case KindReturnConstant:
		v = ins.Constant
	default:
		v = f.act.pop()
	}
	if f.closure == nil || ins.Kind == KindReturnTopFromBlock {
		return completed(v)
	}
	return in.nonLocalReturn(f, v)
}

// nonLocalReturn starts an unwind from a block toward its home context. The
// home must still be live and somewhere on the current chain.
func (in *Interpreter) nonLocalReturn(f *Frame, v Value) Signal {
	home := f.closure.Home()
	if home.IsDead() || !f.onChain(home.marker) {
		log.Debugf("cannot return from %s: home %s is gone", f.code.Name, home)
		return errorSignal(fmt.Errorf("%w: home %s of %s", ErrCannotReturn, home, f.code.Name))
	}
	sig := Signal{Kind: SignalUnwind, Target: home.marker, Value: v}
	if !f.virtualized {
		f.ctx.escaped = true
		sig.NonVirtual = true
	}
	return sig
}

// settle absorbs a callee's signal into f. Completed values and unwinds
// aimed at f itself become the send's result; anything else stops f.
func (in *Interpreter) settle(f *Frame, sig Signal) (Signal, bool) {
	switch sig.Kind {
	case SignalCompleted:
		f.act.push(sig.Value)
		return Signal{}, false
	case SignalUnwind:
		if sig.Target == f.marker {
			f.act.push(sig.Value)
			return Signal{}, false
		}
	}
	return sig, true
}

// ---------------------------------------------------------------------------
// Message sending
// ---------------------------------------------------------------------------

func (in *Interpreter) send(f *Frame, ins *Instruction) (Signal, bool) {
	args := f.act.popN(ins.Argc)
	rcvr := f.act.pop()
	super := ins.Kind == KindSuperSend

	if !super {
		if ins.Special >= 0 {
			if v, ok := specialFastPath(ins.Special, rcvr, args); ok {
				f.act.push(v)
				return Signal{}, false
			}
		}
		if arity, ok := in.vm.valueSelectors[ins.Selector]; ok {
			if cl, ok := in.vm.ClosureOf(rcvr); ok {
				return in.settle(f, in.callClosure(f, cl, arity, args))
			}
		}
	}

	code, ok := in.vm.resolve(rcvr, ins.Selector, super, f.code.Method())
	if !ok {
		return in.fail(fmt.Errorf("%w: %s>>%s", ErrMessageNotUnderstood, rcvr, in.vm.symbols.NameOf(ins.Selector)))
	}
	return in.settle(f, in.invoke(f, code, rcvr, args))
}

// invoke runs code for rcvr, trying its primitive first.
func (in *Interpreter) invoke(f *Frame, code *CodeBlock, rcvr Value, args []Value) Signal {
	if code.HasPrimitive() {
		if prim := in.vm.primitives[code.PrimitiveIndex]; prim != nil {
			v, err := prim(in.process, rcvr, args)
			if err == nil {
				return completed(v)
			}
			if !errors.Is(err, ErrPrimitiveFailed) {
				var req *SwitchRequest
				if errors.As(err, &req) {
					f.act.push(req.Value)
					return in.raiseSwitch(f, req)
				}
				return errorSignal(fmt.Errorf("primitive %d of %s: %w", code.PrimitiveIndex, code.Name, err))
			}
		}
	}

	callee, err := in.newFrame(f, code, nil, rcvr, args)
	if err != nil {
		return errorSignal(err)
	}
	in.vm.profiler.RecordMethod(code)
	return in.activate(callee)
}

// callClosure evaluates cl with args. arity -1 is valueWithArguments:, whose
// single argument is an array of the real arguments.
func (in *Interpreter) callClosure(f *Frame, cl *Closure, arity int, args []Value) Signal {
	if arity < 0 {
		arr, ok := in.vm.Object(args[0])
		if !ok {
			return errorSignal(fmt.Errorf("%w: valueWithArguments: needs an array", ErrInvalidObject))
		}
		args = arr.Slots
	}
	callee, err := in.newFrame(f, cl.block, cl, cl.receiver, args)
	if err != nil {
		return errorSignal(err)
	}
	in.vm.profiler.RecordBlock(cl.block)
	return in.activate(callee)
}

// ---------------------------------------------------------------------------
// Special selector fast paths
// ---------------------------------------------------------------------------

// Special selector indices handled inline.
const (
	specialAdd       = 0
	specialSub       = 1
	specialLess      = 2
	specialGreater   = 3
	specialLessEq    = 4
	specialGreaterEq = 5
	specialEqual     = 6
	specialNotEqual  = 7
	specialMul       = 8
	specialDivide    = 9
	specialMod       = 10
	specialBitShift  = 12
	specialDiv       = 13
	specialBitAnd    = 14
	specialBitOr     = 15
	specialIdentical = 22
)

// specialFastPath answers SmallInteger arithmetic and comparison, and ==,
// without a lookup. It declines anything that would overflow or that needs
// a real method.
func specialFastPath(idx int, rcvr Value, args []Value) (Value, bool) {
	if idx == specialIdentical {
		return FromBool(rcvr == args[0]), true
	}
	if len(args) != 1 || !rcvr.IsSmallInt() || !args[0].IsSmallInt() {
		return Nil, false
	}
	a, b := rcvr.SmallInt(), args[0].SmallInt()

	switch idx {
	case specialAdd:
		return TryFromSmallInt(a + b)
	case specialSub:
		return TryFromSmallInt(a - b)
	case specialMul:
		if a != 0 && (a*b)/a != b {
			return Nil, false
		}
		return TryFromSmallInt(a * b)
	case specialDivide:
		if b == 0 || a%b != 0 {
			return Nil, false
		}
		return TryFromSmallInt(a / b)
	case specialDiv:
		if b == 0 {
			return Nil, false
		}
		return TryFromSmallInt(floorDiv(a, b))
	case specialMod:
		if b == 0 {
			return Nil, false
		}
		return FromSmallInt(a - floorDiv(a, b)*b), true
	case specialBitShift:
		switch {
		case b >= 0:
			if b > 47 {
				return Nil, false
			}
			r := a << uint(b)
			if r>>uint(b) != a {
				return Nil, false
			}
			return TryFromSmallInt(r)
		case b < -63:
			return FromSmallInt(a >> 63), true
		default:
			return FromSmallInt(a >> uint(-b)), true
		}
	case specialBitAnd:
		return FromSmallInt(a & b), true
	case specialBitOr:
		return FromSmallInt(a | b), true
	case specialLess:
		return FromBool(a < b), true
	case specialGreater:
		return FromBool(a > b), true
	case specialLessEq:
		return FromBool(a <= b), true
	case specialGreaterEq:
		return FromBool(a >= b), true
	case specialEqual:
		return FromBool(a == b), true
	case specialNotEqual:
		return FromBool(a != b), true
	}
	return Nil, false
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
