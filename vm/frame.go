package vm

import "fmt"

// ---------------------------------------------------------------------------
// Marker: activation identity
// ---------------------------------------------------------------------------

// Marker identifies one activation. Frames carry a Marker from the moment
// they are created, so non-local return targets can be compared without
// materializing anything. A materialized Context inherits its frame's Marker.
type Marker struct {
	name string
}

func (m *Marker) String() string {
	if m == nil {
		return "<none>"
	}
	return m.name
}

// ---------------------------------------------------------------------------
// activation: the mutable state shared by a Frame and its Context
// ---------------------------------------------------------------------------

// activation holds pc and slots. A Frame and its Context point at the same
// activation, so there is only ever one pc and one stack per invocation.
type activation struct {
	pc    int     // byte offset of the next instruction; -1 once dead
	slots []Value // arguments, temporaries, then the operand stack
	base  int     // slots below base are arguments and temporaries
}

func newActivation(numTemps, frameSize int) *activation {
	if frameSize < 8 {
		frameSize = 8
	}
	slots := make([]Value, numTemps, numTemps+frameSize)
	for i := range slots {
		slots[i] = Nil
	}
	return &activation{slots: slots, base: numTemps}
}

// depth returns the number of values on the operand stack.
func (a *activation) depth() int {
	return len(a.slots) - a.base
}

func (a *activation) push(v Value) {
	a.slots = append(a.slots, v)
}

func (a *activation) pop() Value {
	n := len(a.slots) - 1
	v := a.slots[n]
	a.slots = a.slots[:n]
	return v
}

func (a *activation) top() Value {
	return a.slots[len(a.slots)-1]
}

// popN removes the top n values and returns them in push order. The result
// does not alias the stack.
func (a *activation) popN(n int) []Value {
	if n == 0 {
		return nil
	}
	base := len(a.slots) - n
	out := make([]Value, n)
	copy(out, a.slots[base:])
	a.slots = a.slots[:base]
	return out
}

// ---------------------------------------------------------------------------
// Frame: transient activation record
// ---------------------------------------------------------------------------

// Frame is the transient record of one running method or closure
// invocation. It is owned by the goroutine running its Process.
type Frame struct {
	marker   *Marker
	code     *CodeBlock
	program  *Program
	closure  *Closure // nil for method activations
	receiver Value
	act      *activation

	sender    *Frame   // inline caller
	senderCtx *Context // caller of a frame resumed from a Context
	ctx       *Context

	// virtualized is false for frames rebuilt from a suspended Context.
	virtualized bool
	exited      bool
	depth       int
	process     *Process
}

// Code returns the CodeBlock the frame runs.
func (f *Frame) Code() *CodeBlock { return f.code }

// Receiver returns the frame's receiver.
func (f *Frame) Receiver() Value { return f.receiver }

// Marker returns the frame's identity.
func (f *Frame) Marker() *Marker { return f.marker }

// PC returns the byte offset of the next instruction.
func (f *Frame) PC() int { return f.act.pc }

// Sender returns the inline caller, or nil at the root of an inline chain.
func (f *Frame) Sender() *Frame { return f.sender }

// Context returns the frame's Context if it has been materialized.
func (f *Frame) Context() *Context { return f.ctx }

// IsVirtualized reports whether the frame started inline rather than from a
// suspended Context.
func (f *Frame) IsVirtualized() bool { return f.virtualized }

// GetOrCreateContext materializes the frame. Repeated calls return the same
// Context. A frame resumed from a Context returns that Context; an exited
// frame that never materialized has nothing left to mirror.
func (f *Frame) GetOrCreateContext() (*Context, error) {
	if f.ctx != nil {
		return f.ctx, nil
	}
	if f.exited {
		return nil, fmt.Errorf("%w: %s exited before materialization", ErrInvalidFrameState, f.code.Name)
	}
	if !f.virtualized {
		return nil, fmt.Errorf("%w: resumed frame %s lost its context", ErrInvalidFrameState, f.code.Name)
	}

	ctx := &Context{
		marker:      f.marker,
		code:        f.code,
		closure:     f.closure,
		receiver:    f.receiver,
		act:         f.act,
		senderFrame: f.sender,
		frame:       f,
		escaped:     true,
	}
	f.process.vm.registerContext(ctx)
	f.ctx = ctx
	log.Debugf("materialized %s at pc %d", f.code.Name, f.act.pc)
	return ctx, nil
}

// mustContext materializes a frame that is known to be running.
func (f *Frame) mustContext() *Context {
	ctx, err := f.GetOrCreateContext()
	if err != nil {
		panic(err)
	}
	return ctx
}

// onChain reports whether the activation identified by m is f or one of its
// callers, following inline frames first and then suspended Contexts.
func (f *Frame) onChain(m *Marker) bool {
	cur := f
	for {
		if cur.marker == m {
			return true
		}
		if cur.sender == nil {
			break
		}
		cur = cur.sender
	}
	for c := cur.senderCtx; c != nil; c = c.Sender() {
		if c.marker == m {
			return !c.IsDead()
		}
	}
	return false
}

// exit settles the frame's Context according to how the frame left.
func (f *Frame) exit(sig Signal) {
	f.exited = true
	if sig.Kind == SignalSwitch {
		// Suspension keeps the chain alive: link senders eagerly so the
		// Context no longer depends on the frame.
		ctx := f.mustContext()
		ctx.detach()
		return
	}
	if f.ctx != nil {
		f.ctx.terminate()
	}
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s @%d", f.code.Name, f.act.pc)
}
