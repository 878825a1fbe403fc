package vm

import "fmt"

// Context is the heap-resident mirror of an activation: the runtime
// representation of thisContext. It shares pc and slots with the Frame that
// created it, so once it exists it is the only record of where that
// activation is.
type Context struct {
	marker   *Marker
	code     *CodeBlock
	closure  *Closure
	receiver Value
	act      *activation

	sender      *Context
	senderFrame *Frame // inline caller, linked lazily
	frame       *Frame // the frame running this context, if any

	escaped bool
	handle  Handle
	weak    WeakRef
}

// Marker returns the identity shared with the frame that created c.
func (c *Context) Marker() *Marker { return c.marker }

// Code returns the method or block fragment c runs.
func (c *Context) Code() *CodeBlock { return c.code }

// Closure returns the closure of a block context, or nil.
func (c *Context) Closure() *Closure { return c.closure }

// Receiver returns the receiver.
func (c *Context) Receiver() Value { return c.receiver }

// Value returns the guest reference to c.
func (c *Context) Value() Value { return FromHandle(c.handle) }

// IsBlockContext reports whether c runs a closure.
func (c *Context) IsBlockContext() bool { return c.closure != nil }

// IsEscaped reports whether c may outlive or be observed apart from its
// frame. Every materialized context is escaped.
func (c *Context) IsEscaped() bool { return c.escaped }

// IsDead reports whether c has returned, been unwound past or terminated.
// A dead context can never be resumed.
func (c *Context) IsDead() bool { return c.act.pc < 0 }

// IsRunning reports whether a frame is currently executing c.
func (c *Context) IsRunning() bool { return c.frame != nil }

// PC returns the byte offset of the next instruction, or -1 when dead.
func (c *Context) PC() int { return c.act.pc }

// StackPointer returns the number of occupied slots.
func (c *Context) StackPointer() int { return len(c.act.slots) }

// At returns slot i (arguments first, then temporaries and stack).
func (c *Context) At(i int) (Value, error) {
	if i < 0 || i >= len(c.act.slots) {
		return Nil, fmt.Errorf("%w: slot %d of %d", ErrInvalidFrameState, i, len(c.act.slots))
	}
	return c.act.slots[i], nil
}

// AtPut stores into slot i. A running context belongs to its frame, so
// only suspended or dead contexts accept writes.
func (c *Context) AtPut(i int, v Value) error {
	if c.frame != nil {
		return fmt.Errorf("%w: %s is running", ErrInvalidFrameState, c.code.Name)
	}
	if i < 0 || i >= len(c.act.slots) {
		return fmt.Errorf("%w: slot %d of %d", ErrInvalidFrameState, i, len(c.act.slots))
	}
	c.act.slots[i] = v
	return nil
}

// Sender returns the calling context. While the caller is still running
// inline, this materializes it.
func (c *Context) Sender() *Context {
	if c.sender == nil && c.senderFrame != nil {
		sf := c.senderFrame
		if sf.ctx != nil || !sf.exited {
			c.sender = sf.mustContext()
		}
		c.senderFrame = nil
	}
	return c.sender
}

// Home returns the method context a block context's non-local returns
// target. For method contexts it is c itself.
func (c *Context) Home() *Context {
	if c.closure == nil {
		return c
	}
	return c.closure.Home()
}

// Depth returns the length of the sender chain, c included.
func (c *Context) Depth() int {
	n := 0
	for cur := c; cur != nil; cur = cur.Sender() {
		n++
	}
	return n
}

// Terminate kills c. Non-local returns aimed at it fail from now on.
func (c *Context) Terminate() {
	log.Debugf("terminate %s", c)
	c.terminate()
}

func (c *Context) terminate() {
	c.act.pc = -1
	c.sender = nil
	c.senderFrame = nil
	c.frame = nil
}

// detach cuts c loose from its frame for suspension.
func (c *Context) detach() {
	c.Sender()
	c.senderFrame = nil
	c.frame = nil
	c.escaped = true
}

func (c *Context) String() string {
	if c.IsDead() {
		return fmt.Sprintf("%s (dead)", c.code.Name)
	}
	return fmt.Sprintf("%s @%d", c.code.Name, c.act.pc)
}

// ---------------------------------------------------------------------------
// Context registry
// ---------------------------------------------------------------------------

// registerContext gives a fresh context its heap handle and a weak entry in
// the VM's context registry.
func (vm *VM) registerContext(c *Context) {
	c.handle = vm.heap.Alloc(c)
	c.weak = vm.contexts.Register(c.handle)
}

// ContextOf resolves a guest reference to a Context.
func (vm *VM) ContextOf(v Value) (*Context, bool) {
	if !v.IsRef() {
		return nil, false
	}
	obj, ok := vm.heap.Get(v.Handle())
	if !ok {
		return nil, false
	}
	c, ok := obj.(*Context)
	return c, ok
}

// Contexts returns every materialized context the collector has not yet
// cleared from the registry.
func (vm *VM) Contexts() []*Context {
	var out []*Context
	vm.contexts.Each(func(_ WeakRef, h Handle) bool {
		if obj, ok := vm.heap.Get(h); ok {
			if c, ok := obj.(*Context); ok {
				out = append(out, c)
			}
		}
		return true
	})
	return out
}
