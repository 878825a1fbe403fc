package vm

import "fmt"

// Closure is a block fragment bound to the values it copied at creation,
// the receiver of the creating activation, and that activation's Context.
// A Closure is immutable.
type Closure struct {
	block    *CodeBlock
	copied   []Value
	receiver Value
	outer    *Context
	handle   Handle
}

// Block returns the block fragment.
func (c *Closure) Block() *CodeBlock { return c.block }

// NumArgs returns the number of arguments value… expects.
func (c *Closure) NumArgs() int { return c.block.NumArgs }

// Copied returns the copied value at i.
func (c *Closure) Copied(i int) Value { return c.copied[i] }

// NumCopied returns the number of copied values.
func (c *Closure) NumCopied() int { return len(c.copied) }

// Receiver returns the captured receiver.
func (c *Closure) Receiver() Value { return c.receiver }

// Outer returns the context the closure was created in.
func (c *Closure) Outer() *Context { return c.outer }

// Value returns the guest reference to c.
func (c *Closure) Value() Value { return FromHandle(c.handle) }

// Home returns the method context at the root of the closure's outer chain.
func (c *Closure) Home() *Context {
	ctx := c.outer
	for ctx.closure != nil {
		ctx = ctx.closure.outer
	}
	return ctx
}

func (c *Closure) String() string {
	return fmt.Sprintf("a BlockClosure(%s)", c.block.Name)
}

// newClosure pops the copied values off f's stack and binds them to block.
func (vm *VM) newClosure(f *Frame, block *CodeBlock) *Closure {
	cl := &Closure{
		block:    block,
		copied:   f.act.popN(block.NumCopied),
		receiver: f.receiver,
		outer:    f.mustContext(),
	}
	cl.handle = vm.heap.Alloc(cl)
	return cl
}

// ClosureOf resolves a guest reference to a Closure.
func (vm *VM) ClosureOf(v Value) (*Closure, bool) {
	if !v.IsRef() {
		return nil, false
	}
	obj, ok := vm.heap.Get(v.Handle())
	if !ok {
		return nil, false
	}
	cl, ok := obj.(*Closure)
	return cl, ok
}
