package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// CodeBlock: compiled method or block body
// ---------------------------------------------------------------------------

// CodeBlock is an immutable compiled method, or a block fragment carved out
// of one. It is owned by the method-loading collaborator and only referenced
// by the activations that run it.
type CodeBlock struct {
	// Identity
	Name string // for debugging, snapshots and resolver lookups

	// Signature
	NumArgs  int // arguments (not including self)
	NumTemps int // slots reserved at activation: arguments + temporaries
	// FrameSize is a hint for the operand stack capacity above NumTemps.
	FrameSize int

	// PrimitiveIndex selects a primitive tried before the bytecode runs;
	// zero means none.
	PrimitiveIndex int

	// Compiled code
	Literals []Value
	Bytecode []byte

	// Block fragments only
	Outer     *CodeBlock // the method whose bytes contain this block
	StartPC   int        // offset of the block body within Outer.Bytecode
	NumCopied int        // copied values captured at closure creation

	once    sync.Once
	program *Program
	err     error
}

// NewCodeBlock creates a method CodeBlock. NumTemps defaults to numArgs.
func NewCodeBlock(name string, numArgs int, bytecode []byte, literals []Value) *CodeBlock {
	return &CodeBlock{
		Name:     name,
		NumArgs:  numArgs,
		NumTemps: numArgs,
		Bytecode: bytecode,
		Literals: literals,
	}
}

// HasPrimitive reports whether a primitive is attempted before the body.
func (c *CodeBlock) HasPrimitive() bool {
	return c.PrimitiveIndex != 0
}

// IsBlock reports whether c is a block fragment.
func (c *CodeBlock) IsBlock() bool {
	return c.Outer != nil
}

// Method returns the enclosing method of a block fragment, or c itself.
func (c *CodeBlock) Method() *CodeBlock {
	m := c
	for m.Outer != nil {
		m = m.Outer
	}
	return m
}

// Literal returns the literal at index, or nil when out of range.
func (c *CodeBlock) Literal(index int) Value {
	if index < 0 || index >= len(c.Literals) {
		return Nil
	}
	return c.Literals[index]
}

// Decode returns the decoded instruction sequence, computing it on first
// use. The result is cached and shared by every activation; errors are
// cached too, so a malformed CodeBlock fails identically on every attempt.
func (c *CodeBlock) Decode() (*Program, error) {
	c.once.Do(func() {
		c.program, c.err = decode(c)
		if c.err != nil {
			log.Warningf("decode %s: %v", c.Name, c.err)
		}
	})
	return c.program, c.err
}

// BlockAt returns the block fragment whose push-closure instruction starts
// at offset pc.
func (c *CodeBlock) BlockAt(pc int) (*CodeBlock, error) {
	p, err := c.Decode()
	if err != nil {
		return nil, err
	}
	ins := p.At(pc)
	if ins == nil || ins.Kind != KindPushClosure {
		return nil, fmt.Errorf("%s: no closure at offset %d", c.Name, pc)
	}
	return ins.Block, nil
}

func (c *CodeBlock) String() string {
	return c.Name
}

// ---------------------------------------------------------------------------
// MethodBuilder: Helper for constructing CodeBlocks
// ---------------------------------------------------------------------------

// MethodBuilder assembles a method: literal pool plus bytecode.
type MethodBuilder struct {
	name      string
	numArgs   int
	numTemps  int
	primitive int
	symbols   *SymbolTable
	literals  []Value
	code      *CodeBuilder
}

// NewMethodBuilder creates a builder. symbols interns selector literals.
func NewMethodBuilder(symbols *SymbolTable, name string, numArgs int) *MethodBuilder {
	return &MethodBuilder{
		name:     name,
		numArgs:  numArgs,
		numTemps: numArgs,
		symbols:  symbols,
		code:     NewCodeBuilder(),
	}
}

// Bytecode returns the underlying bytecode builder.
func (b *MethodBuilder) Bytecode() *CodeBuilder {
	return b.code
}

// SetNumTemps sets the total slot count reserved for arguments and temps.
func (b *MethodBuilder) SetNumTemps(n int) *MethodBuilder {
	b.numTemps = n
	return b
}

// SetPrimitive sets the primitive index.
func (b *MethodBuilder) SetPrimitive(index int) *MethodBuilder {
	b.primitive = index
	return b
}

// Literal adds v to the literal pool, reusing an existing equal entry.
func (b *MethodBuilder) Literal(v Value) int {
	for i, l := range b.literals {
		if l == v {
			return i
		}
	}
	b.literals = append(b.literals, v)
	return len(b.literals) - 1
}

// Selector adds a selector symbol to the literal pool.
func (b *MethodBuilder) Selector(name string) int {
	return b.Literal(b.symbols.SymbolValue(name))
}

// Build finalizes the CodeBlock. It does not decode; Decode reports errors.
func (b *MethodBuilder) Build() *CodeBlock {
	bc := make([]byte, b.code.Len())
	copy(bc, b.code.Bytes())
	lits := make([]Value, len(b.literals))
	copy(lits, b.literals)
	return &CodeBlock{
		Name:           b.name,
		NumArgs:        b.numArgs,
		NumTemps:       b.numTemps,
		PrimitiveIndex: b.primitive,
		Literals:       lits,
		Bytecode:       bc,
	}
}
