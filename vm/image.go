package vm

import (
	"fmt"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Chain images: portable description of a suspended process
// ---------------------------------------------------------------------------

// Slot kinds in a chain image.
const (
	SlotImmediate = iota // Bits holds the raw Value
	SlotSymbol           // Bits indexes Symbols
	SlotObject           // Bits indexes Objects
	SlotClosure          // Bits indexes Closures
	SlotContext          // Bits indexes Contexts
)

// Slot is a Value with symbols and references rewritten as table indices.
type Slot struct {
	Kind uint8  `cbor:"k"`
	Bits uint64 `cbor:"b"`
}

// CodeRef names a CodeBlock: a method name plus, for block fragments, the
// body start offsets from the method inward.
type CodeRef struct {
	Method string `cbor:"m"`
	Path   []int  `cbor:"p,omitempty"`
}

// ContextRecord is one context.
type ContextRecord struct {
	Code     CodeRef `cbor:"c"`
	PC       int     `cbor:"pc"`
	Receiver Slot    `cbor:"r"`
	Slots    []Slot  `cbor:"s"`
	Sender   int     `cbor:"snd"` // -1 for none
	Closure  int     `cbor:"cl"`  // -1 for method contexts
}

// ClosureRecord is one closure.
type ClosureRecord struct {
	Block    CodeRef `cbor:"c"`
	Copied   []Slot  `cbor:"cp"`
	Receiver Slot    `cbor:"r"`
	Outer    int     `cbor:"o"`
}

// ObjectRecord is one pointer object.
type ObjectRecord struct {
	Class Slot   `cbor:"c"`
	Slots []Slot `cbor:"s"`
}

// ChainImage holds everything reachable from a suspended process's top
// context. Contexts[Top] is where the process resumes.
type ChainImage struct {
	ProcessID string          `cbor:"id"`
	Name      string          `cbor:"name"`
	Top       int             `cbor:"top"`
	Symbols   []string        `cbor:"sym"`
	Contexts  []ContextRecord `cbor:"ctx"`
	Closures  []ClosureRecord `cbor:"cl"`
	Objects   []ObjectRecord  `cbor:"obj"`
}

// CodeLoader finds methods by name when an image is imported.
type CodeLoader interface {
	LoadCode(name string) (*CodeBlock, bool)
}

// Path returns the body start offsets leading from the enclosing method to
// c. It is empty for methods.
func (c *CodeBlock) Path() []int {
	if c.Outer == nil {
		return nil
	}
	return append(c.Outer.Path(), c.StartPC)
}

// Fragment follows path from c to a nested block fragment.
func (c *CodeBlock) Fragment(path []int) (*CodeBlock, error) {
	cur := c
	for _, start := range path {
		p, err := cur.Decode()
		if err != nil {
			return nil, err
		}
		var next *CodeBlock
		for i := range p.instructions {
			ins := &p.instructions[i]
			if ins.Kind == KindPushClosure && ins.Block.StartPC == start {
				next = ins.Block
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%s: no block starting at %d", cur.Name, start)
		}
		cur = next
	}
	return cur, nil
}

func codeRef(c *CodeBlock) CodeRef {
	return CodeRef{Method: c.Method().Name, Path: c.Path()}
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

type exporter struct {
	vm       *VM
	img      *ChainImage
	symbols  map[Value]int
	contexts map[*Context]int
	closures map[*Closure]int
	objects  map[*Object]int
}

// Export describes a suspended process as a ChainImage.
func (vm *VM) Export(p *Process) (*ChainImage, error) {
	top := p.SuspendedContext()
	if top == nil {
		return nil, fmt.Errorf("%w: process %s is %s", ErrInvalidFrameState, p.ID, p.State())
	}
	e := &exporter{
		vm:       vm,
		img:      &ChainImage{ProcessID: p.ID.String(), Name: p.Name},
		symbols:  make(map[Value]int),
		contexts: make(map[*Context]int),
		closures: make(map[*Closure]int),
		objects:  make(map[*Object]int),
	}
	idx, err := e.context(top)
	if err != nil {
		return nil, err
	}
	e.img.Top = idx
	return e.img, nil
}

func (e *exporter) slot(v Value) (Slot, error) {
	switch {
	case v.IsSymbol():
		i, ok := e.symbols[v]
		if !ok {
			i = len(e.img.Symbols)
			e.symbols[v] = i
			e.img.Symbols = append(e.img.Symbols, e.vm.symbols.NameOf(v))
		}
		return Slot{Kind: SlotSymbol, Bits: uint64(i)}, nil
	case v.IsRef():
		obj, ok := e.vm.heap.Get(v.Handle())
		if !ok {
			return Slot{Kind: SlotImmediate, Bits: uint64(Nil)}, nil
		}
		switch o := obj.(type) {
		case *Object:
			i, err := e.object(o)
			return Slot{Kind: SlotObject, Bits: uint64(i)}, err
		case *Closure:
			i, err := e.closure(o)
			return Slot{Kind: SlotClosure, Bits: uint64(i)}, err
		case *Context:
			i, err := e.context(o)
			return Slot{Kind: SlotContext, Bits: uint64(i)}, err
		default:
			return Slot{}, fmt.Errorf("%w: cannot export %T", ErrInvalidObject, obj)
		}
	}
	return Slot{Kind: SlotImmediate, Bits: uint64(v)}, nil
}

func (e *exporter) slots(vs []Value) ([]Slot, error) {
	out := make([]Slot, len(vs))
	for i, v := range vs {
		s, err := e.slot(v)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func (e *exporter) object(o *Object) (int, error) {
	if i, ok := e.objects[o]; ok {
		return i, nil
	}
	i := len(e.img.Objects)
	e.objects[o] = i
	e.img.Objects = append(e.img.Objects, ObjectRecord{})

	class, err := e.slot(o.Class)
	if err != nil {
		return 0, err
	}
	slots, err := e.slots(o.Slots)
	if err != nil {
		return 0, err
	}
	e.img.Objects[i] = ObjectRecord{Class: class, Slots: slots}
	return i, nil
}

func (e *exporter) closure(c *Closure) (int, error) {
	if i, ok := e.closures[c]; ok {
		return i, nil
	}
	i := len(e.img.Closures)
	e.closures[c] = i
	e.img.Closures = append(e.img.Closures, ClosureRecord{})

	copied, err := e.slots(c.copied)
	if err != nil {
		return 0, err
	}
	rcvr, err := e.slot(c.receiver)
	if err != nil {
		return 0, err
	}
	outer, err := e.context(c.outer)
	if err != nil {
		return 0, err
	}
	e.img.Closures[i] = ClosureRecord{Block: codeRef(c.block), Copied: copied, Receiver: rcvr, Outer: outer}
	return i, nil
}

func (e *exporter) context(c *Context) (int, error) {
	if i, ok := e.contexts[c]; ok {
		return i, nil
	}
	if c.frame != nil {
		return 0, fmt.Errorf("%w: context %s is running", ErrInvalidFrameState, c.code.Name)
	}
	i := len(e.img.Contexts)
	e.contexts[c] = i
	e.img.Contexts = append(e.img.Contexts, ContextRecord{})

	rec := ContextRecord{Code: codeRef(c.code), PC: c.act.pc, Sender: -1, Closure: -1}
	var err error
	if rec.Receiver, err = e.slot(c.receiver); err != nil {
		return 0, err
	}
	if rec.Slots, err = e.slots(c.act.slots); err != nil {
		return 0, err
	}
	if c.sender != nil {
		if rec.Sender, err = e.context(c.sender); err != nil {
			return 0, err
		}
	}
	if c.closure != nil {
		if rec.Closure, err = e.closure(c.closure); err != nil {
			return 0, err
		}
	}
	e.img.Contexts[i] = rec
	return i, nil
}

// ---------------------------------------------------------------------------
// Import
// ---------------------------------------------------------------------------

// Import rebuilds a ChainImage in vm's heap and returns the suspended
// process, ready for Resume.
func (vm *VM) Import(img *ChainImage, codes CodeLoader) (*Process, error) {
	if img.Top < 0 || img.Top >= len(img.Contexts) {
		return nil, fmt.Errorf("%w: image top %d of %d contexts", ErrInvalidFrameState, img.Top, len(img.Contexts))
	}
	id, err := uuid.Parse(img.ProcessID)
	if err != nil {
		return nil, fmt.Errorf("image process id: %w", err)
	}

	symbols := make([]Value, len(img.Symbols))
	for i, name := range img.Symbols {
		symbols[i] = vm.symbols.SymbolValue(name)
	}

	// Allocate every entity first so references can be resolved in any order.
	objects := make([]*Object, len(img.Objects))
	for i, rec := range img.Objects {
		objects[i] = &Object{Slots: make([]Value, len(rec.Slots))}
	}
	closures := make([]*Closure, len(img.Closures))
	for i, rec := range img.Closures {
		block, err := resolveCode(codes, rec.Block)
		if err != nil {
			return nil, err
		}
		closures[i] = &Closure{block: block, copied: make([]Value, len(rec.Copied))}
	}
	contexts := make([]*Context, len(img.Contexts))
	for i, rec := range img.Contexts {
		code, err := resolveCode(codes, rec.Code)
		if err != nil {
			return nil, err
		}
		if err := checkContextRecord(rec, code, closures); err != nil {
			return nil, err
		}
		contexts[i] = &Context{
			marker:  &Marker{name: code.Name},
			code:    code,
			act:     &activation{pc: rec.PC, slots: make([]Value, len(rec.Slots)), base: frameTemps(code)},
			escaped: true,
		}
	}

	handles := make(map[any]Handle)
	for _, o := range objects {
		handles[o] = vm.heap.Alloc(o)
	}
	for _, c := range closures {
		c.handle = vm.heap.Alloc(c)
		handles[c] = c.handle
	}
	for _, c := range contexts {
		vm.registerContext(c)
		handles[c] = c.handle
	}

	value := func(s Slot) (Value, error) {
		var target any
		switch s.Kind {
		case SlotImmediate:
			return Value(s.Bits), nil
		case SlotSymbol:
			if s.Bits >= uint64(len(symbols)) {
				return Nil, fmt.Errorf("%w: symbol %d", ErrInvalidObject, s.Bits)
			}
			return symbols[s.Bits], nil
		case SlotObject:
			if s.Bits < uint64(len(objects)) {
				target = objects[s.Bits]
			}
		case SlotClosure:
			if s.Bits < uint64(len(closures)) {
				target = closures[s.Bits]
			}
		case SlotContext:
			if s.Bits < uint64(len(contexts)) {
				target = contexts[s.Bits]
			}
		}
		if target == nil {
			return Nil, fmt.Errorf("%w: slot kind %d index %d", ErrInvalidObject, s.Kind, s.Bits)
		}
		return FromHandle(handles[target]), nil
	}
	fill := func(dst []Value, src []Slot) error {
		for i, s := range src {
			v, err := value(s)
			if err != nil {
				return err
			}
			dst[i] = v
		}
		return nil
	}

	for i, rec := range img.Objects {
		o := objects[i]
		if o.Class, err = value(rec.Class); err != nil {
			return nil, err
		}
		if err := fill(o.Slots, rec.Slots); err != nil {
			return nil, err
		}
	}
	for i, rec := range img.Closures {
		c := closures[i]
		if c.receiver, err = value(rec.Receiver); err != nil {
			return nil, err
		}
		if err := fill(c.copied, rec.Copied); err != nil {
			return nil, err
		}
		if rec.Outer < 0 || rec.Outer >= len(contexts) {
			return nil, fmt.Errorf("%w: closure outer %d", ErrInvalidObject, rec.Outer)
		}
		c.outer = contexts[rec.Outer]
	}
	for i, rec := range img.Contexts {
		c := contexts[i]
		if c.receiver, err = value(rec.Receiver); err != nil {
			return nil, err
		}
		if err := fill(c.act.slots, rec.Slots); err != nil {
			return nil, err
		}
		if rec.Sender >= 0 {
			if rec.Sender >= len(contexts) {
				return nil, fmt.Errorf("%w: sender %d", ErrInvalidObject, rec.Sender)
			}
			c.sender = contexts[rec.Sender]
		}
		if rec.Closure >= 0 {
			c.closure = closures[rec.Closure]
		}
	}

	if err := checkAcyclic(contexts[img.Top]); err != nil {
		return nil, err
	}
	log.Debugf("imported process %s: %d contexts, %d closures, %d objects",
		id, len(contexts), len(closures), len(objects))
	return vm.RestoreProcess(id, img.Name, contexts[img.Top]), nil
}

// checkContextRecord rejects a context that could not be resumed: a pc
// that is not an instruction start, fewer slots than the code's arguments
// and temporaries, or a closure running some other block.
func checkContextRecord(rec ContextRecord, code *CodeBlock, closures []*Closure) error {
	prog, err := code.Decode()
	if err != nil {
		return err
	}
	if rec.PC != -1 && prog.At(rec.PC) == nil {
		return fmt.Errorf("%w: %s has no instruction at %d", ErrInvalidFrameState, code.Name, rec.PC)
	}
	if n := frameTemps(code); len(rec.Slots) < n {
		return fmt.Errorf("%w: %s has %d slots, needs %d", ErrInvalidFrameState, code.Name, len(rec.Slots), n)
	}
	switch {
	case rec.Closure >= len(closures):
		return fmt.Errorf("%w: closure %d", ErrInvalidObject, rec.Closure)
	case rec.Closure >= 0 && closures[rec.Closure].block != code:
		return fmt.Errorf("%w: closure %d runs %s, not %s",
			ErrInvalidFrameState, rec.Closure, closures[rec.Closure].block.Name, code.Name)
	case rec.Closure < 0 && code.IsBlock():
		return fmt.Errorf("%w: block context %s has no closure", ErrInvalidFrameState, code.Name)
	}
	return nil
}

func resolveCode(codes CodeLoader, ref CodeRef) (*CodeBlock, error) {
	method, ok := codes.LoadCode(ref.Method)
	if !ok {
		return nil, fmt.Errorf("image references unknown method %q", ref.Method)
	}
	return method.Fragment(ref.Path)
}

func checkAcyclic(top *Context) error {
	seen := make(map[*Context]struct{})
	for c := top; c != nil; c = c.sender {
		if _, ok := seen[c]; ok {
			return fmt.Errorf("%w: cyclic sender chain at %s", ErrInvalidFrameState, c.code.Name)
		}
		seen[c] = struct{}{}
	}
	return nil
}
