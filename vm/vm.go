package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("marrow.vm")

// ---------------------------------------------------------------------------
// Config and options
// ---------------------------------------------------------------------------

// Config holds the interpreter's tunables.
type Config struct {
	// InterruptCheckInterval is the number of backward jumps between
	// interrupt polls. Zero or less disables polling.
	InterruptCheckInterval int
	// MaxDepth bounds the inline activation chain. Zero means unbounded.
	MaxDepth int

	MethodHotThreshold uint64
	BlockHotThreshold  uint64
	LoopHotThreshold   uint64
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		InterruptCheckInterval: 1024,
		MaxDepth:               10000,
		MethodHotThreshold:     100,
		BlockHotThreshold:      500,
		LoopHotThreshold:       10000,
	}
}

// Option customizes a VM.
type Option func(*VM)

// WithResolver sets the method lookup collaborator.
func WithResolver(r MethodResolver) Option {
	return func(vm *VM) { vm.resolver = r }
}

// WithScheduler attaches the scheduler that receives suspended processes.
func WithScheduler(s Scheduler) Option {
	return func(vm *VM) { vm.scheduler = s }
}

// WithPoller sets the interrupt hook called on qualifying backward jumps.
func WithPoller(p InterruptPoller) Option {
	return func(vm *VM) { vm.poller = p }
}

// WithPrimitive registers fn under index.
func WithPrimitive(index int, fn Primitive) Option {
	return func(vm *VM) { vm.primitives[index] = fn }
}

// WithSymbols shares a symbol table, e.g. one the method loader already
// interned selectors into.
func WithSymbols(st *SymbolTable) Option {
	return func(vm *VM) { vm.symbols = st }
}

// WithArrayClass sets the class given to arrays built by push-new-array.
func WithArrayClass(class Value) Option {
	return func(vm *VM) { vm.arrayClass = class }
}

// ---------------------------------------------------------------------------
// VM
// ---------------------------------------------------------------------------

// VM is the explicit context threaded through every entry point. Each VM
// owns its heap, symbols and context registry; nothing is process-global.
type VM struct {
	cfg Config

	symbols  *SymbolTable
	heap     *Heap
	contexts *WeakTable
	profiler *Profiler

	resolver   MethodResolver
	scheduler  Scheduler
	poller     InterruptPoller
	primitives map[int]Primitive
	arrayClass Value

	// value… selectors by symbol, mapped to arity
	valueSelectors map[Value]int

	mu        sync.Mutex
	processes map[*Process]struct{}
	closed    atomic.Bool
}

// New creates a VM.
func New(cfg Config, opts ...Option) *VM {
	vm := &VM{
		cfg:        cfg,
		heap:       NewHeap(),
		primitives: make(map[int]Primitive),
		arrayClass: Nil,
		processes:  make(map[*Process]struct{}),
	}
	for _, opt := range opts {
		opt(vm)
	}
	if vm.symbols == nil {
		vm.symbols = NewSymbolTable()
	}
	if vm.resolver == nil {
		vm.resolver = NewMethodTable()
	}
	vm.contexts = NewWeakTable(vm.heap)
	vm.profiler = NewProfiler()
	vm.profiler.MethodHotThreshold = cfg.MethodHotThreshold
	vm.profiler.BlockHotThreshold = cfg.BlockHotThreshold
	vm.profiler.LoopHotThreshold = cfg.LoopHotThreshold

	vm.valueSelectors = make(map[Value]int, len(closureValueSelectors))
	for name, arity := range closureValueSelectors {
		vm.valueSelectors[vm.symbols.SymbolValue(name)] = arity
	}

	log.Debugf("vm created (interrupt interval %d, max depth %d)", cfg.InterruptCheckInterval, cfg.MaxDepth)
	return vm
}

// Close tears the VM down. Suspended processes are terminated and the
// context registry is emptied. Running processes finish their current
// activation but cannot be resumed.
func (vm *VM) Close() error {
	if !vm.closed.CompareAndSwap(false, true) {
		return nil
	}
	vm.mu.Lock()
	procs := make([]*Process, 0, len(vm.processes))
	for p := range vm.processes {
		procs = append(procs, p)
	}
	vm.processes = make(map[*Process]struct{})
	vm.mu.Unlock()

	for _, p := range procs {
		p.Terminate()
	}
	vm.contexts.Each(func(ref WeakRef, _ Handle) bool {
		vm.contexts.Unregister(ref)
		return true
	})
	log.Debugf("vm closed (%d processes terminated)", len(procs))
	return nil
}

// Config returns the VM's configuration.
func (vm *VM) Config() Config { return vm.cfg }

// Symbols returns the symbol table.
func (vm *VM) Symbols() *SymbolTable { return vm.symbols }

// Heap returns the handle arena.
func (vm *VM) Heap() *Heap { return vm.heap }

// ContextRegistry returns the weak table of materialized contexts. The
// external collector sweeps it.
func (vm *VM) ContextRegistry() *WeakTable { return vm.contexts }

// Profiler returns the invocation and loop counters.
func (vm *VM) Profiler() *Profiler { return vm.profiler }

// Scheduler returns the attached scheduler, or nil.
func (vm *VM) Scheduler() Scheduler { return vm.scheduler }

// Resolver returns the method lookup collaborator.
func (vm *VM) Resolver() MethodResolver { return vm.resolver }

func (vm *VM) resolve(rcvr, selector Value, super bool, from *CodeBlock) (*CodeBlock, bool) {
	return vm.resolver.Resolve(rcvr, selector, super, from)
}

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

// NewObject allocates an object with n nil slots.
func (vm *VM) NewObject(class Value, n int) Value {
	return FromHandle(vm.heap.Alloc(NewObject(class, n)))
}

// NewArray allocates an array holding elems.
func (vm *VM) NewArray(elems ...Value) Value {
	return FromHandle(vm.heap.Alloc(NewObjectWithSlots(vm.arrayClass, elems)))
}

// NewBinding allocates a literal-variable binding.
func (vm *VM) NewBinding(key, value Value) Value {
	return FromHandle(vm.heap.Alloc(NewBinding(key, value)))
}

func (vm *VM) newArray(size int, elems []Value) Value {
	if elems != nil {
		return FromHandle(vm.heap.Alloc(&Object{Class: vm.arrayClass, Slots: elems}))
	}
	return vm.NewObject(vm.arrayClass, size)
}

// Object resolves a guest reference to an Object.
func (vm *VM) Object(v Value) (*Object, bool) {
	if !v.IsRef() {
		return nil, false
	}
	obj, ok := vm.heap.Get(v.Handle())
	if !ok {
		return nil, false
	}
	o, ok := obj.(*Object)
	return o, ok
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// Run starts a fresh activation of code's bytecode at pc 0 in a new process
// and runs it until it completes, fails or switches out. A primitive on code
// is not attempted.
func (vm *VM) Run(code *CodeBlock, receiver Value, args ...Value) Signal {
	return vm.NewProcess(code.Name, code, receiver, args...).Run()
}

// Resume continues a suspended process from its saved context.
func (vm *VM) Resume(p *Process) Signal {
	if p.vm != vm {
		return errorSignal(fmt.Errorf("%w: process %s belongs to another vm", ErrInvalidFrameState, p.ID))
	}
	return p.Run()
}

// Evaluate runs code to completion and returns its value.
func (vm *VM) Evaluate(code *CodeBlock, receiver Value, args ...Value) (Value, error) {
	return vm.Run(code, receiver, args...).Result()
}

func (vm *VM) track(p *Process) {
	vm.mu.Lock()
	vm.processes[p] = struct{}{}
	vm.mu.Unlock()
}

func (vm *VM) untrack(p *Process) {
	vm.mu.Lock()
	delete(vm.processes, p)
	vm.mu.Unlock()
}
