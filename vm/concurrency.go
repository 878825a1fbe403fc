package vm

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Process: one guest call chain
// ---------------------------------------------------------------------------

// ProcessState represents the state of a process.
type ProcessState int

const (
	ProcessReady ProcessState = iota
	ProcessRunning
	ProcessSuspended
	ProcessTerminated
)

var processStateNames = [...]string{
	ProcessReady:      "ready",
	ProcessRunning:    "running",
	ProcessSuspended:  "suspended",
	ProcessTerminated: "terminated",
}

func (s ProcessState) String() string {
	if int(s) < len(processStateNames) {
		return processStateNames[s]
	}
	return fmt.Sprintf("ProcessState(%d)", s)
}

// Process is a guest process: a single logical call chain, run by at most
// one goroutine at a time. Between runs it is either ready to start or
// suspended at a fully materialized chain.
type Process struct {
	ID   uuid.UUID
	Name string

	vm     *VM
	interp *Interpreter

	// entry activation, used by the first run
	code     *CodeBlock
	receiver Value
	args     []Value

	mu     sync.Mutex
	state  ProcessState
	top    *Context // innermost context of the suspended chain
	result Value
	err    error
	done   chan struct{}
}

// NewProcess creates a process that will run code for receiver. It does
// not start it.
func (vm *VM) NewProcess(name string, code *CodeBlock, receiver Value, args ...Value) *Process {
	p := &Process{
		ID:       uuid.New(),
		Name:     name,
		vm:       vm,
		code:     code,
		receiver: receiver,
		args:     args,
		state:    ProcessReady,
		result:   Nil,
		done:     make(chan struct{}),
	}
	p.interp = newInterpreter(vm, p)
	vm.track(p)
	return p
}

// RestoreProcess creates a suspended process around an existing chain whose
// innermost context is top. Snapshots use it to bring a chain back.
func (vm *VM) RestoreProcess(id uuid.UUID, name string, top *Context) *Process {
	p := &Process{
		ID:     id,
		Name:   name,
		vm:     vm,
		state:  ProcessSuspended,
		top:    top,
		result: Nil,
		done:   make(chan struct{}),
	}
	p.interp = newInterpreter(vm, p)
	vm.track(p)
	return p
}

// VM returns the owning VM.
func (p *Process) VM() *VM { return p.vm }

// State returns the current state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SuspendedContext returns the innermost context of a suspended process.
func (p *Process) SuspendedContext() *Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProcessSuspended {
		return nil
	}
	return p.top
}

// Result returns the final value and error of a terminated process.
func (p *Process) Result() (Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.err
}

// Done is closed when the process terminates.
func (p *Process) Done() <-chan struct{} { return p.done }

// BackJumps returns the number of backward jumps the process has taken.
func (p *Process) BackJumps() uint64 { return p.interp.BackJumps() }

// Polls returns the number of interrupt checks the process has made.
func (p *Process) Polls() uint64 { return p.interp.Polls() }

// Run starts a ready process or resumes a suspended one, and runs it until
// it completes, fails or switches out again.
func (p *Process) Run() (sig Signal) {
	if p.vm.closed.Load() {
		return errorSignal(ErrClosed)
	}

	p.mu.Lock()
	state := p.state
	top := p.top
	if state == ProcessReady || state == ProcessSuspended {
		p.state = ProcessRunning
		p.top = nil
	}
	p.mu.Unlock()

	switch state {
	case ProcessReady:
	case ProcessSuspended:
		if top == nil {
			return p.finish(errorSignal(fmt.Errorf("%w: process %s has no suspended context", ErrInvalidFrameState, p.ID)))
		}
	default:
		return errorSignal(fmt.Errorf("%w: process %s is %s", ErrInvalidFrameState, p.ID, state))
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("process %s panicked: %v\n%s", p.ID, r, debug.Stack())
			p.interp.abandon()
			sig = p.finish(errorSignal(fmt.Errorf("%w: %v", ErrInvalidFrameState, r)))
		}
	}()

	if state == ProcessReady {
		return p.finish(p.start())
	}
	log.Debugf("resuming process %s at %s", p.ID, top)
	return p.finish(p.interp.resume(top))
}

func (p *Process) start() Signal {
	f, err := p.interp.newFrame(nil, p.code, nil, p.receiver, p.args)
	if err != nil {
		return errorSignal(err)
	}
	p.vm.profiler.RecordMethod(p.code)
	return p.interp.activate(f)
}

// finish records how a run ended and hands suspended processes to the
// scheduler.
func (p *Process) finish(sig Signal) Signal {
	if sig.Kind == SignalUnwind {
		sig = errorSignal(fmt.Errorf("%w: unwind to %s reached the top of the chain", ErrCannotReturn, sig.Target))
	}

	if sig.Kind == SignalSwitch {
		p.mu.Lock()
		p.state = ProcessSuspended
		p.mu.Unlock()
		if p.vm.scheduler == nil {
			log.Debugf("process %s switched out with no scheduler", p.ID)
			return errorSignal(fmt.Errorf("%w: process %s", ErrUnhandledProcessSwitch, p.ID))
		}
		if err := p.vm.scheduler.Suspend(p); err != nil {
			return errorSignal(fmt.Errorf("suspend %s: %w", p.ID, err))
		}
		return sig
	}

	p.mu.Lock()
	p.state = ProcessTerminated
	p.top = nil
	if sig.Kind == SignalCompleted {
		p.result = sig.Value
	} else {
		p.err = sig.Err
	}
	p.mu.Unlock()
	close(p.done)
	p.vm.untrack(p)

	if sig.Kind == SignalError {
		log.Debugf("process %s failed: %v", p.ID, sig.Err)
	}
	return sig
}

// Terminate kills a process that is not running. Its suspended chain is
// marked dead.
func (p *Process) Terminate() {
	p.mu.Lock()
	if p.state == ProcessRunning || p.state == ProcessTerminated {
		p.mu.Unlock()
		return
	}
	top := p.top
	p.state = ProcessTerminated
	p.top = nil
	p.err = fmt.Errorf("process %s terminated", p.ID)
	p.mu.Unlock()

	for c := top; c != nil; {
		next := c.sender
		c.terminate()
		c = next
	}
	close(p.done)
	p.vm.untrack(p)
}

func (p *Process) String() string {
	return fmt.Sprintf("Process(%s %s %s)", p.Name, p.ID, p.State())
}
