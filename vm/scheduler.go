package vm

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Scheduler receives processes whose chains switched out. Suspend is called
// after every context on the chain has been materialized and detached.
type Scheduler interface {
	Suspend(p *Process) error
}

// RoundRobin is a FIFO run queue implementing Scheduler. Suspended
// processes go to the back of the queue and are resumed in turn.
type RoundRobin struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Process
	running int
	stopped bool

	switches uint64
}

// NewRoundRobin creates an empty scheduler.
func NewRoundRobin() *RoundRobin {
	rr := &RoundRobin{}
	rr.cond = sync.NewCond(&rr.mu)
	return rr
}

// Spawn queues a ready process.
func (rr *RoundRobin) Spawn(p *Process) {
	rr.enqueue(p)
}

// Suspend implements Scheduler.
func (rr *RoundRobin) Suspend(p *Process) error {
	rr.mu.Lock()
	rr.switches++
	rr.mu.Unlock()
	log.Debugf("scheduler: %s suspended", p.ID)
	rr.enqueue(p)
	return nil
}

// Len returns the number of queued processes.
func (rr *RoundRobin) Len() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return len(rr.queue)
}

// Switches returns how many times a process has been suspended into the
// queue.
func (rr *RoundRobin) Switches() uint64 {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.switches
}

func (rr *RoundRobin) enqueue(p *Process) {
	rr.mu.Lock()
	rr.queue = append(rr.queue, p)
	rr.mu.Unlock()
	rr.cond.Signal()
}

// Run drives queued processes on the calling goroutine until the queue is
// empty or ctx is done.
func (rr *RoundRobin) Run(ctx context.Context) error {
	return rr.RunWorkers(ctx, 1)
}

// RunWorkers hosts queued processes on n goroutines. Each process is run
// by one worker at a time; it may be resumed by a different worker after a
// switch. Returns when no process is queued or running, or ctx is done.
func (rr *RoundRobin) RunWorkers(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	rr.mu.Lock()
	rr.stopped = false
	rr.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		rr.mu.Lock()
		rr.stopped = true
		rr.mu.Unlock()
		rr.cond.Broadcast()
	})
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return rr.work(gctx)
		})
	}
	return g.Wait()
}

func (rr *RoundRobin) work(ctx context.Context) error {
	for {
		p := rr.next()
		if p == nil {
			return ctx.Err()
		}
		sig := p.Run()
		if sig.Kind == SignalError {
			log.Warningf("scheduler: %s failed: %v", p.ID, sig.Err)
		}
		rr.mu.Lock()
		rr.running--
		rr.mu.Unlock()
		rr.cond.Broadcast()
	}
}

// next blocks until a process is available. It returns nil once the queue
// is drained and nothing is running, or the scheduler is stopped.
func (rr *RoundRobin) next() *Process {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	for len(rr.queue) == 0 {
		if rr.running == 0 || rr.stopped {
			return nil
		}
		rr.cond.Wait()
	}
	if rr.stopped {
		return nil
	}
	p := rr.queue[0]
	rr.queue = rr.queue[1:]
	rr.running++
	return p
}
