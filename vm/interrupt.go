package vm

// InterruptPoller is the interrupt hook. The interpreter calls Poll every
// Config.InterruptCheckInterval backward jumps, with pc already at the jump
// target. A *SwitchRequest result suspends the process there; any other
// error fails it.
type InterruptPoller interface {
	Poll(p *Process) error
}

// PollerFunc adapts a function to InterruptPoller.
type PollerFunc func(p *Process) error

// Poll calls fn.
func (fn PollerFunc) Poll(p *Process) error {
	return fn(p)
}

// TimeSlice preempts a process every n polls, so long loops share the
// scheduler with other processes.
func TimeSlice(n uint64) InterruptPoller {
	return PollerFunc(func(p *Process) error {
		if n > 0 && p.Polls()%n == 0 {
			return &SwitchRequest{Value: Nil, Reason: "time slice"}
		}
		return nil
	})
}
