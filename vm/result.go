package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Signal: how an activation ended
// ---------------------------------------------------------------------------

// SignalKind identifies how a run of the interpreter loop ended.
type SignalKind uint8

const (
	// SignalCompleted is a local return; Value is the result.
	SignalCompleted SignalKind = iota
	// SignalUnwind is a non-local return travelling toward Target.
	SignalUnwind
	// SignalSwitch asks for the current chain to be suspended. Every frame
	// it passes is materialized before it moves on.
	SignalSwitch
	// SignalError ends the chain with Err.
	SignalError
)

var signalNames = [...]string{
	SignalCompleted: "completed",
	SignalUnwind:    "unwind",
	SignalSwitch:    "switch",
	SignalError:     "error",
}

func (k SignalKind) String() string {
	if int(k) < len(signalNames) {
		return signalNames[k]
	}
	return fmt.Sprintf("SignalKind(%d)", k)
}

// Signal is returned, never thrown, by every activation. Callers inspect
// Kind and either absorb the signal or hand it to their own caller.
type Signal struct {
	Kind  SignalKind
	Value Value

	// Unwind only
	Target *Marker
	// NonVirtual marks an unwind raised by a frame resumed from a Context.
	NonVirtual bool

	// Error only
	Err error
}

func completed(v Value) Signal {
	return Signal{Kind: SignalCompleted, Value: v}
}

func errorSignal(err error) Signal {
	return Signal{Kind: SignalError, Value: Nil, Err: err}
}

// Result converts a finished signal into the usual Go pair. A pending switch
// or an unwind that escaped its chain is reported as an error.
func (s Signal) Result() (Value, error) {
	switch s.Kind {
	case SignalCompleted:
		return s.Value, nil
	case SignalError:
		return Nil, s.Err
	case SignalSwitch:
		return Nil, ErrUnhandledProcessSwitch
	default:
		return Nil, fmt.Errorf("%w: unwind to %s reached the top of the chain", ErrCannotReturn, s.Target)
	}
}

func (s Signal) String() string {
	switch s.Kind {
	case SignalCompleted:
		return fmt.Sprintf("completed(%s)", s.Value)
	case SignalUnwind:
		return fmt.Sprintf("unwind(%s, %s)", s.Target, s.Value)
	case SignalError:
		return fmt.Sprintf("error(%v)", s.Err)
	}
	return s.Kind.String()
}
