package vm

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is.
var (
	// ErrDecode marks malformed bytecode. It is raised while loading a
	// CodeBlock, before any of it executes.
	ErrDecode = errors.New("malformed bytecode")

	// ErrCannotReturn marks a non-local return whose home activation is dead
	// or no longer on the current chain.
	ErrCannotReturn = errors.New("cannot return")

	// ErrInvalidFrameState marks an operation on an activation that cannot
	// support it, such as materializing one that already exited.
	ErrInvalidFrameState = errors.New("invalid frame state")

	// ErrUnhandledProcessSwitch marks a process switch that reached the top
	// of its chain with no scheduler attached.
	ErrUnhandledProcessSwitch = errors.New("unhandled process switch")

	// ErrMessageNotUnderstood marks a send the method resolver had no
	// method for.
	ErrMessageNotUnderstood = errors.New("message not understood")

	// ErrStackOverflow marks a chain deeper than the configured limit.
	ErrStackOverflow = errors.New("stack overflow")

	// ErrPrimitiveFailed is returned by primitives to fall back to the
	// method's bytecode.
	ErrPrimitiveFailed = errors.New("primitive failed")

	// ErrInvalidObject marks a heap reference that is stale or of the wrong
	// shape for the instruction using it.
	ErrInvalidObject = errors.New("invalid object")

	// ErrNotBoolean marks a conditional jump over a non-boolean.
	ErrNotBoolean = errors.New("non-boolean receiver for conditional jump")

	// ErrWrongArgumentCount marks an activation given the wrong number of
	// arguments.
	ErrWrongArgumentCount = errors.New("wrong argument count")

	// ErrClosed is returned by a VM after Close.
	ErrClosed = errors.New("vm closed")
)

// DecodeError describes where decoding failed.
type DecodeError struct {
	Code   string // CodeBlock name
	Offset int    // byte offset of the offending instruction
	Byte   byte   // opcode byte at Offset
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: offset %d (byte %d): %s", e.Code, e.Offset, e.Byte, e.Reason)
}

// Unwrap lets errors.Is match ErrDecode.
func (e *DecodeError) Unwrap() error {
	return ErrDecode
}

func decodeErrorf(code *CodeBlock, offset int, format string, args ...any) *DecodeError {
	var b byte
	if offset >= 0 && offset < len(code.Bytecode) {
		b = code.Bytecode[offset]
	}
	return &DecodeError{
		Code:   code.Name,
		Offset: offset,
		Byte:   b,
		Reason: fmt.Sprintf(format, args...),
	}
}

// SwitchRequest is returned by primitives and interrupt pollers to ask for
// the current chain to be suspended. Value is pushed as the result of the
// send that raised it, so the chain resumes as if the send had returned it.
type SwitchRequest struct {
	Value  Value
	Reason string
}

func (r *SwitchRequest) Error() string {
	if r.Reason == "" {
		return "process switch requested"
	}
	return "process switch requested: " + r.Reason
}

// Yield returns a switch request that resumes with result v.
func Yield(v Value) error {
	return &SwitchRequest{Value: v, Reason: "yield"}
}
