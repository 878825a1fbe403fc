package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Debugger: reflection over materialized chains
// ---------------------------------------------------------------------------

// StackFrame describes one context on a chain.
type StackFrame struct {
	Method   string // CodeBlock name
	PC       int    // next instruction, -1 when dead
	IsBlock  bool
	Receiver Value
	Slots    int // occupied slots
}

// Variable is one slot of a context, named by role.
type Variable struct {
	Name  string
	Value Value
}

// StackTrace walks c and its senders, innermost first.
func StackTrace(c *Context) []StackFrame {
	var frames []StackFrame
	for cur := c; cur != nil; cur = cur.Sender() {
		frames = append(frames, StackFrame{
			Method:   cur.code.Name,
			PC:       cur.PC(),
			IsBlock:  cur.IsBlockContext(),
			Receiver: cur.receiver,
			Slots:    cur.StackPointer(),
		})
	}
	return frames
}

// Variables lists the slots of c: arguments, then copied values for block
// contexts, then temporaries and the operand stack.
func Variables(c *Context) []Variable {
	numArgs := c.code.NumArgs
	numCopied := 0
	if c.closure != nil {
		numCopied = len(c.closure.copied)
	}
	numTemps := c.code.NumTemps
	if numTemps < numArgs+numCopied {
		numTemps = numArgs + numCopied
	}

	vars := make([]Variable, 0, len(c.act.slots))
	for i, v := range c.act.slots {
		var name string
		switch {
		case i < numArgs:
			name = fmt.Sprintf("arg%d", i)
		case i < numArgs+numCopied:
			name = fmt.Sprintf("copied%d", i-numArgs)
		case i < numTemps:
			name = fmt.Sprintf("temp%d", i)
		default:
			name = fmt.Sprintf("stack%d", i-numTemps)
		}
		vars = append(vars, Variable{Name: name, Value: v})
	}
	return vars
}

// FormatStack renders a chain for logs and the CLI.
func (vm *VM) FormatStack(c *Context) string {
	var sb strings.Builder
	for i, f := range StackTrace(c) {
		kind := "method"
		if f.IsBlock {
			kind = "block"
		}
		fmt.Fprintf(&sb, "#%d %s %s pc=%d rcvr=%s sp=%d\n", i, kind, f.Method, f.PC, f.Receiver, f.Slots)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
