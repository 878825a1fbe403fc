package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/chazu/marrow/vm"
)

// Primitive indices available to method files.
const (
	primYield = 1 // suspend the process, answering the receiver
	primPrint = 2 // print the receiver on a line, answering it
)

func primitives(out io.Writer) []vm.Option {
	return []vm.Option{
		vm.WithPrimitive(primYield, func(p *vm.Process, rcvr vm.Value, args []vm.Value) (vm.Value, error) {
			return vm.Nil, vm.Yield(rcvr)
		}),
		vm.WithPrimitive(primPrint, func(p *vm.Process, rcvr vm.Value, args []vm.Value) (vm.Value, error) {
			fmt.Fprintln(out, format(p.VM(), rcvr))
			return rcvr, nil
		}),
	}
}

// format renders v with symbol names and array contents resolved.
func format(machine *vm.VM, v vm.Value) string {
	switch {
	case v.IsSymbol():
		return "#" + machine.Symbols().NameOf(v)
	case v.IsRef():
		if c, ok := machine.ContextOf(v); ok {
			return c.String()
		}
		if cl, ok := machine.ClosureOf(v); ok {
			return cl.String()
		}
		if obj, ok := machine.Object(v); ok {
			parts := make([]string, len(obj.Slots))
			for i, s := range obj.Slots {
				parts[i] = format(machine, s)
			}
			return "(" + strings.Join(parts, " ") + ")"
		}
	}
	return v.String()
}
