package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/chazu/marrow/vm"
)

// methodFile is the on-disk form of a set of compiled methods:
//
//	[[method]]
//	name = "main"
//	temps = 1
//	bytecode = "20 21 b0 7c"
//	literals = [7, 5]
//
// Literal integers, floats and booleans map to immediates, strings to
// symbols (a leading # is optional, "nil" is nil) and arrays to Array
// objects.
type methodFile struct {
	Methods []methodDef `toml:"method"`
}

type methodDef struct {
	Name      string `toml:"name"`
	Selector  string `toml:"selector"`
	Args      int    `toml:"args"`
	Temps     int    `toml:"temps"`
	FrameSize int    `toml:"frame-size"`
	Primitive int    `toml:"primitive"`
	Bytecode  string `toml:"bytecode"`
	Literals  []any  `toml:"literals"`
}

// loader reads method files into a method table.
type loader struct {
	machine *vm.VM
	table   *vm.MethodTable
	loaded  []*vm.CodeBlock
}

func newLoader(machine *vm.VM, table *vm.MethodTable) *loader {
	return &loader{machine: machine, table: table}
}

// loadPath loads a single file, or every *.toml file below a directory.
func (l *loader) loadPath(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return l.loadFile(path)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".toml") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Strings(files)

	total := 0
	for _, f := range files {
		n, err := l.loadFile(f)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (l *loader) loadFile(path string) (int, error) {
	var mf methodFile
	if _, err := toml.DecodeFile(path, &mf); err != nil {
		return 0, fmt.Errorf("parse error in %s: %w", path, err)
	}
	for i, def := range mf.Methods {
		code, err := l.build(def)
		if err != nil {
			return i, fmt.Errorf("%s: method %d: %w", path, i, err)
		}
		selector := def.Selector
		if selector == "" {
			selector = def.Name
		}
		l.table.Define(vm.Nil, l.machine.Symbols().SymbolValue(selector), code)
		l.loaded = append(l.loaded, code)
	}
	return len(mf.Methods), nil
}

func (l *loader) build(def methodDef) (*vm.CodeBlock, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	if def.Temps < def.Args {
		def.Temps = def.Args
	}
	bytecode, err := hex.DecodeString(strings.Join(strings.Fields(def.Bytecode), ""))
	if err != nil {
		return nil, fmt.Errorf("%s: bytecode: %w", def.Name, err)
	}

	literals := make([]vm.Value, len(def.Literals))
	for i, lit := range def.Literals {
		v, err := l.literal(lit)
		if err != nil {
			return nil, fmt.Errorf("%s: literal %d: %w", def.Name, i, err)
		}
		literals[i] = v
	}

	code := vm.NewCodeBlock(def.Name, def.Args, bytecode, literals)
	code.NumTemps = def.Temps
	code.FrameSize = def.FrameSize
	code.PrimitiveIndex = def.Primitive
	if _, err := code.Decode(); err != nil {
		return nil, err
	}
	return code, nil
}

func (l *loader) literal(lit any) (vm.Value, error) {
	switch x := lit.(type) {
	case int64:
		v, ok := vm.TryFromSmallInt(x)
		if !ok {
			return vm.Nil, fmt.Errorf("integer %d out of range", x)
		}
		return v, nil
	case float64:
		return vm.FromFloat64(x), nil
	case bool:
		return vm.FromBool(x), nil
	case string:
		if x == "nil" {
			return vm.Nil, nil
		}
		return l.machine.Symbols().SymbolValue(strings.TrimPrefix(x, "#")), nil
	case []any:
		elems := make([]vm.Value, len(x))
		for i, e := range x {
			v, err := l.literal(e)
			if err != nil {
				return vm.Nil, err
			}
			elems[i] = v
		}
		return l.machine.NewArray(elems...), nil
	default:
		return vm.Nil, fmt.Errorf("unsupported literal %v (%T)", lit, lit)
	}
}
