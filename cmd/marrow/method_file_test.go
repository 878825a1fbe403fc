package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/marrow/vm"
)

func newTestLoader(t *testing.T, out *bytes.Buffer) *loader {
	t.Helper()
	table := vm.NewMethodTable()
	opts := append(primitives(out), vm.WithResolver(table))
	machine := vm.New(vm.DefaultConfig(), opts...)
	table.ClassOf = machine.ClassOf
	t.Cleanup(func() { machine.Close() })
	return newLoader(machine, table)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMethodFile(t *testing.T) {
	var out bytes.Buffer
	l := newTestLoader(t, &out)
	dir := t.TempDir()
	writeFile(t, dir, "a/add.toml", `
[[method]]
name = "main"
bytecode = "20 21 b0 7c"
literals = [7, 5]
`)
	writeFile(t, dir, "b/print.toml", `
[[method]]
name = "print"
primitive = 2
bytecode = "78"
`)
	writeFile(t, dir, "notes.txt", "ignored")

	n, err := l.loadPath(dir)
	if err != nil {
		t.Fatalf("loadPath failed: %v", err)
	}
	if n != 2 || len(l.loaded) != 2 || l.table.Len() != 2 {
		t.Fatalf("loaded %d methods (%d recorded, %d defined), want 2", n, len(l.loaded), l.table.Len())
	}

	main, ok := l.table.LoadCode("main")
	if !ok {
		t.Fatal("main was not defined")
	}
	v, err := l.machine.Evaluate(main, vm.Nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if v != vm.FromSmallInt(12) {
		t.Errorf("result = %v, want 12", v)
	}
}

func TestLoadMethodFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "[[method]\n", "parse error"},
		{"missing name", "[[method]]\nbytecode = \"78\"\n", "missing name"},
		{"bad hex", "[[method]]\nname = \"m\"\nbytecode = \"zz\"\n", "bytecode"},
		{"bad bytecode", "[[method]]\nname = \"m\"\nbytecode = \"70\"\n", "falls off the end"},
		{"bad literal", "[[method]]\nname = \"m\"\nbytecode = \"78\"\nliterals = [{a = 1}]\n", "unsupported literal"},
		{"int out of range", "[[method]]\nname = \"m\"\nbytecode = \"78\"\nliterals = [9223372036854775807]\n", "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLoader(t, &bytes.Buffer{})
			path := writeFile(t, t.TempDir(), "m.toml", tt.content)
			_, err := l.loadPath(path)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLiteralMapping(t *testing.T) {
	l := newTestLoader(t, &bytes.Buffer{})
	st := l.machine.Symbols()

	tests := []struct {
		lit  any
		want vm.Value
	}{
		{int64(-3), vm.FromSmallInt(-3)},
		{2.5, vm.FromFloat64(2.5)},
		{true, vm.True},
		{"nil", vm.Nil},
		{"#foo:", st.SymbolValue("foo:")},
		{"bar", st.SymbolValue("bar")},
	}
	for _, tt := range tests {
		got, err := l.literal(tt.lit)
		if err != nil {
			t.Errorf("literal(%v) failed: %v", tt.lit, err)
			continue
		}
		if got != tt.want {
			t.Errorf("literal(%v) = %v, want %v", tt.lit, got, tt.want)
		}
	}

	arr, err := l.literal([]any{int64(1), []any{"x"}})
	if err != nil {
		t.Fatalf("array literal failed: %v", err)
	}
	if got := format(l.machine, arr); got != "(1 (#x))" {
		t.Errorf("format = %q, want (1 (#x))", got)
	}
}

func TestPrintPrimitive(t *testing.T) {
	var out bytes.Buffer
	l := newTestLoader(t, &out)
	path := writeFile(t, t.TempDir(), "m.toml", `
[[method]]
name = "main"
bytecode = "20 d1 7c"
literals = ["hello", "print"]

[[method]]
name = "print"
primitive = 2
bytecode = "78"
`)
	if _, err := l.loadPath(path); err != nil {
		t.Fatalf("loadPath failed: %v", err)
	}
	main, _ := l.table.LoadCode("main")
	v, err := l.machine.Evaluate(main, vm.Nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got := out.String(); got != "#hello\n" {
		t.Errorf("printed %q, want #hello", got)
	}
	if v != l.machine.Symbols().SymbolValue("hello") {
		t.Errorf("print answered %v, want #hello", v)
	}
}
