package vm

import "sync"

// ---------------------------------------------------------------------------
// SymbolTable: Interned selectors and symbols
// ---------------------------------------------------------------------------

// SymbolTable interns symbol strings to unique IDs.
// Selectors in literal pools and special-send tables are symbols, so two
// CodeBlocks loaded into the same VM always agree on selector identity.
type SymbolTable struct {
	mu     sync.RWMutex
	byName map[string]uint32 // name -> ID
	byID   []string          // ID -> name
}

// NewSymbolTable creates a symbol table pre-populated with the special
// selectors, so their IDs are stable across VMs.
func NewSymbolTable() *SymbolTable {
	st := &SymbolTable{
		byName: make(map[string]uint32),
		byID:   make([]string, 0, 256),
	}
	for _, s := range specialSelectors {
		st.Intern(s.name)
	}
	return st
}

// Intern returns the ID for a symbol, creating a new one if needed.
func (st *SymbolTable) Intern(name string) uint32 {
	st.mu.RLock()
	if id, ok := st.byName[name]; ok {
		st.mu.RUnlock()
		return id
	}
	st.mu.RUnlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	// Double-check after acquiring write lock
	if id, ok := st.byName[name]; ok {
		return id
	}

	id := uint32(len(st.byID))
	st.byName[name] = id
	st.byID = append(st.byID, name)
	return id
}

// Lookup returns the ID for a symbol, or 0 and false if not found.
func (st *SymbolTable) Lookup(name string) (uint32, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.byName[name]
	return id, ok
}

// Name returns the symbol name for an ID, or "" if invalid.
func (st *SymbolTable) Name(id uint32) string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if int(id) >= len(st.byID) {
		return ""
	}
	return st.byID[id]
}

// NameOf returns the name of a symbol value, or "" when v is not a symbol.
func (st *SymbolTable) NameOf(v Value) string {
	if !v.IsSymbol() {
		return ""
	}
	return st.Name(v.SymbolID())
}

// Len returns the number of interned symbols.
func (st *SymbolTable) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byID)
}

// SymbolValue creates a Value from a symbol name.
func (st *SymbolTable) SymbolValue(name string) Value {
	return FromSymbolID(st.Intern(name))
}

// ---------------------------------------------------------------------------
// Special selectors (bytecodes 176-207)
// ---------------------------------------------------------------------------

type specialSelector struct {
	name string
	argc int
}

// specialSelectors is indexed by bytecode-176.
var specialSelectors = [32]specialSelector{
	{"+", 1}, {"-", 1}, {"<", 1}, {">", 1},
	{"<=", 1}, {">=", 1}, {"=", 1}, {"~=", 1},
	{"*", 1}, {"/", 1}, {"\\\\", 1}, {"@", 1},
	{"bitShift:", 1}, {"//", 1}, {"bitAnd:", 1}, {"bitOr:", 1},
	{"at:", 1}, {"at:put:", 2}, {"size", 0}, {"next", 0},
	{"nextPut:", 1}, {"atEnd", 0}, {"==", 1}, {"class", 0},
	{"blockCopy:", 1}, {"value", 0}, {"value:", 1}, {"do:", 1},
	{"new", 0}, {"new:", 1}, {"x", 0}, {"y", 0},
}

// SpecialSelector returns the selector name and argument count for a special
// send index (0-31).
func SpecialSelector(index int) (string, int) {
	s := specialSelectors[index]
	return s.name, s.argc
}

// closureValueSelectors maps the value-family selectors to their arity.
var closureValueSelectors = map[string]int{
	"value":                    0,
	"value:":                   1,
	"value:value:":             2,
	"value:value:value:":       3,
	"value:value:value:value:": 4,
	"valueWithArguments:":      -1,
}
