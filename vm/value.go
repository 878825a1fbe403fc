package vm

import (
	"fmt"
	"math"
)

// Value is a NaN-boxed guest value. Anything that is not one of the tagged
// quiet NaNs below is a float64.
//
//	float     IEEE 754 double
//	smallint  qNaN | tagInt     | 48-bit two's complement
//	ref       qNaN | tagRef     | Handle (32-bit index, 16-bit generation)
//	symbol    qNaN | tagSymbol  | symbol ID
//	special   qNaN | tagSpecial | nil, true or false
//
// Refs are handles into the VM's Heap rather than Go pointers, so Values
// compare with == and survive a snapshot round trip unchanged.
type Value uint64

const (
	qnan    uint64 = 0x7FF8000000000000
	expBits uint64 = 0x7FF0000000000000
	mantBit uint64 = 0x000FFFFFFFFFFFFF
	tagMask uint64 = 0x0007000000000000
	payload uint64 = 0x0000FFFFFFFFFFFF

	tagRef     uint64 = 1 << 48
	tagInt     uint64 = 2 << 48
	tagSpecial uint64 = 3 << 48
	tagSymbol  uint64 = 4 << 48

	intSign uint64 = 1 << 47
)

const (
	Nil   = Value(qnan | tagSpecial | 0)
	True  = Value(qnan | tagSpecial | 1)
	False = Value(qnan | tagSpecial | 2)
)

// SmallInt range (48-bit signed).
const (
	MaxSmallInt int64 = 1<<47 - 1
	MinSmallInt int64 = -1 << 47
)

func box(tag, bits uint64) Value { return Value(qnan | tag | bits&payload) }

func (v Value) tagged(tag uint64) bool { return uint64(v)&(qnan|tagMask) == qnan|tag }

func (v Value) bits() uint64 { return uint64(v) & payload }

// IsFloat reports whether v is a plain double. Infinities, signaling NaNs
// and the untagged quiet NaN all count.
func (v Value) IsFloat() bool {
	b := uint64(v)
	switch {
	case b&expBits != expBits, b&mantBit == 0, b&qnan != qnan:
		return true
	}
	return b&tagMask == 0
}

func (v Value) IsSmallInt() bool { return v.tagged(tagInt) }
func (v Value) IsRef() bool      { return v.tagged(tagRef) }
func (v Value) IsSymbol() bool   { return v.tagged(tagSymbol) }
func (v Value) IsSpecial() bool  { return v.tagged(tagSpecial) }
func (v Value) IsNil() bool      { return v == Nil }
func (v Value) IsBool() bool     { return v == True || v == False }

// Float64 panics unless v is a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("Value.Float64: not a float")
	}
	return math.Float64frombits(uint64(v))
}

func FromFloat64(f float64) Value { return Value(math.Float64bits(f)) }

// SmallInt panics unless v is a small integer.
func (v Value) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic("Value.SmallInt: not a small integer")
	}
	n := v.bits()
	if n&intSign != 0 {
		n |= ^payload
	}
	return int64(n)
}

// FromSmallInt panics when n does not fit in 48 bits; arithmetic fast
// paths use TryFromSmallInt and fall back to a send on overflow.
func FromSmallInt(n int64) Value {
	v, ok := TryFromSmallInt(n)
	if !ok {
		panic("FromSmallInt: value out of range")
	}
	return v
}

func TryFromSmallInt(n int64) (Value, bool) {
	if n > MaxSmallInt || n < MinSmallInt {
		return Nil, false
	}
	return box(tagInt, uint64(n)), true
}

// Handle panics unless v is a reference.
func (v Value) Handle() Handle {
	if !v.IsRef() {
		panic("Value.Handle: not a reference")
	}
	return Handle(v.bits())
}

func FromHandle(h Handle) Value { return box(tagRef, uint64(h)) }

// SymbolID panics unless v is a symbol.
func (v Value) SymbolID() uint32 {
	if !v.IsSymbol() {
		panic("Value.SymbolID: not a symbol")
	}
	return uint32(v.bits())
}

func FromSymbolID(id uint32) Value { return box(tagSymbol, uint64(id)) }

// Bool panics unless v is true or false.
func (v Value) Bool() bool {
	if !v.IsBool() {
		panic("Value.Bool: not a boolean")
	}
	return v == True
}

func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// String renders v for logs and disassembly. Symbols and references are
// shown by ID; naming them needs the owning VM.
func (v Value) String() string {
	switch {
	case v == Nil:
		return "nil"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v.IsSmallInt():
		return fmt.Sprintf("%d", v.SmallInt())
	case v.IsSymbol():
		return fmt.Sprintf("#sym%d", v.SymbolID())
	case v.IsRef():
		return fmt.Sprintf("@%s", v.Handle())
	case v.IsFloat():
		return fmt.Sprintf("%g", v.Float64())
	}
	return fmt.Sprintf("Value(%#x)", uint64(v))
}
