package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Instruction kinds
// ---------------------------------------------------------------------------

// Kind is the decoded instruction variant. The raw bytecode set has many
// bytes per kind (short forms with the operand folded into the opcode, and
// extended forms carrying it in trailing bytes); decoding normalizes them so
// the interpreter dispatches through a single switch on Kind.
type Kind uint8

const (
	KindInvalid Kind = iota

	// Stack
	KindPop
	KindDup

	// Push
	KindPushReceiver
	KindPushConstant
	KindPushReceiverVariable
	KindPushTemp
	KindPushLiteralConstant
	KindPushLiteralVariable
	KindPushActiveContext
	KindPushNewArray
	KindPushRemoteTemp
	KindPushClosure

	// Store
	KindStoreReceiverVariable
	KindPopIntoReceiverVariable
	KindStoreTemp
	KindPopIntoTemp
	KindStoreLiteralVariable
	KindPopIntoLiteralVariable
	KindStoreRemoteTemp
	KindPopIntoRemoteTemp

	// Sends
	KindSend
	KindSuperSend

	// Control flow
	KindJump
	KindJumpIfTrue
	KindJumpIfFalse

	// Returns
	KindReturnReceiver
	KindReturnConstant
	KindReturnTop
	KindReturnTopFromBlock

	numKinds
)

// KindInfo holds metadata about an instruction kind.
type KindInfo struct {
	Name   string // disassembly mnemonic
	Jump   bool   // resolved inline by the interpreter loop
	Return bool   // ends the activation
}

var kindTable = [numKinds]KindInfo{
	KindInvalid: {"invalid", false, false},

	KindPop: {"pop", false, false},
	KindDup: {"dup", false, false},

	KindPushReceiver:         {"pushRcvr", false, false},
	KindPushConstant:         {"pushConst", false, false},
	KindPushReceiverVariable: {"pushRcvrVar", false, false},
	KindPushTemp:             {"pushTemp", false, false},
	KindPushLiteralConstant:  {"pushLit", false, false},
	KindPushLiteralVariable:  {"pushLitVar", false, false},
	KindPushActiveContext:    {"pushThisContext", false, false},
	KindPushNewArray:         {"pushNewArray", false, false},
	KindPushRemoteTemp:       {"pushRemoteTemp", false, false},
	KindPushClosure:          {"pushClosure", false, false},

	KindStoreReceiverVariable:   {"storeRcvrVar", false, false},
	KindPopIntoReceiverVariable: {"popIntoRcvrVar", false, false},
	KindStoreTemp:               {"storeTemp", false, false},
	KindPopIntoTemp:             {"popIntoTemp", false, false},
	KindStoreLiteralVariable:    {"storeLitVar", false, false},
	KindPopIntoLiteralVariable:  {"popIntoLitVar", false, false},
	KindStoreRemoteTemp:         {"storeRemoteTemp", false, false},
	KindPopIntoRemoteTemp:       {"popIntoRemoteTemp", false, false},

	KindSend:      {"send", false, false},
	KindSuperSend: {"superSend", false, false},

	KindJump:        {"jump", true, false},
	KindJumpIfTrue:  {"jumpTrue", true, false},
	KindJumpIfFalse: {"jumpFalse", true, false},

	KindReturnReceiver:     {"returnSelf", false, true},
	KindReturnConstant:     {"returnConst", false, true},
	KindReturnTop:          {"returnTop", false, true},
	KindReturnTopFromBlock: {"blockReturn", false, true},
}

// Info returns the metadata for a kind.
func (k Kind) Info() KindInfo {
	if k >= numKinds {
		return KindInfo{Name: fmt.Sprintf("kind%d", uint8(k))}
	}
	return kindTable[k]
}

// String implements the Stringer interface.
func (k Kind) String() string {
	return k.Info().Name
}

// IsJump reports whether k is resolved directly to a target offset.
func (k Kind) IsJump() bool {
	return k.Info().Jump
}

// IsReturn reports whether k ends the activation.
func (k Kind) IsReturn() bool {
	return k.Info().Return
}

// ---------------------------------------------------------------------------
// Raw opcode ranges (Squeak V3PlusClosures)
// ---------------------------------------------------------------------------

const (
	bcPushRcvrVar      = 0   // 0-15
	bcPushTemp         = 16  // 16-31
	bcPushLitConst     = 32  // 32-63
	bcPushLitVar       = 64  // 64-95
	bcPopIntoRcvrVar   = 96  // 96-103
	bcPopIntoTemp      = 104 // 104-111
	bcPushSelf         = 112
	bcPushTrue         = 113
	bcPushFalse        = 114
	bcPushNil          = 115
	bcPushMinusOne     = 116 // 116-119: -1, 0, 1, 2
	bcReturnSelf       = 120
	bcReturnTrue       = 121
	bcReturnFalse      = 122
	bcReturnNil        = 123
	bcReturnTop        = 124
	bcBlockReturnTop   = 125
	bcExtPush          = 128
	bcExtStore         = 129
	bcExtPopStore      = 130
	bcSingleExtSend    = 131
	bcDoubleExt        = 132
	bcSingleExtSuper   = 133
	bcSecondExtSend    = 134
	bcPop              = 135
	bcDup              = 136
	bcPushThisContext  = 137
	bcPushNewArray     = 138
	bcPushRemoteTemp   = 140
	bcStoreRemoteTemp  = 141
	bcPopRemoteTemp    = 142
	bcPushClosure      = 143
	bcShortJump        = 144 // 144-151
	bcShortJumpFalse   = 152 // 152-159
	bcLongJump         = 160 // 160-167
	bcLongJumpTrue     = 168 // 168-171
	bcLongJumpFalse    = 172 // 172-175
	bcSpecialSend      = 176 // 176-207
	bcSendLit0         = 208 // 208-223
	bcSendLit1         = 224 // 224-239
	bcSendLit2         = 240 // 240-255
	extTypeRcvrVar     = 0
	extTypeTemp        = 1
	extTypeLitConst    = 2
	extTypeLitVar      = 3
	maxShortLiteral    = 31
	maxLongJumpForward = 1023
	minLongJump        = -1024
)

// ---------------------------------------------------------------------------
// CodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// CodeBuilder emits the V3PlusClosures encoding, choosing the short form of
// an instruction when its operand fits and the extended form otherwise.
type CodeBuilder struct {
	bytes []byte
}

// NewCodeBuilder creates a new bytecode builder.
func NewCodeBuilder() *CodeBuilder {
	return &CodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *CodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *CodeBuilder) Len() int {
	return len(b.bytes)
}

// EmitRaw appends raw bytes.
func (b *CodeBuilder) EmitRaw(data ...byte) {
	b.bytes = append(b.bytes, data...)
}

// PushSelf emits push receiver.
func (b *CodeBuilder) PushSelf() { b.EmitRaw(bcPushSelf) }

// PushTrue emits push true.
func (b *CodeBuilder) PushTrue() { b.EmitRaw(bcPushTrue) }

// PushFalse emits push false.
func (b *CodeBuilder) PushFalse() { b.EmitRaw(bcPushFalse) }

// PushNil emits push nil.
func (b *CodeBuilder) PushNil() { b.EmitRaw(bcPushNil) }

// PushSmall emits one of the single-byte integer constants -1, 0, 1, 2.
func (b *CodeBuilder) PushSmall(n int) {
	if n < -1 || n > 2 {
		panic(fmt.Sprintf("PushSmall: %d has no single-byte form", n))
	}
	b.EmitRaw(byte(bcPushMinusOne + n + 1))
}

// Pop emits pop.
func (b *CodeBuilder) Pop() { b.EmitRaw(bcPop) }

// Dup emits dup.
func (b *CodeBuilder) Dup() { b.EmitRaw(bcDup) }

// PushThisContext emits push thisContext.
func (b *CodeBuilder) PushThisContext() { b.EmitRaw(bcPushThisContext) }

// PushReceiverVariable emits push of receiver slot n.
func (b *CodeBuilder) PushReceiverVariable(n int) {
	if n < 16 {
		b.EmitRaw(byte(bcPushRcvrVar + n))
		return
	}
	b.extended(bcExtPush, extTypeRcvrVar, n)
}

// PushTemp emits push of temporary n.
func (b *CodeBuilder) PushTemp(n int) {
	if n < 16 {
		b.EmitRaw(byte(bcPushTemp + n))
		return
	}
	b.extended(bcExtPush, extTypeTemp, n)
}

// PushLiteral emits push of literal constant n.
func (b *CodeBuilder) PushLiteral(n int) {
	if n < 32 {
		b.EmitRaw(byte(bcPushLitConst + n))
		return
	}
	b.extended(bcExtPush, extTypeLitConst, n)
}

// PushLiteralVariable emits push of the value of binding literal n.
func (b *CodeBuilder) PushLiteralVariable(n int) {
	if n < 32 {
		b.EmitRaw(byte(bcPushLitVar + n))
		return
	}
	b.extended(bcExtPush, extTypeLitVar, n)
}

// StoreTemp emits store (without pop) into temporary n.
func (b *CodeBuilder) StoreTemp(n int) { b.extended(bcExtStore, extTypeTemp, n) }

// PopIntoTemp emits pop-and-store into temporary n.
func (b *CodeBuilder) PopIntoTemp(n int) {
	if n < 8 {
		b.EmitRaw(byte(bcPopIntoTemp + n))
		return
	}
	b.extended(bcExtPopStore, extTypeTemp, n)
}

// StoreReceiverVariable emits store (without pop) into receiver slot n.
func (b *CodeBuilder) StoreReceiverVariable(n int) { b.extended(bcExtStore, extTypeRcvrVar, n) }

// PopIntoReceiverVariable emits pop-and-store into receiver slot n.
func (b *CodeBuilder) PopIntoReceiverVariable(n int) {
	if n < 8 {
		b.EmitRaw(byte(bcPopIntoRcvrVar + n))
		return
	}
	b.extended(bcExtPopStore, extTypeRcvrVar, n)
}

// StoreLiteralVariable emits store (without pop) into binding literal n.
func (b *CodeBuilder) StoreLiteralVariable(n int) { b.extended(bcExtStore, extTypeLitVar, n) }

// PopIntoLiteralVariable emits pop-and-store into binding literal n.
func (b *CodeBuilder) PopIntoLiteralVariable(n int) { b.extended(bcExtPopStore, extTypeLitVar, n) }

func (b *CodeBuilder) extended(op byte, typ, n int) {
	if n > 63 {
		panic(fmt.Sprintf("extended operand %d out of range", n))
	}
	b.EmitRaw(op, byte(typ<<6|n))
}

// PushNewArray emits creation of an Array of size elements. When pop is set
// the elements are popped off the stack, otherwise the array is nil-filled.
func (b *CodeBuilder) PushNewArray(size int, pop bool) {
	if size > 127 {
		panic("PushNewArray: size out of range")
	}
	v := byte(size)
	if pop {
		v |= 0x80
	}
	b.EmitRaw(bcPushNewArray, v)
}

// PushRemoteTemp emits push of element index of the temp vector held in temporary vector.
func (b *CodeBuilder) PushRemoteTemp(index, vector int) {
	b.EmitRaw(bcPushRemoteTemp, byte(index), byte(vector))
}

// StoreRemoteTemp emits store (without pop) into a temp vector element.
func (b *CodeBuilder) StoreRemoteTemp(index, vector int) {
	b.EmitRaw(bcStoreRemoteTemp, byte(index), byte(vector))
}

// PopIntoRemoteTemp emits pop-and-store into a temp vector element.
func (b *CodeBuilder) PopIntoRemoteTemp(index, vector int) {
	b.EmitRaw(bcPopRemoteTemp, byte(index), byte(vector))
}

// ReturnSelf emits return receiver.
func (b *CodeBuilder) ReturnSelf() { b.EmitRaw(bcReturnSelf) }

// ReturnTrue emits return true.
func (b *CodeBuilder) ReturnTrue() { b.EmitRaw(bcReturnTrue) }

// ReturnFalse emits return false.
func (b *CodeBuilder) ReturnFalse() { b.EmitRaw(bcReturnFalse) }

// ReturnNil emits return nil.
func (b *CodeBuilder) ReturnNil() { b.EmitRaw(bcReturnNil) }

// ReturnTop emits return top of stack from the home method. Inside a block
// this is a non-local return.
func (b *CodeBuilder) ReturnTop() { b.EmitRaw(bcReturnTop) }

// BlockReturn emits return top of stack to the block's caller.
func (b *CodeBuilder) BlockReturn() { b.EmitRaw(bcBlockReturnTop) }

// Send emits a send of the selector held in literal lit with argc arguments.
func (b *CodeBuilder) Send(lit, argc int) {
	switch {
	case argc <= 2 && lit < 16:
		b.EmitRaw(byte(bcSendLit0 + argc*16 + lit))
	case argc < 8 && lit <= maxShortLiteral:
		b.EmitRaw(bcSingleExtSend, byte(argc<<5|lit))
	case argc < 4 && lit < 64:
		b.EmitRaw(bcSecondExtSend, byte(argc<<6|lit))
	default:
		b.EmitRaw(bcDoubleExt, byte(argc&31), byte(lit))
	}
}

// SuperSend emits a super send of the selector in literal lit.
func (b *CodeBuilder) SuperSend(lit, argc int) {
	if argc < 8 && lit <= maxShortLiteral {
		b.EmitRaw(bcSingleExtSuper, byte(argc<<5|lit))
		return
	}
	b.EmitRaw(bcDoubleExt, byte(1<<5|argc&31), byte(lit))
}

// SendSpecial emits a special-selector send by name.
func (b *CodeBuilder) SendSpecial(selector string) {
	for i, s := range specialSelectors {
		if s.name == selector {
			b.EmitRaw(byte(bcSpecialSend + i))
			return
		}
	}
	panic(fmt.Sprintf("SendSpecial: %q is not a special selector", selector))
}

// Closure emits a push-closure instruction whose body is generated by body.
// numCopied values are popped off the stack when the closure is created.
func (b *CodeBuilder) Closure(numCopied, numArgs int, body func(b *CodeBuilder)) {
	if numCopied > 15 || numArgs > 15 {
		panic("Closure: copied/args out of range")
	}
	b.EmitRaw(bcPushClosure, byte(numCopied<<4|numArgs), 0, 0)
	sizePos := len(b.bytes) - 2
	start := len(b.bytes)
	body(b)
	size := len(b.bytes) - start
	b.bytes[sizePos] = byte(size >> 8)
	b.bytes[sizePos+1] = byte(size)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a jump target.
type Label struct {
	resolved bool
	position int
	refs     []labelRef
}

type labelRef struct {
	pos int // offset of the jump opcode
	op  byte
}

// NewLabel creates an unresolved label.
func (b *CodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]labelRef, 0, 2)}
}

// Mark resolves a label to the current position and patches forward jumps.
func (b *CodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)
	for _, ref := range label.refs {
		b.patchJump(ref.pos, ref.op, label.position)
	}
	label.refs = nil
}

// Jump emits an unconditional long jump to label.
func (b *CodeBuilder) Jump(label *Label) { b.emitJump(bcLongJump, label) }

// JumpIfTrue emits a pop-and-jump-if-true to label. Conditional jumps only
// branch forward.
func (b *CodeBuilder) JumpIfTrue(label *Label) { b.emitJump(bcLongJumpTrue, label) }

// JumpIfFalse emits a pop-and-jump-if-false to label.
func (b *CodeBuilder) JumpIfFalse(label *Label) { b.emitJump(bcLongJumpFalse, label) }

func (b *CodeBuilder) emitJump(op byte, label *Label) {
	pos := len(b.bytes)
	b.bytes = append(b.bytes, op, 0)
	if label.resolved {
		b.patchJump(pos, op, label.position)
		return
	}
	label.refs = append(label.refs, labelRef{pos: pos, op: op})
}

func (b *CodeBuilder) patchJump(pos int, op byte, target int) {
	offset := target - (pos + 2)
	if op == bcLongJump {
		if offset < minLongJump || offset > maxLongJumpForward {
			panic(fmt.Sprintf("jump offset %d out of range", offset))
		}
		b.bytes[pos] = byte(bcLongJump + (offset >> 8) + 4)
		b.bytes[pos+1] = byte(offset & 0xFF)
		return
	}
	if offset < 0 || offset > maxLongJumpForward {
		panic(fmt.Sprintf("conditional jump offset %d out of range", offset))
	}
	b.bytes[pos] = op + byte(offset>>8)
	b.bytes[pos+1] = byte(offset & 0xFF)
}
