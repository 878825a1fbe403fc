package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Decoded instructions
// ---------------------------------------------------------------------------

// Instruction is one decoded bytecode. Instructions are produced once per
// CodeBlock and shared read-only by every activation.
type Instruction struct {
	Kind   Kind
	Offset int  // byte offset of the opcode
	Length int  // encoded length in bytes
	Opcode byte // raw opcode byte

	Index  int // slot, literal or receiver-variable index; array size
	Vector int // temp holding the remote temp vector

	Selector Value // sends
	Argc     int   // sends
	Special  int   // special-selector index, -1 for literal sends

	Constant Value // pushConst, returnConst
	Target   int   // absolute jump target
	Pop      bool  // pushNewArray pops its elements off the stack
	Pops     int   // operand stack values consumed

	Block     *CodeBlock // pushClosure
	BlockSize int        // pushClosure body length in bytes
}

// stackPops returns how many operand stack values ins consumes.
func stackPops(ins *Instruction) int {
	switch ins.Kind {
	case KindPop, KindDup, KindStoreTemp, KindPopIntoTemp,
		KindStoreReceiverVariable, KindPopIntoReceiverVariable,
		KindStoreLiteralVariable, KindPopIntoLiteralVariable,
		KindStoreRemoteTemp, KindPopIntoRemoteTemp,
		KindJumpIfTrue, KindJumpIfFalse,
		KindReturnTop, KindReturnTopFromBlock:
		return 1
	case KindPushNewArray:
		if ins.Pop {
			return ins.Index
		}
	case KindPushClosure:
		return ins.Block.NumCopied
	case KindSend, KindSuperSend:
		return ins.Argc + 1
	}
	return 0
}

// Successor returns the offset of the instruction that runs next in
// straight-line order. For push-closure it skips the inline block body.
func (in *Instruction) Successor() int {
	return in.Offset + in.Length + in.BlockSize
}

// String disassembles the instruction.
func (in *Instruction) String() string {
	name := in.Kind.Info().Name
	switch in.Kind {
	case KindPushReceiverVariable, KindPushTemp, KindPushLiteralConstant, KindPushLiteralVariable,
		KindStoreReceiverVariable, KindPopIntoReceiverVariable, KindStoreTemp, KindPopIntoTemp,
		KindStoreLiteralVariable, KindPopIntoLiteralVariable:
		return fmt.Sprintf("%04d  %s %d", in.Offset, name, in.Index)
	case KindPushConstant, KindReturnConstant:
		return fmt.Sprintf("%04d  %s %s", in.Offset, name, in.Constant)
	case KindPushNewArray:
		return fmt.Sprintf("%04d  %s %d pop=%t", in.Offset, name, in.Index, in.Pop)
	case KindPushRemoteTemp, KindStoreRemoteTemp, KindPopIntoRemoteTemp:
		return fmt.Sprintf("%04d  %s %d inVector %d", in.Offset, name, in.Index, in.Vector)
	case KindPushClosure:
		return fmt.Sprintf("%04d  %s copied=%d args=%d bytes %d to %d", in.Offset, name,
			in.Block.NumCopied, in.Block.NumArgs, in.Offset+in.Length, in.Successor())
	case KindSend, KindSuperSend:
		if in.Special >= 0 {
			sel, _ := SpecialSelector(in.Special)
			return fmt.Sprintf("%04d  %s #%s argc=%d", in.Offset, name, sel, in.Argc)
		}
		return fmt.Sprintf("%04d  %s lit=%d argc=%d", in.Offset, name, in.Index, in.Argc)
	case KindJump, KindJumpIfTrue, KindJumpIfFalse:
		return fmt.Sprintf("%04d  %s -> %04d", in.Offset, name, in.Target)
	}
	return fmt.Sprintf("%04d  %s", in.Offset, name)
}

// Program is the decoded form of a CodeBlock: the reachable instructions in
// offset order, indexed by byte offset.
type Program struct {
	code         *CodeBlock
	instructions []Instruction
	index        []int32 // byte offset -> position in instructions, -1 if not a start
}

// Code returns the CodeBlock this program was decoded from.
func (p *Program) Code() *CodeBlock {
	return p.code
}

// Len returns the number of decoded instructions.
func (p *Program) Len() int {
	return len(p.instructions)
}

// At returns the instruction starting at byte offset pc, or nil.
func (p *Program) At(pc int) *Instruction {
	if pc < 0 || pc >= len(p.index) {
		return nil
	}
	i := p.index[pc]
	if i < 0 {
		return nil
	}
	return &p.instructions[i]
}

// Instructions returns the decoded sequence. Callers must not modify it.
func (p *Program) Instructions() []Instruction {
	return p.instructions
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// decode turns code's bytes into a Program. It is a pure function of the
// bytes, literals and signature; block fragments are decoded eagerly so any
// malformation anywhere in the method is reported here.
func decode(code *CodeBlock) (*Program, error) {
	bc := code.Bytecode
	if len(bc) == 0 {
		return nil, decodeErrorf(code, 0, "empty bytecode")
	}

	p := &Program{
		code:         code,
		instructions: make([]Instruction, 0, len(bc)),
		index:        make([]int32, len(bc)),
	}
	for i := range p.index {
		p.index[i] = -1
	}

	pc := 0
	for pc < len(bc) {
		ins, err := decodeAt(code, pc)
		if err != nil {
			return nil, err
		}
		if ins.Kind == KindPushClosure {
			block, err := blockFragment(code, &ins)
			if err != nil {
				return nil, err
			}
			ins.Block = block
		}
		ins.Pops = stackPops(&ins)
		p.index[pc] = int32(len(p.instructions))
		p.instructions = append(p.instructions, ins)
		pc = ins.Successor()
	}
	if pc != len(bc) {
		return nil, decodeErrorf(code, len(bc)-1, "instruction overruns end of code")
	}

	for i := range p.instructions {
		ins := &p.instructions[i]
		if !ins.Kind.IsJump() {
			continue
		}
		if p.At(ins.Target) == nil {
			return nil, decodeErrorf(code, ins.Offset, "jump target %d is not an instruction start", ins.Target)
		}
	}

	last := &p.instructions[len(p.instructions)-1]
	if !last.Kind.IsReturn() && last.Kind != KindJump {
		return nil, decodeErrorf(code, last.Offset, "execution falls off the end of the code")
	}
	return p, nil
}

func blockFragment(outer *CodeBlock, ins *Instruction) (*CodeBlock, error) {
	start := ins.Offset + ins.Length
	end := start + ins.BlockSize
	if ins.BlockSize == 0 || end > len(outer.Bytecode) {
		return nil, decodeErrorf(outer, ins.Offset, "block body [%d,%d) exceeds code", start, end)
	}
	numCopied := ins.Index
	numArgs := ins.Argc
	block := &CodeBlock{
		Name:      fmt.Sprintf("%s[]@%d", outer.Name, start),
		NumArgs:   numArgs,
		NumTemps:  numArgs + numCopied,
		Literals:  outer.Literals,
		Bytecode:  outer.Bytecode[start:end:end],
		Outer:     outer,
		StartPC:   start,
		NumCopied: numCopied,
	}
	if _, err := block.Decode(); err != nil {
		return nil, err
	}
	return block, nil
}

func decodeAt(code *CodeBlock, pc int) (Instruction, error) {
	bc := code.Bytecode
	b := bc[pc]
	ins := Instruction{Offset: pc, Length: 1, Opcode: b, Special: -1}

	operands := func(n int) ([]byte, error) {
		if pc+1+n > len(bc) {
			return nil, decodeErrorf(code, pc, "truncated operands")
		}
		ins.Length = 1 + n
		return bc[pc+1 : pc+1+n], nil
	}
	literal := func(i int) error {
		if i >= len(code.Literals) {
			return decodeErrorf(code, pc, "literal index %d out of range (%d literals)", i, len(code.Literals))
		}
		ins.Index = i
		return nil
	}
	send := func(kind Kind, lit, argc int) error {
		if err := literal(lit); err != nil {
			return err
		}
		sel := code.Literals[lit]
		if !sel.IsSymbol() {
			return decodeErrorf(code, pc, "selector literal %d is not a symbol", lit)
		}
		ins.Kind = kind
		ins.Selector = sel
		ins.Argc = argc
		return nil
	}

	switch {
	case b < bcPushTemp:
		ins.Kind, ins.Index = KindPushReceiverVariable, int(b)
	case b < bcPushLitConst:
		ins.Kind, ins.Index = KindPushTemp, int(b-bcPushTemp)
	case b < bcPushLitVar:
		ins.Kind = KindPushLiteralConstant
		return ins, literal(int(b - bcPushLitConst))
	case b < bcPopIntoRcvrVar:
		ins.Kind = KindPushLiteralVariable
		return ins, literal(int(b - bcPushLitVar))
	case b < bcPopIntoTemp:
		ins.Kind, ins.Index = KindPopIntoReceiverVariable, int(b-bcPopIntoRcvrVar)
	case b < bcPushSelf:
		ins.Kind, ins.Index = KindPopIntoTemp, int(b-bcPopIntoTemp)
	case b == bcPushSelf:
		ins.Kind = KindPushReceiver
	case b == bcPushTrue:
		ins.Kind, ins.Constant = KindPushConstant, True
	case b == bcPushFalse:
		ins.Kind, ins.Constant = KindPushConstant, False
	case b == bcPushNil:
		ins.Kind, ins.Constant = KindPushConstant, Nil
	case b < bcReturnSelf:
		ins.Kind, ins.Constant = KindPushConstant, FromSmallInt(int64(b)-int64(bcPushMinusOne)-1)
	case b == bcReturnSelf:
		ins.Kind = KindReturnReceiver
	case b == bcReturnTrue:
		ins.Kind, ins.Constant = KindReturnConstant, True
	case b == bcReturnFalse:
		ins.Kind, ins.Constant = KindReturnConstant, False
	case b == bcReturnNil:
		ins.Kind, ins.Constant = KindReturnConstant, Nil
	case b == bcReturnTop:
		ins.Kind = KindReturnTop
	case b == bcBlockReturnTop:
		ins.Kind = KindReturnTopFromBlock

	case b == bcExtPush:
		ops, err := operands(1)
		if err != nil {
			return ins, err
		}
		typ, idx := int(ops[0]>>6), int(ops[0]&63)
		switch typ {
		case extTypeRcvrVar:
			ins.Kind, ins.Index = KindPushReceiverVariable, idx
		case extTypeTemp:
			ins.Kind, ins.Index = KindPushTemp, idx
		case extTypeLitConst:
			ins.Kind = KindPushLiteralConstant
			return ins, literal(idx)
		case extTypeLitVar:
			ins.Kind = KindPushLiteralVariable
			return ins, literal(idx)
		}

	case b == bcExtStore || b == bcExtPopStore:
		ops, err := operands(1)
		if err != nil {
			return ins, err
		}
		pop := b == bcExtPopStore
		typ, idx := int(ops[0]>>6), int(ops[0]&63)
		switch typ {
		case extTypeRcvrVar:
			ins.Kind, ins.Index = pick(pop, KindPopIntoReceiverVariable, KindStoreReceiverVariable), idx
		case extTypeTemp:
			ins.Kind, ins.Index = pick(pop, KindPopIntoTemp, KindStoreTemp), idx
		case extTypeLitConst:
			return ins, decodeErrorf(code, pc, "illegal store into literal constant")
		case extTypeLitVar:
			ins.Kind = pick(pop, KindPopIntoLiteralVariable, KindStoreLiteralVariable)
			return ins, literal(idx)
		}

	case b == bcSingleExtSend || b == bcSingleExtSuper:
		ops, err := operands(1)
		if err != nil {
			return ins, err
		}
		kind := pick(b == bcSingleExtSuper, KindSuperSend, KindSend)
		return ins, send(kind, int(ops[0]&31), int(ops[0]>>5))

	case b == bcDoubleExt:
		ops, err := operands(2)
		if err != nil {
			return ins, err
		}
		op, x, y := int(ops[0]>>5), int(ops[0]&31), int(ops[1])
		switch op {
		case 0:
			return ins, send(KindSend, y, x)
		case 1:
			return ins, send(KindSuperSend, y, x)
		case 2:
			ins.Kind, ins.Index = KindPushReceiverVariable, y
		case 3:
			ins.Kind = KindPushLiteralConstant
			return ins, literal(y)
		case 4:
			ins.Kind = KindPushLiteralVariable
			return ins, literal(y)
		case 5:
			ins.Kind, ins.Index = KindStoreReceiverVariable, y
		case 6:
			ins.Kind, ins.Index = KindPopIntoReceiverVariable, y
		case 7:
			ins.Kind = KindStoreLiteralVariable
			return ins, literal(y)
		}

	case b == bcSecondExtSend:
		ops, err := operands(1)
		if err != nil {
			return ins, err
		}
		return ins, send(KindSend, int(ops[0]&63), int(ops[0]>>6))

	case b == bcPop:
		ins.Kind = KindPop
	case b == bcDup:
		ins.Kind = KindDup
	case b == bcPushThisContext:
		ins.Kind = KindPushActiveContext

	case b == bcPushNewArray:
		ops, err := operands(1)
		if err != nil {
			return ins, err
		}
		ins.Kind, ins.Index, ins.Pop = KindPushNewArray, int(ops[0]&127), ops[0] > 127

	case b >= bcPushRemoteTemp && b <= bcPopRemoteTemp:
		ops, err := operands(2)
		if err != nil {
			return ins, err
		}
		ins.Index, ins.Vector = int(ops[0]), int(ops[1])
		switch b {
		case bcPushRemoteTemp:
			ins.Kind = KindPushRemoteTemp
		case bcStoreRemoteTemp:
			ins.Kind = KindStoreRemoteTemp
		default:
			ins.Kind = KindPopIntoRemoteTemp
		}

	case b == bcPushClosure:
		ops, err := operands(3)
		if err != nil {
			return ins, err
		}
		ins.Kind = KindPushClosure
		ins.Index = int(ops[0] >> 4) // copied values
		ins.Argc = int(ops[0] & 0xF)
		ins.BlockSize = int(ops[1])<<8 | int(ops[2])

	case b >= bcShortJump && b < bcShortJumpFalse:
		ins.Kind, ins.Target = KindJump, pc+1+int(b&7)+1
	case b >= bcShortJumpFalse && b < bcLongJump:
		ins.Kind, ins.Target = KindJumpIfFalse, pc+1+int(b&7)+1

	case b >= bcLongJump && b < bcLongJumpTrue:
		ops, err := operands(1)
		if err != nil {
			return ins, err
		}
		ins.Kind, ins.Target = KindJump, pc+2+(int(b&7)-4)*256+int(ops[0])
	case b >= bcLongJumpTrue && b < bcLongJumpFalse:
		ops, err := operands(1)
		if err != nil {
			return ins, err
		}
		ins.Kind, ins.Target = KindJumpIfTrue, pc+2+int(b&3)*256+int(ops[0])
	case b >= bcLongJumpFalse && b < bcSpecialSend:
		ops, err := operands(1)
		if err != nil {
			return ins, err
		}
		ins.Kind, ins.Target = KindJumpIfFalse, pc+2+int(b&3)*256+int(ops[0])

	case b >= bcSpecialSend && b < bcSendLit0:
		idx := int(b - bcSpecialSend)
		_, argc := SpecialSelector(idx)
		ins.Kind = KindSend
		ins.Special = idx
		ins.Selector = FromSymbolID(uint32(idx))
		ins.Argc = argc

	case b >= bcSendLit0:
		n := int(b - bcSendLit0)
		return ins, send(KindSend, n%16, n/16)

	default:
		return ins, decodeErrorf(code, pc, "unknown bytecode")
	}
	return ins, nil
}

func pick(cond bool, a, b Kind) Kind {
	if cond {
		return a
	}
	return b
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble returns a listing of code, with block bodies indented under
// the push-closure that creates them.
func Disassemble(code *CodeBlock) (string, error) {
	var sb strings.Builder
	if err := disassembleInto(&sb, code, ""); err != nil {
		return "", err
	}
	return strings.TrimSuffix(sb.String(), "\n"), nil
}

func disassembleInto(sb *strings.Builder, code *CodeBlock, indent string) error {
	p, err := code.Decode()
	if err != nil {
		return err
	}
	for i := range p.instructions {
		ins := &p.instructions[i]
		sb.WriteString(indent)
		sb.WriteString(ins.String())
		sb.WriteByte('\n')
		if ins.Kind == KindPushClosure {
			if err := disassembleInto(sb, ins.Block, indent+"    "); err != nil {
				return err
			}
		}
	}
	return nil
}
