package vm

import (
	"bytes"
	"testing"
)

func TestKindInfo(t *testing.T) {
	tests := []struct {
		kind  Kind
		name  string
		jump  bool
		isRet bool
	}{
		{KindPushTemp, "pushTemp", false, false},
		{KindJump, "jump", true, false},
		{KindJumpIfFalse, "jumpFalse", true, false},
		{KindReturnTop, "returnTop", false, true},
		{KindReturnTopFromBlock, "blockReturn", false, true},
		{KindSend, "send", false, false},
	}

	for _, tt := range tests {
		if tt.kind.String() != tt.name {
			t.Errorf("%d.String() = %q, want %q", tt.kind, tt.kind.String(), tt.name)
		}
		if tt.kind.IsJump() != tt.jump {
			t.Errorf("%s.IsJump() = %v, want %v", tt.name, tt.kind.IsJump(), tt.jump)
		}
		if tt.kind.IsReturn() != tt.isRet {
			t.Errorf("%s.IsReturn() = %v, want %v", tt.name, tt.kind.IsReturn(), tt.isRet)
		}
	}

	if got := Kind(200).String(); got != "kind200" {
		t.Errorf("Kind(200).String() = %q, want kind200", got)
	}
}

func TestCodeBuilderEncodings(t *testing.T) {
	tests := []struct {
		name string
		emit func(b *CodeBuilder)
		want []byte
	}{
		{"push temp short", func(b *CodeBuilder) { b.PushTemp(3) }, []byte{0x13}},
		{"push temp extended", func(b *CodeBuilder) { b.PushTemp(20) }, []byte{0x80, 0x40 | 20}},
		{"push literal extended", func(b *CodeBuilder) { b.PushLiteral(40) }, []byte{0x80, 0x80 | 40}},
		{"push small -1", func(b *CodeBuilder) { b.PushSmall(-1) }, []byte{0x74}},
		{"push small 2", func(b *CodeBuilder) { b.PushSmall(2) }, []byte{0x77}},
		{"pop into temp short", func(b *CodeBuilder) { b.PopIntoTemp(7) }, []byte{0x6F}},
		{"pop into temp extended", func(b *CodeBuilder) { b.PopIntoTemp(9) }, []byte{0x82, 0x40 | 9}},
		{"store temp", func(b *CodeBuilder) { b.StoreTemp(2) }, []byte{0x81, 0x42}},
		{"send short", func(b *CodeBuilder) { b.Send(3, 1) }, []byte{0xE3}},
		{"send single extended", func(b *CodeBuilder) { b.Send(20, 1) }, []byte{0x83, 1<<5 | 20}},
		{"send second extended", func(b *CodeBuilder) { b.Send(40, 2) }, []byte{0x86, 2<<6 | 40}},
		{"send double extended", func(b *CodeBuilder) { b.Send(40, 5) }, []byte{0x84, 5, 40}},
		{"super send", func(b *CodeBuilder) { b.SuperSend(2, 1) }, []byte{0x85, 1<<5 | 2}},
		{"special send", func(b *CodeBuilder) { b.SendSpecial("value:") }, []byte{0xCA}},
		{"new array popping", func(b *CodeBuilder) { b.PushNewArray(3, true) }, []byte{0x8A, 0x83}},
		{"remote temp", func(b *CodeBuilder) { b.PushRemoteTemp(1, 2) }, []byte{0x8C, 1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewCodeBuilder()
			tt.emit(b)
			if !bytes.Equal(b.Bytes(), tt.want) {
				t.Errorf("bytes = % x, want % x", b.Bytes(), tt.want)
			}
		})
	}
}

func TestCodeBuilderJumps(t *testing.T) {
	b := NewCodeBuilder()
	top := b.NewLabel()
	end := b.NewLabel()
	b.Mark(top)
	b.PushTrue()
	b.JumpIfTrue(end)
	b.Jump(top)
	b.Mark(end)
	b.ReturnNil()

	want := []byte{
		0x71,       // push true
		0xA8, 0x02, // jumpTrue +2
		0xA3, 0xFB, // jump -5
		0x7B,
	}
	if !bytes.Equal(b.Bytes(), want) {
		t.Fatalf("bytes = % x, want % x", b.Bytes(), want)
	}

	code := NewCodeBlock("jumps", 0, b.Bytes(), nil)
	p, err := code.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got := p.At(1).Target; got != 5 {
		t.Errorf("jumpTrue target = %d, want 5", got)
	}
	if got := p.At(3).Target; got != 0 {
		t.Errorf("jump target = %d, want 0", got)
	}
}

func TestCodeBuilderClosureSize(t *testing.T) {
	b := NewCodeBuilder()
	b.Closure(2, 1, func(b *CodeBuilder) {
		b.PushTemp(0)
		b.BlockReturn()
	})
	b.ReturnTop()

	want := []byte{0x8F, 0x21, 0x00, 0x02, 0x10, 0x7D, 0x7C}
	if !bytes.Equal(b.Bytes(), want) {
		t.Errorf("bytes = % x, want % x", b.Bytes(), want)
	}
}

func TestMethodBuilderLiterals(t *testing.T) {
	st := NewSymbolTable()
	m := NewMethodBuilder(st, "lits", 1)
	a := m.Literal(FromSmallInt(7))
	b := m.Selector("foo:")
	c := m.Literal(FromSmallInt(7))
	if a != c {
		t.Errorf("equal literals got indices %d and %d", a, c)
	}
	if b != 1 {
		t.Errorf("selector index = %d, want 1", b)
	}

	m.SetNumTemps(3).SetPrimitive(5)
	m.Bytecode().ReturnSelf()
	code := m.Build()
	if code.NumArgs != 1 || code.NumTemps != 3 || code.PrimitiveIndex != 5 {
		t.Errorf("signature = args %d temps %d prim %d, want 1 3 5", code.NumArgs, code.NumTemps, code.PrimitiveIndex)
	}
	if !code.HasPrimitive() || code.IsBlock() {
		t.Error("method with primitive should report HasPrimitive and not IsBlock")
	}
	if code.Literal(b) != st.SymbolValue("foo:") {
		t.Errorf("Literal(%d) = %v, want #foo:", b, code.Literal(b))
	}
	if code.Literal(99) != Nil {
		t.Error("out-of-range literal should be nil")
	}
}
