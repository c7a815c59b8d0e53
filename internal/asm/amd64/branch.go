package amd64

import (
	"fmt"

	"github.com/tinyrange/codeblob/internal/asm"
)

// Cond is an x86 condition code as encoded in the low nibble of Jcc.
type Cond uint8

const (
	Overflow       Cond = 0x0
	NoOverflow     Cond = 0x1
	Below          Cond = 0x2
	AboveOrEqual   Cond = 0x3
	Equal          Cond = 0x4
	NotEqual       Cond = 0x5
	BelowOrEqual   Cond = 0x6
	Above          Cond = 0x7
	Sign           Cond = 0x8
	NotSign        Cond = 0x9
	Less           Cond = 0xC
	GreaterOrEqual Cond = 0xD
	LessOrEqual    Cond = 0xE
	Greater        Cond = 0xF

	Zero    = Equal
	NotZero = NotEqual
)

const (
	opJccShort  = 0x70
	opJmpShort  = 0xEB
	opJmpLong   = 0xE9
	opCall      = 0xE8
	opTwoByte   = 0x0F
	opJccLong   = 0x80
	opLoopFirst = 0xE0
	opJrcxz     = 0xE3

	shortBranchSize = 2
	jmpLongSize     = 5
	jccLongSize     = 6
	callSize        = 5
)

// Inline cache layout: cmp eax, imm32 (kid); jne rel32; call rel32.
//
//	0  1  2  3  4  5  6  7  8  9 10 11 12 13 14 15
//	3D <-- kid -->  0F 85 <-- miss --> E8 <-- disp -->
const (
	icKidOffset  = 1
	icDispOffset = 12
	icSize       = 16

	callDispOffset = 1
	patchLine      = 16
	patchWord      = 4
)

// Encoder implements asm.BranchEncoder for x86-64. Branches are emitted in
// their two-byte form and widened during patching when the target is out of
// rel8 range.
type Encoder struct{}

var (
	_ asm.BranchEncoder = Encoder{}
)

func isJcc(op byte) bool { return op&0xF0 == opJccShort }

func (Encoder) Site(code []byte) (asm.Site, error) {
	if len(code) == 0 {
		return asm.Site{}, fmt.Errorf("empty branch site")
	}
	op := code[0]
	switch {
	case isJcc(op):
		return asm.Site{Size: shortBranchSize, DispOff: 1, DispSize: 1, WideSize: jccLongSize}, nil
	case op == opJmpShort:
		return asm.Site{Size: shortBranchSize, DispOff: 1, DispSize: 1, WideSize: jmpLongSize}, nil
	case op >= opLoopFirst && op <= opJrcxz:
		return asm.Site{Size: shortBranchSize, DispOff: 1, DispSize: 1}, nil
	case op == opJmpLong:
		return asm.Site{Size: jmpLongSize, DispOff: 1, DispSize: 4}, nil
	case op == opCall:
		return asm.Site{Size: callSize, DispOff: 1, DispSize: 4}, nil
	case op == opTwoByte && len(code) > 1 && code[1]&0xF0 == opJccLong:
		return asm.Site{Size: jccLongSize, DispOff: 2, DispSize: 4}, nil
	}
	return asm.Site{}, fmt.Errorf("unexpected branch opcode 0x%02x", op)
}

func (Encoder) Widen(short []byte) []byte {
	op := short[0]
	switch {
	case op == opJmpShort:
		return []byte{opJmpLong, 0, 0, 0, 0}
	case isJcc(op):
		return []byte{opTwoByte, op + 0x10, 0, 0, 0, 0}
	}
	panic(fmt.Sprintf("amd64: cannot widen opcode 0x%02x", op))
}

func (Encoder) Padding(kind asm.NodeKind, pc int) int {
	switch kind {
	case asm.NodeAlignCall:
		return CallPadding(pc)
	case asm.NodeAlignInlineCache:
		return InlineCachePadding(pc)
	}
	panic(fmt.Sprintf("amd64: no padding rule for %s", kind))
}

func (Encoder) Nops(n int) []byte { return encodeNops(n) }

// crossesLine reports whether a 4-byte field at off straddles a 16-byte line.
func crossesLine(off int) bool {
	return patchLine-(off&(patchLine-1)) < patchWord
}

// CallPadding returns the no-op bytes needed before a call at pc so its
// displacement can be patched with a single aligned store.
func CallPadding(pc int) int {
	a := pc
	for crossesLine(a + callDispOffset) {
		a++
	}
	return a - pc
}

// InlineCachePadding returns the no-op bytes needed before an inline cache at
// pc so neither the klass id nor the call displacement straddles a line.
func InlineCachePadding(pc int) int {
	a := pc
	for crossesLine(a+icKidOffset) || crossesLine(a+icDispOffset) {
		a++
	}
	return a - pc
}
