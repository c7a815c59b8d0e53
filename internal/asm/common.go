package asm

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrCapacity reports an encoding that cannot represent the requested
	// value. The compilation must be abandoned.
	ErrCapacity = errors.New("asm: capacity exceeded")
	// ErrPinned is the panic value for growth of a pinned buffer.
	ErrPinned = errors.New("asm: pinned buffer cannot move")
)

// Context is what fragments emit into.
type Context interface {
	EmitBytes(data []byte)
	RelPC() int

	// Bind binds l at the current offset.
	Bind(l *Label)
	// AddJump records a branch site at the current offset targeting l. The
	// caller emits the instruction right after.
	AddJump(l *Label)
	// AddAddress records an 8-byte slot at the current offset that receives
	// the absolute address of l.
	AddAddress(l *Label)
	Align(kind NodeKind)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type bindLabel struct {
	label *Label
}

// MarkLabel binds label at the position the fragment is emitted.
func MarkLabel(label *Label) Fragment {
	return &bindLabel{label: label}
}

func (l *bindLabel) Emit(ctx Context) error {
	ctx.Bind(l.label)
	return nil
}

type alignFragment struct {
	kind NodeKind
}

// AlignTo requests padding so that the next instruction starts at the
// alignment described by kind.
func AlignTo(kind NodeKind) Fragment {
	return alignFragment{kind: kind}
}

func (a alignFragment) Emit(ctx Context) error {
	ctx.Align(a.kind)
	return nil
}

// Program is patched machine code plus the offsets of 8-byte slots that hold
// code-relative addresses and must be rebased when the code is installed.
type Program struct {
	code        []byte
	relocations []int
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int { return len(p.code) }

func (p Program) Relocations() []int {
	return append([]int(nil), p.relocations...)
}

// RelocatedCopy returns the code with every relocation slot rebased to base.
func (p Program) RelocatedCopy(base uintptr) []byte {
	out := append([]byte(nil), p.code...)
	for _, off := range p.relocations {
		if off < 0 || off+8 > len(out) {
			continue
		}
		val := binary.LittleEndian.Uint64(out[off:])
		binary.LittleEndian.PutUint64(out[off:], val+uint64(base))
	}
	return out
}

func (p Program) Clone() Program {
	return Program{
		code:        append([]byte(nil), p.code...),
		relocations: append([]int(nil), p.relocations...),
	}
}

func NewProgram(code []byte, relocations []int) Program {
	return Program{
		code:        append([]byte(nil), code...),
		relocations: append([]int(nil), relocations...),
	}
}
