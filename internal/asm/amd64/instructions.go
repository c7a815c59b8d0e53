package amd64

import (
	"fmt"

	"github.com/tinyrange/codeblob/internal/asm"
)

type rawBytes []byte

func (r rawBytes) Emit(ctx asm.Context) error {
	ctx.EmitBytes(r)
	return nil
}

// Raw emits pre-encoded bytes.
func Raw(data ...byte) asm.Fragment {
	return rawBytes(append([]byte(nil), data...))
}

type encoded func() ([]byte, error)

func (e encoded) Emit(ctx asm.Context) error {
	code, err := e()
	if err != nil {
		return err
	}
	ctx.EmitBytes(code)
	return nil
}

func MovImmediate(dst Reg, value int64) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegImm(dst, value) })
}

func MovReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegReg(dst, src) })
}

// Load reads a quadword. The first byte of the instruction is the faulting
// pc when the base is null.
func Load(dst Reg, m Mem) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeLoad(dst, m) })
}

func Store(m Mem, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeStore(m, src) })
}

func AddRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeAddRegImm(reg, value) })
}

func CmpRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCmpRegImm(reg, value) })
}

func TestReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeTestRegReg(dst, src) })
}

func CallReg(target Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCallReg(target) })
}

func Ret() asm.Fragment {
	return rawBytes(encodeRet())
}

// Nop emits n bytes of no-ops.
func Nop(n int) asm.Fragment {
	return rawBytes(encodeNops(n))
}

type jump struct {
	label *asm.Label
	code  []byte
}

func (j *jump) Emit(ctx asm.Context) error {
	if j.label == nil {
		return fmt.Errorf("jump without a label")
	}
	ctx.AddJump(j.label)
	ctx.EmitBytes(j.code)
	return nil
}

// Jump is an unconditional branch. It starts short and is widened when the
// target is out of range.
func Jump(label *asm.Label) asm.Fragment {
	return &jump{label: label, code: []byte{opJmpShort, 0}}
}

// JumpIf is a conditional branch. It starts short and is widened when the
// target is out of range.
func JumpIf(cond Cond, label *asm.Label) asm.Fragment {
	return &jump{label: label, code: []byte{opJccShort | byte(cond&0xF), 0}}
}

// JumpLong is an unconditional branch that is always emitted in rel32 form.
func JumpLong(label *asm.Label) asm.Fragment {
	return &jump{label: label, code: []byte{opJmpLong, 0, 0, 0, 0}}
}

// JumpIfLong is a conditional branch that is always emitted in rel32 form.
func JumpIfLong(cond Cond, label *asm.Label) asm.Fragment {
	return &jump{label: label, code: []byte{opTwoByte, opJccLong | byte(cond&0xF), 0, 0, 0, 0}}
}

// Jrcxz branches when rcx is zero. It has no wide form; an out-of-range
// target fails patching with a capacity error.
func Jrcxz(label *asm.Label) asm.Fragment {
	return &jump{label: label, code: []byte{opJrcxz, 0}}
}

type call struct {
	label *asm.Label
}

// Call emits a rel32 call whose displacement is aligned for atomic patching.
func Call(label *asm.Label) asm.Fragment {
	return &call{label: label}
}

func (c *call) Emit(ctx asm.Context) error {
	if c.label == nil {
		return fmt.Errorf("call without a label")
	}
	ctx.Align(asm.NodeAlignCall)
	ctx.AddJump(c.label)
	ctx.EmitBytes([]byte{opCall, 0, 0, 0, 0})
	return nil
}

type loadAddress struct {
	dst   Reg
	label *asm.Label
}

// LoadAddress materializes the absolute address of label in dst.
func LoadAddress(dst Reg, label *asm.Label) asm.Fragment {
	return &loadAddress{dst: dst, label: label}
}

func (l *loadAddress) Emit(ctx asm.Context) error {
	code, immOff, err := encodeMovAbs(l.dst, 0)
	if err != nil {
		return err
	}
	ctx.EmitBytes(code[:immOff])
	ctx.AddAddress(l.label)
	ctx.EmitBytes(code[immOff:])
	return nil
}

type inlineCache struct {
	kid    int32
	miss   *asm.Label
	target *asm.Label
}

// InlineCache emits a monomorphic inline cache: compare the receiver klass id
// in eax against kid, branch to miss on mismatch, otherwise call target.
func InlineCache(kid int32, miss, target *asm.Label) asm.Fragment {
	return &inlineCache{kid: kid, miss: miss, target: target}
}

func (ic *inlineCache) Emit(ctx asm.Context) error {
	if ic.miss == nil || ic.target == nil {
		return fmt.Errorf("inline cache requires miss and target labels")
	}
	ctx.Align(asm.NodeAlignInlineCache)
	ctx.EmitBytes(appendImm32([]byte{0x3D}, uint32(ic.kid)))
	ctx.AddJump(ic.miss)
	ctx.EmitBytes([]byte{opTwoByte, opJccLong | byte(NotEqual), 0, 0, 0, 0})
	ctx.AddJump(ic.target)
	ctx.EmitBytes([]byte{opCall, 0, 0, 0, 0})
	return nil
}
