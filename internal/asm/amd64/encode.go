package amd64

import (
	"encoding/binary"
	"math"
)

// Mem is a base+displacement memory operand.
type Mem struct {
	Base Reg
	Disp int32
}

func appendImm32(out []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(out, v)
}

// appendModRM encodes reg (the ModRM reg field) against the memory operand.
func appendModRM(out []byte, reg byte, m Mem) []byte {
	rm := m.Base.low()
	var mod byte
	switch {
	case m.Disp == 0 && rm != 5:
		mod = 0x00
	case m.Disp >= math.MinInt8 && m.Disp <= math.MaxInt8:
		mod = 0x40
	default:
		mod = 0x80
	}
	out = append(out, mod|(reg&7)<<3|rm)
	if rm == 4 {
		// rsp and r12 need a SIB byte with no index.
		out = append(out, 0x24)
	}
	switch mod {
	case 0x40:
		out = append(out, byte(int8(m.Disp)))
	case 0x80:
		out = appendImm32(out, uint32(m.Disp))
	}
	return out
}

func encodeMovRegImm(dst Reg, v int64) ([]byte, error) {
	if err := dst.validate(); err != nil {
		return nil, err
	}
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		out := rexState{w: true, b: dst.high()}.appendTo(nil)
		out = append(out, 0xC7, 0xC0|dst.low())
		return appendImm32(out, uint32(int32(v))), nil
	}
	out := rexState{w: true, b: dst.high()}.appendTo(nil)
	out = append(out, 0xB8+dst.low())
	return binary.LittleEndian.AppendUint64(out, uint64(v)), nil
}

// encodeMovAbs always uses the 10-byte form so the immediate can be patched.
// It returns the offset of the immediate.
func encodeMovAbs(dst Reg, v uint64) ([]byte, int, error) {
	if err := dst.validate(); err != nil {
		return nil, 0, err
	}
	out := rexState{w: true, b: dst.high()}.appendTo(nil)
	out = append(out, 0xB8+dst.low())
	immOff := len(out)
	return binary.LittleEndian.AppendUint64(out, v), immOff, nil
}

func encodeRegReg(op byte, dst, src Reg) ([]byte, error) {
	if err := dst.validate(); err != nil {
		return nil, err
	}
	if err := src.validate(); err != nil {
		return nil, err
	}
	out := rexState{w: true, r: src.high(), b: dst.high()}.appendTo(nil)
	return append(out, op, 0xC0|src.low()<<3|dst.low()), nil
}

func encodeMovRegReg(dst, src Reg) ([]byte, error)  { return encodeRegReg(0x89, dst, src) }
func encodeTestRegReg(dst, src Reg) ([]byte, error) { return encodeRegReg(0x85, dst, src) }

func encodeLoad(dst Reg, m Mem) ([]byte, error) {
	if err := dst.validate(); err != nil {
		return nil, err
	}
	if err := m.Base.validate(); err != nil {
		return nil, err
	}
	out := rexState{w: true, r: dst.high(), b: m.Base.high()}.appendTo(nil)
	out = append(out, 0x8B)
	return appendModRM(out, dst.low(), m), nil
}

func encodeStore(m Mem, src Reg) ([]byte, error) {
	if err := src.validate(); err != nil {
		return nil, err
	}
	if err := m.Base.validate(); err != nil {
		return nil, err
	}
	out := rexState{w: true, r: src.high(), b: m.Base.high()}.appendTo(nil)
	out = append(out, 0x89)
	return appendModRM(out, src.low(), m), nil
}

// encodeALUImm encodes the 0x81 group with a 32-bit immediate.
func encodeALUImm(sub byte, reg Reg, v int32) ([]byte, error) {
	if err := reg.validate(); err != nil {
		return nil, err
	}
	out := rexState{w: true, b: reg.high()}.appendTo(nil)
	out = append(out, 0x81, 0xC0|sub<<3|reg.low())
	return appendImm32(out, uint32(v)), nil
}

func encodeAddRegImm(reg Reg, v int32) ([]byte, error) { return encodeALUImm(0, reg, v) }
func encodeCmpRegImm(reg Reg, v int32) ([]byte, error) { return encodeALUImm(7, reg, v) }

func encodeCallReg(target Reg) ([]byte, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}
	out := rexState{b: target.high()}.appendTo(nil)
	return append(out, 0xFF, 0xD0|target.low()), nil
}

func encodeRet() []byte { return []byte{0xC3} }

// nopTable holds the recommended multi-byte no-op forms indexed by length.
var nopTable = [...][]byte{
	1: {0x90},
	2: {0x66, 0x90},
	3: {0x0F, 0x1F, 0x00},
	4: {0x0F, 0x1F, 0x40, 0x00},
	5: {0x0F, 0x1F, 0x44, 0x00, 0x00},
	6: {0x66, 0x0F, 0x1F, 0x44, 0x00, 0x00},
	7: {0x0F, 0x1F, 0x80, 0x00, 0x00, 0x00, 0x00},
	8: {0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	9: {0x66, 0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

const maxNop = len(nopTable) - 1

func encodeNops(n int) []byte {
	out := make([]byte, 0, n)
	for n > 0 {
		k := min(n, maxNop)
		out = append(out, nopTable[k]...)
		n -= k
	}
	return out
}
