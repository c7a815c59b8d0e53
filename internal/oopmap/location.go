// Package oopmap records which registers and stack slots hold object
// references at each safepoint offset of a compiled unit.
package oopmap

import "fmt"

// RegCount is the number of general registers that can hold a reference.
// Locations below RegCount are registers; the rest are 8-byte stack slots.
const RegCount = 16

// Location names a register or a scaled stack slot. Floating point registers
// are not representable.
type Location int32

// Invalid is the location of nothing.
const Invalid Location = -1

var regNames = [RegCount]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// Register returns the location of general register r.
func Register(r int) Location {
	if r < 0 || r >= RegCount {
		panic(fmt.Sprintf("oopmap: register %d out of range", r))
	}
	return Location(r)
}

// Stack returns the location of the 8-byte stack slot at sp+off.
func Stack(off int) Location {
	if off < 0 || off%8 != 0 {
		panic(fmt.Sprintf("oopmap: stack offset %d is not a non-negative multiple of 8", off))
	}
	return Location(RegCount + off/8)
}

func (l Location) Valid() bool      { return l >= 0 }
func (l Location) IsRegister() bool { return l >= 0 && l < RegCount }
func (l Location) IsStack() bool    { return l >= RegCount }

// Reg returns the register number of a register location.
func (l Location) Reg() int {
	if !l.IsRegister() {
		panic(fmt.Sprintf("oopmap: %s is not a register", l))
	}
	return int(l)
}

// StackOffset returns the sp-relative byte offset of a stack location.
func (l Location) StackOffset() int {
	if !l.IsStack() {
		panic(fmt.Sprintf("oopmap: %s is not a stack slot", l))
	}
	return int(l-RegCount) * 8
}

func (l Location) String() string {
	switch {
	case l.IsRegister():
		return regNames[l]
	case l.IsStack():
		return fmt.Sprintf("[sp+%d]", l.StackOffset())
	default:
		return "invalid"
	}
}

// DerivedPair ties an interior pointer to the reference it was computed
// from.
type DerivedPair struct {
	Base    Location
	Derived Location
}

// SavePair records that callee-saved register Src was spilled to Dst.
type SavePair struct {
	Src Location
	Dst Location
}
