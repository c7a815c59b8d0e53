package amd64

import "fmt"

// Reg is a general-purpose register numbered by its hardware encoding.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// NumRegs is the number of general-purpose registers.
const NumRegs = 16

var regNames = [NumRegs]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Reg) String() string {
	if r < NumRegs {
		return regNames[r]
	}
	return fmt.Sprintf("Reg(%d)", uint8(r))
}

func (r Reg) low() byte  { return byte(r) & 7 }
func (r Reg) high() bool { return r >= R8 }

func (r Reg) validate() error {
	if r >= NumRegs {
		return fmt.Errorf("unsupported register %d", uint8(r))
	}
	return nil
}

type rexState struct {
	w bool
	r bool
	x bool
	b bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

func (r rexState) appendTo(out []byte) []byte {
	if p := r.prefix(); p != 0 {
		out = append(out, p)
	}
	return out
}
