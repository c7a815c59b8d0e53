// Package debuginfo describes, for each deoptimization point of a compiled
// unit, where every local, operand stack entry and lock of each inlined frame
// lives.
package debuginfo

import (
	"errors"
	"fmt"

	"github.com/tinyrange/codeblob/internal/oopmap"
)

// ErrCapacity is returned when a register or constant index does not fit the
// packed slot encoding. The compilation should be abandoned.
var ErrCapacity = errors.New("debuginfo: slot encoding capacity exceeded")

// Kind classifies a slot value.
type Kind uint8

const (
	KindDead Kind = iota
	KindRegister
	KindConstant
)

func (k Kind) String() string {
	switch k {
	case KindDead:
		return "dead"
	case KindRegister:
		return "register"
	case KindConstant:
		return "constant"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Value is the decoded form of a slot. Register values carry a location and
// whether all 8 bytes are live; constant values carry a pool index and
// whether the pooled word is an object table index.
type Value struct {
	Kind  Kind
	Loc   oopmap.Location
	Wide  bool
	Index int
	Oop   bool
}

func Dead() Value { return Value{Kind: KindDead, Loc: oopmap.Invalid} }

func Register(loc oopmap.Location, wide bool) Value {
	return Value{Kind: KindRegister, Loc: loc, Wide: wide}
}

func Constant(index int, oop bool) Value {
	return Value{Kind: KindConstant, Loc: oopmap.Invalid, Index: index, Oop: oop}
}

func (v Value) IsDead() bool     { return v.Kind == KindDead }
func (v Value) IsRegister() bool { return v.Kind == KindRegister }
func (v Value) IsConstant() bool { return v.Kind == KindConstant }

func (v Value) String() string {
	switch v.Kind {
	case KindRegister:
		if v.Wide {
			return v.Loc.String() + ":8"
		}
		return v.Loc.String() + ":4"
	case KindConstant:
		if v.Oop {
			return fmt.Sprintf("oop#%d", v.Index)
		}
		return fmt.Sprintf("#%d", v.Index)
	default:
		return "dead"
	}
}

// Name is the packed 16-bit form of a Value: bit 15 selects constant over
// register, bit 14 is the wide or oop flag and the low 14 bits hold the
// location or pool index. Payload 0x3fff is reserved so that the all-ones
// pattern can mean dead.
type Name uint16

const (
	typeBit     = 1 << 15
	flagBit     = 1 << 14
	payloadMask = flagBit - 1

	// NameDead is the packed form of a dead slot.
	NameDead Name = 0xFFFF

	// MaxPayload is the largest location or pool index that can be packed.
	MaxPayload = payloadMask - 1
)

// EncodeRegister packs a register or stack location.
func EncodeRegister(loc oopmap.Location, wide bool) (Name, error) {
	if loc < 0 || int(loc) > MaxPayload {
		return NameDead, fmt.Errorf("%w: location %d", ErrCapacity, loc)
	}
	n := Name(loc)
	if wide {
		n |= flagBit
	}
	return n, nil
}

// EncodeConstant packs a constant pool index.
func EncodeConstant(index int, oop bool) (Name, error) {
	if index < 0 || index > MaxPayload {
		return NameDead, fmt.Errorf("%w: constant index %d", ErrCapacity, index)
	}
	n := Name(index) | typeBit
	if oop {
		n |= flagBit
	}
	return n, nil
}

// Encode packs v.
func Encode(v Value) (Name, error) {
	switch v.Kind {
	case KindDead:
		return NameDead, nil
	case KindRegister:
		return EncodeRegister(v.Loc, v.Wide)
	case KindConstant:
		return EncodeConstant(v.Index, v.Oop)
	default:
		panic(fmt.Sprintf("debuginfo: encode of %s", v.Kind))
	}
}

// Decode unpacks n.
func (n Name) Decode() Value {
	switch {
	case n == NameDead:
		return Dead()
	case n&typeBit == 0:
		return Register(oopmap.Location(n&payloadMask), n&flagBit != 0)
	default:
		return Constant(int(n&payloadMask), n&flagBit != 0)
	}
}

func (n Name) String() string { return n.Decode().String() }
