package debuginfo

import (
	"fmt"

	"github.com/tinyrange/codeblob/internal/asm"
	"github.com/tinyrange/codeblob/internal/oopmap"
)

// Part selects the section of a frame a slot belongs to.
type Part uint8

const (
	Local Part = iota
	Stack
	Lock
)

func (p Part) String() string {
	switch p {
	case Local:
		return "local"
	case Stack:
		return "stack"
	case Lock:
		return "lock"
	default:
		return fmt.Sprintf("Part(%d)", uint8(p))
	}
}

// EmptySlotMarker fills the lower slot of a long or double value.
const EmptySlotMarker int64 = -2 << 32

type slot struct {
	set  bool
	kind Kind
	loc  oopmap.Location
	wide bool
	val  int64
	oop  bool
}

type handler struct {
	bci   int
	label *asm.Label
}

// ScopeBuilder holds the uncompressed state of one inlined frame at one
// deoptimization point. A nil caller makes it the outermost frame.
type ScopeBuilder struct {
	caller    *ScopeBuilder
	methodID  int
	maxLocals int
	maxStack  int
	maxLocks  int
	bci       int

	usedStack int
	slots     []slot
	saves     []oopmap.SavePair
	derived   []oopmap.DerivedPair

	extraLock   bool
	reexecute   bool
	inlineCache bool
	handlers    []handler

	compressed *Scope
}

func NewScopeBuilder(caller *ScopeBuilder, methodID, maxLocals, maxStack, maxLocks, bci int) *ScopeBuilder {
	if maxLocals < 0 || maxStack < 0 || maxLocks < 0 {
		panic(fmt.Sprintf("debuginfo: negative frame size %d/%d/%d", maxLocals, maxStack, maxLocks))
	}
	return &ScopeBuilder{
		caller:    caller,
		methodID:  methodID,
		maxLocals: maxLocals,
		maxStack:  maxStack,
		maxLocks:  maxLocks,
		bci:       bci,
		slots:     make([]slot, maxLocals+maxStack+maxLocks),
	}
}

func (sb *ScopeBuilder) Caller() *ScopeBuilder { return sb.caller }
func (sb *ScopeBuilder) MethodID() int         { return sb.methodID }
func (sb *ScopeBuilder) BCI() int              { return sb.bci }

func (sb *ScopeBuilder) live() {
	if sb.compressed != nil {
		panic("debuginfo: scope builder already compressed")
	}
}

func (sb *ScopeBuilder) index(part Part, idx int) int {
	var size, base int
	switch part {
	case Local:
		size, base = sb.maxLocals, 0
	case Stack:
		size, base = sb.maxStack, sb.maxLocals
	case Lock:
		size, base = sb.maxLocks, sb.maxLocals+sb.maxStack
	default:
		panic(fmt.Sprintf("debuginfo: bad part %s", part))
	}
	if idx < 0 || idx >= size {
		panic(fmt.Sprintf("debuginfo: %s %d outside frame of %d", part, idx, size))
	}
	if part == Stack && idx+1 > sb.usedStack {
		sb.usedStack = idx + 1
	}
	return base + idx
}

func (sb *ScopeBuilder) put(part Part, idx int, s slot) {
	sb.live()
	i := sb.index(part, idx)
	if sb.slots[i].set {
		panic(fmt.Sprintf("debuginfo: %s %d set twice", part, idx))
	}
	s.set = true
	sb.slots[i] = s
}

// AddEmpty declares a dead slot. For the operand stack it still extends the
// recorded depth.
func (sb *ScopeBuilder) AddEmpty(part Part, idx int) {
	sb.live()
	sb.index(part, idx)
}

// AddRegister places a slot in a register or stack location.
func (sb *ScopeBuilder) AddRegister(part Part, idx int, loc oopmap.Location, wide bool) {
	if !loc.Valid() {
		panic("debuginfo: register slot with invalid location")
	}
	sb.put(part, idx, slot{kind: KindRegister, loc: loc, wide: wide})
}

// AddConstInt places a literal in a slot.
func (sb *ScopeBuilder) AddConstInt(part Part, idx int, val int64) {
	sb.put(part, idx, slot{kind: KindConstant, val: val})
}

// AddConstOop places an object table index in a slot.
func (sb *ScopeBuilder) AddConstOop(part Part, idx int, oopIndex int) {
	if oopIndex < 0 {
		panic(fmt.Sprintf("debuginfo: invalid object table index %d", oopIndex))
	}
	sb.put(part, idx, slot{kind: KindConstant, val: int64(oopIndex), oop: true})
}

// AddRegisterLong places a two-slot value in loc. The value lives in the
// upper slot; the lower slot holds EmptySlotMarker.
func (sb *ScopeBuilder) AddRegisterLong(part Part, idx int, loc oopmap.Location) {
	sb.AddRegister(part, idx+1, loc, true)
	sb.AddConstInt(part, idx, EmptySlotMarker)
}

// AddConstLong places a two-slot literal.
func (sb *ScopeBuilder) AddConstLong(part Part, idx int, val int64) {
	sb.AddConstInt(part, idx+1, val)
	sb.AddConstInt(part, idx, EmptySlotMarker)
}

// AddCalleeSavePair records that callee-saved register src was spilled to
// dst. Only the innermost scope may carry pairs.
func (sb *ScopeBuilder) AddCalleeSavePair(src, dst oopmap.Location) {
	sb.live()
	if !src.IsRegister() || src == dst {
		panic(fmt.Sprintf("debuginfo: bad callee-save pair %s=>%s", src, dst))
	}
	sb.saves = append(sb.saves, oopmap.SavePair{Src: src, Dst: dst})
}

// SetBaseDerived attaches the derived pointer pairs live at this point.
func (sb *ScopeBuilder) SetBaseDerived(pairs []oopmap.DerivedPair) {
	sb.live()
	sb.derived = append([]oopmap.DerivedPair(nil), pairs...)
}

func (sb *ScopeBuilder) SetExtraLock()   { sb.live(); sb.extraLock = true }
func (sb *ScopeBuilder) SetReexecute()   { sb.live(); sb.reexecute = true }
func (sb *ScopeBuilder) SetInlineCache() { sb.live(); sb.inlineCache = true }

// AddException maps an exception handler bci of this frame to the label of
// its compiled handler. Repeating a bci with the same label is ignored.
func (sb *ScopeBuilder) AddException(bci int, lbl *asm.Label) {
	sb.live()
	for _, h := range sb.handlers {
		if h.bci == bci {
			if h.label != lbl {
				panic(fmt.Sprintf("debuginfo: bci %d mapped to two handlers", bci))
			}
			return
		}
	}
	sb.handlers = append(sb.handlers, handler{bci: bci, label: lbl})
}

// Depth is the number of frames from this scope to the outermost one.
func (sb *ScopeBuilder) Depth() int {
	n := 0
	for s := sb; s != nil; s = s.caller {
		n++
	}
	return n
}
