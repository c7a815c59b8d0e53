package debuginfo

import (
	"fmt"
	"strings"

	"github.com/tinyrange/codeblob/internal/oopmap"
	"github.com/tinyrange/codeblob/internal/pcmap"
)

// Scope is the compressed, immutable form of a ScopeBuilder.
type Scope struct {
	caller    *Scope
	methodID  int
	bci       int
	numLocals int
	numStack  int
	numLocks  int
	nsaves    int
	nderived  int

	extraLock   bool
	reexecute   bool
	inlineCache bool

	// locals, used stack, locks, callee-save pairs, base/derived pairs
	names    []Name
	handlers *pcmap.PCMap
}

func (s *Scope) Caller() *Scope        { return s.caller }
func (s *Scope) MethodID() int         { return s.methodID }
func (s *Scope) BCI() int              { return s.bci }
func (s *Scope) ShouldReexecute() bool { return s.reexecute }
func (s *Scope) IsExtraLock() bool     { return s.extraLock }
func (s *Scope) IsInlineCache() bool   { return s.inlineCache }
func (s *Scope) NumLocals() int        { return s.numLocals }
func (s *Scope) NumStack() int         { return s.numStack }
func (s *Scope) NumLocks() int         { return s.numLocks }

// Depth is the number of frames from this scope to the outermost one.
func (s *Scope) Depth() int {
	n := 0
	for c := s; c != nil; c = c.caller {
		n++
	}
	return n
}

func (s *Scope) name(part Part, i, size, base int) Name {
	if i < 0 || i >= size {
		panic(fmt.Sprintf("debuginfo: %s %d outside scope of %d", part, i, size))
	}
	return s.names[base+i]
}

func (s *Scope) Local(i int) Value {
	return s.name(Local, i, s.numLocals, 0).Decode()
}

func (s *Scope) Expr(i int) Value {
	return s.name(Stack, i, s.numStack, s.numLocals).Decode()
}

func (s *Scope) Lock(i int) Value {
	return s.name(Lock, i, s.numLocks, s.numLocals+s.numStack).Decode()
}

func (s *Scope) pairsBase() int { return s.numLocals + s.numStack + s.numLocks }

// CalleeSaves returns the callee-saved registers spilled at this point and
// where they were spilled to.
func (s *Scope) CalleeSaves() []oopmap.SavePair {
	out := make([]oopmap.SavePair, s.nsaves)
	at := s.pairsBase()
	for i := range out {
		out[i] = oopmap.SavePair{
			Src: s.names[at+2*i].Decode().Loc,
			Dst: s.names[at+2*i+1].Decode().Loc,
		}
	}
	return out
}

// BaseDerived returns the derived pointer pairs live at this point.
func (s *Scope) BaseDerived() []oopmap.DerivedPair {
	out := make([]oopmap.DerivedPair, s.nderived)
	at := s.pairsBase() + 2*s.nsaves
	for i := range out {
		out[i] = oopmap.DerivedPair{
			Base:    s.names[at+2*i].Decode().Loc,
			Derived: s.names[at+2*i+1].Decode().Loc,
		}
	}
	return out
}

// FindHandler returns the code offset of the compiled handler for bci, or
// pcmap.NoMapping.
func (s *Scope) FindHandler(bci int) int {
	return s.handlers.Get(bci)
}

// RestoreCalleeSaves copies every callee-saved register spilled by this
// chain from its spill slot in src into the register slot of dst.
func (s *Scope) RestoreCalleeSaves(src, dst oopmap.Frame) {
	var saved [oopmap.RegCount]uint64
	var have [oopmap.RegCount]bool
	for c := s; c != nil; c = c.caller {
		for _, p := range c.CalleeSaves() {
			r := p.Src.Reg()
			if have[r] {
				continue
			}
			saved[r] = *src.Slot(p.Dst)
			have[r] = true
		}
	}
	for r := range saved {
		if have[r] {
			*dst.Slot(oopmap.Register(r)) = saved[r]
		}
	}
}

func (s *Scope) String() string {
	var sb strings.Builder
	for c := s; c != nil; c = c.caller {
		if c != s {
			sb.WriteString(" <- ")
		}
		c.writeTo(&sb)
	}
	return sb.String()
}

func (s *Scope) writeTo(sb *strings.Builder) {
	fmt.Fprintf(sb, "[m%d:%d", s.methodID, s.bci)
	if s.inlineCache {
		sb.WriteString(" IC")
	}
	if s.reexecute {
		sb.WriteString(" reexecute")
	}
	if s.extraLock {
		sb.WriteString(" extra-lock")
	}
	section := func(label string, n int, at func(int) Value) {
		if n == 0 {
			return
		}
		fmt.Fprintf(sb, " %s=", label)
		for i := 0; i < n; i++ {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(at(i).String())
		}
	}
	section("L", s.numLocals, s.Local)
	section("S", s.numStack, s.Expr)
	section("M", s.numLocks, s.Lock)
	for _, p := range s.CalleeSaves() {
		fmt.Fprintf(sb, " %s=>%s", p.Src, p.Dst)
	}
	for _, p := range s.BaseDerived() {
		fmt.Fprintf(sb, " %s<-%s", p.Derived, p.Base)
	}
	sb.WriteByte(']')
}
