package debuginfo

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/tinyrange/codeblob/internal/asm"
	"github.com/tinyrange/codeblob/internal/oopmap"
	"github.com/tinyrange/codeblob/internal/pcmap"
)

// LabelResolver returns the final code offset of a bound label.
type LabelResolver interface {
	Offset(l *asm.Label) int
}

// OopTable resolves an object table index to a reference.
type OopTable interface {
	OopAt(index int) (uint64, bool)
}

type constantPool struct {
	vals  []int64
	index map[int64]int
}

func (p *constantPool) intern(v int64) int {
	if i, ok := p.index[v]; ok {
		return i
	}
	i := len(p.vals)
	p.vals = append(p.vals, v)
	p.index[v] = i
	return i
}

// Builder maps deoptimization point offsets to scope builders.
type Builder struct {
	b *pcmap.Builder[*ScopeBuilder]
}

func NewBuilder() *Builder { return &Builder{b: pcmap.NewBuilder[*ScopeBuilder]()} }

// Add records sb as the innermost scope at off.
func (b *Builder) Add(off int, sb *ScopeBuilder) { b.b.Add(off, sb) }

func (b *Builder) Get(off int) (*ScopeBuilder, bool) { return b.b.Get(off) }
func (b *Builder) Len() int                          { return b.b.Len() }

// Relocate moves every recorded offset through fn.
func (b *Builder) Relocate(fn func(off int) int) { b.b.Relocate(fn) }

// Bake compresses every scope reachable from a recorded offset, innermost
// first, sharing one constant pool across them. Handler labels are resolved
// through r and must be bound. The builder and its scope builders are
// consumed.
func (b *Builder) Bake(r LabelResolver) (*Map, error) {
	pool := &constantPool{index: make(map[int64]int)}
	out := pcmap.NewBuilder[*Scope]()
	var err error
	b.b.Ascend(func(off int, sb *ScopeBuilder) bool {
		var s *Scope
		s, err = sb.compress(pool, r)
		if err != nil {
			err = fmt.Errorf("scope at offset %d: %w", off, err)
			return false
		}
		out.Add(off, s)
		return true
	})
	if err != nil {
		return nil, err
	}
	b.b.Bake()
	m := &Map{table: out.Bake(), pool: pool.vals}
	slog.Debug("baked debug info", "scopes", m.Len(), "constants", len(m.pool))
	return m, nil
}

func (sb *ScopeBuilder) encode(s slot, pool *constantPool) (Name, error) {
	if !s.set {
		return NameDead, nil
	}
	if s.kind == KindRegister {
		return EncodeRegister(s.loc, s.wide)
	}
	return EncodeConstant(pool.intern(s.val), s.oop)
}

func (sb *ScopeBuilder) compress(pool *constantPool, r LabelResolver) (*Scope, error) {
	if sb.compressed != nil {
		return sb.compressed, nil
	}
	if c := sb.caller; c != nil && (len(c.saves) > 0 || len(c.derived) > 0) {
		panic("debuginfo: callee-save or derived pairs on a caller scope")
	}

	used := sb.maxLocals + sb.usedStack
	names := make([]Name, 0, used+sb.maxLocks+2*len(sb.saves)+2*len(sb.derived))
	for _, s := range sb.slots[:used] {
		n, err := sb.encode(s, pool)
		if err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	for _, s := range sb.slots[sb.maxLocals+sb.maxStack:] {
		n, err := sb.encode(s, pool)
		if err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	pairLocs := make([]oopmap.Location, 0, 2*len(sb.saves)+2*len(sb.derived))
	for _, p := range sb.saves {
		pairLocs = append(pairLocs, p.Src, p.Dst)
	}
	for _, p := range sb.derived {
		pairLocs = append(pairLocs, p.Base, p.Derived)
	}
	for _, loc := range pairLocs {
		n, err := EncodeRegister(loc, true)
		if err != nil {
			return nil, err
		}
		names = append(names, n)
	}

	var handlers *pcmap.PCMap
	if len(sb.handlers) > 0 {
		hb := pcmap.NewPCBuilder()
		for _, h := range sb.handlers {
			hb.Add(h.bci, r.Offset(h.label))
		}
		handlers = hb.Bake()
	}

	s := &Scope{
		methodID:    sb.methodID,
		bci:         sb.bci,
		numLocals:   sb.maxLocals,
		numStack:    sb.usedStack,
		numLocks:    sb.maxLocks,
		nsaves:      len(sb.saves),
		nderived:    len(sb.derived),
		extraLock:   sb.extraLock,
		reexecute:   sb.reexecute,
		inlineCache: sb.inlineCache,
		names:       names,
		handlers:    handlers,
	}
	if sb.caller != nil {
		caller, err := sb.caller.compress(pool, r)
		if err != nil {
			return nil, err
		}
		s.caller = caller
	}
	sb.compressed = s
	sb.slots = nil
	sb.handlers = nil
	return s, nil
}

// Map is a baked debug info map. It is immutable and safe for concurrent
// readers.
type Map struct {
	table *pcmap.Table[*Scope]
	pool  []int64
}

func (m *Map) Len() int             { return m.table.Len() }
func (m *Map) OffsetOf(i int) int   { return m.table.OffsetOf(i) }
func (m *Map) NextIndex(i int) int  { return m.table.NextIndex(i) }
func (m *Map) FindSlot(off int) int { return m.table.FindSlot(off) }

// Get returns the innermost scope at off, or nil.
func (m *Map) Get(off int) *Scope {
	s, _ := m.table.Get(off)
	return s
}

func (m *Map) scope(off int) *Scope {
	s := m.Get(off)
	if s == nil {
		panic(fmt.Sprintf("debuginfo: no scope at offset %d", off))
	}
	return s
}

func (m *Map) Local(off, i int) Value { return m.scope(off).Local(i) }
func (m *Map) Expr(off, i int) Value  { return m.scope(off).Expr(i) }
func (m *Map) Lock(off, i int) Value  { return m.scope(off).Lock(i) }

// Constants returns the shared constant pool.
func (m *Map) Constants() []int64 { return slices.Clone(m.pool) }

// Constant returns pool entry i.
func (m *Map) Constant(i int) int64 {
	if i < 0 || i >= len(m.pool) {
		panic(fmt.Sprintf("debuginfo: constant %d outside pool of %d", i, len(m.pool)))
	}
	return m.pool[i]
}

// Value reads v out of a live frame. Registers that are not wide are masked
// to their low 32 bits. Object constants are resolved through oops when it
// is not nil.
func (m *Map) Value(v Value, fr oopmap.Frame, oops OopTable) uint64 {
	switch v.Kind {
	case KindRegister:
		w := *fr.Slot(v.Loc)
		if !v.Wide {
			w &= 0xFFFFFFFF
		}
		return w
	case KindConstant:
		c := m.Constant(v.Index)
		if v.Oop && oops != nil {
			ref, ok := oops.OopAt(int(c))
			if !ok {
				panic(fmt.Sprintf("debuginfo: invalid object table index %d", c))
			}
			return ref
		}
		return uint64(c)
	default:
		return 0
	}
}

// CountLocks counts the lock slots of the chain at off that hold ref.
func (m *Map) CountLocks(off int, fr oopmap.Frame, oops OopTable, ref uint64) int {
	n := 0
	for s := m.scope(off); s != nil; s = s.caller {
		for i := 0; i < s.numLocks; i++ {
			if m.Value(s.Lock(i), fr, oops) == ref {
				n++
			}
		}
	}
	return n
}

// Verify checks that every constant a scope names is in the pool and, when
// oops is not nil, that every object constant resolves.
func (m *Map) Verify(oops OopTable) error {
	var result *multierror.Error
	seen := make(map[*Scope]bool)
	for i := 0; i < m.Len(); i++ {
		off := m.OffsetOf(i)
		for s := m.table.ValueAt(i); s != nil && !seen[s]; s = s.caller {
			seen[s] = true
			for j, n := range s.names {
				v := n.Decode()
				if !v.IsConstant() {
					continue
				}
				if v.Index >= len(m.pool) {
					result = multierror.Append(result, fmt.Errorf("offset %d: slot %d names constant %d outside pool of %d", off, j, v.Index, len(m.pool)))
					continue
				}
				if v.Oop && oops != nil {
					if _, ok := oops.OopAt(int(m.pool[v.Index])); !ok {
						result = multierror.Append(result, fmt.Errorf("offset %d: slot %d names invalid object %d", off, j, m.pool[v.Index]))
					}
				}
			}
		}
	}
	return result.ErrorOrNil()
}

// SizeBytes approximates the storage of the baked form.
func (m *Map) SizeBytes() int {
	n := m.Len()*16 + len(m.pool)*8
	seen := make(map[*Scope]bool)
	for i := 0; i < m.Len(); i++ {
		for s := m.table.ValueAt(i); s != nil && !seen[s]; s = s.caller {
			seen[s] = true
			n += 64 + 2*len(s.names)
		}
	}
	return n
}

func (m *Map) String() string {
	var sb strings.Builder
	sb.WriteString("DebugInfo{\n")
	for i := 0; i < m.Len(); i++ {
		fmt.Fprintf(&sb, "  +%4d: %s\n", m.OffsetOf(i), m.table.ValueAt(i))
	}
	if len(m.pool) > 0 {
		fmt.Fprintf(&sb, "  constants: %d\n", m.pool)
	}
	sb.WriteString("}")
	return sb.String()
}
