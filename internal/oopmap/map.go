package oopmap

import (
	"fmt"
	"math/bits"
	"slices"
	"strings"

	"github.com/tinyrange/codeblob/internal/pcmap"
)

// DefaultWidth covers the registers plus 48 stack slots in one word.
const DefaultWidth = 64

type pairs struct {
	derived []DerivedPair
	saves   []SavePair
}

func mergePairs(old, v pairs) pairs {
	return pairs{
		derived: append(slices.Clip(old.derived), v.derived...),
		saves:   append(slices.Clip(old.saves), v.saves...),
	}
}

// Builder maps safepoint offsets to reference locations.
type Builder struct {
	bits  *pcmap.WordBuilder
	pairs *pcmap.Builder[pairs]
}

// NewBuilder returns a builder for maps over width locations.
func NewBuilder(width int) *Builder {
	if width < RegCount {
		width = RegCount
	}
	return &Builder{
		bits:  pcmap.NewBitBuilder((width + 63) / 64),
		pairs: pcmap.NewMergeBuilder(mergePairs),
	}
}

// Width is the number of locations the builder can name.
func (b *Builder) Width() int { return b.bits.WordsPerPayload() * 64 }

func (b *Builder) Len() int { return b.bits.Len() }

// Add marks loc as a reference at off. Adding the same location twice at
// one offset panics.
func (b *Builder) Add(off int, loc Location) {
	if !loc.Valid() {
		panic("oopmap: add of invalid location")
	}
	if int(loc) >= b.Width() {
		panic(fmt.Sprintf("oopmap: %s beyond map width %d", loc, b.Width()))
	}
	b.bits.AddBit(off, int(loc))
}

// AddEmpty records a safepoint at off that holds no references.
func (b *Builder) AddEmpty(off int) { b.bits.AddEmpty(off) }

// AddSet records every location of s at off. The base of each derived pair
// is added even when s does not name it.
func (b *Builder) AddSet(off int, s *Set) {
	b.bits.AddEmpty(off)
	for _, loc := range s.Locations() {
		b.Add(off, loc)
	}
	for _, p := range s.derived {
		if b.has(off, p.Base) {
			continue
		}
		b.Add(off, p.Base)
	}
	if len(s.derived) > 0 || len(s.saves) > 0 {
		b.pairs.Add(off, pairs{derived: s.Derived(), saves: s.CalleeSaves()})
	}
}

func (b *Builder) has(off int, loc Location) bool {
	w, ok := b.bits.Words(off)
	if !ok || int(loc) >= len(w)*64 {
		return false
	}
	return w[loc/64]&(1<<(uint(loc)%64)) != 0
}

// Relocate moves every safepoint offset through fn.
func (b *Builder) Relocate(fn func(off int) int) {
	b.bits.Relocate(fn)
	b.pairs.Relocate(fn)
}

// Bake consumes the builder.
func (b *Builder) Bake() *Map {
	return &Map{bits: b.bits.Bake(), pairs: b.pairs.Bake()}
}

// Frame resolves a location to the word that holds it in a live frame.
type Frame interface {
	Slot(loc Location) *uint64
}

// Map is a baked oop map. It is immutable and safe for concurrent readers.
type Map struct {
	bits  *pcmap.Map
	pairs *pcmap.Table[pairs]
}

func (m *Map) Len() int             { return m.bits.Len() }
func (m *Map) OffsetOf(i int) int   { return m.bits.OffsetOf(i) }
func (m *Map) NextIndex(i int) int  { return m.bits.NextIndex(i) }
func (m *Map) Has(off int) bool     { return m.bits.FindSlot(off) >= 0 }
func (m *Map) Layout() pcmap.Layout { return m.bits.Layout() }
func (m *Map) SizeBytes() int       { return m.bits.SizeBytes() }

func (m *Map) words(off int) []uint64 {
	w, ok := m.bits.Words(off)
	if !ok {
		panic(fmt.Sprintf("oopmap: no map at offset %d", off))
	}
	return w
}

// IsOop reports whether loc holds a reference at off. off must be a
// recorded safepoint.
func (m *Map) IsOop(off int, loc Location) bool {
	w := m.words(off)
	if !loc.Valid() || int(loc) >= len(w)*64 {
		return false
	}
	return w[loc/64]&(1<<(uint(loc)%64)) != 0
}

// Locations returns the reference locations at off in increasing order.
func (m *Map) Locations(off int) []Location {
	var out []Location
	for i, word := range m.words(off) {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			out = append(out, Location(i*64+b))
			word &^= 1 << b
		}
	}
	return out
}

// SoleOop returns the only reference location at off. It panics unless
// exactly one location is recorded.
func (m *Map) SoleOop(off int) Location {
	locs := m.Locations(off)
	if len(locs) != 1 {
		panic(fmt.Sprintf("oopmap: %d references at offset %d, want exactly one", len(locs), off))
	}
	return locs[0]
}

func (m *Map) Derived(off int) []DerivedPair {
	p, _ := m.pairs.Get(off)
	return slices.Clone(p.derived)
}

func (m *Map) CalleeSaves(off int) []SavePair {
	p, _ := m.pairs.Get(off)
	return slices.Clone(p.saves)
}

// ForEachOop calls visit with the slot of every reference live at off. A
// visitor may move the referenced objects by rewriting the slot; derived
// pointers are then rebased so they keep their distance from their base.
func (m *Map) ForEachOop(off int, fr Frame, visit func(loc Location, slot *uint64)) {
	derived := m.Derived(off)
	deltas := make([]uint64, len(derived))
	for i, p := range derived {
		deltas[i] = *fr.Slot(p.Derived) - *fr.Slot(p.Base)
	}
	for _, loc := range m.Locations(off) {
		visit(loc, fr.Slot(loc))
	}
	for i, p := range derived {
		*fr.Slot(p.Derived) = *fr.Slot(p.Base) + deltas[i]
	}
}

func (m *Map) String() string {
	var sb strings.Builder
	sb.WriteString("OopMaps{\n")
	for i := 0; i >= 0 && i < m.Len(); i = m.NextIndex(i) {
		off := m.OffsetOf(i)
		fmt.Fprintf(&sb, "  +%4d: <", off)
		for _, loc := range m.Locations(off) {
			fmt.Fprintf(&sb, " %s", loc)
		}
		for _, p := range m.Derived(off) {
			fmt.Fprintf(&sb, " %s<-%s", p.Derived, p.Base)
		}
		sb.WriteString(" >\n")
	}
	sb.WriteString("}")
	return sb.String()
}
