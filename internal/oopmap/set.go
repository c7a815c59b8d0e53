package oopmap

import (
	"fmt"
	"math/bits"
	"slices"
	"strings"
)

// Set collects the live reference locations at one safepoint before the
// offset of that safepoint is known.
type Set struct {
	bits    []uint64
	derived []DerivedPair
	saves   []SavePair
}

func NewSet() *Set { return &Set{} }

// Add marks loc as holding a reference.
func (s *Set) Add(loc Location) {
	if !loc.Valid() {
		panic("oopmap: add of invalid location")
	}
	w := int(loc) / 64
	if w >= len(s.bits) {
		s.bits = append(s.bits, make([]uint64, w+1-len(s.bits))...)
	}
	s.bits[w] |= 1 << (uint(loc) % 64)
}

func (s *Set) Has(loc Location) bool {
	if !loc.Valid() {
		return false
	}
	w := int(loc) / 64
	return w < len(s.bits) && s.bits[w]&(1<<(uint(loc)%64)) != 0
}

// AddDerived records that derived points into the object referenced by
// base.
func (s *Set) AddDerived(base, derived Location) {
	if base == derived {
		panic(fmt.Sprintf("oopmap: %s derived from itself", base))
	}
	if !base.Valid() || !derived.Valid() {
		panic("oopmap: derived pair with invalid location")
	}
	s.derived = append(s.derived, DerivedPair{Base: base, Derived: derived})
}

// AddCalleeSavePair records that register src was saved to dst.
func (s *Set) AddCalleeSavePair(src, dst Location) {
	if src == dst {
		panic(fmt.Sprintf("oopmap: %s saved to itself", src))
	}
	if !src.IsRegister() {
		panic(fmt.Sprintf("oopmap: callee-save source %s is not a register", src))
	}
	s.saves = append(s.saves, SavePair{Src: src, Dst: dst})
}

// Locations returns the reference locations in increasing order.
func (s *Set) Locations() []Location {
	var out []Location
	for w, word := range s.bits {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			out = append(out, Location(w*64+b))
			word &^= 1 << b
		}
	}
	return out
}

func (s *Set) Derived() []DerivedPair  { return slices.Clone(s.derived) }
func (s *Set) CalleeSaves() []SavePair { return slices.Clone(s.saves) }

// Empty reports whether the set names no location and no pair.
func (s *Set) Empty() bool {
	return len(s.Locations()) == 0 && len(s.derived) == 0 && len(s.saves) == 0
}

// Equal compares the reference locations only.
func (s *Set) Equal(o *Set) bool {
	n := max(len(s.bits), len(o.bits))
	for i := 0; i < n; i++ {
		var a, b uint64
		if i < len(s.bits) {
			a = s.bits[i]
		}
		if i < len(o.bits) {
			b = o.bits[i]
		}
		if a != b {
			return false
		}
	}
	return true
}

func (s *Set) String() string {
	var parts []string
	for _, l := range s.Locations() {
		parts = append(parts, l.String())
	}
	for _, p := range s.derived {
		parts = append(parts, fmt.Sprintf("%s<-%s", p.Derived, p.Base))
	}
	for _, p := range s.saves {
		parts = append(parts, fmt.Sprintf("%s=>%s", p.Src, p.Dst))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
