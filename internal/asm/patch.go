package asm

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sort"
)

// Site describes an encoded branch instruction.
type Site struct {
	// Size is the encoded length of the instruction.
	Size int
	// DispOff is the offset of the displacement field inside the instruction.
	DispOff int
	// DispSize is 1 or 4.
	DispSize int
	// WideSize is the length after widening, or zero when the site cannot
	// widen any further.
	WideSize int
}

// BranchEncoder supplies the architecture-specific parts of branch patching.
type BranchEncoder interface {
	// Site decodes the branch instruction starting at code[0].
	Site(code []byte) (Site, error)
	// Widen returns the wide form of the short branch in short, with a zero
	// displacement.
	Widen(short []byte) []byte
	// Padding returns the bytes needed before pc for the inline-cache and
	// call alignment kinds.
	Padding(kind NodeKind, pc int) int
	// Nops returns n bytes of no-op instructions.
	Nops(n int) []byte
}

// Tie selects which side of alignment padding an offset recorded exactly at
// an alignment request ends up on.
type Tie int

const (
	// TieBeforePadding keeps the offset in front of inserted no-ops. Used for
	// facts describing the instruction that ended before the padding.
	TieBeforePadding Tie = iota
	// TieAfterPadding moves the offset past inserted no-ops. Used for facts
	// describing the instruction that starts after the padding.
	TieAfterPadding
)

// Relocation maps offsets recorded before PatchBranches to their final
// position.
type Relocation struct {
	from  []int
	to    []int
	pad   []int
	kinds []NodeKind
	total int
	slots []int
}

// AddressSlots returns the final offsets of the 8-byte slots holding
// code-relative label addresses. They are rebased at install time.
func (r *Relocation) AddressSlots() []int {
	if r == nil {
		return nil
	}
	return append([]int(nil), r.slots...)
}

// Delta is the total number of bytes inserted.
func (r *Relocation) Delta() int {
	if r == nil {
		return 0
	}
	return r.total
}

// Translate returns the post-patch position of a pre-patch offset.
func (r *Relocation) Translate(off int, tie Tie) int {
	if r == nil || r.total == 0 {
		return off
	}
	n := len(r.from)
	j := sort.Search(n, func(k int) bool { return r.from[k] >= off })
	if j == n {
		return off + r.total
	}
	slide := r.to[j] - r.from[j]
	if tie == TieAfterPadding {
		for k := j; k < n && r.from[k] == off && (r.kinds[k] == NodeLabel || r.kinds[k].IsAlign()); k++ {
			slide += r.pad[k]
		}
	}
	return off + slide
}

// Func adapts the relocation to the offset rewriting callbacks used by map
// builders.
func (r *Relocation) Func(tie Tie) func(int) int {
	return func(off int) int { return r.Translate(off, tie) }
}

func alignPadding(enc BranchEncoder, kind NodeKind, pc int) int {
	var x int
	switch kind {
	case NodeAlign8:
		x = 8
	case NodeAlign16:
		x = 16
	case NodeAlign32:
		x = 32
	case NodeAlignInlineCache, NodeAlignCall:
		return enc.Padding(kind, pc)
	default:
		panic(fmt.Sprintf("asm: %s is not an alignment", kind))
	}
	return x - 1 - ((pc - 1) & (x - 1))
}

func fitsInt8(v int) bool  { return v >= math.MinInt8 && v <= math.MaxInt8 }
func fitsInt32(v int) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }

// PatchBranches resolves every recorded site in buf. Short branches whose
// displacement does not fit are widened and alignment requests are padded
// with no-ops; both slide the following code, so the returned Relocation
// must be applied to every offset recorded during emission. Patching with
// an unbound label panics. A displacement that still does not fit after
// widening returns an error wrapping ErrCapacity. Patching twice panics.
func (l *Ledger) PatchBranches(buf *Buffer, enc BranchEncoder) (*Relocation, error) {
	if l.patched {
		panic("asm: ledger already patched")
	}
	l.checkBound()
	n := len(l.nodes)
	if n == 0 {
		l.patched = true
		return &Relocation{}, nil
	}
	src := buf.Bytes()

	sites := make([]Site, n)
	for i, nd := range l.nodes {
		if nd.kind != NodeBranch {
			continue
		}
		s, err := enc.Site(src[nd.pc:])
		if err != nil {
			panic(fmt.Sprintf("asm: branch #%d at %d: %v", i, nd.pc, err))
		}
		sites[i] = s
	}

	apc := make([]int, n+1)
	pad := make([]int, n)
	widen := make([]int, n)
	roll := 0
	for pass := 1; ; pass++ {
		roll = 0
		for i, nd := range l.nodes {
			apc[i] = nd.pc + roll
			switch {
			case nd.kind.IsAlign():
				pad[i] = alignPadding(enc, nd.kind, apc[i])
				roll += pad[i]
			case nd.kind == NodeBranch:
				roll += widen[i]
			}
		}
		apc[n] = len(src) + roll

		changed := false
		for i, nd := range l.nodes {
			s := sites[i]
			if nd.kind != NodeBranch || widen[i] != 0 || s.DispSize != 1 {
				continue
			}
			d := apc[nd.next] - (apc[i] + s.Size)
			if fitsInt8(d) {
				continue
			}
			if s.WideSize == 0 {
				return nil, fmt.Errorf("%w: branch at %d cannot reach %d", ErrCapacity, nd.pc, l.nodes[nd.next].pc)
			}
			widen[i] = s.WideSize - s.Size
			changed = true
		}
		if !changed {
			if roll != 0 {
				slog.Debug("patched branches", "passes", pass, "nodes", n, "grown", roll)
			}
			break
		}
	}

	buf.rewrite(roll, func(dst, src []byte) {
		copy(dst, src[:l.nodes[0].pc])
		for i, nd := range l.nodes {
			end := len(src)
			if i+1 < n {
				end = l.nodes[i+1].pc
			}
			at, from := apc[i], nd.pc
			switch {
			case nd.kind.IsAlign():
				at += copy(dst[at:], enc.Nops(pad[i]))
			case widen[i] != 0:
				s := sites[i]
				at += copy(dst[at:], enc.Widen(src[from:from+s.Size]))
				from += s.Size
			}
			copy(dst[at:], src[from:end])
		}
	})

	code := buf.Bytes()
	var relocs []int
	for i, nd := range l.nodes {
		if !nd.kind.IsSite() {
			continue
		}
		target := apc[nd.next]
		switch nd.kind {
		case NodeBranch:
			s, err := enc.Site(code[apc[i]:])
			if err != nil {
				panic(fmt.Sprintf("asm: widened branch #%d at %d: %v", i, apc[i], err))
			}
			d := target - (apc[i] + s.Size)
			field := code[apc[i]+s.DispOff:]
			switch s.DispSize {
			case 1:
				if !fitsInt8(d) {
					panic(fmt.Sprintf("asm: short branch at %d miscalculated (%d)", apc[i], d))
				}
				field[0] = byte(int8(d))
			case 4:
				if !fitsInt32(d) {
					return nil, fmt.Errorf("%w: branch at %d displacement %d", ErrCapacity, apc[i], d)
				}
				binary.LittleEndian.PutUint32(field, uint32(int32(d)))
			default:
				panic(fmt.Sprintf("asm: unsupported displacement size %d", s.DispSize))
			}
		case NodeAddress:
			binary.LittleEndian.PutUint64(code[apc[i]:], uint64(target))
			relocs = append(relocs, apc[i])
		}
	}

	rel := &Relocation{
		from:  make([]int, n),
		to:    make([]int, n),
		pad:   pad,
		kinds: make([]NodeKind, n),
		total: roll,
		slots: relocs,
	}
	for i := range l.nodes {
		rel.from[i] = l.nodes[i].pc
		rel.to[i] = apc[i]
		rel.kinds[i] = l.nodes[i].kind
		l.nodes[i].pc = apc[i]
	}
	l.patched = true
	return rel, nil
}
