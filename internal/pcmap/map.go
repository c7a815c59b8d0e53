package pcmap

import (
	"fmt"
	"sort"
	"strings"
)

// Layout is the storage form a baked Map settled on.
type Layout uint8

const (
	// Layout16x16 stores 16-bit offsets and 16-bit payloads.
	Layout16x16 Layout = iota
	Layout16x32
	Layout16x64
	// LayoutBig stores 32-bit offsets and indexes into a deduplicated
	// payload blob.
	LayoutBig
)

func (l Layout) String() string {
	switch l {
	case Layout16x16:
		return "16x16"
	case Layout16x32:
		return "16x32"
	case Layout16x64:
		return "16x64"
	case LayoutBig:
		return "big"
	default:
		return fmt.Sprintf("Layout(%d)", uint8(l))
	}
}

// Map is a baked word-payload offset map. Lookups are binary searches over
// the sorted offset array.
type Map struct {
	layout  Layout
	words   int
	bitsPer int

	pcs16  []uint16
	vals16 []uint16
	vals32 []uint32
	vals64 []uint64

	pcs32 []uint32
	index []uint32
	blob  []uint64
}

func (m *Map) Layout() Layout       { return m.layout }
func (m *Map) WordsPerPayload() int { return m.words }
func (m *Map) BitsPerPayload() int  { return m.bitsPer }

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	if m.layout == LayoutBig {
		return len(m.pcs32)
	}
	return len(m.pcs16)
}

// FindSlot returns the index of the entry at off, or -1.
func (m *Map) FindSlot(off int) int {
	n := m.Len()
	if n == 0 || off < 0 {
		return -1
	}
	i := sort.Search(n, func(i int) bool { return m.OffsetOf(i) >= off })
	if i < n && m.OffsetOf(i) == off {
		return i
	}
	return -1
}

// NextIndex returns the index following i, or -1 at the end.
func (m *Map) NextIndex(i int) int {
	if i+1 < m.Len() {
		return i + 1
	}
	return -1
}

func (m *Map) OffsetOf(i int) int {
	if m.layout == LayoutBig {
		return int(m.pcs32[i])
	}
	return int(m.pcs16[i])
}

// ValueAt returns the first payload word of entry i.
func (m *Map) ValueAt(i int) uint64 {
	switch m.layout {
	case Layout16x16:
		return uint64(m.vals16[i])
	case Layout16x32:
		return uint64(m.vals32[i])
	case Layout16x64:
		return m.vals64[i]
	default:
		return m.blob[int(m.index[i])*m.words]
	}
}

// WordsAt returns the full payload of entry i.
func (m *Map) WordsAt(i int) []uint64 {
	out := make([]uint64, m.words)
	if m.layout == LayoutBig {
		at := int(m.index[i]) * m.words
		copy(out, m.blob[at:at+m.words])
		return out
	}
	out[0] = m.ValueAt(i)
	return out
}

// Get returns the first payload word at off.
func (m *Map) Get(off int) (uint64, bool) {
	i := m.FindSlot(off)
	if i < 0 {
		return 0, false
	}
	return m.ValueAt(i), true
}

// Words returns the payload at off.
func (m *Map) Words(off int) ([]uint64, bool) {
	i := m.FindSlot(off)
	if i < 0 {
		return nil, false
	}
	return m.WordsAt(i), true
}

// Bit reports whether bit is set in the payload at off.
func (m *Map) Bit(off, bit int) bool {
	w, ok := m.Words(off)
	if !ok || bit < 0 || bit >= len(w)*64 {
		return false
	}
	return w[bit/64]&(1<<(bit%64)) != 0
}

// SizeBytes is the storage the baked form occupies.
func (m *Map) SizeBytes() int {
	n := m.Len()
	switch m.layout {
	case Layout16x16:
		return n * 4
	case Layout16x32:
		return n * 6
	case Layout16x64:
		return n * 10
	default:
		return n*8 + len(m.blob)*8
	}
}

func (m *Map) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "pcmap %s, %d entries, %d bits\n", m.layout, m.Len(), m.bitsPer)
	for i := 0; i < m.Len(); i++ {
		fmt.Fprintf(&sb, "  %6d: %#x\n", m.OffsetOf(i), m.WordsAt(i))
	}
	return sb.String()
}
