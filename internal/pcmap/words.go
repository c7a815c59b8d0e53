package pcmap

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"slices"
	"strings"
)

// WordBuilder is the machine-word specialization of Builder. A plain builder
// maps each offset to one value and rejects duplicates; a bit builder ORs
// bits into a per-offset bitmap and rejects a bit that is already set.
type WordBuilder struct {
	b     *Builder[[]uint64]
	words int
	bits  bool
}

// NewWordBuilder returns a plain mapping builder with words-per-payload words.
func NewWordBuilder(words int) *WordBuilder {
	return newWordBuilder(words, false)
}

// NewBitBuilder returns a bit-accumulating builder with words-per-payload
// words.
func NewBitBuilder(words int) *WordBuilder {
	return newWordBuilder(words, true)
}

func newWordBuilder(words int, bitwise bool) *WordBuilder {
	if words < 1 {
		panic(fmt.Sprintf("pcmap: %d words per payload", words))
	}
	wb := &WordBuilder{words: words, bits: bitwise}
	if bitwise {
		wb.b = NewMergeBuilder(orWords)
	} else {
		wb.b = NewBuilder[[]uint64]()
	}
	return wb
}

func orWords(old, v []uint64) []uint64 {
	out := slices.Clone(old)
	for i, w := range v {
		out[i] |= w
	}
	return out
}

// WordsPerPayload is the payload width fixed at construction.
func (wb *WordBuilder) WordsPerPayload() int { return wb.words }

func (wb *WordBuilder) Len() int { return wb.b.Len() }

func (wb *WordBuilder) checkPlain(op string) {
	if wb.bits {
		panic(fmt.Sprintf("pcmap: %s on a bit builder", op))
	}
}

// AddMapping records a single-word value.
func (wb *WordBuilder) AddMapping(off int, v uint64) {
	wb.checkPlain("AddMapping")
	words := make([]uint64, wb.words)
	words[0] = v
	wb.b.Add(off, words)
}

// AddWords records a multi-word value.
func (wb *WordBuilder) AddWords(off int, v []uint64) {
	wb.checkPlain("AddWords")
	if len(v) > wb.words {
		panic(fmt.Sprintf("pcmap: payload of %d words exceeds %d", len(v), wb.words))
	}
	words := make([]uint64, wb.words)
	copy(words, v)
	wb.b.Add(off, words)
}

// AddBit sets bit in the bitmap at off.
func (wb *WordBuilder) AddBit(off, bit int) {
	if !wb.bits {
		panic("pcmap: AddBit on a plain mapping builder")
	}
	if bit < 0 || bit >= wb.words*64 {
		panic(fmt.Sprintf("pcmap: bit %d outside %d-word payload", bit, wb.words))
	}
	if cur, ok := wb.b.Get(off); ok && cur[bit/64]&(1<<(bit%64)) != 0 {
		panic(fmt.Sprintf("pcmap: bit %d already set at offset %d", bit, off))
	}
	words := make([]uint64, wb.words)
	words[bit/64] = 1 << (bit % 64)
	wb.b.Add(off, words)
}

// AddEmpty makes sure off has an entry, even if no bit is ever set.
func (wb *WordBuilder) AddEmpty(off int) {
	if _, ok := wb.b.Get(off); ok {
		if !wb.bits {
			panic(fmt.Sprintf("pcmap: duplicate offset %d", off))
		}
		return
	}
	wb.b.Add(off, make([]uint64, wb.words))
}

// Get returns the first payload word recorded at off.
func (wb *WordBuilder) Get(off int) (uint64, bool) {
	w, ok := wb.b.Get(off)
	if !ok {
		return 0, false
	}
	return w[0], true
}

// Words returns a copy of the payload recorded at off.
func (wb *WordBuilder) Words(off int) ([]uint64, bool) {
	w, ok := wb.b.Get(off)
	return slices.Clone(w), ok
}

func (wb *WordBuilder) Ascend(fn func(off int, words []uint64) bool) { wb.b.Ascend(fn) }

func (wb *WordBuilder) Relocate(fn func(off int) int) { wb.b.Relocate(fn) }

// BitsPerPayload is the number of bits needed for the widest payload.
func (wb *WordBuilder) BitsPerPayload() int {
	n := 0
	wb.b.Ascend(func(_ int, w []uint64) bool {
		n = max(n, bitLen(w))
		return true
	})
	return n
}

func bitLen(w []uint64) int {
	for i := len(w) - 1; i >= 0; i-- {
		if w[i] != 0 {
			return i*64 + bits.Len64(w[i])
		}
	}
	return 0
}

// Bake consumes the builder and chooses the narrowest layout that holds
// every offset and payload.
func (wb *WordBuilder) Bake() *Map {
	bps := wb.BitsPerPayload()
	t := wb.b.Bake()

	maxpc := 0
	if n := t.Len(); n > 0 {
		maxpc = t.OffsetOf(n - 1)
	}
	m := &Map{words: wb.words, bitsPer: bps}
	switch {
	case maxpc < 1<<16 && bps <= 16:
		m.layout = Layout16x16
	case maxpc < 1<<16 && bps <= 32:
		m.layout = Layout16x32
	case maxpc < 1<<16 && bps <= 64:
		m.layout = Layout16x64
	default:
		m.layout = LayoutBig
	}

	n := t.Len()
	if m.layout == LayoutBig {
		m.pcs32 = make([]uint32, n)
		m.index = make([]uint32, n)
		seen := make(map[string]uint32)
		var key [8]byte
		for i := 0; i < n; i++ {
			m.pcs32[i] = uint32(t.OffsetOf(i))
			w := t.ValueAt(i)
			var sb strings.Builder
			for _, x := range w {
				binary.LittleEndian.PutUint64(key[:], x)
				sb.Write(key[:])
			}
			k := sb.String()
			idx, ok := seen[k]
			if !ok {
				idx = uint32(len(m.blob) / wb.words)
				m.blob = append(m.blob, w...)
				seen[k] = idx
			}
			m.index[i] = idx
		}
		return m
	}

	m.pcs16 = make([]uint16, n)
	for i := 0; i < n; i++ {
		m.pcs16[i] = uint16(t.OffsetOf(i))
	}
	switch m.layout {
	case Layout16x16:
		m.vals16 = make([]uint16, n)
		for i := range m.vals16 {
			m.vals16[i] = uint16(t.ValueAt(i)[0])
		}
	case Layout16x32:
		m.vals32 = make([]uint32, n)
		for i := range m.vals32 {
			m.vals32[i] = uint32(t.ValueAt(i)[0])
		}
	case Layout16x64:
		m.vals64 = make([]uint64, n)
		for i := range m.vals64 {
			m.vals64[i] = t.ValueAt(i)[0]
		}
	}
	return m
}
