package pcmap

import (
	"math/rand"
	"slices"
	"testing"
)

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	var got any
	func() {
		defer func() { got = recover() }()
		fn()
	}()
	if got == nil {
		t.Fatalf("%s did not panic", name)
	}
}

func TestMappingLookup(t *testing.T) {
	b := NewWordBuilder(1)
	b.AddMapping(16, 0xA)
	b.AddMapping(32, 0xB)
	m := b.Bake()

	if got, ok := m.Get(16); !ok || got != 0xA {
		t.Fatalf("Get(16)=%#x,%v, want 0xa,true", got, ok)
	}
	if got, ok := m.Get(32); !ok || got != 0xB {
		t.Fatalf("Get(32)=%#x,%v, want 0xb,true", got, ok)
	}
	if _, ok := m.Get(24); ok {
		t.Fatalf("Get(24) found a value between entries")
	}
	if got := m.FindSlot(24); got != -1 {
		t.Fatalf("FindSlot(24)=%d, want -1", got)
	}
	if got := m.Layout(); got != Layout16x16 {
		t.Fatalf("Layout()=%s, want 16x16", got)
	}
}

func TestIteration(t *testing.T) {
	b := NewWordBuilder(1)
	for _, off := range []int{40, 8, 24} {
		b.AddMapping(off, uint64(off))
	}
	m := b.Bake()
	var offs []int
	for i := 0; i >= 0; i = m.NextIndex(i) {
		offs = append(offs, m.OffsetOf(i))
	}
	if want := []int{8, 24, 40}; !slices.Equal(offs, want) {
		t.Fatalf("iteration order %v, want %v", offs, want)
	}
}

func TestBitsMerge(t *testing.T) {
	b := NewBitBuilder(2)
	b.AddBit(4, 0)
	b.AddBit(4, 3)
	b.AddBit(4, 70)
	b.AddEmpty(8)
	b.AddEmpty(4)

	if got := b.BitsPerPayload(); got != 71 {
		t.Fatalf("BitsPerPayload()=%d, want 71", got)
	}
	m := b.Bake()
	if m.Layout() != LayoutBig {
		t.Fatalf("Layout()=%s, want big for a 71-bit payload", m.Layout())
	}
	w, ok := m.Words(4)
	if !ok || w[0] != 0b1001 || w[1] != 1<<6 {
		t.Fatalf("Words(4)=%#x,%v", w, ok)
	}
	for _, bit := range []int{0, 3, 70} {
		if !m.Bit(4, bit) {
			t.Fatalf("Bit(4, %d)=false", bit)
		}
	}
	if m.Bit(4, 1) {
		t.Fatalf("Bit(4, 1)=true")
	}
	if w, ok := m.Words(8); !ok || w[0] != 0 || w[1] != 0 {
		t.Fatalf("Words(8)=%#x,%v, want empty entry", w, ok)
	}
}

func TestDuplicatesRejected(t *testing.T) {
	b := NewWordBuilder(1)
	b.AddMapping(4, 1)
	mustPanic(t, "duplicate AddMapping", func() { b.AddMapping(4, 2) })

	bits := NewBitBuilder(1)
	bits.AddBit(4, 2)
	mustPanic(t, "duplicate AddBit", func() { bits.AddBit(4, 2) })
	mustPanic(t, "AddBit on mapping builder", func() { b.AddBit(8, 0) })
	mustPanic(t, "bit outside payload", func() { bits.AddBit(8, 64) })
	mustPanic(t, "AddMapping on bit builder", func() { bits.AddMapping(4, 1) })
	mustPanic(t, "AddWords on bit builder", func() { bits.AddWords(12, []uint64{1}) })
	if w, ok := bits.Words(4); !ok || w[0] != 1<<2 {
		t.Fatalf("Words(4)=%v,%v, want [0x4]", w, ok)
	}
}

func TestBakeOnce(t *testing.T) {
	b := NewWordBuilder(1)
	b.AddMapping(0, 1)
	b.Bake()
	mustPanic(t, "second Bake", func() { b.Bake() })
	mustPanic(t, "Add after Bake", func() { b.AddMapping(2, 1) })
}

func TestLayoutSelection(t *testing.T) {
	for _, tc := range []struct {
		name string
		off  int
		val  uint64
		want Layout
	}{
		{"small", 100, 0xFFFF, Layout16x16},
		{"wide_value", 100, 0x10000, Layout16x32},
		{"word_value", 100, 1 << 40, Layout16x64},
		{"far_offset", 1 << 16, 1, LayoutBig},
		{"empty", 0, 0, Layout16x16},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := NewWordBuilder(1)
			b.AddMapping(tc.off, tc.val)
			m := b.Bake()
			if m.Layout() != tc.want {
				t.Fatalf("Layout()=%s, want %s", m.Layout(), tc.want)
			}
			if got, ok := m.Get(tc.off); !ok || got != tc.val {
				t.Fatalf("Get(%d)=%#x,%v, want %#x", tc.off, got, ok, tc.val)
			}
		})
	}
}

func TestBigLayoutDeduplicates(t *testing.T) {
	b := NewWordBuilder(2)
	for i := 0; i < 10; i++ {
		b.AddWords(70000+i*4, []uint64{uint64(i % 2), 5})
	}
	m := b.Bake()
	if m.Layout() != LayoutBig {
		t.Fatalf("Layout()=%s, want big", m.Layout())
	}
	if got := len(m.blob); got != 4 {
		t.Fatalf("blob holds %d words, want 4 after dedup", got)
	}
	for i := 0; i < 10; i++ {
		w, ok := m.Words(70000 + i*4)
		if !ok || w[0] != uint64(i%2) || w[1] != 5 {
			t.Fatalf("Words(%d)=%v,%v", 70000+i*4, w, ok)
		}
	}
}

func TestRandomMatchesBuilder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		b := NewWordBuilder(1)
		want := map[int]uint64{}
		limit := 1 << (8 + rng.Intn(12))
		for i := 0; i < 40; i++ {
			off := rng.Intn(limit)
			if _, ok := want[off]; ok {
				continue
			}
			v := rng.Uint64() >> rng.Intn(64)
			want[off] = v
			b.AddMapping(off, v)
		}
		m := b.Bake()
		if m.Len() != len(want) {
			t.Fatalf("round %d: Len()=%d, want %d", round, m.Len(), len(want))
		}
		for off, v := range want {
			if got, ok := m.Get(off); !ok || got != v {
				t.Fatalf("round %d: Get(%d)=%#x,%v, want %#x", round, off, got, ok, v)
			}
		}
		for i := 1; i < m.Len(); i++ {
			if m.OffsetOf(i-1) >= m.OffsetOf(i) {
				t.Fatalf("round %d: offsets not strictly increasing at %d", round, i)
			}
		}
	}
}

func TestRelocate(t *testing.T) {
	b := NewWordBuilder(1)
	b.AddMapping(2, 20)
	b.AddMapping(10, 100)
	b.Relocate(func(off int) int {
		if off >= 5 {
			return off + 3
		}
		return off
	})
	m := b.Bake()
	if _, ok := m.Get(10); ok {
		t.Fatalf("Get(10) still found after relocation")
	}
	if got, ok := m.Get(13); !ok || got != 100 {
		t.Fatalf("Get(13)=%d,%v, want 100", got, ok)
	}
	if got, ok := m.Get(2); !ok || got != 20 {
		t.Fatalf("Get(2)=%d,%v, want 20", got, ok)
	}
}

func TestPCMap(t *testing.T) {
	b := NewPCBuilder()
	b.Add(4, 100)
	b.Add(12, 120)
	b.Relocate(func(off int) int { return off + 1 })
	m := b.Bake()
	if got := m.Get(5); got != 101 {
		t.Fatalf("Get(5)=%d, want 101", got)
	}
	if got := m.Get(4); got != NoMapping {
		t.Fatalf("Get(4)=%d, want NoMapping", got)
	}
	var n int
	m.Each(func(from, to int) { n++ })
	if n != 2 {
		t.Fatalf("Each visited %d entries, want 2", n)
	}
	var empty *PCMap
	if got := empty.Get(0); got != NoMapping {
		t.Fatalf("nil map Get(0)=%d, want NoMapping", got)
	}
}

func TestTableFloor(t *testing.T) {
	b := NewBuilder[string]()
	b.Add(10, "a")
	b.Add(20, "b")
	tab := b.Bake()
	for _, tc := range []struct{ off, want int }{{5, -1}, {10, 0}, {15, 0}, {20, 1}, {99, 1}} {
		if got := tab.Floor(tc.off); got != tc.want {
			t.Fatalf("Floor(%d)=%d, want %d", tc.off, got, tc.want)
		}
	}
}
