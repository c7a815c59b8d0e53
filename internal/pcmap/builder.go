// Package pcmap collects facts keyed by code offset while code is emitted and
// bakes them into immutable, offset-sorted tables.
package pcmap

import (
	"fmt"
	"sort"

	"github.com/google/btree"
)

const btreeDegree = 8

type entry[T any] struct {
	off int
	val T
}

func lessEntry[T any](a, b entry[T]) bool { return a.off < b.off }

// Builder accumulates (offset, value) facts. A nil merge function rejects a
// second fact at the same offset; otherwise merge combines the stored value
// with the new one. A builder is consumed by Bake.
type Builder[T any] struct {
	tree  *btree.BTreeG[entry[T]]
	merge func(old, v T) T
	baked bool
}

// NewBuilder returns a builder that panics on duplicate offsets.
func NewBuilder[T any]() *Builder[T] {
	return NewMergeBuilder[T](nil)
}

// NewMergeBuilder returns a builder that folds duplicate offsets with merge.
func NewMergeBuilder[T any](merge func(old, v T) T) *Builder[T] {
	return &Builder[T]{
		tree:  btree.NewG[entry[T]](btreeDegree, lessEntry[T]),
		merge: merge,
	}
}

func (b *Builder[T]) live() {
	if b.baked {
		panic("pcmap: builder already baked")
	}
}

// Add records v at off.
func (b *Builder[T]) Add(off int, v T) {
	b.live()
	if off < 0 {
		panic(fmt.Sprintf("pcmap: negative offset %d", off))
	}
	if old, ok := b.tree.Get(entry[T]{off: off}); ok {
		if b.merge == nil {
			panic(fmt.Sprintf("pcmap: duplicate offset %d", off))
		}
		v = b.merge(old.val, v)
	}
	b.tree.ReplaceOrInsert(entry[T]{off: off, val: v})
}

// Put records v at off, replacing any previous value.
func (b *Builder[T]) Put(off int, v T) {
	b.live()
	b.tree.ReplaceOrInsert(entry[T]{off: off, val: v})
}

// Get returns the value recorded at off.
func (b *Builder[T]) Get(off int) (T, bool) {
	b.live()
	e, ok := b.tree.Get(entry[T]{off: off})
	return e.val, ok
}

func (b *Builder[T]) Len() int {
	if b.baked {
		return 0
	}
	return b.tree.Len()
}

// Last returns the highest recorded offset and its value.
func (b *Builder[T]) Last() (int, T, bool) {
	b.live()
	e, ok := b.tree.Max()
	return e.off, e.val, ok
}

// Ascend visits facts in offset order until fn returns false.
func (b *Builder[T]) Ascend(fn func(off int, v T) bool) {
	b.live()
	b.tree.Ascend(func(e entry[T]) bool { return fn(e.off, e.val) })
}

// Relocate rewrites every offset through fn, which must be non-decreasing.
// Offsets that collide are merged or rejected as in Add.
func (b *Builder[T]) Relocate(fn func(off int) int) {
	b.live()
	entries := make([]entry[T], 0, b.tree.Len())
	b.tree.Ascend(func(e entry[T]) bool {
		entries = append(entries, e)
		return true
	})
	b.tree.Clear(false)
	for _, e := range entries {
		b.Add(fn(e.off), e.val)
	}
}

// Bake consumes the builder and returns the sorted table.
func (b *Builder[T]) Bake() *Table[T] {
	b.live()
	t := &Table[T]{
		offs: make([]int, 0, b.tree.Len()),
		vals: make([]T, 0, b.tree.Len()),
	}
	b.tree.Ascend(func(e entry[T]) bool {
		t.offs = append(t.offs, e.off)
		t.vals = append(t.vals, e.val)
		return true
	})
	b.tree.Clear(false)
	b.tree = nil
	b.baked = true
	return t
}

// Table is a baked, immutable offset map.
type Table[T any] struct {
	offs []int
	vals []T
}

func (t *Table[T]) Len() int {
	if t == nil {
		return 0
	}
	return len(t.offs)
}

// FindSlot returns the index of the entry at off, or -1.
func (t *Table[T]) FindSlot(off int) int {
	if t == nil {
		return -1
	}
	i := sort.SearchInts(t.offs, off)
	if i < len(t.offs) && t.offs[i] == off {
		return i
	}
	return -1
}

// Get returns the value at off.
func (t *Table[T]) Get(off int) (T, bool) {
	if i := t.FindSlot(off); i >= 0 {
		return t.vals[i], true
	}
	var zero T
	return zero, false
}

// NextIndex returns the index following i, or -1 at the end.
func (t *Table[T]) NextIndex(i int) int {
	if i+1 < t.Len() {
		return i + 1
	}
	return -1
}

func (t *Table[T]) OffsetOf(i int) int { return t.offs[i] }
func (t *Table[T]) ValueAt(i int) T    { return t.vals[i] }

// Floor returns the index of the last entry at or before off, or -1.
func (t *Table[T]) Floor(off int) int {
	if t == nil {
		return -1
	}
	return sort.Search(len(t.offs), func(i int) bool { return t.offs[i] > off }) - 1
}
