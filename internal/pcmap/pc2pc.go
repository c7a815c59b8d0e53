package pcmap

// NoMapping is returned for an offset with no recorded target.
const NoMapping = -1

// PCBuilder maps code offsets to other code offsets, for example a call
// site to its out-of-line stub.
type PCBuilder struct {
	b *Builder[int]
}

func NewPCBuilder() *PCBuilder { return &PCBuilder{b: NewBuilder[int]()} }

func (pb *PCBuilder) Add(from, to int) { pb.b.Add(from, to) }
func (pb *PCBuilder) Len() int         { return pb.b.Len() }

// Relocate moves both keys and targets, since both are code offsets.
func (pb *PCBuilder) Relocate(fn func(off int) int) {
	pb.b.Relocate(fn)
	type kv struct{ from, to int }
	var all []kv
	pb.b.Ascend(func(from, to int) bool {
		all = append(all, kv{from, to})
		return true
	})
	for _, e := range all {
		pb.b.Put(e.from, fn(e.to))
	}
}

func (pb *PCBuilder) Bake() *PCMap { return &PCMap{t: pb.b.Bake()} }

// PCMap is the baked PC-to-PC map.
type PCMap struct {
	t *Table[int]
}

// Get returns the target recorded for from, or NoMapping.
func (m *PCMap) Get(from int) int {
	if m == nil {
		return NoMapping
	}
	if to, ok := m.t.Get(from); ok {
		return to
	}
	return NoMapping
}

func (m *PCMap) Len() int {
	if m == nil {
		return 0
	}
	return m.t.Len()
}

// Each visits entries in offset order.
func (m *PCMap) Each(fn func(from, to int)) {
	for i := 0; i < m.Len(); i++ {
		fn(m.t.OffsetOf(i), m.t.ValueAt(i))
	}
}
