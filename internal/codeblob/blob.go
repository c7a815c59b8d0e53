package codeblob

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/tinyrange/codeblob/internal/asm"
	"github.com/tinyrange/codeblob/internal/debuginfo"
	"github.com/tinyrange/codeblob/internal/deps"
	"github.com/tinyrange/codeblob/internal/oopmap"
	"github.com/tinyrange/codeblob/internal/pcmap"
)

// Blob is a baked compiled unit: patched code plus the tables the runtime
// consults while that code is live. It is immutable.
type Blob struct {
	name      string
	prog      asm.Program
	entries   map[string]int
	oops      *oopmap.Map
	debug     *debuginfo.Map
	implicit  *pcmap.PCMap
	deps      []deps.Dependency
	constOops []int
	frameSize int
	deoptSled int
}

func (b *Blob) Name() string                    { return b.name }
func (b *Blob) Code() []byte                    { return b.prog.Bytes() }
func (b *Blob) Len() int                        { return b.prog.Len() }
func (b *Blob) Program() asm.Program            { return b.prog }
func (b *Blob) OopMaps() *oopmap.Map            { return b.oops }
func (b *Blob) DebugMap() *debuginfo.Map        { return b.debug }
func (b *Blob) Implicit() *pcmap.PCMap          { return b.implicit }
func (b *Blob) Deps() *deps.Ledger              { return deps.Load(b.deps) }
func (b *Blob) Dependencies() []deps.Dependency { return slices.Clone(b.deps) }
func (b *Blob) ConstantOops() []int             { return slices.Clone(b.constOops) }
func (b *Blob) FrameSize() int                  { return b.frameSize }

// DeoptSled returns the offset of the deoptimization sled, or
// pcmap.NoMapping.
func (b *Blob) DeoptSled() int { return b.deoptSled }

// Entry returns the offset of a named entry point.
func (b *Blob) Entry(name string) (int, bool) {
	off, ok := b.entries[name]
	return off, ok
}

func (b *Blob) Entries() map[string]int { return maps.Clone(b.entries) }

// VisitRoots calls visit for every reference live at the safepoint off in
// fr. It reports false if off is not a safepoint.
func (b *Blob) VisitRoots(off int, fr oopmap.Frame, visit func(loc oopmap.Location, slot *uint64)) bool {
	if !b.oops.Has(off) {
		return false
	}
	b.oops.ForEachOop(off, fr, visit)
	return true
}

// Scope returns the innermost debug scope at off, or nil.
func (b *Blob) Scope(off int) *debuginfo.Scope { return b.debug.Get(off) }

// Handler returns the offset that handles a fault at off, or
// pcmap.NoMapping.
func (b *Blob) Handler(off int) int { return b.implicit.Get(off) }

func (b *Blob) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "blob %s: %d bytes, frame %d\n", b.name, b.Len(), b.frameSize)
	names := slices.Sorted(maps.Keys(b.entries))
	for _, name := range names {
		fmt.Fprintf(&sb, "entry %s: +%d\n", name, b.entries[name])
	}
	if b.deoptSled != pcmap.NoMapping {
		fmt.Fprintf(&sb, "deopt sled: +%d\n", b.deoptSled)
	}
	sb.WriteString(b.oops.String())
	sb.WriteByte('\n')
	sb.WriteString(b.debug.String())
	sb.WriteByte('\n')
	sb.WriteString("Implicit{\n")
	b.implicit.Each(func(from, to int) {
		fmt.Fprintf(&sb, "  +%4d -> +%d\n", from, to)
	})
	sb.WriteString("}\n")
	sb.WriteString(deps.Load(b.deps).String())
	if len(b.constOops) > 0 {
		fmt.Fprintf(&sb, "\nconstant oops: %v", b.constOops)
	}
	return sb.String()
}
