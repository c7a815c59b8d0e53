// Package codeblob drives one compilation: it owns the code buffer, branch
// ledger and side-table builders, and bakes them into an immutable Blob.
package codeblob

import (
	"fmt"
	"log/slog"
	"maps"

	"github.com/tinyrange/codeblob/internal/asm"
	"github.com/tinyrange/codeblob/internal/debuginfo"
	"github.com/tinyrange/codeblob/internal/deps"
	"github.com/tinyrange/codeblob/internal/oopmap"
	"github.com/tinyrange/codeblob/internal/pcmap"
)

type config struct {
	oopWidth int
	bufOpts  []asm.BufferOption
	log      *slog.Logger
}

type Option func(*config)

// WithOopMapWidth sets how many locations an oop map can name.
func WithOopMapWidth(n int) Option {
	return func(c *config) { c.oopWidth = n }
}

// WithBufferOptions passes options to the code buffer.
func WithBufferOptions(opts ...asm.BufferOption) Option {
	return func(c *config) { c.bufOpts = append(c.bufOpts, opts...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// Assembler collects code and side tables for one compiled unit. It is not
// safe for concurrent use.
type Assembler struct {
	*asm.Builder

	name      string
	log       *slog.Logger
	oops      *oopmap.Builder
	debug     *debuginfo.Builder
	implicit  *pcmap.PCBuilder
	deps      *deps.Ledger
	constOops []int
	entries   map[string]int
	deoptSled int
	rel       *asm.Relocation
	baked     bool
}

func NewAssembler(name string, opts ...Option) *Assembler {
	cfg := config{oopWidth: oopmap.DefaultWidth, log: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	bufOpts := append([]asm.BufferOption{asm.WithLogger(cfg.log)}, cfg.bufOpts...)
	return &Assembler{
		Builder:   asm.NewBuilder(bufOpts...),
		name:      name,
		log:       cfg.log,
		oops:      oopmap.NewBuilder(cfg.oopWidth),
		debug:     debuginfo.NewBuilder(),
		implicit:  pcmap.NewPCBuilder(),
		deps:      deps.NewLedger(),
		entries:   make(map[string]int),
		deoptSled: pcmap.NoMapping,
	}
}

func (a *Assembler) Name() string { return a.name }

// OopMapWidth is the number of locations each oop map can name.
func (a *Assembler) OopMapWidth() int { return a.oops.Width() }

func (a *Assembler) live() {
	if a.baked {
		panic("codeblob: assembler already baked")
	}
}

// AddOop marks loc as a reference at the safepoint off.
func (a *Assembler) AddOop(off int, loc oopmap.Location) {
	a.live()
	a.oops.Add(off, loc)
}

// AddOopMap records the references of s at the safepoint off.
func (a *Assembler) AddOopMap(off int, s *oopmap.Set) {
	a.live()
	a.oops.AddSet(off, s)
}

// AddEmptyOopMap records a safepoint at off with no live references.
func (a *Assembler) AddEmptyOopMap(off int) {
	a.live()
	a.oops.AddEmpty(off)
}

// AddDebug records sb as the innermost scope at the deoptimization point
// off.
func (a *Assembler) AddDebug(off int, sb *debuginfo.ScopeBuilder) {
	a.live()
	a.debug.Add(off, sb)
}

// GetDebug returns the scope recorded at off.
func (a *Assembler) GetDebug(off int) (*debuginfo.ScopeBuilder, bool) {
	return a.debug.Get(off)
}

// AddImplicitException redirects a fault at faultOff to handlerOff.
func (a *Assembler) AddImplicitException(faultOff, handlerOff int) {
	a.live()
	a.implicit.Add(faultOff, handlerOff)
}

// RecordConstantOop notes an object table index embedded in the code so the
// collector keeps it alive.
func (a *Assembler) RecordConstantOop(index int) {
	a.live()
	for _, i := range a.constOops {
		if i == index {
			return
		}
	}
	a.constOops = append(a.constOops, index)
}

// SetEntry names the current offset.
func (a *Assembler) SetEntry(name string) {
	a.live()
	if _, ok := a.entries[name]; ok {
		panic(fmt.Sprintf("codeblob: entry %q set twice", name))
	}
	a.entries[name] = a.RelPC()
}

// SetDeoptSled marks the current offset as the deoptimization sled.
func (a *Assembler) SetDeoptSled() {
	a.live()
	a.deoptSled = a.RelPC()
}

func (a *Assembler) Deps() *deps.Ledger { return a.deps }

// Patch resolves the branches emitted so far and keeps the relocation for
// Bake.
func (a *Assembler) Patch(enc asm.BranchEncoder) (*asm.Relocation, error) {
	rel, err := a.Builder.Patch(enc)
	if err != nil {
		return nil, err
	}
	a.rel = rel
	return rel, nil
}

// BakeOptions controls Bake.
type BakeOptions struct {
	// Encoder patches branches if the caller has not already done so.
	Encoder   asm.BranchEncoder
	FrameSize int
}

// Bake patches the branches, moves every recorded offset to its final
// position and freezes the code and tables into a Blob. Safepoint and debug
// offsets describe the instruction before them and stay in front of any
// alignment padding; fault sites and entries move past it.
func (a *Assembler) Bake(opts BakeOptions) (*Blob, error) {
	a.live()
	if !a.Ledger().Patched() {
		if opts.Encoder == nil {
			return nil, fmt.Errorf("bake %s: branches not patched and no encoder", a.name)
		}
		if _, err := a.Patch(opts.Encoder); err != nil {
			return nil, fmt.Errorf("bake %s: %w", a.name, err)
		}
	}
	rel := a.rel

	if rel.Delta() != 0 {
		before := rel.Func(asm.TieBeforePadding)
		after := rel.Func(asm.TieAfterPadding)
		a.oops.Relocate(before)
		a.debug.Relocate(before)
		a.implicit.Relocate(after)
		for name, off := range a.entries {
			a.entries[name] = after(off)
		}
		if a.deoptSled != pcmap.NoMapping {
			a.deoptSled = after(a.deoptSled)
		}
	}

	debug, err := a.debug.Bake(a.Builder)
	if err != nil {
		return nil, fmt.Errorf("bake %s: %w", a.name, err)
	}
	b := &Blob{
		name:      a.name,
		prog:      a.Program(rel),
		entries:   maps.Clone(a.entries),
		oops:      a.oops.Bake(),
		debug:     debug,
		implicit:  a.implicit.Bake(),
		deps:      a.deps.All(),
		constOops: append([]int(nil), a.constOops...),
		frameSize: opts.FrameSize,
		deoptSled: a.deoptSled,
	}
	a.baked = true
	a.log.Debug("baked code blob",
		"name", b.name,
		"size", b.prog.Len(),
		"widened_bytes", rel.Delta(),
		"oopmaps", b.oops.Len(),
		"scopes", b.debug.Len(),
		"implicit", b.implicit.Len(),
		"deps", len(b.deps))
	return b, nil
}
