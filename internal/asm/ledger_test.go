package asm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
)

// testEncoder models a variable-width ISA:
//
//	0x10 d8        short branch, widens to 0x11 d32
//	0x11 d32       long branch
//	0x12 d8        short branch with no wide form
const (
	opShort = 0x10
	opLong  = 0x11
	opFixed = 0x12
	opNop   = 0x90
)

type testEncoder struct{}

func (testEncoder) Site(code []byte) (Site, error) {
	switch code[0] {
	case opShort:
		return Site{Size: 2, DispOff: 1, DispSize: 1, WideSize: 5}, nil
	case opLong:
		return Site{Size: 5, DispOff: 1, DispSize: 4}, nil
	case opFixed:
		return Site{Size: 2, DispOff: 1, DispSize: 1}, nil
	}
	return Site{}, fmt.Errorf("bad opcode 0x%02x", code[0])
}

func (testEncoder) Widen(short []byte) []byte { return []byte{opLong, 0, 0, 0, 0} }

// Padding keeps a 4-byte field starting one byte after pc inside an 8-byte line.
func (testEncoder) Padding(kind NodeKind, pc int) int {
	a := pc
	for 8-((a+1)&7) < 4 {
		a++
	}
	return a - pc
}

func (testEncoder) Nops(n int) []byte { return bytes.Repeat([]byte{opNop}, n) }

type testBranch struct {
	label *Label
	op    byte
}

func (b testBranch) Emit(ctx Context) error {
	ctx.AddJump(b.label)
	if b.op == opLong {
		ctx.EmitBytes([]byte{opLong, 0, 0, 0, 0})
		return nil
	}
	ctx.EmitBytes([]byte{b.op, 0})
	return nil
}

func short(l *Label) Fragment { return testBranch{label: l, op: opShort} }

type filler int

func (f filler) Emit(ctx Context) error {
	ctx.EmitBytes(bytes.Repeat([]byte{0xAB}, int(f)))
	return nil
}

// branchTarget decodes the branch at off and returns the offset it reaches.
func branchTarget(t *testing.T, code []byte, off int) int {
	t.Helper()
	switch code[off] {
	case opShort, opFixed:
		return off + 2 + int(int8(code[off+1]))
	case opLong:
		return off + 5 + int(int32(binary.LittleEndian.Uint32(code[off+1:])))
	}
	t.Fatalf("no branch at %d (opcode 0x%02x)", off, code[off])
	return 0
}

func TestLedgerForwardBranchesResolve(t *testing.T) {
	b := NewBuilder()
	var target Label
	var sites []int
	for i := 0; i < 5; i++ {
		sites = append(sites, b.RelPC())
		if err := b.Emit(short(&target), filler(3)); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	b.Bind(&target)
	b.EmitBytes([]byte{0xC3})

	rel, err := b.Patch(testEncoder{})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if rel.Delta() != 0 {
		t.Fatalf("Delta()=%d, want 0 for in-range branches", rel.Delta())
	}
	code := b.Buffer().Bytes()
	want := b.Offset(&target)
	for _, site := range sites {
		if got := branchTarget(t, code, site); got != want {
			t.Fatalf("branch at %d reaches %d, want %d", site, got, want)
		}
	}
}

func TestLedgerBackwardAndBoundBranches(t *testing.T) {
	b := NewBuilder()
	var loop Label
	b.Emit(filler(4))
	b.Bind(&loop)
	b.Emit(filler(10))
	site := b.RelPC()
	b.Emit(short(&loop))

	if _, err := b.Patch(testEncoder{}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if got := branchTarget(t, b.Buffer().Bytes(), site); got != 4 {
		t.Fatalf("backward branch reaches %d, want 4", got)
	}
}

func TestLedgerWidensFarBranches(t *testing.T) {
	b := NewBuilder()
	var far, near Label
	b.Emit(short(&far))  // 0: must widen
	b.Emit(short(&near)) // 2: stays short
	b.Emit(filler(10))
	b.Bind(&near)
	b.Emit(filler(200))
	tail := b.RelPC()
	b.Bind(&far)
	b.EmitBytes([]byte{0xC3})

	rel, err := b.Patch(testEncoder{})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if got, want := rel.Delta(), 3; got != want {
		t.Fatalf("Delta()=%d, want %d", got, want)
	}
	code := b.Buffer().Bytes()
	if code[0] != opLong {
		t.Fatalf("far branch opcode 0x%02x, want widened 0x%02x", code[0], opLong)
	}
	if code[5] != opShort {
		t.Fatalf("near branch opcode 0x%02x, want short", code[5])
	}
	if got, want := branchTarget(t, code, 0), b.Offset(&far); got != want {
		t.Fatalf("far branch reaches %d, want %d", got, want)
	}
	if got, want := branchTarget(t, code, 5), b.Offset(&near); got != want {
		t.Fatalf("near branch reaches %d, want %d", got, want)
	}
	if got, want := b.Offset(&far), tail+3; got != want {
		t.Fatalf("Offset(far)=%d, want %d", got, want)
	}
	if code[len(code)-1] != 0xC3 {
		t.Fatalf("trailing byte 0x%02x, want 0xc3", code[len(code)-1])
	}
	if got := rel.Translate(tail, TieBeforePadding); got != tail+3 {
		t.Fatalf("Translate(%d)=%d, want %d", tail, got, tail+3)
	}
	if got := rel.Translate(0, TieBeforePadding); got != 0 {
		t.Fatalf("Translate(0)=%d, want 0", got)
	}
}

// A chain where widening one branch pushes another out of range.
func TestLedgerWideningCascades(t *testing.T) {
	b := NewBuilder()
	var a, c Label
	b.Emit(short(&c)) // 0: 125 bytes away before widening
	b.Emit(short(&a)) // 2: far, widens by 3
	b.Emit(filler(123))
	b.Bind(&c)
	b.Emit(filler(200))
	b.Bind(&a)

	if _, err := b.Patch(testEncoder{}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	code := b.Buffer().Bytes()
	if code[0] != opLong {
		t.Fatalf("first branch not widened after second grew")
	}
	if got, want := branchTarget(t, code, 0), b.Offset(&c); got != want {
		t.Fatalf("first branch reaches %d, want %d", got, want)
	}
	if got, want := branchTarget(t, code, 5), b.Offset(&a); got != want {
		t.Fatalf("second branch reaches %d, want %d", got, want)
	}
}

func TestLedgerAlignment(t *testing.T) {
	for _, tc := range []struct {
		kind  NodeKind
		align int
	}{
		{NodeAlign8, 8},
		{NodeAlign16, 16},
		{NodeAlign32, 32},
	} {
		for pre := 0; pre < tc.align+3; pre++ {
			b := NewBuilder()
			var lbl Label
			b.Emit(filler(pre))
			b.Align(tc.kind)
			b.Bind(&lbl)
			b.EmitBytes([]byte{0xC3})
			if _, err := b.Patch(testEncoder{}); err != nil {
				t.Fatalf("Patch: %v", err)
			}
			off := b.Offset(&lbl)
			if off%tc.align != 0 {
				t.Fatalf("%s after %d bytes: label at %d", tc.kind, pre, off)
			}
			code := b.Buffer().Bytes()
			for i := pre; i < off; i++ {
				if code[i] != opNop {
					t.Fatalf("%s: padding byte %d is 0x%02x", tc.kind, i, code[i])
				}
			}
			if code[off] != 0xC3 {
				t.Fatalf("%s: instruction after padding is 0x%02x", tc.kind, code[off])
			}
		}
	}
}

func TestLedgerAlignmentWithWidening(t *testing.T) {
	b := NewBuilder()
	var far, aligned Label
	b.Emit(filler(1))
	b.Emit(short(&far))
	b.Emit(filler(1))
	b.Align(NodeAlign16)
	b.Bind(&aligned)
	b.Emit(filler(300))
	b.Bind(&far)

	if _, err := b.Patch(testEncoder{}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if off := b.Offset(&aligned); off%16 != 0 {
		t.Fatalf("aligned label at %d", off)
	}
	code := b.Buffer().Bytes()
	if got, want := branchTarget(t, code, 1), b.Offset(&far); got != want {
		t.Fatalf("branch reaches %d, want %d", got, want)
	}
}

func TestLedgerArchitecturePadding(t *testing.T) {
	b := NewBuilder()
	var tgt Label
	b.Emit(filler(6))
	b.Align(NodeAlignCall)
	site := b.RelPC()
	b.Emit(testBranch{label: &tgt, op: opLong})
	b.Bind(&tgt)
	rel, err := b.Patch(testEncoder{})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	after := rel.Translate(site, TieAfterPadding)
	if field := after + 1; 8-(field&7) < 4 {
		t.Fatalf("displacement field at %d crosses an 8-byte line", field)
	}
	if got := rel.Translate(site, TieBeforePadding); got != site {
		t.Fatalf("Translate(before)=%d, want %d", got, site)
	}
	if b.Buffer().At(after) != opLong {
		t.Fatalf("call not found after padding at %d", after)
	}
}

func TestLedgerBindTwicePanics(t *testing.T) {
	b := NewBuilder()
	var lbl Label
	b.Bind(&lbl)
	mustPanic(t, "second Bind", func() { b.Bind(&lbl) })
}

func TestLedgerPatchUnboundPanics(t *testing.T) {
	b := NewBuilder()
	var lbl Label
	b.Emit(short(&lbl))
	mustPanic(t, "Patch with unbound label", func() { b.Patch(testEncoder{}) })
}

func TestLedgerUnwidenableIsCapacityError(t *testing.T) {
	b := NewBuilder()
	var far Label
	b.Emit(testBranch{label: &far, op: opFixed})
	b.Emit(filler(300))
	b.Bind(&far)
	_, err := b.Patch(testEncoder{})
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("Patch() error=%v, want ErrCapacity", err)
	}
}

func TestLedgerAddressSlots(t *testing.T) {
	b := NewBuilder()
	var far, data Label
	b.Emit(short(&far))
	b.Emit(filler(200))
	b.Bind(&far)
	b.EmitBytes([]byte{0xC3})
	b.Align(NodeAlign8)
	slot := b.RelPC()
	b.AddAddress(&data)
	b.EmitBytes(make([]byte, 8))
	b.Bind(&data)
	b.EmitBytes([]byte{1, 2, 3, 4})

	rel, err := b.Patch(testEncoder{})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	slots := rel.AddressSlots()
	if len(slots) != 1 {
		t.Fatalf("AddressSlots()=%v, want one slot", slots)
	}
	if got, want := slots[0], rel.Translate(slot, TieAfterPadding); got != want {
		t.Fatalf("slot at %d, want %d", got, want)
	}
	prog := b.Program(rel)
	const base = 0x10000
	code := prog.RelocatedCopy(base)
	if got, want := binary.LittleEndian.Uint64(code[slots[0]:]), uint64(base+b.Offset(&data)); got != want {
		t.Fatalf("relocated slot=0x%x, want 0x%x", got, want)
	}
	if slots[0]%8 != 0 {
		t.Fatalf("slot at %d not 8-byte aligned", slots[0])
	}
}

func TestLedgerPatchedLedgerRejectsSites(t *testing.T) {
	b := NewBuilder()
	var lbl Label
	b.Bind(&lbl)
	if _, err := b.Patch(testEncoder{}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	mustPanic(t, "AddJump after Patch", func() { b.AddJump(&lbl) })
	b.Ledger().Reset()
	var again Label
	b.Emit(short(&again))
	b.Bind(&again)
	if _, err := b.Patch(testEncoder{}); err != nil {
		t.Fatalf("Patch after Reset: %v", err)
	}
}

func TestLedgerPatchTwicePanics(t *testing.T) {
	b := NewBuilder()
	var lbl Label
	b.Emit(filler(3))
	b.Align(NodeAlign16)
	b.Bind(&lbl)
	b.Emit(filler(1), short(&lbl))
	if _, err := b.Patch(testEncoder{}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if got := b.Offset(&lbl); got != 16 {
		t.Fatalf("Offset()=%d, want 16", got)
	}
	if got := b.RelPC(); got != 19 {
		t.Fatalf("RelPC()=%d, want 19", got)
	}
	mustPanic(t, "second Patch", func() { b.Patch(testEncoder{}) })
	if got := b.Offset(&lbl); got != 16 {
		t.Fatalf("Offset() after second Patch=%d, want 16", got)
	}
}

// Labels and alignments sit between sites in the ledger; patching must skip
// them when writing displacements.
func TestLedgerPatchSkipsLabelsAndAlignments(t *testing.T) {
	b := NewBuilder()
	var back, fwd Label
	b.Bind(&back)
	b.Emit(filler(2))
	b.Align(NodeAlign8)
	site := b.RelPC()
	b.Emit(short(&fwd), short(&back))
	b.Align(NodeAlign16)
	b.Bind(&fwd)
	if _, err := b.Patch(testEncoder{}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	code := b.Buffer().Bytes()
	if site != 2 || code[8] != opShort {
		t.Fatalf("branch not moved to 8: site=%d code=% x", site, code)
	}
	if got, want := branchTarget(t, code, 8), b.Offset(&fwd); got != want || want != 16 {
		t.Fatalf("forward branch reaches %d, want %d (label at 16)", got, want)
	}
	if got := branchTarget(t, code, 10); got != 0 {
		t.Fatalf("backward branch reaches %d, want 0", got)
	}
}
