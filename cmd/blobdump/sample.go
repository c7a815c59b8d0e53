package main

import (
	"fmt"

	"github.com/tinyrange/codeblob/internal/asm"
	"github.com/tinyrange/codeblob/internal/asm/amd64"
	"github.com/tinyrange/codeblob/internal/codeblob"
	"github.com/tinyrange/codeblob/internal/debuginfo"
	"github.com/tinyrange/codeblob/internal/oopmap"
)

const (
	sampleKlass     = 7
	sampleSubKlass  = 9
	sampleMethod    = 1
	sampleCallee    = 2
	sampleCalleeSub = 90
	sampleFrameSize = 48
)

func reg(r amd64.Reg) oopmap.Location { return oopmap.Register(int(r)) }

// buildSample assembles a small method with an inline cache, a null check
// through an implicit exception, an inlined call with a safepoint, a loop
// whose exit branch must be widened and an address table.
func buildSample(opts ...codeblob.Option) (*codeblob.Blob, error) {
	a := codeblob.NewAssembler("Sample.lookup", opts...)
	var miss, callee, loop, slow, null, table asm.Label
	emit := func(frags ...asm.Fragment) error { return a.Emit(frags...) }

	a.SetEntry("unverified")
	if err := emit(amd64.InlineCache(sampleKlass, &miss, &callee)); err != nil {
		return nil, err
	}
	icSet := oopmap.NewSet()
	icSet.Add(reg(amd64.RSI))
	a.AddOopMap(a.RelPC(), icSet)
	icScope := debuginfo.NewScopeBuilder(nil, sampleMethod, 2, 0, 0, 0)
	icScope.AddRegister(debuginfo.Local, 0, reg(amd64.RSI), true)
	icScope.SetInlineCache()
	icScope.SetReexecute()
	a.AddDebug(a.RelPC(), icScope)

	a.SetEntry("verified")
	if err := emit(
		amd64.TestReg(amd64.RDI, amd64.RDI),
		amd64.JumpIf(amd64.Equal, &null),
		asm.MarkLabel(&loop),
	); err != nil {
		return nil, err
	}
	fault := a.RelPC()
	if err := emit(
		amd64.Load(amd64.RAX, amd64.Mem{Base: amd64.RDI, Disp: 8}),
		amd64.CmpRegImm(amd64.RAX, 0),
		amd64.JumpIf(amd64.Less, &slow),
		amd64.LoadAddress(amd64.RCX, &table),
		amd64.Call(&callee),
	); err != nil {
		return nil, err
	}

	// Safepoint after the call: the receiver in rbx, a spilled array in
	// [sp+8] and an interior pointer into it in r12.
	set := oopmap.NewSet()
	set.Add(reg(amd64.RBX))
	set.Add(oopmap.Stack(8))
	set.AddDerived(oopmap.Stack(8), reg(amd64.R12))
	set.AddCalleeSavePair(reg(amd64.R13), oopmap.Stack(16))
	a.AddOopMap(a.RelPC(), set)

	caller := debuginfo.NewScopeBuilder(nil, sampleMethod, 2, 1, 1, 12)
	caller.AddRegister(debuginfo.Local, 0, reg(amd64.RBX), true)
	caller.AddConstOop(debuginfo.Local, 1, 3)
	caller.AddRegister(debuginfo.Stack, 0, reg(amd64.RAX), false)
	caller.AddRegister(debuginfo.Lock, 0, reg(amd64.RBX), true)
	leaf := debuginfo.NewScopeBuilder(caller, sampleCallee, 3, 0, 0, 5)
	leaf.AddRegisterLong(debuginfo.Local, 0, oopmap.Stack(24))
	leaf.AddConstInt(debuginfo.Local, 2, 1<<20)
	leaf.AddCalleeSavePair(reg(amd64.R13), oopmap.Stack(16))
	leaf.SetBaseDerived([]oopmap.DerivedPair{{Base: oopmap.Stack(8), Derived: reg(amd64.R12)}})
	leaf.AddException(5, &slow)
	a.AddDebug(a.RelPC(), leaf)

	if err := emit(
		amd64.AddRegImm(amd64.RDI, 16),
		amd64.Nop(160),
		amd64.Jump(&loop),
		asm.MarkLabel(&slow),
		amd64.MovImmediate(amd64.RAX, -1),
		amd64.Ret(),
		asm.MarkLabel(&null),
	); err != nil {
		return nil, err
	}
	a.AddImplicitException(fault, a.RelPC())
	if err := emit(
		amd64.MovImmediate(amd64.RAX, 0),
		amd64.Ret(),
		asm.AlignTo(asm.NodeAlign16),
		asm.MarkLabel(&callee),
		amd64.MovReg(amd64.RAX, amd64.RSI),
		amd64.Ret(),
		asm.MarkLabel(&miss),
	); err != nil {
		return nil, err
	}
	a.SetDeoptSled()
	if err := emit(amd64.Nop(5), asm.AlignTo(asm.NodeAlign8), asm.MarkLabel(&table)); err != nil {
		return nil, err
	}
	a.EmitBytes(make([]byte, 8))

	a.RecordConstantOop(3)
	a.Deps().AssertLeafType(sampleKlass)
	a.Deps().AssertNoFinalizableSubclasses(sampleSubKlass)
	a.Deps().AssertUniqueConcreteMethod(sampleSubKlass, sampleCalleeSub)

	b, err := a.Bake(codeblob.BakeOptions{Encoder: amd64.Encoder{}, FrameSize: sampleFrameSize})
	if err != nil {
		return nil, fmt.Errorf("bake sample: %w", err)
	}
	return b, nil
}
