package codecache

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/codeblob/internal/asm"
	"github.com/tinyrange/codeblob/internal/asm/amd64"
	"github.com/tinyrange/codeblob/internal/codeblob"
	"github.com/tinyrange/codeblob/internal/debuginfo"
	"github.com/tinyrange/codeblob/internal/oopmap"
)

type frame map[oopmap.Location]*uint64

func (f frame) Slot(loc oopmap.Location) *uint64 { return f[loc] }

// sample bakes:
//
//	0  nop x4   fault site, entry
//	4  jmp over safepoint
//	6  8-byte slot holding the address of over
//	14 over: ret
func sample(t *testing.T, name string) *codeblob.Blob {
	t.Helper()
	a := codeblob.NewAssembler(name)
	over := new(asm.Label)
	a.SetEntry("entry")
	fault := a.RelPC()
	if err := a.Emit(amd64.Nop(4)); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	a.AddOop(a.RelPC(), oopmap.Register(int(amd64.RBX)))
	sb := debuginfo.NewScopeBuilder(nil, 5, 1, 0, 0, 3)
	sb.AddConstInt(debuginfo.Local, 0, 7)
	a.AddDebug(a.RelPC(), sb)
	if err := a.Emit(amd64.Jump(over)); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	a.AddAddress(over)
	a.EmitBytes(make([]byte, 8))
	if err := a.Emit(asm.MarkLabel(over), amd64.Ret()); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	a.AddImplicitException(fault, 14)
	b, err := a.Bake(codeblob.BakeOptions{Encoder: amd64.Encoder{}})
	if err != nil {
		t.Fatalf("Bake: %v", err)
	}
	return b
}

func installed(in *Installed) []byte { return in.mem[:in.Blob().Len()] }

func TestInstallRebasesAddresses(t *testing.T) {
	c := New()
	defer c.Close()
	b := sample(t, "rebased")
	in, err := c.Install(b)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	code := installed(in)
	if got, want := binary.LittleEndian.Uint64(code[6:]), uint64(in.Base())+14; got != want {
		t.Fatalf("address slot=%#x, want %#x", got, want)
	}
	if code[14] != 0xC3 {
		t.Fatalf("ret at 14 = 0x%02x", code[14])
	}
	if addr, ok := in.Entry("entry"); !ok || addr != in.Base() {
		t.Fatalf("Entry(entry)=%#x,%v, want %#x", addr, ok, in.Base())
	}
}

func TestFind(t *testing.T) {
	c := New()
	defer c.Close()
	a, err := c.Install(sample(t, "a"))
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	b, err := c.Install(sample(t, "b"))
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	for _, in := range []*Installed{a, b} {
		got, ok := c.Find(in.Base() + 5)
		if !ok || got != in {
			t.Fatalf("Find(%#x) found %v, want %s", in.Base()+5, got, in.Blob().Name())
		}
		if _, ok := c.Find(in.Base() + uintptr(in.Blob().Len())); ok {
			t.Fatalf("Find() past the end of %s succeeded", in.Blob().Name())
		}
	}
	if _, ok := c.Find(0); ok {
		t.Fatalf("Find(0) succeeded")
	}
}

func TestEntryPoints(t *testing.T) {
	c := New()
	defer c.Close()
	in, err := c.Install(sample(t, "entries"))
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	rbx := uint64(0xdead)
	var visited []oopmap.Location
	if !in.VisitRoots(in.Base()+4, frame{oopmap.Register(int(amd64.RBX)): &rbx}, func(loc oopmap.Location, _ *uint64) {
		visited = append(visited, loc)
	}) {
		t.Fatalf("VisitRoots(+4) found no safepoint")
	}
	if len(visited) != 1 || visited[0] != oopmap.Register(int(amd64.RBX)) {
		t.Fatalf("VisitRoots visited %v, want [rbx]", visited)
	}

	s := in.Scope(in.Base() + 4)
	if s == nil || s.MethodID() != 5 || s.BCI() != 3 {
		t.Fatalf("Scope(+4)=%v", s)
	}

	if to, ok := in.Handler(in.Base()); !ok || to != in.Base()+14 {
		t.Fatalf("Handler(+0)=%#x,%v, want %#x", to, ok, in.Base()+14)
	}
	if _, ok := in.Handler(in.Base() + 1); ok {
		t.Fatalf("Handler(+1) found a handler")
	}
}

func TestReserve(t *testing.T) {
	c := New(WithReserve(pageSize()))
	defer c.Close()
	if _, err := c.Install(sample(t, "first")); err != nil {
		t.Fatalf("Install: %v", err)
	}
	_, err := c.Install(sample(t, "second"))
	if !errors.Is(err, ErrFull) {
		t.Fatalf("Install() err=%v, want ErrFull", err)
	}
	if got := c.Used(); got != pageSize() {
		t.Fatalf("Used()=%d, want %d", got, pageSize())
	}
}

func TestRelease(t *testing.T) {
	c := New()
	in, err := c.Install(sample(t, "gone"))
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	pc := in.Base()
	if err := c.Release(in); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := c.Find(pc); ok {
		t.Fatalf("Find() after Release succeeded")
	}
	if c.Len() != 0 || c.Used() != 0 {
		t.Fatalf("Len()=%d Used()=%d after Release", c.Len(), c.Used())
	}
	if err := c.Release(in); err == nil {
		t.Fatalf("second Release succeeded")
	}
}

func TestInstallEmpty(t *testing.T) {
	a := codeblob.NewAssembler("empty")
	b, err := a.Bake(codeblob.BakeOptions{Encoder: amd64.Encoder{}})
	if err != nil {
		t.Fatalf("Bake: %v", err)
	}
	if _, err := New().Install(b); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Install() err=%v, want ErrEmpty", err)
	}
}
