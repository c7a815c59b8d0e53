package asm

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func mustPanic(t *testing.T, name string, fn func()) any {
	t.Helper()
	var got any
	func() {
		defer func() { got = recover() }()
		fn()
	}()
	if got == nil {
		t.Fatalf("%s did not panic", name)
	}
	return got
}

func TestBufferGrowthIsTransparent(t *testing.T) {
	buf := NewBuffer(WithCapacity(16))
	var want []byte
	for i := 0; i < 16; i++ {
		buf.Emit1(byte(0xA0 + i))
		want = append(want, byte(0xA0+i))
	}
	if buf.Grows() != 0 {
		t.Fatalf("Grows()=%d before overflow, want 0", buf.Grows())
	}
	for i := 16; i < 20; i++ {
		buf.Emit1(byte(i))
	}

	if buf.Grows() < 1 {
		t.Fatalf("Grows()=%d, want at least 1", buf.Grows())
	}
	if got := buf.RelPC(); got != 20 {
		t.Fatalf("RelPC()=%d, want 20", got)
	}
	if got := buf.Bytes()[:16]; !bytes.Equal(got, want) {
		t.Fatalf("Bytes()[:16]=% x, want % x", got, want)
	}
	if buf.Cap() < 32 {
		t.Fatalf("Cap()=%d, want at least double the initial 16", buf.Cap())
	}
}

func TestBufferGrowFitsLargeWrite(t *testing.T) {
	buf := NewBuffer(WithCapacity(4))
	buf.Emit1(1)
	payload := bytes.Repeat([]byte{0xCC}, 100)
	buf.EmitBytes(payload)
	if got, want := buf.RelPC(), 101; got != want {
		t.Fatalf("RelPC()=%d, want %d", got, want)
	}
	if buf.Cap() < 101 {
		t.Fatalf("Cap()=%d, want at least 101", buf.Cap())
	}
	if buf.At(0) != 1 || !bytes.Equal(buf.Slice(1, 100), payload) {
		t.Fatalf("contents corrupted after growth: % x", buf.Bytes()[:8])
	}
}

func TestBufferEmitLittleEndian(t *testing.T) {
	buf := NewBuffer(WithCapacity(1))
	buf.Emit1(0x01)
	buf.Emit2(0x0302)
	buf.Emit4(0x07060504)
	buf.Emit8(0x0f0e0d0c0b0a0908)
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	if got := buf.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("Bytes()=% x, want % x", got, want)
	}
}

func TestBufferRandomGrowth(t *testing.T) {
	for capacity := 0; capacity < 12; capacity++ {
		t.Run(fmt.Sprintf("cap%d", capacity), func(t *testing.T) {
			buf := NewBuffer(WithCapacity(capacity))
			var want []byte
			for i := 0; i < 50; i++ {
				switch i % 4 {
				case 0:
					buf.Emit1(byte(i))
					want = append(want, byte(i))
				case 1:
					buf.Emit2(uint16(i) | 0x100)
					want = append(want, byte(i), 0x01)
				case 2:
					buf.Emit4(uint32(i))
					want = append(want, byte(i), 0, 0, 0)
				case 3:
					buf.Emit8(uint64(i) << 56)
					want = append(want, 0, 0, 0, 0, 0, 0, 0, byte(i))
				}
				if got := buf.Bytes(); !bytes.Equal(got, want) {
					t.Fatalf("after %d emits Bytes()=% x, want % x", i+1, got, want)
				}
			}
		})
	}
}

func TestBufferAbsPCPins(t *testing.T) {
	buf := NewBuffer(WithCapacity(8))
	buf.Emit4(0x90909090)
	if buf.State() != Movable {
		t.Fatalf("State()=%s, want movable", buf.State())
	}
	abs := buf.AbsPC()
	if buf.State() != Pinned {
		t.Fatalf("State()=%s after AbsPC, want pinned", buf.State())
	}
	if got, want := abs-buf.Base(), uintptr(4); got != want {
		t.Fatalf("AbsPC()-Base()=%d, want %d", got, want)
	}

	// Emitting into remaining room is fine.
	buf.Emit4(0xCCCCCCCC)

	got := mustPanic(t, "Emit1 on full pinned buffer", func() { buf.Emit1(0) })
	err, ok := got.(error)
	if !ok || !errors.Is(err, ErrPinned) {
		t.Fatalf("panic value %v, want ErrPinned", got)
	}
}

func TestBufferPinEmpty(t *testing.T) {
	buf := NewBuffer(WithCapacity(0))
	if buf.AbsPC() == 0 {
		t.Fatalf("AbsPC() on empty buffer returned 0")
	}
	if buf.Cap() == 0 {
		t.Fatalf("Cap()=0 after pinning, want storage")
	}
}

func TestBufferPatchAtBounds(t *testing.T) {
	buf := NewBuffer()
	buf.Emit4(0)
	buf.Put4At(0, 0xdeadbeef)
	if got := buf.Bytes(); !bytes.Equal(got, []byte{0xef, 0xbe, 0xad, 0xde}) {
		t.Fatalf("Bytes()=% x after Put4At", got)
	}
	mustPanic(t, "Put4At past cursor", func() { buf.Put4At(1, 0) })
	mustPanic(t, "PatchAt past cursor", func() { buf.PatchAt(3, []byte{1, 2}) })
}
