package asm

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"unsafe"
)

// BufferState is the relocation state of a Buffer.
type BufferState int

const (
	// Movable buffers may be reallocated when they run out of room.
	Movable BufferState = iota
	// Pinned buffers have handed out an absolute address and never move again.
	Pinned
)

func (s BufferState) String() string {
	switch s {
	case Movable:
		return "movable"
	case Pinned:
		return "pinned"
	default:
		return fmt.Sprintf("BufferState(%d)", int(s))
	}
}

const defaultBufferSize = 256

// Buffer is a growable code region with a bump cursor. Offsets handed out by
// RelPC are stable across growth; addresses handed out by AbsPC pin the
// buffer for the rest of its life.
type Buffer struct {
	region []byte
	pc     int
	state  BufferState
	base   uintptr
	grows  int
	log    *slog.Logger
}

// BufferOption configures a Buffer.
type BufferOption func(*Buffer)

// WithCapacity sets the initial region size.
func WithCapacity(n int) BufferOption {
	return func(b *Buffer) {
		if n < 0 {
			n = 0
		}
		b.region = make([]byte, n)
	}
}

// WithLogger routes relocation diagnostics to the provided logger.
func WithLogger(l *slog.Logger) BufferOption {
	return func(b *Buffer) {
		if l != nil {
			b.log = l
		}
	}
}

func NewBuffer(opts ...BufferOption) *Buffer {
	b := &Buffer{log: slog.Default()}
	b.region = make([]byte, defaultBufferSize)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Buffer) RelPC() int         { return b.pc }
func (b *Buffer) Cap() int           { return len(b.region) }
func (b *Buffer) Grows() int         { return b.grows }
func (b *Buffer) State() BufferState { return b.state }
func (b *Buffer) Pinned() bool       { return b.state == Pinned }
func (b *Buffer) Bytes() []byte      { return b.region[:b.pc:b.pc] }
func (b *Buffer) Clone() []byte      { return append([]byte(nil), b.region[:b.pc]...) }
func (b *Buffer) Remaining() int     { return len(b.region) - b.pc }
func (b *Buffer) At(off int) byte    { return b.region[off] }
func (b *Buffer) Slice(off, n int) []byte {
	return b.region[off : off+n : off+n]
}

// Base returns the pinned base address, or zero while the buffer is movable.
func (b *Buffer) Base() uintptr {
	if b.state != Pinned {
		return 0
	}
	return b.base
}

// AbsPC returns the absolute address of the cursor and pins the buffer.
func (b *Buffer) AbsPC() uintptr {
	b.pin()
	return b.base + uintptr(b.pc)
}

// AbsAt returns the absolute address of a relative offset and pins the buffer.
func (b *Buffer) AbsAt(off int) uintptr {
	if off < 0 || off > b.pc {
		panic(fmt.Sprintf("asm: offset %d outside emitted code [0,%d]", off, b.pc))
	}
	b.pin()
	return b.base + uintptr(off)
}

func (b *Buffer) pin() {
	if b.state == Pinned {
		return
	}
	if len(b.region) == 0 {
		b.grow(1)
	}
	b.state = Pinned
	b.base = uintptr(unsafe.Pointer(&b.region[0]))
}

// Reserve guarantees room for n more bytes, growing if necessary.
func (b *Buffer) Reserve(n int) {
	if n > b.Remaining() {
		b.grow(n)
	}
}

func (b *Buffer) grow(need int) {
	if b.state == Pinned {
		panic(fmt.Errorf("%w: need %d bytes, %d remain", ErrPinned, need, b.Remaining()))
	}
	size := 2 * len(b.region)
	if want := b.pc + need; size < want {
		size = want
	}
	next := make([]byte, size)
	copy(next, b.region[:b.pc])
	b.log.Debug("code buffer grew", "from", len(b.region), "to", size, "pc", b.pc)
	b.region = next
	b.grows++
}

func (b *Buffer) Emit1(v uint8) {
	b.Reserve(1)
	b.region[b.pc] = v
	b.pc++
}

func (b *Buffer) Emit2(v uint16) {
	b.Reserve(2)
	binary.LittleEndian.PutUint16(b.region[b.pc:], v)
	b.pc += 2
}

func (b *Buffer) Emit4(v uint32) {
	b.Reserve(4)
	binary.LittleEndian.PutUint32(b.region[b.pc:], v)
	b.pc += 4
}

func (b *Buffer) Emit8(v uint64) {
	b.Reserve(8)
	binary.LittleEndian.PutUint64(b.region[b.pc:], v)
	b.pc += 8
}

func (b *Buffer) EmitBytes(data []byte) {
	b.Reserve(len(data))
	b.pc += copy(b.region[b.pc:], data)
}

// Put4At overwrites four already-emitted bytes.
func (b *Buffer) Put4At(off int, v uint32) {
	if off < 0 || off+4 > b.pc {
		panic(fmt.Sprintf("asm: patch at %d outside emitted code [0,%d)", off, b.pc))
	}
	binary.LittleEndian.PutUint32(b.region[off:], v)
}

// PatchAt overwrites already-emitted bytes.
func (b *Buffer) PatchAt(off int, data []byte) {
	if off < 0 || off+len(data) > b.pc {
		panic(fmt.Sprintf("asm: patch at %d+%d outside emitted code [0,%d)", off, len(data), b.pc))
	}
	copy(b.region[off:], data)
}

// rewrite rebuilds the emitted code with extra additional bytes. fill receives
// the destination (sized to the new length) and a private copy of the old code.
func (b *Buffer) rewrite(extra int, fill func(dst, src []byte)) {
	src := b.Clone()
	b.Reserve(extra)
	b.pc += extra
	fill(b.region[:b.pc], src)
}
