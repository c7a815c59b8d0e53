package asm

// Builder pairs a Buffer with its Ledger and implements Context.
type Builder struct {
	buf    *Buffer
	ledger *Ledger
}

var (
	_ Context = (*Builder)(nil)
)

func NewBuilder(opts ...BufferOption) *Builder {
	return &Builder{
		buf:    NewBuffer(opts...),
		ledger: NewLedger(),
	}
}

func (b *Builder) Buffer() *Buffer { return b.buf }
func (b *Builder) Ledger() *Ledger { return b.ledger }

func (b *Builder) EmitBytes(data []byte) { b.buf.EmitBytes(data) }
func (b *Builder) RelPC() int            { return b.buf.RelPC() }

func (b *Builder) Bind(l *Label)       { b.ledger.Bind(l, b.buf.RelPC()) }
func (b *Builder) AddJump(l *Label)    { b.ledger.AddJump(l, b.buf.RelPC()) }
func (b *Builder) AddAddress(l *Label) { b.ledger.AddAddress(l, b.buf.RelPC()) }
func (b *Builder) Align(kind NodeKind) { b.ledger.Align(kind, b.buf.RelPC()) }

// Offset returns the offset of a bound label.
func (b *Builder) Offset(l *Label) int { return b.ledger.Offset(l) }

// Patch resolves every branch recorded so far.
func (b *Builder) Patch(enc BranchEncoder) (*Relocation, error) {
	return b.ledger.PatchBranches(b.buf, enc)
}

// Emit runs the fragments against the builder.
func (b *Builder) Emit(frags ...Fragment) error {
	return Group(frags).Emit(b)
}

// Program snapshots the patched code.
func (b *Builder) Program(rel *Relocation) Program {
	return NewProgram(b.buf.Bytes(), rel.AddressSlots())
}
