package asm

import "fmt"

// NodeKind classifies a ledger node.
type NodeKind int8

const (
	// NodeBranch is a branch site whose displacement is patched.
	NodeBranch NodeKind = iota
	// NodeAddress is an 8-byte data slot receiving a label's absolute address.
	NodeAddress
	// NodeLabel is a label binding.
	NodeLabel
	NodeAlign8
	NodeAlign16
	NodeAlign32
	// NodeAlignInlineCache pads so an inline cache's patchable fields do not
	// straddle a cache line.
	NodeAlignInlineCache
	// NodeAlignCall pads so a call's displacement can be patched atomically.
	NodeAlignCall
)

// EOL terminates a pending-branch list.
const EOL = -1

func (k NodeKind) String() string {
	switch k {
	case NodeBranch:
		return "branch"
	case NodeAddress:
		return "address"
	case NodeLabel:
		return "label"
	case NodeAlign8:
		return "align8"
	case NodeAlign16:
		return "align16"
	case NodeAlign32:
		return "align32"
	case NodeAlignInlineCache:
		return "align-ic"
	case NodeAlignCall:
		return "align-call"
	default:
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
}

// IsAlign reports whether k is an alignment request.
func (k NodeKind) IsAlign() bool {
	return k >= NodeAlign8
}

// IsSite reports whether k refers to a label and needs patching.
func (k NodeKind) IsSite() bool {
	return k == NodeBranch || k == NodeAddress
}

type node struct {
	kind NodeKind
	// next links pending sites of an unbound label and, once the label is
	// bound, holds the index of its NodeLabel node.
	next int
	pc   int
}

// Label is a branch target. The zero value is an unbound label with no
// pending sites. While unbound, pos-1 is the head of its pending list; once
// bound, pos-1 is the index of the binding node.
type Label struct {
	pos   int
	bound bool
}

func (l *Label) IsBound() bool { return l.bound }

func (l *Label) index() int { return l.pos - 1 }

// Ledger records branch sites, label bindings and alignment requests in
// emission order. Nodes live in one arena and refer to each other by index.
type Ledger struct {
	nodes   []node
	patched bool
}

func NewLedger() *Ledger {
	return &Ledger{}
}

func (l *Ledger) Len() int { return len(l.nodes) }

// Patched reports whether PatchBranches has run since the last Reset.
func (l *Ledger) Patched() bool { return l.patched }

func (l *Ledger) push(n node) int {
	if l.patched {
		panic("asm: ledger already patched")
	}
	if len(l.nodes) > 0 && n.pc < l.nodes[len(l.nodes)-1].pc {
		panic(fmt.Sprintf("asm: %s at %d recorded after offset %d", n.kind, n.pc, l.nodes[len(l.nodes)-1].pc))
	}
	l.nodes = append(l.nodes, n)
	return len(l.nodes) - 1
}

// Bind binds lbl to pc and resolves every pending site. Binding twice panics.
func (l *Ledger) Bind(lbl *Label, pc int) {
	if lbl.bound {
		panic(fmt.Sprintf("asm: label already bound at %d", l.nodes[lbl.index()].pc))
	}
	idx := l.push(node{kind: NodeLabel, next: EOL, pc: pc})
	for j := lbl.index(); j != EOL; {
		next := l.nodes[j].next
		l.nodes[j].next = idx
		j = next
	}
	lbl.pos = idx + 1
	lbl.bound = true
}

// AddJump records a branch site at pc targeting lbl.
func (l *Ledger) AddJump(lbl *Label, pc int) {
	l.addSite(NodeBranch, lbl, pc)
}

// AddAddress records an absolute-address data slot at pc targeting lbl.
func (l *Ledger) AddAddress(lbl *Label, pc int) {
	l.addSite(NodeAddress, lbl, pc)
}

func (l *Ledger) addSite(kind NodeKind, lbl *Label, pc int) {
	idx := l.push(node{kind: kind, next: lbl.index(), pc: pc})
	if !lbl.bound {
		lbl.pos = idx + 1
	}
}

// Align records an alignment request at pc.
func (l *Ledger) Align(kind NodeKind, pc int) {
	if !kind.IsAlign() {
		panic(fmt.Sprintf("asm: %s is not an alignment", kind))
	}
	l.push(node{kind: kind, next: EOL, pc: pc})
}

// Offset returns the relative offset of a bound label. After patching this
// is the final offset.
func (l *Ledger) Offset(lbl *Label) int {
	if !lbl.bound {
		panic("asm: offset of unbound label")
	}
	return l.nodes[lbl.index()].pc
}

// HasVariableBranches reports whether any recorded site may change size.
func (l *Ledger) HasVariableBranches() bool {
	for _, n := range l.nodes {
		if n.kind == NodeBranch {
			return true
		}
	}
	return false
}

// Reset forgets every node so the buffer can be extended after a patch.
// Labels from before the reset must not be reused.
func (l *Ledger) Reset() {
	l.nodes = l.nodes[:0]
	l.patched = false
}

// checkBound panics if any site still refers to an unbound label.
func (l *Ledger) checkBound() {
	for i, n := range l.nodes {
		if !n.kind.IsSite() {
			continue
		}
		if n.next == EOL || l.nodes[n.next].kind != NodeLabel {
			panic(fmt.Sprintf("asm: %s #%d at %d targets an unbound label", n.kind, i, n.pc))
		}
	}
}
