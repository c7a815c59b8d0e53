// Package deps records the class hierarchy assumptions a compiled unit was
// optimized under, so the unit can be invalidated when a later class load
// breaks one of them.
package deps

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// KlassID and MethodID name runtime types and methods.
type (
	KlassID  int32
	MethodID int32
)

// Kind is the kind of assumption made about a klass.
type Kind uint8

const (
	// UniqueConcreteMethod: the method is not overridden below the klass.
	UniqueConcreteMethod Kind = iota
	// LeafType: the klass has exactly one concrete implementation.
	LeafType
	// ZeroImplementors: the klass has no concrete implementation, so loads
	// of that type always see null.
	ZeroImplementors
	// NoFinalizers: no subclass of the klass is finalizable.
	NoFinalizers
)

func (k Kind) String() string {
	switch k {
	case UniqueConcreteMethod:
		return "NO_OVERRIDING"
	case LeafType:
		return "SINGLE_IMPL"
	case ZeroImplementors:
		return "NO_IMPL"
	case NoFinalizers:
		return "NO_FINALS"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Dependency is one recorded assumption. Method is only meaningful for
// UniqueConcreteMethod.
type Dependency struct {
	Kind   Kind
	Klass  KlassID
	Method MethodID
}

func (d Dependency) String() string {
	if d.Kind == UniqueConcreteMethod {
		return fmt.Sprintf("klass#%d:%s method#%d", d.Klass, d.Kind, d.Method)
	}
	return fmt.Sprintf("klass#%d:%s", d.Klass, d.Kind)
}

// Hierarchy answers questions about the current class hierarchy.
type Hierarchy interface {
	// Implementors counts concrete implementations of k, stopping at 2.
	Implementors(k KlassID) int
	HasFinalizableSubclass(k KlassID) bool
	// CallTargets counts distinct concrete targets of m reachable from
	// receivers of type k, stopping at 2.
	CallTargets(k KlassID, m MethodID) int
	// MethodRedefined reports whether m became obsolete or had a
	// breakpoint set since compilation.
	MethodRedefined(m MethodID) bool
}

// Registrar installs a compiled unit as dependent on a klass.
type Registrar interface {
	AddDependent(k KlassID) error
}

// ErrViolated is wrapped by every error CheckAll reports.
var ErrViolated = errors.New("deps: assumption violated")

// Violation describes one assumption that no longer holds.
type Violation struct {
	Dep    Dependency
	Reason string
}

func (v *Violation) Error() string { return fmt.Sprintf("%s: %s", v.Dep, v.Reason) }
func (v *Violation) Unwrap() error { return ErrViolated }

type klassDeps struct {
	zero    bool
	noFinal bool
	leaf    bool
	methods []MethodID
}

// Ledger holds the assumptions for one compiled unit. Per klass the
// recorded set is either ZeroImplementors alone, or an optional NoFinalizers
// followed by either LeafType or any number of UniqueConcreteMethod entries.
type Ledger struct {
	order []KlassID
	klass map[KlassID]*klassDeps
}

func NewLedger() *Ledger {
	return &Ledger{klass: make(map[KlassID]*klassDeps)}
}

func (l *Ledger) get(k KlassID) *klassDeps {
	if d, ok := l.klass[k]; ok {
		return d
	}
	d := &klassDeps{}
	l.klass[k] = d
	l.order = append(l.order, k)
	return d
}

// AssertNoImplementation records that k has no concrete implementation. It
// subsumes every other assumption about k.
func (l *Ledger) AssertNoImplementation(k KlassID) {
	d := l.get(k)
	*d = klassDeps{zero: true}
}

// AssertLeafType records that k has a single concrete implementation. It
// subsumes the method assumptions about k.
func (l *Ledger) AssertLeafType(k KlassID) {
	d := l.get(k)
	if d.zero {
		return
	}
	d.leaf = true
	d.methods = nil
}

// AssertNoFinalizableSubclasses records that no subclass of k is
// finalizable.
func (l *Ledger) AssertNoFinalizableSubclasses(k KlassID) {
	d := l.get(k)
	if d.zero {
		return
	}
	d.noFinal = true
}

// AssertUniqueConcreteMethod records that m is not overridden below k.
func (l *Ledger) AssertUniqueConcreteMethod(k KlassID, m MethodID) {
	d := l.get(k)
	if d.zero || d.leaf {
		return
	}
	for _, old := range d.methods {
		if old == m {
			return
		}
	}
	d.methods = append(d.methods, m)
}

// Len is the number of recorded assumptions.
func (l *Ledger) Len() int { return len(l.All()) }

// All returns the assumptions grouped by klass in first-use order.
func (l *Ledger) All() []Dependency {
	var out []Dependency
	for _, k := range l.order {
		d := l.klass[k]
		if d.zero {
			out = append(out, Dependency{Kind: ZeroImplementors, Klass: k})
			continue
		}
		if d.noFinal {
			out = append(out, Dependency{Kind: NoFinalizers, Klass: k})
		}
		if d.leaf {
			out = append(out, Dependency{Kind: LeafType, Klass: k})
			continue
		}
		for _, m := range d.methods {
			out = append(out, Dependency{Kind: UniqueConcreteMethod, Klass: k, Method: m})
		}
	}
	return out
}

// Klasses returns every klass with at least one assumption.
func (l *Ledger) Klasses() []KlassID { return append([]KlassID(nil), l.order...) }

// Load rebuilds a ledger from the output of All.
func Load(all []Dependency) *Ledger {
	l := NewLedger()
	for _, d := range all {
		l.Add(d)
	}
	return l
}

// Add records d through the matching Assert method.
func (l *Ledger) Add(d Dependency) {
	switch d.Kind {
	case ZeroImplementors:
		l.AssertNoImplementation(d.Klass)
	case LeafType:
		l.AssertLeafType(d.Klass)
	case NoFinalizers:
		l.AssertNoFinalizableSubclasses(d.Klass)
	case UniqueConcreteMethod:
		l.AssertUniqueConcreteMethod(d.Klass, d.Method)
	default:
		panic(fmt.Sprintf("deps: unknown kind %s", d.Kind))
	}
}

func check(h Hierarchy, d Dependency) *Violation {
	switch d.Kind {
	case ZeroImplementors:
		if n := h.Implementors(d.Klass); n != 0 {
			return &Violation{Dep: d, Reason: fmt.Sprintf("%d implementors", n)}
		}
	case NoFinalizers:
		if h.HasFinalizableSubclass(d.Klass) {
			return &Violation{Dep: d, Reason: "finalizable subclass loaded"}
		}
	case LeafType:
		if n := h.Implementors(d.Klass); n != 1 {
			return &Violation{Dep: d, Reason: fmt.Sprintf("%d implementors", n)}
		}
	case UniqueConcreteMethod:
		if h.MethodRedefined(d.Method) {
			return &Violation{Dep: d, Reason: "method redefined"}
		}
		if n := h.CallTargets(d.Klass, d.Method); n > 1 {
			return &Violation{Dep: d, Reason: "method overridden"}
		}
	}
	return nil
}

// CheckAll revalidates every assumption and reports each one that fails.
func (l *Ledger) CheckAll(h Hierarchy) error {
	var result *multierror.Error
	for _, d := range l.All() {
		if v := check(h, d); v != nil {
			result = multierror.Append(result, v)
		}
	}
	return result.ErrorOrNil()
}

// RecordAll registers the unit with every klass it depends on, once per
// klass. It stops at the first failure.
func (l *Ledger) RecordAll(r Registrar) error {
	for _, k := range l.order {
		if err := r.AddDependent(k); err != nil {
			return fmt.Errorf("record dependency on klass#%d: %w", k, err)
		}
	}
	return nil
}

func (l *Ledger) String() string {
	var sb strings.Builder
	sb.WriteString("Depends on:")
	for _, k := range l.order {
		fmt.Fprintf(&sb, " klass#%d:{", k)
		first := true
		for _, d := range l.All() {
			if d.Klass != k {
				continue
			}
			if !first {
				sb.WriteString(", ")
			}
			first = false
			sb.WriteString(d.Kind.String())
			if d.Kind == UniqueConcreteMethod {
				fmt.Fprintf(&sb, " method#%d", d.Method)
			}
		}
		sb.WriteString("}")
	}
	return sb.String()
}
