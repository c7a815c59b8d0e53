// Package persist serializes baked code blobs to CBOR images for offline
// inspection and warm start diagnostics. Images are not re-installable: the
// debug scopes are kept in printed form only.
package persist

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/tinyrange/codeblob/internal/asm"
	"github.com/tinyrange/codeblob/internal/codeblob"
	"github.com/tinyrange/codeblob/internal/deps"
	"github.com/tinyrange/codeblob/internal/oopmap"
)

const Version = 1

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("persist: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// OopMapEntry is one safepoint. Derived holds base, derived pairs and
// CalleeSaves holds register, save slot pairs.
type OopMapEntry struct {
	Offset      int        `cbor:"1,keyasint"`
	Locations   []int32    `cbor:"2,keyasint,omitempty"`
	Derived     [][2]int32 `cbor:"3,keyasint,omitempty"`
	CalleeSaves [][2]int32 `cbor:"4,keyasint,omitempty"`
}

type PCPair struct {
	From int `cbor:"1,keyasint"`
	To   int `cbor:"2,keyasint"`
}

type ScopeEntry struct {
	Offset   int    `cbor:"1,keyasint"`
	MethodID int    `cbor:"2,keyasint"`
	BCI      int    `cbor:"3,keyasint"`
	Depth    int    `cbor:"4,keyasint"`
	Text     string `cbor:"5,keyasint"`
}

type DepEntry struct {
	Kind   uint8 `cbor:"1,keyasint"`
	Klass  int32 `cbor:"2,keyasint"`
	Method int32 `cbor:"3,keyasint,omitempty"`
}

// Image is the persisted form of a Blob.
type Image struct {
	Version      int            `cbor:"1,keyasint"`
	Name         string         `cbor:"2,keyasint"`
	Code         []byte         `cbor:"3,keyasint"`
	Relocations  []int          `cbor:"4,keyasint,omitempty"`
	Entries      map[string]int `cbor:"5,keyasint,omitempty"`
	FrameSize    int            `cbor:"6,keyasint"`
	DeoptSled    int            `cbor:"7,keyasint"`
	OopMaps      []OopMapEntry  `cbor:"8,keyasint,omitempty"`
	Implicit     []PCPair       `cbor:"9,keyasint,omitempty"`
	Scopes       []ScopeEntry   `cbor:"10,keyasint,omitempty"`
	Constants    []int64        `cbor:"11,keyasint,omitempty"`
	ConstantOops []int          `cbor:"12,keyasint,omitempty"`
	Deps         []DepEntry     `cbor:"13,keyasint,omitempty"`
}

// FromBlob captures b.
func FromBlob(b *codeblob.Blob) *Image {
	prog := b.Program()
	img := &Image{
		Version:      Version,
		Name:         b.Name(),
		Code:         prog.Bytes(),
		Relocations:  prog.Relocations(),
		Entries:      b.Entries(),
		FrameSize:    b.FrameSize(),
		DeoptSled:    b.DeoptSled(),
		Constants:    b.DebugMap().Constants(),
		ConstantOops: b.ConstantOops(),
	}

	oops := b.OopMaps()
	for i := 0; i < oops.Len(); i++ {
		off := oops.OffsetOf(i)
		e := OopMapEntry{Offset: off}
		for _, loc := range oops.Locations(off) {
			e.Locations = append(e.Locations, int32(loc))
		}
		for _, p := range oops.Derived(off) {
			e.Derived = append(e.Derived, [2]int32{int32(p.Base), int32(p.Derived)})
		}
		for _, p := range oops.CalleeSaves(off) {
			e.CalleeSaves = append(e.CalleeSaves, [2]int32{int32(p.Src), int32(p.Dst)})
		}
		img.OopMaps = append(img.OopMaps, e)
	}

	b.Implicit().Each(func(from, to int) {
		img.Implicit = append(img.Implicit, PCPair{From: from, To: to})
	})

	dbg := b.DebugMap()
	for i := 0; i < dbg.Len(); i++ {
		off := dbg.OffsetOf(i)
		s := dbg.Get(off)
		img.Scopes = append(img.Scopes, ScopeEntry{
			Offset:   off,
			MethodID: s.MethodID(),
			BCI:      s.BCI(),
			Depth:    s.Depth(),
			Text:     s.String(),
		})
	}

	for _, d := range b.Dependencies() {
		img.Deps = append(img.Deps, DepEntry{Kind: uint8(d.Kind), Klass: int32(d.Klass), Method: int32(d.Method)})
	}
	return img
}

// Encode serializes b to canonical CBOR.
func Encode(b *codeblob.Blob) ([]byte, error) {
	data, err := encMode.Marshal(FromBlob(b))
	if err != nil {
		return nil, fmt.Errorf("persist: marshal %s: %w", b.Name(), err)
	}
	return data, nil
}

// Decode parses an image written by Encode.
func Decode(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("persist: unmarshal image: %w", err)
	}
	if img.Version != Version {
		return nil, fmt.Errorf("persist: unsupported image version %d", img.Version)
	}
	return &img, nil
}

// Program returns the image code with its address slots.
func (img *Image) Program() asm.Program {
	return asm.NewProgram(img.Code, img.Relocations)
}

// Ledger rebuilds the dependency ledger recorded in the image.
func (img *Image) Ledger() *deps.Ledger {
	l := deps.NewLedger()
	for _, d := range img.Deps {
		l.Add(deps.Dependency{Kind: deps.Kind(d.Kind), Klass: deps.KlassID(d.Klass), Method: deps.MethodID(d.Method)})
	}
	return l
}

func (img *Image) oopMap(off int) (OopMapEntry, bool) {
	for _, e := range img.OopMaps {
		if e.Offset == off {
			return e, true
		}
	}
	return OopMapEntry{}, false
}

// OopLocations returns the reference locations recorded at off.
func (img *Image) OopLocations(off int) ([]oopmap.Location, bool) {
	e, ok := img.oopMap(off)
	if !ok {
		return nil, false
	}
	locs := make([]oopmap.Location, len(e.Locations))
	for i, l := range e.Locations {
		locs[i] = oopmap.Location(l)
	}
	return locs, true
}

// OopDerived returns the derived pointer pairs recorded at off.
func (img *Image) OopDerived(off int) []oopmap.DerivedPair {
	e, _ := img.oopMap(off)
	var out []oopmap.DerivedPair
	for _, p := range e.Derived {
		out = append(out, oopmap.DerivedPair{Base: oopmap.Location(p[0]), Derived: oopmap.Location(p[1])})
	}
	return out
}

// OopCalleeSaves returns the callee-save pairs recorded at off.
func (img *Image) OopCalleeSaves(off int) []oopmap.SavePair {
	e, _ := img.oopMap(off)
	var out []oopmap.SavePair
	for _, p := range e.CalleeSaves {
		out = append(out, oopmap.SavePair{Src: oopmap.Location(p[0]), Dst: oopmap.Location(p[1])})
	}
	return out
}
