// Package codecache installs baked code blobs into executable memory and
// answers pc queries from the collector, deoptimizer and fault handler.
package codecache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"

	"github.com/tinyrange/codeblob/internal/codeblob"
	"github.com/tinyrange/codeblob/internal/debuginfo"
	"github.com/tinyrange/codeblob/internal/oopmap"
)

var (
	// ErrFull is returned when an install would exceed the cache reserve.
	ErrFull = errors.New("codecache: reserve exhausted")
	// ErrEmpty is returned when installing a blob without code.
	ErrEmpty = errors.New("codecache: empty blob")
)

// Installed is a blob copied into executable memory at Base.
type Installed struct {
	blob *codeblob.Blob
	base uintptr
	size int
	mem  []byte
}

func lessInstalled(a, b *Installed) bool { return a.base < b.base }

func (in *Installed) Blob() *codeblob.Blob { return in.blob }
func (in *Installed) Base() uintptr        { return in.base }
func (in *Installed) Size() int            { return in.size }

// Contains reports whether pc lies inside the installed code.
func (in *Installed) Contains(pc uintptr) bool {
	return pc >= in.base && pc < in.base+uintptr(in.blob.Len())
}

// Offset converts pc to a code offset. It panics if pc is outside the code.
func (in *Installed) Offset(pc uintptr) int {
	if !in.Contains(pc) {
		panic(fmt.Sprintf("codecache: pc %#x outside %s", pc, in.blob.Name()))
	}
	return int(pc - in.base)
}

// Entry returns the absolute address of a named entry point.
func (in *Installed) Entry(name string) (uintptr, bool) {
	off, ok := in.blob.Entry(name)
	if !ok {
		return 0, false
	}
	return in.base + uintptr(off), true
}

// VisitRoots is the collector entry point: it visits the references live at
// the safepoint pc.
func (in *Installed) VisitRoots(pc uintptr, fr oopmap.Frame, visit func(loc oopmap.Location, slot *uint64)) bool {
	return in.blob.VisitRoots(in.Offset(pc), fr, visit)
}

// Scope is the deoptimization entry point.
func (in *Installed) Scope(pc uintptr) *debuginfo.Scope {
	return in.blob.Scope(in.Offset(pc))
}

// Handler is the fault entry point: it returns the address execution resumes
// at after a fault at faultPC.
func (in *Installed) Handler(faultPC uintptr) (uintptr, bool) {
	to := in.blob.Handler(in.Offset(faultPC))
	if to < 0 {
		return 0, false
	}
	return in.base + uintptr(to), true
}

type config struct {
	reserve int
	log     *slog.Logger
}

type Option func(*config)

// WithReserve caps the bytes of executable memory the cache may hold.
// Zero means no limit.
func WithReserve(n int) Option {
	return func(c *config) { c.reserve = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// Cache owns installed code. It is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	index   *btree.BTreeG[*Installed]
	reserve int
	used    int
	log     *slog.Logger
}

func New(opts ...Option) *Cache {
	cfg := config{log: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Cache{
		index:   btree.NewG[*Installed](8, lessInstalled),
		reserve: cfg.reserve,
		log:     cfg.log,
	}
}

// Used is the number of mapped bytes.
func (c *Cache) Used() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.used
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.Len()
}

// Install copies b into a fresh executable region, rebasing its address
// slots against the region's base.
func (c *Cache) Install(b *codeblob.Blob) (*Installed, error) {
	n := b.Len()
	if n == 0 {
		return nil, fmt.Errorf("install %s: %w", b.Name(), ErrEmpty)
	}
	ps := pageSize()
	size := (n + ps - 1) / ps * ps

	c.mu.Lock()
	if c.reserve > 0 && c.used+size > c.reserve {
		c.mu.Unlock()
		return nil, fmt.Errorf("install %s: %w: need %d bytes, %d of %d used", b.Name(), ErrFull, size, c.used, c.reserve)
	}
	c.used += size
	c.mu.Unlock()

	in, err := install(b, size)
	if err != nil {
		c.mu.Lock()
		c.used -= size
		c.mu.Unlock()
		return nil, fmt.Errorf("install %s: %w", b.Name(), err)
	}

	c.mu.Lock()
	c.index.ReplaceOrInsert(in)
	c.mu.Unlock()
	c.log.Debug("installed code blob", "name", b.Name(), "base", fmt.Sprintf("%#x", in.base), "size", size)
	return in, nil
}

func install(b *codeblob.Blob, size int) (*Installed, error) {
	mem, err := mapRegion(size)
	if err != nil {
		return nil, err
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	copy(mem, b.Program().RelocatedCopy(base))
	if err := protectExec(mem); err != nil {
		_ = unmapRegion(mem)
		return nil, err
	}
	return &Installed{blob: b, base: base, size: size, mem: mem}, nil
}

// Find returns the installed blob whose code contains pc.
func (c *Cache) Find(pc uintptr) (*Installed, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var found *Installed
	c.index.DescendLessOrEqual(&Installed{base: pc}, func(in *Installed) bool {
		found = in
		return false
	})
	if found == nil || !found.Contains(pc) {
		return nil, false
	}
	return found, true
}

// Release unmaps in. Addresses inside it must no longer be executed.
func (c *Cache) Release(in *Installed) error {
	c.mu.Lock()
	if got, ok := c.index.Get(in); !ok || got != in {
		c.mu.Unlock()
		return fmt.Errorf("release %s: not installed", in.blob.Name())
	}
	c.index.Delete(in)
	c.used -= in.size
	c.mu.Unlock()
	if err := unmapRegion(in.mem); err != nil {
		return fmt.Errorf("release %s: %w", in.blob.Name(), err)
	}
	in.mem = nil
	return nil
}

// Close releases every installed blob.
func (c *Cache) Close() error {
	c.mu.Lock()
	var all []*Installed
	c.index.Ascend(func(in *Installed) bool {
		all = append(all, in)
		return true
	})
	c.mu.Unlock()
	var result *multierror.Error
	for _, in := range all {
		if err := c.Release(in); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
