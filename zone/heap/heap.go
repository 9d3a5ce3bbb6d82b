// Package heap is a general-purpose malloc zone built on the VM abstraction.
// It serves as the delegate that the guard zone wraps: every allocation the
// quarantine does not sample lands here.
//
// Small requests are rounded up to a power-of-two size class between 16 bytes
// and half a page and carved out of page-aligned chunks; each class keeps a
// LIFO stack of free blocks. Anything larger gets its own page run. Because
// chunks are page aligned and class sizes are powers of two, every small
// block is naturally aligned to its class size, which is what Memalign
// relies on.
package heap

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/joshuapare/probguard/internal/format"
	"github.com/joshuapare/probguard/vm"
	"github.com/joshuapare/probguard/zone"
)

const (
	minClassSize      = format.BlockAlignment
	defaultChunkPages = 16
)

var (
	// ErrNotAllocated reports a free of an address this heap never returned.
	ErrNotAllocated = errors.New("heap: pointer being freed was not allocated")
	// ErrSizeMismatch reports a definite-size free with a size larger than the block.
	ErrSizeMismatch = errors.New("heap: definite size larger than block")
)

// Options configures a Heap.
type Options struct {
	// ChunkPages is how many pages each small-class chunk spans. Default 16.
	ChunkPages int

	// OnFatal is called on heap corruption such as freeing a foreign pointer.
	// The default panics with the error.
	OnFatal func(err error)
}

// Heap is a thread-safe size-class allocator. It implements zone.Zone and
// every optional entry point.
type Heap struct {
	vm       vm.VM
	pageSize uintptr
	chunk    uintptr
	classes  []uintptr
	onFatal  func(error)

	mu      sync.Mutex
	free    [][]uintptr
	blocks  map[uintptr]block
	regions []region
	inUse   uintptr
}

type block struct {
	class int     // -1 for page runs
	size  uintptr // usable bytes
}

type region struct {
	base, size uintptr
	large      bool
}

var (
	_ zone.Zone              = (*Heap)(nil)
	_ zone.Memaligner        = (*Heap)(nil)
	_ zone.DefiniteSizeFreer = (*Heap)(nil)
	_ zone.AddressClaimer    = (*Heap)(nil)
	_ zone.OptionsMallocer   = (*Heap)(nil)
)

// New creates a heap over v.
func New(v vm.VM, opts Options) (*Heap, error) {
	ps := v.PageSize()
	if ps < 2*minClassSize || !format.IsPowerOfTwo(ps) {
		return nil, fmt.Errorf("heap: unusable page size %d", ps)
	}
	if opts.ChunkPages <= 0 {
		opts.ChunkPages = defaultChunkPages
	}
	if opts.OnFatal == nil {
		opts.OnFatal = func(err error) { panic(err) }
	}
	var classes []uintptr
	for c := uintptr(minClassSize); c <= ps/2; c <<= 1 {
		classes = append(classes, c)
	}
	return &Heap{
		vm:       v,
		pageSize: ps,
		chunk:    uintptr(opts.ChunkPages) * ps,
		classes:  classes,
		onFatal:  opts.OnFatal,
		free:     make([][]uintptr, len(classes)),
		blocks:   make(map[uintptr]block),
	}, nil
}

// classFor returns the smallest class holding size, or -1 for page runs.
func (h *Heap) classFor(size uintptr) int {
	if size <= minClassSize {
		return 0
	}
	if size > h.classes[len(h.classes)-1] {
		return -1
	}
	// ceil(log2(size)) - log2(minClassSize)
	return bits.Len(uint(size-1)) - bits.Len(uint(minClassSize-1))
}

// Size implements zone.Zone.
func (h *Heap) Size(addr uintptr) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blocks[addr].size
}

// Malloc implements zone.Zone.
func (h *Heap) Malloc(size uintptr) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mallocLocked(size)
}

func (h *Heap) mallocLocked(size uintptr) uintptr {
	if size == 0 {
		size = 1
	}
	cls := h.classFor(size)
	if cls < 0 {
		return h.mapRunLocked(size)
	}
	if len(h.free[cls]) == 0 && !h.refillLocked(cls) {
		return 0
	}
	stack := h.free[cls]
	addr := stack[len(stack)-1]
	h.free[cls] = stack[:len(stack)-1]
	h.blocks[addr] = block{class: cls, size: h.classes[cls]}
	h.inUse += h.classes[cls]
	return addr
}

func (h *Heap) refillLocked(cls int) bool {
	base, err := h.vm.Map(h.chunk, vm.ProtReadWrite)
	if err != nil {
		return false
	}
	h.regions = append(h.regions, region{base: base, size: h.chunk})
	sz := h.classes[cls]
	// Push in reverse so the lowest address is handed out first.
	for off := h.chunk - sz; ; off -= sz {
		h.free[cls] = append(h.free[cls], base+off)
		if off == 0 {
			break
		}
	}
	return true
}

func (h *Heap) mapRunLocked(size uintptr) uintptr {
	n := format.AlignUp(size, h.pageSize)
	if n < size {
		return 0
	}
	base, err := h.vm.Map(n, vm.ProtReadWrite)
	if err != nil {
		return 0
	}
	h.regions = append(h.regions, region{base: base, size: n, large: true})
	h.blocks[base] = block{class: -1, size: n}
	h.inUse += n
	return base
}

// Calloc implements zone.Zone.
func (h *Heap) Calloc(n, size uintptr) uintptr {
	total, ok := zone.CallocSize(n, size)
	if !ok {
		return 0
	}
	addr := h.Malloc(total)
	if addr != 0 {
		if err := vm.Zero(h.vm, addr, h.Size(addr)); err != nil {
			h.onFatal(err)
		}
	}
	return addr
}

// Valloc implements zone.Zone.
func (h *Heap) Valloc(size uintptr) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if size == 0 {
		size = 1
	}
	return h.mapRunLocked(size)
}

// Free implements zone.Zone.
func (h *Heap) Free(addr uintptr) {
	if addr == 0 {
		return
	}
	h.mu.Lock()
	err := h.freeLocked(addr)
	h.mu.Unlock()
	if err != nil {
		h.onFatal(err)
	}
}

func (h *Heap) freeLocked(addr uintptr) error {
	b, ok := h.blocks[addr]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrNotAllocated, addr)
	}
	delete(h.blocks, addr)
	h.inUse -= b.size
	if b.class >= 0 {
		h.free[b.class] = append(h.free[b.class], addr)
		return nil
	}
	for i, r := range h.regions {
		if r.large && r.base == addr {
			h.regions = append(h.regions[:i], h.regions[i+1:]...)
			break
		}
	}
	return h.vm.Unmap(addr, b.size)
}

// Realloc implements zone.Zone.
func (h *Heap) Realloc(addr, size uintptr) uintptr {
	if addr == 0 {
		return h.Malloc(size)
	}
	old := h.Size(addr)
	if old == 0 {
		h.onFatal(fmt.Errorf("%w: realloc of 0x%x", ErrNotAllocated, addr))
		return 0
	}
	if size != 0 && size <= old && size > old/2 {
		return addr
	}
	next := h.Malloc(size)
	if next == 0 {
		return 0
	}
	if err := vm.Copy(h.vm, next, addr, min(old, h.Size(next))); err != nil {
		h.onFatal(err)
	}
	h.Free(addr)
	return next
}

// Destroy implements zone.Zone.
func (h *Heap) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.regions {
		_ = h.vm.Unmap(r.base, r.size)
	}
	h.regions = nil
	h.blocks = make(map[uintptr]block)
	h.free = make([][]uintptr, len(h.classes))
	h.inUse = 0
}

// Memalign implements zone.Memaligner. Alignments above a page are not
// supported and fail.
func (h *Heap) Memalign(alignment, size uintptr) uintptr {
	if !format.IsPowerOfTwo(alignment) || alignment > h.pageSize {
		return 0
	}
	return h.Malloc(max(size, alignment))
}

// FreeDefiniteSize implements zone.DefiniteSizeFreer.
func (h *Heap) FreeDefiniteSize(addr, size uintptr) {
	if addr == 0 {
		return
	}
	h.mu.Lock()
	b, ok := h.blocks[addr]
	var err error
	switch {
	case ok && size > b.size:
		err = fmt.Errorf("%w: 0x%x size %d > %d", ErrSizeMismatch, addr, size, b.size)
	default:
		err = h.freeLocked(addr)
	}
	h.mu.Unlock()
	if err != nil {
		h.onFatal(err)
	}
}

// ClaimedAddress implements zone.AddressClaimer.
func (h *Heap) ClaimedAddress(addr uintptr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.regions {
		if addr >= r.base && addr < r.base+r.size {
			return true
		}
	}
	return false
}

// MallocWithOptions implements zone.OptionsMallocer.
func (h *Heap) MallocWithOptions(alignment, size uintptr, opts zone.MallocOptions) uintptr {
	var addr uintptr
	if alignment <= minClassSize {
		addr = h.Malloc(size)
	} else {
		addr = h.Memalign(alignment, size)
	}
	if addr != 0 && opts.Clear {
		if err := vm.Zero(h.vm, addr, h.Size(addr)); err != nil {
			h.onFatal(err)
		}
	}
	return addr
}

// InUse returns the number of usable bytes currently allocated.
func (h *Heap) InUse() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inUse
}
