// Package zone defines the malloc-zone contract: the set of entry points an
// allocator exposes so that it can be wrapped by another allocator.
//
// Addresses are plain uintptr values into a VM-managed address space, never
// Go heap pointers. A zero address means allocation failure (or "no block")
// exactly as a nil pointer does for malloc.
package zone

// Zone is the required entry-point set.
type Zone interface {
	// Size returns the usable size of the block at addr, or 0 if addr is not
	// the start of a live block owned by this zone.
	Size(addr uintptr) uintptr

	// Malloc allocates size bytes.
	Malloc(size uintptr) uintptr

	// Calloc allocates n*size zeroed bytes. Overflow fails the allocation.
	Calloc(n, size uintptr) uintptr

	// Valloc allocates size bytes aligned to the page size.
	Valloc(size uintptr) uintptr

	// Free releases a block. Freeing 0 is a no-op.
	Free(addr uintptr)

	// Realloc resizes a block, possibly moving it. Realloc(0, n) is Malloc(n).
	Realloc(addr, size uintptr) uintptr

	// Destroy releases every resource the zone holds.
	Destroy()
}

// MallocOptions modifies MallocWithOptions.
type MallocOptions struct {
	// Clear zero-fills the block.
	Clear bool
}

// Memaligner is implemented by zones supporting aligned allocation.
type Memaligner interface {
	Memalign(alignment, size uintptr) uintptr
}

// DefiniteSizeFreer is implemented by zones that can use the caller's
// knowledge of the block size to free faster.
type DefiniteSizeFreer interface {
	FreeDefiniteSize(addr, size uintptr)
}

// AddressClaimer is implemented by zones that can tell whether an address
// (not necessarily a block start) belongs to them.
type AddressClaimer interface {
	ClaimedAddress(addr uintptr) bool
}

// OptionsMallocer is implemented by zones supporting MallocWithOptions.
type OptionsMallocer interface {
	MallocWithOptions(alignment, size uintptr, opts MallocOptions) uintptr
}

// Optional is the set of optional entry points of a zone. A nil field means
// the zone does not support that entry point.
type Optional struct {
	Memalign          func(alignment, size uintptr) uintptr
	FreeDefiniteSize  func(addr, size uintptr)
	ClaimedAddress    func(addr uintptr) bool
	MallocWithOptions func(alignment, size uintptr, opts MallocOptions) uintptr
}

// Advertiser is implemented by zones whose optional entry points depend on
// runtime state, such as wrappers that mirror their delegate.
type Advertiser interface {
	Optional() Optional
}

// OptionalOf returns the optional entry points z supports.
func OptionalOf(z Zone) Optional {
	if a, ok := z.(Advertiser); ok {
		return a.Optional()
	}
	var o Optional
	if m, ok := z.(Memaligner); ok {
		o.Memalign = m.Memalign
	}
	if f, ok := z.(DefiniteSizeFreer); ok {
		o.FreeDefiniteSize = f.FreeDefiniteSize
	}
	if c, ok := z.(AddressClaimer); ok {
		o.ClaimedAddress = c.ClaimedAddress
	}
	if m, ok := z.(OptionsMallocer); ok {
		o.MallocWithOptions = m.MallocWithOptions
	}
	return o
}

// Count returns how many optional entry points are present.
func (o Optional) Count() int {
	n := 0
	if o.Memalign != nil {
		n++
	}
	if o.FreeDefiniteSize != nil {
		n++
	}
	if o.ClaimedAddress != nil {
		n++
	}
	if o.MallocWithOptions != nil {
		n++
	}
	return n
}
