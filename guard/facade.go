package guard

import (
	"fmt"

	"github.com/joshuapare/probguard/internal/format"
	"github.com/joshuapare/probguard/vm"
	"github.com/joshuapare/probguard/zone"
)

// Size returns the size of the guarded block at addr, or asks the delegate
// for addresses outside the quarantine.
func (z *Zone) Size(addr uintptr) uintptr {
	if !z.q.isGuarded(addr) {
		return z.delegate.Size(addr)
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.q.lookupSize(addr)
}

// Malloc allocates size bytes, sampling with a pooled Sampler.
func (z *Zone) Malloc(size uintptr) uintptr {
	s := z.getSampler()
	defer z.putSampler(s)
	return z.malloc(s, size)
}

// Calloc allocates n*size zeroed bytes.
func (z *Zone) Calloc(n, size uintptr) uintptr {
	s := z.getSampler()
	defer z.putSampler(s)
	return z.calloc(s, n, size)
}

// Valloc allocates size bytes at the start of a page.
func (z *Zone) Valloc(size uintptr) uintptr {
	s := z.getSampler()
	defer z.putSampler(s)
	return z.valloc(s, size)
}

// Free releases addr. An address inside the quarantine that is not the start
// of a live block is fatal.
func (z *Zone) Free(addr uintptr) {
	if addr == 0 {
		return
	}
	if !z.q.isGuarded(addr) {
		z.delegate.Free(addr)
		return
	}
	z.mu.Lock()
	ok := z.deallocate(addr)
	z.mu.Unlock()
	if !ok {
		z.fatal(OpFree, addr, msgInvalidFree)
	}
}

// Realloc moves the block at addr to a new allocation of size bytes. A guarded
// block is never resized in place, so stale pointers into it keep faulting.
func (z *Zone) Realloc(addr, size uintptr) uintptr {
	s := z.getSampler()
	defer z.putSampler(s)
	return z.realloc(s, addr, size)
}

// Destroy unmaps the quarantine and the metadata region, then destroys the
// delegate. The zone must not be used afterwards.
func (z *Zone) Destroy() {
	if z.destroyed.Swap(true) {
		return
	}
	z.mu.Lock()
	begin, qsize := z.q.begin, z.cfg.QuarantineSize()
	region, rsize := z.region, z.regionSize
	z.mu.Unlock()
	if err := z.vm.Unmap(begin, qsize); err != nil {
		z.log.Warn("unmap quarantine", "err", err)
	}
	if err := z.vm.Unmap(region, rsize); err != nil {
		z.log.Warn("unmap metadata region", "err", err)
	}
	z.delegate.Destroy()
}

// Optional mirrors the delegate: an optional entry point exists exactly when
// the delegate has it.
func (z *Zone) Optional() zone.Optional {
	return z.optionalFor(nil)
}

// Bind returns a view of the zone that samples with s instead of a pooled
// sampler. Use one view per worker to get a per-thread sampling cadence and
// to toggle sampling for that worker alone.
func (z *Zone) Bind(s *Sampler) *Bound {
	return &Bound{z: z, s: s}
}

func (z *Zone) malloc(s *Sampler, size uintptr) uintptr {
	if z.ShouldSample(s, size) {
		if addr := z.guardedAlloc(size, format.BlockAlignment); addr != 0 {
			return addr
		}
	}
	z.delegated.Add(1)
	return z.delegate.Malloc(size)
}

func (z *Zone) calloc(s *Sampler, n, size uintptr) uintptr {
	total, ok := zone.CallocSize(n, size)
	if ok && z.ShouldSample(s, total) {
		if addr := z.guardedAlloc(total, format.BlockAlignment); addr != 0 {
			// Pages advised for reuse are not guaranteed to read back as zero.
			if err := vm.Zero(z.vm, addr, format.AlignBlock(total)); err != nil {
				panic(fmt.Errorf("guard: clear block 0x%x: %w", addr, err))
			}
			return addr
		}
	}
	z.delegated.Add(1)
	return z.delegate.Calloc(n, size)
}

func (z *Zone) valloc(s *Sampler, size uintptr) uintptr {
	if z.ShouldSample(s, size) {
		if addr := z.guardedAlloc(size, z.cfg.PageSize); addr != 0 {
			return addr
		}
	}
	z.delegated.Add(1)
	return z.delegate.Valloc(size)
}

func (z *Zone) memalign(s *Sampler, alignment, size uintptr) uintptr {
	if format.IsPowerOfTwo(alignment) && alignment <= z.cfg.PageSize && z.ShouldSample(s, size) {
		if addr := z.guardedAlloc(size, alignment); addr != 0 {
			return addr
		}
	}
	z.delegated.Add(1)
	return z.optional.Memalign(alignment, size)
}

func (z *Zone) mallocWithOptions(s *Sampler, alignment, size uintptr, opts zone.MallocOptions) uintptr {
	if alignment == 0 {
		alignment = format.BlockAlignment
	}
	if !opts.Clear && format.IsPowerOfTwo(alignment) && alignment <= z.cfg.PageSize && z.ShouldSample(s, size) {
		if addr := z.guardedAlloc(size, alignment); addr != 0 {
			return addr
		}
	}
	z.delegated.Add(1)
	return z.optional.MallocWithOptions(alignment, size, opts)
}

func (z *Zone) freeDefiniteSize(addr, size uintptr) {
	if z.q.isGuarded(addr) {
		z.Free(addr)
		return
	}
	z.optional.FreeDefiniteSize(addr, size)
}

func (z *Zone) guardedAlloc(size, alignment uintptr) uintptr {
	z.mu.Lock()
	addr := z.allocate(size, alignment)
	z.mu.Unlock()
	if addr != 0 {
		z.sampled.Add(1)
	}
	return addr
}

func (z *Zone) realloc(s *Sampler, addr, size uintptr) uintptr {
	if addr == 0 {
		return z.malloc(s, size)
	}
	return z.reallocate(addr, size, z.ShouldSample(s, size))
}

// reallocate copies the block at addr into a new allocation, guarded when
// sample is set and the quarantine has room, and frees the old block. On
// allocation failure the old block is left intact and 0 is returned.
func (z *Zone) reallocate(addr, size uintptr, sample bool) uintptr {
	guarded := z.q.isGuarded(addr)
	var oldSize, next uintptr
	if guarded {
		z.mu.Lock()
		oldSize = z.q.lookupSize(addr)
		if oldSize != 0 && sample {
			next = z.allocate(size, format.BlockAlignment)
		}
		z.mu.Unlock()
		if oldSize == 0 {
			z.fatal(OpRealloc, addr, msgInvalidRealloc)
			return 0
		}
	} else {
		oldSize = z.delegate.Size(addr)
		if oldSize == 0 {
			z.fatal(OpRealloc, addr, msgInvalidRealloc)
			return 0
		}
		if sample {
			z.mu.Lock()
			next = z.allocate(size, format.BlockAlignment)
			z.mu.Unlock()
		}
	}

	if next != 0 {
		z.sampled.Add(1)
	} else {
		z.delegated.Add(1)
		next = z.delegate.Malloc(size)
		if next == 0 {
			return 0
		}
	}
	if err := vm.Copy(z.vm, next, addr, min(oldSize, size)); err != nil {
		panic(fmt.Errorf("guard: realloc copy 0x%x -> 0x%x: %w", addr, next, err))
	}

	if guarded {
		z.mu.Lock()
		ok := z.deallocate(addr)
		z.mu.Unlock()
		if !ok {
			z.fatal(OpRealloc, addr, msgInvalidRealloc)
		}
	} else {
		z.delegate.Free(addr)
	}
	return next
}

func (z *Zone) optionalFor(s *Sampler) zone.Optional {
	sampler := func() (*Sampler, func()) {
		if s != nil {
			return s, func() {}
		}
		p := z.getSampler()
		return p, func() { z.putSampler(p) }
	}
	var o zone.Optional
	if z.optional.Memalign != nil {
		o.Memalign = func(alignment, size uintptr) uintptr {
			s, done := sampler()
			defer done()
			return z.memalign(s, alignment, size)
		}
	}
	if z.optional.FreeDefiniteSize != nil {
		o.FreeDefiniteSize = z.freeDefiniteSize
	}
	if z.optional.ClaimedAddress != nil {
		o.ClaimedAddress = z.optional.ClaimedAddress
	}
	if z.optional.MallocWithOptions != nil {
		o.MallocWithOptions = func(alignment, size uintptr, opts zone.MallocOptions) uintptr {
			s, done := sampler()
			defer done()
			return z.mallocWithOptions(s, alignment, size, opts)
		}
	}
	return o
}

// Bound is a zone view tied to one Sampler. It is not safe for concurrent
// use, since the Sampler is not.
type Bound struct {
	z *Zone
	s *Sampler
}

var (
	_ zone.Zone       = (*Bound)(nil)
	_ zone.Advertiser = (*Bound)(nil)
	_ zone.Advertiser = (*Zone)(nil)
)

// Sampler returns the sampler the view decides with.
func (b *Bound) Sampler() *Sampler                  { return b.s }
func (b *Bound) Size(addr uintptr) uintptr          { return b.z.Size(addr) }
func (b *Bound) Malloc(size uintptr) uintptr        { return b.z.malloc(b.s, size) }
func (b *Bound) Calloc(n, size uintptr) uintptr     { return b.z.calloc(b.s, n, size) }
func (b *Bound) Valloc(size uintptr) uintptr        { return b.z.valloc(b.s, size) }
func (b *Bound) Free(addr uintptr)                  { b.z.Free(addr) }
func (b *Bound) Realloc(addr, size uintptr) uintptr { return b.z.realloc(b.s, addr, size) }
func (b *Bound) Destroy()                           { b.z.Destroy() }
func (b *Bound) Optional() zone.Optional            { return b.z.optionalFor(b.s) }
