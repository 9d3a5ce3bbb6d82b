package guard

import (
	"fmt"

	"github.com/joshuapare/probguard/internal/format"
	"github.com/joshuapare/probguard/vm"
)

// metadataAttempts bounds the random search for a reusable metadata record
// before falling back to a scan.
const metadataAttempts = 64

// allocate places a block of size bytes, aligned to alignment, on a fresh slot
// page. It returns 0 when the quarantine is full. Callers hold z.mu and
// guarantee size <= page size and alignment <= page size.
func (z *Zone) allocate(size, alignment uintptr) uintptr {
	n := z.hdr.numAllocations()
	if n >= z.cfg.MaxAllocations {
		return 0
	}
	block := format.AlignBlock(size)
	alignment = max(alignment, format.BlockAlignment)

	s := z.chooseAvailableSlot()
	m := z.chooseMetadata()
	offset := z.chooseOffset(block, alignment)
	page := z.q.pageAddr(s)

	if err := z.vm.Protect(page, z.cfg.PageSize, vm.ProtReadWrite); err != nil {
		panic(fmt.Errorf("guard: unprotect slot %d: %w", s, err))
	}

	z.q.slots.at(s).set(format.SlotAllocated, m, block, offset)
	rec := z.meta.at(m)
	rec.setSlot(s)
	z.recordAlloc(rec)

	z.hdr.setNumAllocations(n + 1)
	z.numAllocations.Store(n + 1)
	z.hdr.setSizeInUse(z.hdr.sizeInUse() + uint64(block))

	addr := page + offset
	z.debugf("allocate", "slot", s, "metadata", m, "size", block, "addr", fmt.Sprintf("0x%x", addr))
	z.selfCheck()
	return addr
}

// deallocate retires the live block at addr. It reports false, changing
// nothing, when addr is not the start of a live guarded block. Callers hold
// z.mu.
func (z *Zone) deallocate(addr uintptr) bool {
	l := z.q.lookupSlot(addr)
	if !l.live {
		return false
	}
	s := z.q.slots.at(l.slot)
	rec := z.meta.at(s.metadata())
	if rec.slot() != l.slot {
		panic(fmt.Sprintf("guard: slot %d points at metadata %d owned by slot %d", l.slot, s.metadata(), rec.slot()))
	}

	s.setState(format.SlotFreed)
	z.recordDealloc(rec)

	n := z.hdr.numAllocations() - 1
	z.hdr.setNumAllocations(n)
	z.numAllocations.Store(n)
	z.hdr.setSizeInUse(z.hdr.sizeInUse() - uint64(s.size()))

	page := z.q.pageAddr(l.slot)
	if err := z.vm.Protect(page, z.cfg.PageSize, vm.ProtNone); err != nil {
		panic(fmt.Errorf("guard: protect slot %d: %w", l.slot, err))
	}
	if err := z.vm.AdviseReuse(page, z.cfg.PageSize); err != nil {
		z.debugf("advise reuse failed", "slot", l.slot, "err", err)
	}

	z.debugf("deallocate", "slot", l.slot, "addr", fmt.Sprintf("0x%x", addr))
	z.selfCheck()
	return true
}

// chooseAvailableSlot advances the round-robin cursor to the next slot that
// is not allocated. Freed slots are reused in order, which keeps a freed page
// protected for as long as possible.
func (z *Zone) chooseAvailableSlot() uint32 {
	n := z.cfg.NumSlots
	for range n {
		s := z.hdr.rrSlot()
		z.hdr.setRRSlot((s + 1) % n)
		if z.q.slots.at(s).state() != format.SlotAllocated {
			return s
		}
	}
	panic(fmt.Sprintf("guard: no available slot among %d with %d allocations", n, z.hdr.numAllocations()))
}

// chooseMetadata claims a fresh record while the pool has room. Once it is
// exhausted, a random record not owned by a live block is recycled. At most
// half the records can be owned by live blocks, so each random pick succeeds with
// probability at least one half.
func (z *Zone) chooseMetadata() uint32 {
	if n := z.hdr.numMetadata(); n < z.cfg.MaxMetadata {
		z.hdr.setNumMetadata(n + 1)
		return n
	}
	for range metadataAttempts {
		i := z.randN(z.cfg.MaxMetadata)
		if z.reusable(i) {
			return i
		}
	}
	for i := range z.cfg.MaxMetadata {
		if z.reusable(i) {
			return i
		}
	}
	panic(fmt.Sprintf("guard: no reusable metadata among %d records", z.cfg.MaxMetadata))
}

// reusable reports whether record i is not the trace of a live block: its
// slot was freed, or the slot has since moved on to another record.
func (z *Zone) reusable(i uint32) bool {
	s := z.q.slots.at(z.meta.at(i).slot())
	return s.state() != format.SlotAllocated || s.metadata() != i
}

// chooseOffset places a block flush against the start or the end of its
// page. Right placement puts the block's end on the page boundary when the
// alignment allows it, so a one-byte overflow faults.
func (z *Zone) chooseOffset(block, alignment uintptr) uintptr {
	if z.cfg.RightAlignPercent == 0 || z.randN(100) >= z.cfg.RightAlignPercent {
		return 0
	}
	return format.AlignDown(z.cfg.PageSize-block, alignment)
}
