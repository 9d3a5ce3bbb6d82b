package guard

import "github.com/joshuapare/probguard/internal/format"

// quarantine is the guarded address range and its slot table. It is shared by
// the live zone and by snapshots decoded from another process.
//
// Layout for N slots, P = page size:
//
//	begin                                                          end
//	| guard | slot 0 | guard | slot 1 | guard | ... | slot N-1 | guard |
//
// Slot i lives at page 2i+1, so every slot has a guard page on both sides.
type quarantine struct {
	begin    uintptr
	end      uintptr
	pageSize uintptr
	numSlots uint32
	slots    slotTable
}

// bounds classifies where an address falls relative to its nearest block.
type bounds uint8

const (
	boundsBlockAddr    bounds = iota // exactly the block start
	boundsValid                      // inside the block
	boundsOOBSlot                    // on the slot page, outside the block
	boundsOOBGuardPage               // on a guard page
)

func (b bounds) String() string {
	switch b {
	case boundsBlockAddr:
		return "block address"
	case boundsValid:
		return "valid"
	case boundsOOBSlot:
		return "out of bounds (slot page)"
	case boundsOOBGuardPage:
		return "out of bounds (guard page)"
	}
	return "unknown"
}

// slotLookup is the result of mapping an address onto the slot table.
type slotLookup struct {
	slot   uint32
	bounds bounds
	live   bool
}

func quarantineSize(numSlots uint32, pageSize uintptr) uintptr {
	return (2*uintptr(numSlots) + 1) * pageSize
}

func (q *quarantine) isGuarded(addr uintptr) bool {
	return addr >= q.begin && addr < q.end
}

func (q *quarantine) pageAddr(slot uint32) uintptr {
	return q.begin + (1+2*uintptr(slot))*q.pageSize
}

func (q *quarantine) blockAddr(slot uint32) uintptr {
	return q.pageAddr(slot) + q.slots.at(slot).offset()
}

// nearestSlot maps addr to the slot it most plausibly belongs to. Addresses on
// a guard page go to the slot whose page is closer. Addresses before the first
// slot page or on the trailing guard page clamp to the ends.
func (q *quarantine) nearestSlot(addr uintptr) uint32 {
	if addr < q.begin+q.pageSize {
		return 0
	}
	if addr >= q.end-q.pageSize {
		return q.numSlots - 1
	}
	page := (addr - q.begin) / q.pageSize
	s := uint32((page - 1) / 2)
	if page%2 == 0 && (addr-q.begin)%q.pageSize >= q.pageSize/2 {
		s++
	}
	return s
}

// lookupSlot reports the nearest slot to addr and where addr sits relative to
// that slot's block. live means addr is the start of an allocated block.
func (q *quarantine) lookupSlot(addr uintptr) slotLookup {
	s := q.nearestSlot(addr)
	rec := q.slots.at(s)
	page := q.pageAddr(s)
	block := page + rec.offset()

	var b bounds
	switch {
	case addr == block:
		b = boundsBlockAddr
	case addr > block && addr < block+rec.size():
		b = boundsValid
	case addr >= page && addr < page+q.pageSize:
		b = boundsOOBSlot
	default:
		b = boundsOOBGuardPage
	}
	return slotLookup{
		slot:   s,
		bounds: b,
		live:   b == boundsBlockAddr && rec.state() == format.SlotAllocated,
	}
}

// lookupSize returns the block size when addr is the start of a live block
// and 0 otherwise.
func (q *quarantine) lookupSize(addr uintptr) uintptr {
	l := q.lookupSlot(addr)
	if !l.live {
		return 0
	}
	return q.slots.at(l.slot).size()
}
