package guard

import (
	"fmt"

	"github.com/joshuapare/probguard/internal/format"
)

// debugf logs at debug level, rate-limited by the configured throttle. It is
// a no-op unless the zone was created with Debug set.
func (z *Zone) debugf(msg string, args ...any) {
	if !z.cfg.Debug {
		return
	}
	if z.debugLog == nil {
		z.log.Debug(msg, args...)
		return
	}
	z.debugLog.Do(func() { z.log.Debug(msg, args...) })
}

// selfCheck verifies the zone's bookkeeping after a mutation and panics on
// the first inconsistency. It only runs in debug mode.
func (z *Zone) selfCheck() {
	if !z.cfg.Debug {
		return
	}
	if err := z.check(); err != nil {
		panic(fmt.Errorf("guard: self-check failed: %w", err))
	}
}

// checkHeader verifies that the immutable header fields still describe this
// zone. A stray write into the region shows up here first.
func (z *Zone) checkHeader() error {
	var flags uint32
	if z.cfg.Debug {
		flags |= format.FlagDebug
	}
	for _, f := range []struct {
		name      string
		got, want uint64
	}{
		{"page size", uint64(z.hdr.pageSize()), uint64(z.cfg.PageSize)},
		{"quarantine begin", uint64(z.hdr.begin()), uint64(z.q.begin)},
		{"quarantine end", uint64(z.hdr.end()), uint64(z.q.end)},
		{"num_slots", uint64(z.hdr.numSlots()), uint64(z.cfg.NumSlots)},
		{"max_allocations", uint64(z.hdr.maxAllocations()), uint64(z.cfg.MaxAllocations)},
		{"max_metadata", uint64(z.hdr.maxMetadata()), uint64(z.cfg.MaxMetadata)},
		{"sample range", uint64(z.hdr.sampleRange()), uint64(z.cfg.SampleCounterRange)},
		{"slot table address", uint64(z.hdr.slotsAddr()), uint64(z.region + format.HeaderSize)},
		{"metadata table address", uint64(z.hdr.metadataAddr()), uint64(z.region + format.HeaderSize + uintptr(len(z.q.slots)))},
		{"flags", uint64(z.hdr.flags()), uint64(flags)},
	} {
		if f.got != f.want {
			return fmt.Errorf("header %s is 0x%x, expected 0x%x", f.name, f.got, f.want)
		}
	}
	return nil
}

// check walks the slot table and cross-checks it against the header counters
// and the metadata table. Callers hold z.mu.
func (z *Zone) check() error {
	if err := z.checkHeader(); err != nil {
		return err
	}
	var live uint32
	var inUse uint64
	numMeta := z.hdr.numMetadata()
	for i := range z.cfg.NumSlots {
		s := z.q.slots.at(i)
		st := s.state()
		switch st {
		case format.SlotUnused:
			continue
		case format.SlotAllocated:
			live++
			inUse += uint64(s.size())
		case format.SlotFreed:
		default:
			return fmt.Errorf("slot %d: bad state %d", i, st)
		}
		if s.metadata() >= numMeta {
			return fmt.Errorf("slot %d: metadata %d beyond %d claimed records", i, s.metadata(), numMeta)
		}
		if s.size() == 0 || s.size()%format.BlockAlignment != 0 || s.offset()+s.size() > z.cfg.PageSize {
			return fmt.Errorf("slot %d: block [%d, +%d) does not fit its page", i, s.offset(), s.size())
		}
		if st == format.SlotAllocated && z.meta.at(s.metadata()).slot() != i {
			return fmt.Errorf("slot %d: metadata %d is owned by slot %d", i, s.metadata(), z.meta.at(s.metadata()).slot())
		}
	}
	if live != z.hdr.numAllocations() {
		return fmt.Errorf("%d allocated slots but num_allocations is %d", live, z.hdr.numAllocations())
	}
	if live > z.cfg.MaxAllocations {
		return fmt.Errorf("%d allocations exceed the cap of %d", live, z.cfg.MaxAllocations)
	}
	if inUse != z.hdr.sizeInUse() {
		return fmt.Errorf("allocated blocks total %d bytes but size_in_use is %d", inUse, z.hdr.sizeInUse())
	}
	if numMeta > z.cfg.MaxMetadata {
		return fmt.Errorf("num_metadata %d exceeds %d", numMeta, z.cfg.MaxMetadata)
	}
	if z.hdr.rrSlot() >= z.cfg.NumSlots {
		return fmt.Errorf("round-robin cursor %d out of range", z.hdr.rrSlot())
	}
	return nil
}

// Check runs the bookkeeping cross-check on demand, regardless of Debug.
func (z *Zone) Check() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.check()
}
