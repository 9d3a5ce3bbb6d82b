package guard

import (
	"errors"
	"fmt"

	"github.com/joshuapare/probguard/guard/verify"
	"github.com/joshuapare/probguard/internal/format"
)

// MemoryReader reads size bytes at addr from some address space: this
// process, a suspended task, or a saved image. It must return exactly size
// bytes or an error.
type MemoryReader func(addr, size uintptr) ([]byte, error)

// Snapshot is a validated, self-contained copy of a zone's bookkeeping. It
// can be taken from a live zone or decoded from any memory image.
type Snapshot struct {
	addr uintptr
	hdr  verify.HeaderFields
	raw  []byte
	q    quarantine
	meta metaTable
}

// SlotState is the lifecycle state of a quarantine slot.
type SlotState uint8

const (
	SlotUnused    = SlotState(format.SlotUnused)
	SlotAllocated = SlotState(format.SlotAllocated)
	SlotFreed     = SlotState(format.SlotFreed)
)

func (s SlotState) String() string {
	switch s {
	case SlotUnused:
		return "unused"
	case SlotAllocated:
		return "allocated"
	case SlotFreed:
		return "freed"
	}
	return fmt.Sprintf("SlotState(%d)", uint8(s))
}

func (s SlotState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SlotInfo describes one slot of a snapshot.
type SlotInfo struct {
	Index     uint32
	State     SlotState
	PageAddr  uintptr
	BlockAddr uintptr
	Size      uintptr
	Metadata  uint32
}

// LoadSnapshot reads and validates the zone whose header lives at zoneAddr.
// It reads the header first, then the slot table and metadata records the
// header points at, checking each before trusting it. Reader failures wrap
// ErrReadFailure; a header with another zone's tag wraps ErrNotGuardZone.
func LoadSnapshot(read MemoryReader, zoneAddr uintptr) (*Snapshot, error) {
	hdr, err := readExact(read, zoneAddr, format.HeaderSize)
	if err != nil {
		return nil, err
	}
	if err := verify.Tag(hdr); err != nil {
		if errors.Is(err, format.ErrTagMismatch) {
			return nil, fmt.Errorf("%w at 0x%x: %w", ErrNotGuardZone, zoneAddr, err)
		}
		return nil, err
	}
	h, err := verify.Header(hdr, zoneAddr)
	if err != nil {
		return nil, fmt.Errorf("guard: zone at 0x%x: %w", zoneAddr, err)
	}
	slots, err := readExact(read, h.SlotsAddr, h.SlotTableSize())
	if err != nil {
		return nil, err
	}
	if err := verify.Slots(slots, h); err != nil {
		return nil, fmt.Errorf("guard: zone at 0x%x: %w", zoneAddr, err)
	}
	var meta []byte
	if h.NumMetadata > 0 {
		meta, err = readExact(read, h.MetadataAddr, h.MetadataTableSize())
		if err != nil {
			return nil, err
		}
		if err := verify.Metadata(meta, h); err != nil {
			return nil, fmt.Errorf("guard: zone at 0x%x: %w", zoneAddr, err)
		}
	}

	raw := make([]byte, 0, len(hdr)+len(slots)+len(meta))
	raw = append(append(append(raw, hdr...), slots...), meta...)
	return newSnapshot(zoneAddr, h, raw), nil
}

func readExact(read MemoryReader, addr, size uintptr) ([]byte, error) {
	b, err := read(addr, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes at 0x%x: %w", ErrReadFailure, size, addr, err)
	}
	if uintptr(len(b)) != size {
		return nil, fmt.Errorf("%w: short read at 0x%x: got %d of %d bytes", ErrReadFailure, addr, len(b), size)
	}
	return b, nil
}

func newSnapshot(addr uintptr, h verify.HeaderFields, raw []byte) *Snapshot {
	slotsEnd := format.HeaderSize + int(h.SlotTableSize())
	return &Snapshot{
		addr: addr,
		hdr:  h,
		raw:  raw,
		q: quarantine{
			begin:    h.Begin,
			end:      h.End,
			pageSize: h.PageSize,
			numSlots: h.NumSlots,
			slots:    slotTable(raw[format.HeaderSize:slotsEnd]),
		},
		meta: metaTable(raw[slotsEnd:]),
	}
}

// Snapshot copies the zone's current bookkeeping.
func (z *Zone) Snapshot() (*Snapshot, error) {
	z.mu.Lock()
	n := format.HeaderSize +
		int(z.cfg.NumSlots)*format.SlotRecordSize +
		int(z.hdr.numMetadata())*format.MetadataRecordSize
	data, err := z.vm.Bytes(z.region, uintptr(n))
	var raw []byte
	if err == nil {
		raw = append([]byte(nil), data...)
	}
	z.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("guard: read metadata region: %w", err)
	}
	h, err := verify.Region(raw, z.region)
	if err != nil {
		return nil, fmt.Errorf("guard: live zone failed validation: %w", err)
	}
	return newSnapshot(z.region, h, raw), nil
}

// Addr is the zone header address the snapshot was taken from.
func (s *Snapshot) Addr() uintptr { return s.addr }

// Header returns the decoded header fields.
func (s *Snapshot) Header() verify.HeaderFields { return s.hdr }

// Bytes returns the contiguous image (header, slot table, claimed metadata
// records) exactly as it sits in memory at Addr.
func (s *Snapshot) Bytes() []byte { return s.raw }

// Contains reports whether addr lies in the snapshot's quarantine.
func (s *Snapshot) Contains(addr uintptr) bool { return s.q.isGuarded(addr) }

// Stats reports the counters recorded in the image. Sampled and Delegated
// live outside the image and are always zero.
func (s *Snapshot) Stats() Stats {
	return Stats{
		NumAllocations: s.hdr.NumAllocations,
		MaxAllocations: s.hdr.MaxAllocations,
		NumSlots:       s.hdr.NumSlots,
		NumMetadata:    s.hdr.NumMetadata,
		MaxMetadata:    s.hdr.MaxMetadata,
		SizeInUse:      s.hdr.SizeInUse,
		MaxSizeInUse:   s.hdr.MaxSizeInUse,
	}
}

// Slots lists every slot that has ever held a block.
func (s *Snapshot) Slots() []SlotInfo {
	var out []SlotInfo
	for i := range s.q.numSlots {
		rec := s.q.slots.at(i)
		if rec.state() == format.SlotUnused {
			continue
		}
		out = append(out, SlotInfo{
			Index:     i,
			State:     SlotState(rec.state()),
			PageAddr:  s.q.pageAddr(i),
			BlockAddr: s.q.blockAddr(i),
			Size:      rec.size(),
			Metadata:  rec.metadata(),
		})
	}
	return out
}
