package guard

import (
	"github.com/joshuapare/probguard/internal/format"
)

// header is a view over the zone header at the start of the metadata region.
type header struct {
	buf []byte
}

func (h header) pageSize() uintptr          { return uintptr(format.ReadU64(h.buf, format.HeaderPageSizeOffset)) }
func (h header) begin() uintptr             { return uintptr(format.ReadU64(h.buf, format.HeaderBeginOffset)) }
func (h header) end() uintptr               { return uintptr(format.ReadU64(h.buf, format.HeaderEndOffset)) }
func (h header) numSlots() uint32           { return format.ReadU32(h.buf, format.HeaderNumSlotsOffset) }
func (h header) maxAllocations() uint32     { return format.ReadU32(h.buf, format.HeaderMaxAllocationsOffset) }
func (h header) maxMetadata() uint32        { return format.ReadU32(h.buf, format.HeaderMaxMetadataOffset) }
func (h header) sampleRange() uint32        { return format.ReadU32(h.buf, format.HeaderSampleRangeOffset) }
func (h header) slotsAddr() uintptr         { return uintptr(format.ReadU64(h.buf, format.HeaderSlotsAddrOffset)) }
func (h header) metadataAddr() uintptr      { return uintptr(format.ReadU64(h.buf, format.HeaderMetadataAddrOffset)) }
func (h header) numAllocations() uint32     { return format.ReadU32(h.buf, format.HeaderNumAllocationsOffset) }
func (h header) numMetadata() uint32        { return format.ReadU32(h.buf, format.HeaderNumMetadataOffset) }
func (h header) rrSlot() uint32             { return format.ReadU32(h.buf, format.HeaderRRSlotOffset) }
func (h header) flags() uint32              { return format.ReadU32(h.buf, format.HeaderFlagsOffset) }
func (h header) sizeInUse() uint64          { return format.ReadU64(h.buf, format.HeaderSizeInUseOffset) }
func (h header) maxSizeInUse() uint64       { return format.ReadU64(h.buf, format.HeaderMaxSizeInUseOffset) }
func (h header) setNumAllocations(n uint32) { format.PutU32(h.buf, format.HeaderNumAllocationsOffset, n) }
func (h header) setNumMetadata(n uint32)    { format.PutU32(h.buf, format.HeaderNumMetadataOffset, n) }
func (h header) setRRSlot(n uint32)         { format.PutU32(h.buf, format.HeaderRRSlotOffset, n) }

func (h header) setSizeInUse(n uint64) {
	format.PutU64(h.buf, format.HeaderSizeInUseOffset, n)
	if n > h.maxSizeInUse() {
		format.PutU64(h.buf, format.HeaderMaxSizeInUseOffset, n)
	}
}

// init writes the immutable part of a fresh header.
func (h header) init(r Resolved, begin, end, slotsAddr, metadataAddr uintptr) {
	copy(h.buf[format.HeaderTagOffset:], format.ZoneTag)
	format.PutU32(h.buf, format.HeaderVersionOffset, format.LayoutVersion)
	format.PutU64(h.buf, format.HeaderPageSizeOffset, uint64(r.PageSize))
	format.PutU64(h.buf, format.HeaderBeginOffset, uint64(begin))
	format.PutU64(h.buf, format.HeaderEndOffset, uint64(end))
	format.PutU32(h.buf, format.HeaderNumSlotsOffset, r.NumSlots)
	format.PutU32(h.buf, format.HeaderMaxAllocationsOffset, r.MaxAllocations)
	format.PutU32(h.buf, format.HeaderMaxMetadataOffset, r.MaxMetadata)
	format.PutU32(h.buf, format.HeaderSampleRangeOffset, r.SampleCounterRange)
	format.PutU64(h.buf, format.HeaderSlotsAddrOffset, uint64(slotsAddr))
	format.PutU64(h.buf, format.HeaderMetadataAddrOffset, uint64(metadataAddr))
	format.PutU32(h.buf, format.HeaderTraceBufferSizeOffset, format.TraceBufferSize)
	format.PutU32(h.buf, format.HeaderSlotRecordSizeOffset, format.SlotRecordSize)
	format.PutU32(h.buf, format.HeaderMetadataRecordSizeOffset, format.MetadataRecordSize)
	var flags uint32
	if r.Debug {
		flags |= format.FlagDebug
	}
	format.PutU32(h.buf, format.HeaderFlagsOffset, flags)
}

// slot is a view over one slot record.
type slot struct {
	buf []byte
	off int
}

func (s slot) state() uint8      { return format.ReadU8(s.buf, s.off+format.SlotStateOffset) }
func (s slot) metadata() uint32  { return format.ReadU32(s.buf, s.off+format.SlotMetadataOffset) }
func (s slot) size() uintptr     { return uintptr(format.ReadU32(s.buf, s.off+format.SlotSizeOffset)) }
func (s slot) offset() uintptr   { return uintptr(format.ReadU32(s.buf, s.off+format.SlotOffsetOffset)) }
func (s slot) setState(st uint8) { format.PutU8(s.buf, s.off+format.SlotStateOffset, st) }

func (s slot) set(st uint8, metadata uint32, size, offset uintptr) {
	format.PutU8(s.buf, s.off+format.SlotStateOffset, st)
	format.PutU32(s.buf, s.off+format.SlotMetadataOffset, metadata)
	format.PutU32(s.buf, s.off+format.SlotSizeOffset, uint32(size))
	format.PutU32(s.buf, s.off+format.SlotOffsetOffset, uint32(offset))
}

// slotTable is the slot array, indexed by slot number.
type slotTable []byte

func (t slotTable) at(i uint32) slot {
	return slot{buf: t, off: int(i) * format.SlotRecordSize}
}

func (t slotTable) len() uint32 { return uint32(len(t) / format.SlotRecordSize) }

// meta is a view over one metadata record.
type meta struct {
	buf []byte
	off int
}

func (m meta) slot() uint32          { return format.ReadU32(m.buf, m.off+format.MetaSlotOffset) }
func (m meta) allocThread() uint64   { return format.ReadU64(m.buf, m.off+format.MetaAllocThreadOffset) }
func (m meta) allocTime() int64      { return int64(format.ReadU64(m.buf, m.off+format.MetaAllocTimeOffset)) }
func (m meta) allocTraceSize() int   { return int(format.ReadU16(m.buf, m.off+format.MetaAllocTraceSizeOffset)) }
func (m meta) deallocThread() uint64 { return format.ReadU64(m.buf, m.off+format.MetaDeallocThreadOffset) }
func (m meta) deallocTime() int64    { return int64(format.ReadU64(m.buf, m.off+format.MetaDeallocTimeOffset)) }
func (m meta) deallocTraceSize() int { return int(format.ReadU16(m.buf, m.off+format.MetaDeallocTraceSizeOffset)) }
func (m meta) setSlot(s uint32)      { format.PutU32(m.buf, m.off+format.MetaSlotOffset, s) }

// traceBuffer is the shared trace area. The alloc trace starts at 0, the
// dealloc trace right after it but never later than the midpoint, so a long
// alloc trace cannot starve the dealloc trace of space.
func (m meta) traceBuffer() []byte {
	start := m.off + format.MetaTraceOffset
	return m.buf[start : start+format.TraceBufferSize]
}

func (m meta) deallocTraceOffset() int {
	return deallocTraceOffset(m.allocTraceSize())
}

func deallocTraceOffset(allocSize int) int {
	return min(allocSize, format.TraceBufferSize/2)
}

func (m meta) allocTrace() []byte {
	return m.traceBuffer()[:m.allocTraceSize()]
}

func (m meta) deallocTrace() []byte {
	off := m.deallocTraceOffset()
	return m.traceBuffer()[off : off+m.deallocTraceSize()]
}

func (m meta) setAlloc(thread uint64, nanos int64, traceSize int) {
	format.PutU64(m.buf, m.off+format.MetaAllocThreadOffset, thread)
	format.PutU64(m.buf, m.off+format.MetaAllocTimeOffset, uint64(nanos))
	format.PutU16(m.buf, m.off+format.MetaAllocTraceSizeOffset, uint16(traceSize))
	format.PutU64(m.buf, m.off+format.MetaDeallocThreadOffset, 0)
	format.PutU64(m.buf, m.off+format.MetaDeallocTimeOffset, 0)
	format.PutU16(m.buf, m.off+format.MetaDeallocTraceSizeOffset, 0)
}

func (m meta) setAllocTraceSize(n int) {
	format.PutU16(m.buf, m.off+format.MetaAllocTraceSizeOffset, uint16(n))
}

func (m meta) setDealloc(thread uint64, nanos int64, traceSize int) {
	format.PutU64(m.buf, m.off+format.MetaDeallocThreadOffset, thread)
	format.PutU64(m.buf, m.off+format.MetaDeallocTimeOffset, uint64(nanos))
	format.PutU16(m.buf, m.off+format.MetaDeallocTraceSizeOffset, uint16(traceSize))
}

// metaTable is the metadata array, indexed by metadata number.
type metaTable []byte

func (t metaTable) at(i uint32) meta {
	return meta{buf: t, off: int(i) * format.MetadataRecordSize}
}

func (t metaTable) len() uint32 { return uint32(len(t) / format.MetadataRecordSize) }
