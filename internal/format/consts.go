// Package format describes the binary layout of a probguard zone as it sits in
// memory. The zone keeps all of its bookkeeping (header, slot table, metadata
// table) in a single VM mapping using this layout so that a crash reporter in a
// different process can read it back with nothing but a memory reader.
//
// All multi-byte fields are little-endian.
package format

// ZoneTag is the four-byte type tag at the start of every zone header.
// Layout:
//
//	0x00  'P' 'G' 'M' 'Z'
var ZoneTag = []byte{'P', 'G', 'M', 'Z'}

// LayoutVersion is bumped whenever a field moves.
const LayoutVersion = 1

// Zone header. One per zone, at the start of the metadata region.
//
//	Offset  Size  Field
//	0x00    4     type tag "PGMZ"
//	0x04    4     layout version
//	0x08    8     page size
//	0x10    8     quarantine begin (page aligned)
//	0x18    8     quarantine end (exclusive)
//	0x20    4     num_slots
//	0x24    4     max_allocations
//	0x28    4     max_metadata
//	0x2C    4     sample_counter_range
//	0x30    8     slot table address
//	0x38    8     metadata table address
//	0x40    4     num_allocations
//	0x44    4     num_metadata
//	0x48    4     rr_slot_index
//	0x4C    4     flags
//	0x50    8     size_in_use
//	0x58    8     max_size_in_use
//	0x60    4     trace buffer size
//	0x64    4     slot record size
//	0x68    4     metadata record size
//	0x6C    20    reserved
const (
	HeaderTagOffset                = 0x00
	HeaderVersionOffset            = 0x04
	HeaderPageSizeOffset           = 0x08
	HeaderBeginOffset              = 0x10
	HeaderEndOffset                = 0x18
	HeaderNumSlotsOffset           = 0x20
	HeaderMaxAllocationsOffset     = 0x24
	HeaderMaxMetadataOffset        = 0x28
	HeaderSampleRangeOffset        = 0x2C
	HeaderSlotsAddrOffset          = 0x30
	HeaderMetadataAddrOffset       = 0x38
	HeaderNumAllocationsOffset     = 0x40
	HeaderNumMetadataOffset        = 0x44
	HeaderRRSlotOffset             = 0x48
	HeaderFlagsOffset              = 0x4C
	HeaderSizeInUseOffset          = 0x50
	HeaderMaxSizeInUseOffset       = 0x58
	HeaderTraceBufferSizeOffset    = 0x60
	HeaderSlotRecordSizeOffset     = 0x64
	HeaderMetadataRecordSizeOffset = 0x68

	HeaderTagLen = 4
	HeaderSize   = 0x80
)

// Header flags.
const (
	FlagDebug uint32 = 1 << 0
)

// Slot record. One per quarantine slot, indexed by slot number.
//
//	Offset  Size  Field
//	0x00    1     state (0 unused, 1 allocated, 2 freed)
//	0x01    3     reserved
//	0x04    4     metadata index
//	0x08    4     block size
//	0x0C    4     block offset within the slot page
const (
	SlotStateOffset    = 0x00
	SlotMetadataOffset = 0x04
	SlotSizeOffset     = 0x08
	SlotOffsetOffset   = 0x0C

	SlotRecordSize = 0x10
)

// Slot states as stored in SlotStateOffset.
const (
	SlotUnused    uint8 = 0
	SlotAllocated uint8 = 1
	SlotFreed     uint8 = 2
)

// Metadata record. The leading slot field is what a crash reporter reads to
// re-derive the owning slot; the rest holds the alloc and dealloc sub-records
// and the trace buffer they share.
//
//	Offset  Size  Field
//	0x00    4     owning slot index
//	0x04    4     reserved
//	0x08    8     alloc thread id
//	0x10    8     alloc timestamp (ns since epoch)
//	0x18    2     alloc trace size
//	0x1A    2     dealloc trace size
//	0x1C    4     reserved
//	0x20    8     dealloc thread id
//	0x28    8     dealloc timestamp (ns since epoch)
//	0x30    208   trace buffer (alloc trace, then dealloc trace)
const (
	MetaSlotOffset             = 0x00
	MetaAllocThreadOffset      = 0x08
	MetaAllocTimeOffset        = 0x10
	MetaAllocTraceSizeOffset   = 0x18
	MetaDeallocTraceSizeOffset = 0x1A
	MetaDeallocThreadOffset    = 0x20
	MetaDeallocTimeOffset      = 0x28
	MetaTraceOffset            = 0x30

	TraceBufferSize    = 0xD0
	MetadataRecordSize = MetaTraceOffset + TraceBufferSize // 0x100
)

// BlockAlignment is the granularity of guarded block sizes and the minimum
// alignment of every guarded block.
const (
	BlockAlignment     = 16
	BlockAlignmentMask = BlockAlignment - 1
)

// Table size limits. Readers of foreign images refuse anything larger.
const (
	MaxSlots    = 1 << 22
	MaxMetadata = 1 << 22
)
