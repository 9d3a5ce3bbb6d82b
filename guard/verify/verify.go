// Package verify validates probguard zone images: the header, slot table and
// metadata table a zone keeps in memory. Images handed to these checks may
// come from a crashed or hostile process, so every field that later drives an
// index, a size or an address is range-checked here first.
package verify

import (
	"fmt"

	"github.com/joshuapare/probguard/internal/buf"
	"github.com/joshuapare/probguard/internal/format"
)

// ValidationError describes the first inconsistency found in an image.
type ValidationError struct {
	Type    string
	Message string
	Offset  int
	// Err is a sentinel from internal/format when one applies.
	Err error
}

func (e *ValidationError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s at offset 0x%X: %s", e.Type, e.Offset, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func headerErr(off int, msg string, args ...any) error {
	return &ValidationError{Type: "Header", Message: fmt.Sprintf(msg, args...), Offset: off}
}

// HeaderFields is the decoded header, valid only after Header succeeds.
type HeaderFields struct {
	PageSize       uintptr
	Begin          uintptr
	End            uintptr
	NumSlots       uint32
	MaxAllocations uint32
	MaxMetadata    uint32
	SampleRange    uint32
	SlotsAddr      uintptr
	MetadataAddr   uintptr
	NumAllocations uint32
	NumMetadata    uint32
	RRSlot         uint32
	Flags          uint32
	SizeInUse      uint64
	MaxSizeInUse   uint64
}

// SlotTableSize is the byte length of the slot table.
func (h HeaderFields) SlotTableSize() uintptr {
	return uintptr(h.NumSlots) * format.SlotRecordSize
}

// MetadataTableSize is the byte length of the claimed metadata records.
func (h HeaderFields) MetadataTableSize() uintptr {
	return uintptr(h.NumMetadata) * format.MetadataRecordSize
}

// Tag reports whether data starts with the probguard zone tag. It lets a
// caller tell "another zone type" apart from "a corrupt probguard zone".
func Tag(data []byte) error {
	tag, ok := buf.Slice(data, format.HeaderTagOffset, format.HeaderTagLen)
	if !ok {
		return &ValidationError{Type: "Header", Message: "too short for a tag", Offset: -1, Err: format.ErrTruncated}
	}
	if string(tag) != string(format.ZoneTag) {
		return &ValidationError{
			Type:    "Header",
			Message: fmt.Sprintf("tag %q, expected %q", tag, format.ZoneTag),
			Offset:  format.HeaderTagOffset,
			Err:     format.ErrTagMismatch,
		}
	}
	return nil
}

// Header validates a zone header read from zoneAddr and decodes it.
func Header(data []byte, zoneAddr uintptr) (HeaderFields, error) {
	if !buf.Has(data, 0, format.HeaderSize) {
		return HeaderFields{}, &ValidationError{
			Type:    "Header",
			Message: fmt.Sprintf("%d bytes, need %d", len(data), format.HeaderSize),
			Offset:  -1,
			Err:     format.ErrTruncated,
		}
	}
	if err := Tag(data); err != nil {
		return HeaderFields{}, err
	}
	if v := format.ReadU32(data, format.HeaderVersionOffset); v != format.LayoutVersion {
		return HeaderFields{}, &ValidationError{
			Type:    "Header",
			Message: fmt.Sprintf("layout version %d, expected %d", v, format.LayoutVersion),
			Offset:  format.HeaderVersionOffset,
			Err:     format.ErrVersion,
		}
	}
	for _, f := range []struct {
		off  int
		want uint32
		name string
	}{
		{format.HeaderTraceBufferSizeOffset, format.TraceBufferSize, "trace buffer size"},
		{format.HeaderSlotRecordSizeOffset, format.SlotRecordSize, "slot record size"},
		{format.HeaderMetadataRecordSizeOffset, format.MetadataRecordSize, "metadata record size"},
	} {
		if got := format.ReadU32(data, f.off); got != f.want {
			return HeaderFields{}, headerErr(f.off, "%s %d, expected %d", f.name, got, f.want)
		}
	}

	h := HeaderFields{
		PageSize:       uintptr(format.ReadU64(data, format.HeaderPageSizeOffset)),
		Begin:          uintptr(format.ReadU64(data, format.HeaderBeginOffset)),
		End:            uintptr(format.ReadU64(data, format.HeaderEndOffset)),
		NumSlots:       format.ReadU32(data, format.HeaderNumSlotsOffset),
		MaxAllocations: format.ReadU32(data, format.HeaderMaxAllocationsOffset),
		MaxMetadata:    format.ReadU32(data, format.HeaderMaxMetadataOffset),
		SampleRange:    format.ReadU32(data, format.HeaderSampleRangeOffset),
		SlotsAddr:      uintptr(format.ReadU64(data, format.HeaderSlotsAddrOffset)),
		MetadataAddr:   uintptr(format.ReadU64(data, format.HeaderMetadataAddrOffset)),
		NumAllocations: format.ReadU32(data, format.HeaderNumAllocationsOffset),
		NumMetadata:    format.ReadU32(data, format.HeaderNumMetadataOffset),
		RRSlot:         format.ReadU32(data, format.HeaderRRSlotOffset),
		Flags:          format.ReadU32(data, format.HeaderFlagsOffset),
		SizeInUse:      format.ReadU64(data, format.HeaderSizeInUseOffset),
		MaxSizeInUse:   format.ReadU64(data, format.HeaderMaxSizeInUseOffset),
	}

	switch {
	case !format.IsPowerOfTwo(h.PageSize) || h.PageSize < 2*format.BlockAlignment || h.PageSize > 1<<30:
		return HeaderFields{}, headerErr(format.HeaderPageSizeOffset, "bad page size %d", h.PageSize)
	case h.NumSlots == 0 || h.NumSlots > format.MaxSlots:
		return HeaderFields{}, headerErr(format.HeaderNumSlotsOffset, "num_slots %d out of range", h.NumSlots)
	case h.MaxMetadata == 0 || h.MaxMetadata > format.MaxMetadata:
		return HeaderFields{}, headerErr(format.HeaderMaxMetadataOffset, "max_metadata %d out of range", h.MaxMetadata)
	case h.MaxAllocations == 0 || h.MaxAllocations > h.MaxMetadata/2 || h.MaxMetadata/2 > h.NumSlots:
		return HeaderFields{}, headerErr(format.HeaderMaxAllocationsOffset,
			"inconsistent limits: allocations %d, metadata %d, slots %d", h.MaxAllocations, h.MaxMetadata, h.NumSlots)
	case h.NumAllocations > h.MaxAllocations:
		return HeaderFields{}, headerErr(format.HeaderNumAllocationsOffset,
			"num_allocations %d exceeds %d", h.NumAllocations, h.MaxAllocations)
	case h.NumMetadata > h.MaxMetadata:
		return HeaderFields{}, headerErr(format.HeaderNumMetadataOffset,
			"num_metadata %d exceeds %d", h.NumMetadata, h.MaxMetadata)
	case h.RRSlot >= h.NumSlots:
		return HeaderFields{}, headerErr(format.HeaderRRSlotOffset, "round-robin cursor %d out of range", h.RRSlot)
	case h.Begin%h.PageSize != 0:
		return HeaderFields{}, headerErr(format.HeaderBeginOffset, "quarantine begin 0x%x not page aligned", h.Begin)
	case h.SizeInUse > h.MaxSizeInUse:
		return HeaderFields{}, headerErr(format.HeaderSizeInUseOffset,
			"size_in_use %d exceeds its peak %d", h.SizeInUse, h.MaxSizeInUse)
	}

	// end = begin + (2*num_slots + 1) * page_size, without wrapping.
	qsize, ok := buf.MulOverflowSafe(2*uintptr(h.NumSlots)+1, h.PageSize)
	if !ok {
		return HeaderFields{}, headerErr(format.HeaderNumSlotsOffset, "quarantine size overflows")
	}
	end, ok := buf.AddOverflowSafe(h.Begin, qsize)
	if !ok || end != h.End {
		return HeaderFields{}, headerErr(format.HeaderEndOffset,
			"quarantine end 0x%x, expected 0x%x for %d slots", h.End, end, h.NumSlots)
	}

	// The tables follow the header back to back.
	slots, ok := buf.AddOverflowSafe(zoneAddr, format.HeaderSize)
	if !ok || h.SlotsAddr != slots {
		return HeaderFields{}, headerErr(format.HeaderSlotsAddrOffset,
			"slot table at 0x%x, expected 0x%x", h.SlotsAddr, slots)
	}
	metadata, ok := buf.AddOverflowSafe(slots, h.SlotTableSize())
	if !ok || h.MetadataAddr != metadata {
		return HeaderFields{}, headerErr(format.HeaderMetadataAddrOffset,
			"metadata table at 0x%x, expected 0x%x", h.MetadataAddr, metadata)
	}
	regionEnd, ok := buf.AddOverflowSafe(zoneAddr, format.RegionSize(h.NumSlots, h.MaxMetadata))
	if !ok {
		return HeaderFields{}, headerErr(format.HeaderMaxMetadataOffset, "metadata region wraps the address space")
	}
	for _, t := range []struct {
		off   int
		addr  uintptr
		count uint32
		size  uintptr
		name  string
	}{
		{format.HeaderSlotsAddrOffset, h.SlotsAddr, h.NumSlots, format.SlotRecordSize, "slot table"},
		{format.HeaderMetadataAddrOffset, h.MetadataAddr, h.MaxMetadata, format.MetadataRecordSize, "metadata table"},
	} {
		if _, err := buf.CheckTableBounds(zoneAddr, regionEnd, t.addr, uintptr(t.count), t.size); err != nil {
			return HeaderFields{}, headerErr(t.off, "%s: %v", t.name, err)
		}
	}
	if buf.Contains(h.Begin, h.End, zoneAddr) {
		return HeaderFields{}, headerErr(-1, "zone header 0x%x lies inside its own quarantine", zoneAddr)
	}
	return h, nil
}

// Slots validates a slot table against its header.
func Slots(data []byte, h HeaderFields) error {
	if uintptr(len(data)) != h.SlotTableSize() {
		return &ValidationError{
			Type:    "Slots",
			Message: fmt.Sprintf("%d bytes, expected %d", len(data), h.SlotTableSize()),
			Offset:  -1,
			Err:     format.ErrTruncated,
		}
	}
	var allocated uint32
	for i := range h.NumSlots {
		off := int(i) * format.SlotRecordSize
		state := format.ReadU8(data, off+format.SlotStateOffset)
		switch state {
		case format.SlotUnused:
			continue
		case format.SlotAllocated:
			allocated++
		case format.SlotFreed:
		default:
			return slotErr(off, i, "bad state %d", state)
		}
		m := format.ReadU32(data, off+format.SlotMetadataOffset)
		size := uintptr(format.ReadU32(data, off+format.SlotSizeOffset))
		offset := uintptr(format.ReadU32(data, off+format.SlotOffsetOffset))
		if m >= h.NumMetadata {
			return slotErr(off, i, "metadata index %d beyond %d records", m, h.NumMetadata)
		}
		if size == 0 || size > h.PageSize || offset > h.PageSize-size {
			return slotErr(off, i, "block [%d, +%d) does not fit a %d byte page", offset, size, h.PageSize)
		}
	}
	if allocated > h.MaxAllocations {
		return &ValidationError{
			Type:    "Slots",
			Message: fmt.Sprintf("%d allocated slots exceed max_allocations %d", allocated, h.MaxAllocations),
			Offset:  -1,
		}
	}
	return nil
}

func slotErr(off int, i uint32, msg string, args ...any) error {
	return &ValidationError{
		Type:    "Slots",
		Message: fmt.Sprintf("slot %d: ", i) + fmt.Sprintf(msg, args...),
		Offset:  off,
	}
}

// Metadata validates the claimed metadata records against their header.
func Metadata(data []byte, h HeaderFields) error {
	if uintptr(len(data)) != h.MetadataTableSize() {
		return &ValidationError{
			Type:    "Metadata",
			Message: fmt.Sprintf("%d bytes, expected %d", len(data), h.MetadataTableSize()),
			Offset:  -1,
			Err:     format.ErrTruncated,
		}
	}
	for i := range h.NumMetadata {
		off := int(i) * format.MetadataRecordSize
		s := format.ReadU32(data, off+format.MetaSlotOffset)
		if s >= h.NumSlots {
			return metaErr(off, i, "slot %d beyond %d slots", s, h.NumSlots)
		}
		allocSize := int(format.ReadU16(data, off+format.MetaAllocTraceSizeOffset))
		if allocSize > format.TraceBufferSize {
			return metaErr(off, i, "alloc trace of %d bytes overflows the %d byte buffer", allocSize, format.TraceBufferSize)
		}
		deallocSize := int(format.ReadU16(data, off+format.MetaDeallocTraceSizeOffset))
		if deallocSize > format.TraceBufferSize-min(allocSize, format.TraceBufferSize/2) {
			return metaErr(off, i, "dealloc trace of %d bytes overflows the buffer", deallocSize)
		}
	}
	return nil
}

func metaErr(off int, i uint32, msg string, args ...any) error {
	return &ValidationError{
		Type:    "Metadata",
		Message: fmt.Sprintf("record %d: ", i) + fmt.Sprintf(msg, args...),
		Offset:  off,
	}
}

// Region validates a whole contiguous zone image (header, slot table and
// claimed metadata records) read from zoneAddr.
func Region(data []byte, zoneAddr uintptr) (HeaderFields, error) {
	h, err := Header(data, zoneAddr)
	if err != nil {
		return HeaderFields{}, err
	}
	slotsOff := format.HeaderSize
	slots, ok := buf.Slice(data, slotsOff, int(h.SlotTableSize()))
	if !ok {
		return HeaderFields{}, &ValidationError{Type: "Slots", Message: "table truncated", Offset: slotsOff, Err: format.ErrTruncated}
	}
	if err := Slots(slots, h); err != nil {
		return HeaderFields{}, err
	}
	metaOff := slotsOff + len(slots)
	meta, ok := buf.Slice(data, metaOff, int(h.MetadataTableSize()))
	if !ok {
		return HeaderFields{}, &ValidationError{Type: "Metadata", Message: "table truncated", Offset: metaOff, Err: format.ErrTruncated}
	}
	if err := Metadata(meta, h); err != nil {
		return HeaderFields{}, err
	}
	return h, nil
}
