package verify_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/probguard/guard"
	"github.com/joshuapare/probguard/guard/verify"
	"github.com/joshuapare/probguard/internal/format"
	"github.com/joshuapare/probguard/vm"
	"github.com/joshuapare/probguard/zone/heap"
)

// createZoneImage builds a live zone with one live and one freed block and
// returns a copy of its region along with the header address.
func createZoneImage(t *testing.T) ([]byte, uintptr) {
	t.Helper()
	sim := vm.NewSim(4096, 1<<30)
	h, err := heap.New(sim, heap.Options{})
	require.NoError(t, err)
	z, err := guard.New(h, sim, guard.Config{MaxAllocations: 2, Slots: 4, Metadata: 4, SampleRate: 1, LeftAlignOnly: true})
	require.NoError(t, err)
	t.Cleanup(z.Destroy)

	z.Free(z.Malloc(10))
	z.Malloc(20)
	s, err := z.Snapshot()
	require.NoError(t, err)
	return append([]byte(nil), s.Bytes()...), z.Address()
}

func slotsOf(data []byte) []byte {
	return data[format.HeaderSize : format.HeaderSize+4*format.SlotRecordSize]
}

func metaOf(data []byte) []byte {
	return data[format.HeaderSize+4*format.SlotRecordSize:]
}

func TestRegion_Valid(t *testing.T) {
	data, addr := createZoneImage(t)
	h, err := verify.Region(data, addr)
	require.NoError(t, err, "freshly snapshotted zone should validate")
	require.Equal(t, uint32(4), h.NumSlots)
	require.Equal(t, uint32(1), h.NumAllocations)
	require.Equal(t, uint32(2), h.NumMetadata)
	require.Equal(t, addr+format.HeaderSize, h.SlotsAddr)
}

func TestTag(t *testing.T) {
	data, _ := createZoneImage(t)
	require.NoError(t, verify.Tag(data))

	copy(data, "MALZ")
	err := verify.Tag(data)
	require.ErrorIs(t, err, format.ErrTagMismatch)

	require.ErrorIs(t, verify.Tag(data[:2]), format.ErrTruncated)
}

func TestHeader_Corruptions(t *testing.T) {
	cases := []struct {
		name    string
		corrupt func([]byte)
		want    string
	}{
		{"version", func(b []byte) { format.PutU32(b, format.HeaderVersionOffset, 7) }, "layout version 7"},
		{"page size", func(b []byte) { format.PutU64(b, format.HeaderPageSizeOffset, 4000) }, "bad page size"},
		{"zero slots", func(b []byte) { format.PutU32(b, format.HeaderNumSlotsOffset, 0) }, "num_slots 0"},
		{"huge metadata", func(b []byte) { format.PutU32(b, format.HeaderMaxMetadataOffset, 1<<30) }, "max_metadata"},
		{"allocations over cap", func(b []byte) { format.PutU32(b, format.HeaderNumAllocationsOffset, 3) }, "num_allocations 3"},
		{"metadata over cap", func(b []byte) { format.PutU32(b, format.HeaderNumMetadataOffset, 5) }, "num_metadata 5"},
		{"cursor", func(b []byte) { format.PutU32(b, format.HeaderRRSlotOffset, 4) }, "round-robin cursor"},
		{"end", func(b []byte) { format.PutU64(b, format.HeaderEndOffset, 0) }, "quarantine end"},
		{"begin wraps", func(b []byte) { format.PutU64(b, format.HeaderBeginOffset, ^uint64(0)&^4095) }, "quarantine end"},
		{"slot table moved", func(b []byte) { format.PutU64(b, format.HeaderSlotsAddrOffset, 0x1000) }, "slot table at"},
		{"metadata table moved", func(b []byte) { format.PutU64(b, format.HeaderMetadataAddrOffset, 0x1000) }, "metadata table at"},
		{"record size", func(b []byte) { format.PutU32(b, format.HeaderMetadataRecordSizeOffset, 8) }, "metadata record size"},
		{"peak below current", func(b []byte) { format.PutU64(b, format.HeaderMaxSizeInUseOffset, 0) }, "exceeds its peak"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, addr := createZoneImage(t)
			tc.corrupt(data)
			_, err := verify.Header(data, addr)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
			var ve *verify.ValidationError
			require.True(t, errors.As(err, &ve))
			require.Equal(t, "Header", ve.Type)
		})
	}
}

func TestHeader_Truncated(t *testing.T) {
	data, addr := createZoneImage(t)
	_, err := verify.Header(data[:format.HeaderSize-1], addr)
	require.ErrorIs(t, err, format.ErrTruncated)
}

func TestHeader_RegionWrapsAddressSpace(t *testing.T) {
	data, _ := createZoneImage(t)
	slotTable := uintptr(4 * format.SlotRecordSize)
	zoneAddr := ^uintptr(0) - format.HeaderSize - slotTable - 100
	format.PutU64(data, format.HeaderSlotsAddrOffset, uint64(zoneAddr+format.HeaderSize))
	format.PutU64(data, format.HeaderMetadataAddrOffset, uint64(zoneAddr+format.HeaderSize+slotTable))

	_, err := verify.Header(data, zoneAddr)
	require.Error(t, err)
	require.Contains(t, err.Error(), "wraps the address space")
}

func TestSlots_Corruptions(t *testing.T) {
	cases := []struct {
		name    string
		corrupt func([]byte)
		want    string
	}{
		{"state", func(s []byte) { s[format.SlotStateOffset] = 3 }, "bad state 3"},
		{"metadata index", func(s []byte) { format.PutU32(s, format.SlotMetadataOffset, 9) }, "metadata index 9"},
		{"zero size", func(s []byte) { format.PutU32(s, format.SlotSizeOffset, 0) }, "does not fit"},
		{"offset past page", func(s []byte) { format.PutU32(s, format.SlotOffsetOffset, 4090) }, "does not fit"},
		{"size past page", func(s []byte) { format.PutU32(s, format.SlotSizeOffset, 8192) }, "does not fit"},
		{"too many allocated", func(s []byte) {
			for i := 2; i < 4; i++ {
				off := i * format.SlotRecordSize
				s[off+format.SlotStateOffset] = format.SlotAllocated
				format.PutU32(s, off+format.SlotSizeOffset, 16)
			}
		}, "exceed max_allocations"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, addr := createZoneImage(t)
			h, err := verify.Header(data, addr)
			require.NoError(t, err)
			tc.corrupt(slotsOf(data))
			err = verify.Slots(slotsOf(data), h)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestSlots_LengthMismatch(t *testing.T) {
	data, addr := createZoneImage(t)
	h, err := verify.Header(data, addr)
	require.NoError(t, err)
	require.ErrorIs(t, verify.Slots(slotsOf(data)[1:], h), format.ErrTruncated)
}

func TestMetadata_Corruptions(t *testing.T) {
	cases := []struct {
		name    string
		corrupt func([]byte)
		want    string
	}{
		{"slot", func(m []byte) { format.PutU32(m, format.MetaSlotOffset, 4) }, "slot 4 beyond"},
		{"alloc trace", func(m []byte) {
			format.PutU16(m, format.MetaAllocTraceSizeOffset, format.TraceBufferSize+1)
		}, "alloc trace"},
		{"dealloc trace", func(m []byte) {
			format.PutU16(m, format.MetaAllocTraceSizeOffset, format.TraceBufferSize)
			format.PutU16(m, format.MetaDeallocTraceSizeOffset, format.TraceBufferSize/2+1)
		}, "dealloc trace"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, addr := createZoneImage(t)
			h, err := verify.Header(data, addr)
			require.NoError(t, err)
			tc.corrupt(metaOf(data))
			require.ErrorContains(t, verify.Metadata(metaOf(data), h), tc.want)
		})
	}
}

func TestRegion_Truncated(t *testing.T) {
	data, addr := createZoneImage(t)
	_, err := verify.Region(data[:len(data)-1], addr)
	require.ErrorIs(t, err, format.ErrTruncated)
}
