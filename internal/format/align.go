package format

// AlignBlock rounds a requested allocation size up to the guarded block
// granularity. Zero rounds up to one block.
//
//	AlignBlock(0)  = 16
//	AlignBlock(1)  = 16
//	AlignBlock(16) = 16
//	AlignBlock(17) = 32
func AlignBlock(n uintptr) uintptr {
	if n == 0 {
		return BlockAlignment
	}
	return (n + BlockAlignmentMask) &^ BlockAlignmentMask
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// AlignDown rounds n down to a multiple of align, which must be a power of two.
func AlignDown(n, align uintptr) uintptr {
	return n &^ (align - 1)
}

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

// RegionSize is the number of bytes a zone's metadata region needs before page
// rounding: header, slot table and metadata table back to back.
func RegionSize(numSlots, maxMetadata uint32) uintptr {
	return HeaderSize +
		uintptr(numSlots)*SlotRecordSize +
		uintptr(maxMetadata)*MetadataRecordSize
}
