// Package buf contains overflow-safe address arithmetic and bounds checks for
// reading structures out of untrusted memory images.
package buf

import (
	"fmt"
	"math"
)

// AddOverflowSafe adds a and b, returning ok = false when the result would wrap.
func AddOverflowSafe(a, b uintptr) (uintptr, bool) {
	if a > math.MaxUint-b {
		return 0, false
	}
	return a + b, true
}

// MulOverflowSafe multiplies a and b, returning ok = false when the result would wrap.
// This is what guards count * recordSize before a table is read.
func MulOverflowSafe(a, b uintptr) (uintptr, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxUint/b {
		return 0, false
	}
	return a * b, true
}

// CheckTableBounds validates that count records of recordSize bytes starting at
// addr lie entirely within [begin, end). It returns the table's byte length.
//
//	n, err := buf.CheckTableBounds(regionBegin, regionEnd, slotsAddr, numSlots, format.SlotRecordSize)
//	if err != nil {
//	    return fmt.Errorf("slot table: %w", err)
//	}
func CheckTableBounds(begin, end, addr, count, recordSize uintptr) (uintptr, error) {
	if end < begin {
		return 0, fmt.Errorf("inverted region: begin=0x%x end=0x%x", begin, end)
	}
	total, ok := MulOverflowSafe(count, recordSize)
	if !ok {
		return 0, fmt.Errorf("overflow: count=%d * recordSize=%d", count, recordSize)
	}
	tableEnd, ok := AddOverflowSafe(addr, total)
	if !ok {
		return 0, fmt.Errorf("overflow: addr=0x%x + size=%d", addr, total)
	}
	if addr < begin || tableEnd > end {
		return 0, fmt.Errorf("bounds: [0x%x, 0x%x) outside [0x%x, 0x%x)", addr, tableEnd, begin, end)
	}
	return total, nil
}

// Slice returns the sub-slice [off:off+n] if it fits within len(b).
func Slice(b []byte, off, n int) ([]byte, bool) {
	if off < 0 || n < 0 || off > len(b) {
		return nil, false
	}
	if n > math.MaxInt-off || off+n > len(b) {
		return nil, false
	}
	return b[off : off+n], true
}

// Has reports whether b[off:off+n] is within bounds.
func Has(b []byte, off, n int) bool {
	_, ok := Slice(b, off, n)
	return ok
}

// Contains reports whether addr lies in [begin, end).
func Contains(begin, end, addr uintptr) bool {
	return addr >= begin && addr < end
}
