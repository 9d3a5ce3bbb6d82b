package format

import "encoding/binary"

// Little-endian accessors over layout buffers. Callers are expected to have
// bounds-checked the record first (see internal/buf); these panic on short
// buffers like any slice index would.

// PutU8 writes a byte at off.
func PutU8(b []byte, off int, v uint8) {
	b[off] = v
}

// PutU16 writes a uint16 at off.
func PutU16(b []byte, off int, v uint16) {
	binary.LittleEndian.PutUint16(b[off:off+2], v)
}

// PutU32 writes a uint32 at off.
func PutU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

// PutU64 writes a uint64 at off.
func PutU64(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:off+8], v)
}

// ReadU8 reads a byte at off.
func ReadU8(b []byte, off int) uint8 {
	return b[off]
}

// ReadU16 reads a uint16 at off.
func ReadU16(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off : off+2])
}

// ReadU32 reads a uint32 at off.
func ReadU32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// ReadU64 reads a uint64 at off.
func ReadU64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}
