// Package stacktrace captures call stacks and stores them in a compact,
// self-delimiting byte encoding that fits a fixed-size trace buffer.
//
// Encoding: the first program counter as a uvarint, every following one as a
// zigzag varint delta from its predecessor. Return addresses of one stack tend
// to cluster, so most deltas take two or three bytes instead of eight.
package stacktrace

import (
	"encoding/binary"
	"errors"
	"runtime"
)

// MaxFrames bounds how many frames Capture records.
const MaxFrames = 64

// ErrMalformed indicates bytes that do not decode as a trace.
var ErrMalformed = errors.New("stacktrace: malformed encoding")

// Capture records the caller's stack, skipping skip frames above the caller of
// Capture, and encodes it into dst. It returns the number of bytes written.
// Frames that do not fit are dropped from the outermost end.
func Capture(dst []byte, skip int) int {
	var pcs [MaxFrames]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	return Encode(dst, pcs[:n])
}

// Encode writes as many whole frames of pcs as fit into dst and returns the
// number of bytes used.
func Encode(dst []byte, pcs []uintptr) int {
	var tmp [binary.MaxVarintLen64]byte
	used := 0
	var prev uint64
	for i, pc := range pcs {
		var n int
		if i == 0 {
			n = binary.PutUvarint(tmp[:], uint64(pc))
		} else {
			n = binary.PutVarint(tmp[:], int64(uint64(pc)-prev))
		}
		if used+n > len(dst) {
			break
		}
		copy(dst[used:], tmp[:n])
		used += n
		prev = uint64(pc)
	}
	return used
}

// Truncate returns the length of the longest prefix of the encoded trace src
// that fits in limit bytes and ends on a frame boundary.
func Truncate(src []byte, limit int) int {
	if len(src) <= limit {
		return len(src)
	}
	off := 0
	for off < limit {
		// Varints and uvarints share the continuation-bit framing.
		_, n := binary.Uvarint(src[off:])
		if n <= 0 || off+n > limit {
			break
		}
		off += n
	}
	return off
}

// Decode returns the program counters encoded in src. src may come from a
// foreign process, so every varint is checked.
func Decode(src []byte) ([]uint64, error) {
	if len(src) == 0 {
		return nil, nil
	}
	first, n := binary.Uvarint(src)
	if n <= 0 {
		return nil, ErrMalformed
	}
	frames := []uint64{first}
	prev := first
	for off := n; off < len(src); {
		d, m := binary.Varint(src[off:])
		if m <= 0 {
			return frames, ErrMalformed
		}
		prev += uint64(d)
		frames = append(frames, prev)
		off += m
	}
	return frames, nil
}

// Frame is a symbolized program counter.
type Frame struct {
	PC       uint64
	Function string
	File     string
	Line     int
}

// Symbolize resolves program counters captured in this process, expanding
// inlined calls. Counters from another process resolve to empty names.
func Symbolize(pcs []uint64) []Frame {
	if len(pcs) == 0 {
		return nil
	}
	raw := make([]uintptr, len(pcs))
	for i, pc := range pcs {
		raw[i] = uintptr(pc)
	}
	out := make([]Frame, 0, len(pcs))
	frames := runtime.CallersFrames(raw)
	for {
		f, more := frames.Next()
		out = append(out, Frame{
			PC:       uint64(f.PC),
			Function: f.Function,
			File:     f.File,
			Line:     f.Line,
		})
		if !more {
			break
		}
	}
	return out
}
