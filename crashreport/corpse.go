package crashreport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/joshuapare/probguard/internal/buf"
	"github.com/joshuapare/probguard/internal/format"
	"github.com/joshuapare/probguard/internal/mmfile"
)

// Corpse file layout. A corpse holds the zone images of a process so that a
// report can be produced after the process is gone.
//
//	Offset  Size  Field
//	0x00    8     magic "PGMCORPS"
//	0x08    4     version
//	0x0C    4     segment count
//	0x10          segments, each:
//	              0x00  8  address
//	              0x08  8  length
//	              0x10  n  bytes
const (
	corpseMagic         = "PGMCORPS"
	corpseVersion       = 1
	corpseHeaderSize    = 0x10
	segmentHeaderSize   = 0x10
	corpseVersionOffset = 0x08
	corpseCountOffset   = 0x0C
)

// ErrBadCorpse indicates a corpse file that does not parse.
var ErrBadCorpse = errors.New("crashreport: malformed corpse")

// WriteCorpse saves the image of every probguard zone among zoneAddrs in
// task, as read through read, and returns how many zones were written.
func WriteCorpse(w io.Writer, task Task, zoneAddrs []uintptr, read Reader) (int, error) {
	snaps, err := LoadSnapshots(task, zoneAddrs, read)
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(w)
	hdr := make([]byte, corpseHeaderSize)
	copy(hdr, corpseMagic)
	format.PutU32(hdr, corpseVersionOffset, corpseVersion)
	format.PutU32(hdr, corpseCountOffset, uint32(len(snaps)))
	if _, err := bw.Write(hdr); err != nil {
		return 0, err
	}
	seg := make([]byte, segmentHeaderSize)
	for _, s := range snaps {
		format.PutU64(seg, 0, uint64(s.Addr()))
		format.PutU64(seg, 8, uint64(len(s.Bytes())))
		if _, err := bw.Write(seg); err != nil {
			return 0, err
		}
		if _, err := bw.Write(s.Bytes()); err != nil {
			return 0, err
		}
	}
	return len(snaps), bw.Flush()
}

type segment struct {
	addr uintptr
	data []byte
}

// Corpse is a parsed corpse file. Its Read method is a Reader.
type Corpse struct {
	segments []segment // sorted by addr
	mapping  *mmfile.Mapping
}

// OpenCorpse maps a corpse file read-only and parses it.
func OpenCorpse(path string) (*Corpse, error) {
	m, err := mmfile.Open(path)
	if err != nil {
		return nil, fmt.Errorf("crashreport: open corpse: %w", err)
	}
	c, err := ParseCorpse(m.Data())
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	c.mapping = m
	return c, nil
}

// ParseCorpse parses a corpse image held in memory. The Corpse refers to
// data without copying it.
func ParseCorpse(data []byte) (*Corpse, error) {
	hdr, ok := buf.Slice(data, 0, corpseHeaderSize)
	if !ok || string(hdr[:len(corpseMagic)]) != corpseMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadCorpse)
	}
	if v := format.ReadU32(hdr, corpseVersionOffset); v != corpseVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadCorpse, v)
	}
	count := format.ReadU32(hdr, corpseCountOffset)

	c := &Corpse{}
	off := corpseHeaderSize
	for i := range count {
		sh, ok := buf.Slice(data, off, segmentHeaderSize)
		if !ok {
			return nil, fmt.Errorf("%w: segment %d header truncated", ErrBadCorpse, i)
		}
		addr := format.ReadU64(sh, 0)
		n := format.ReadU64(sh, 8)
		if n > uint64(len(data)) {
			return nil, fmt.Errorf("%w: segment %d length %d", ErrBadCorpse, i, n)
		}
		body, ok := buf.Slice(data, off+segmentHeaderSize, int(n))
		if !ok {
			return nil, fmt.Errorf("%w: segment %d truncated", ErrBadCorpse, i)
		}
		if _, ok := buf.AddOverflowSafe(uintptr(addr), uintptr(n)); !ok {
			return nil, fmt.Errorf("%w: segment %d wraps the address space", ErrBadCorpse, i)
		}
		c.segments = append(c.segments, segment{addr: uintptr(addr), data: body})
		off += segmentHeaderSize + int(n)
	}
	sort.Slice(c.segments, func(i, j int) bool { return c.segments[i].addr < c.segments[j].addr })
	return c, nil
}

// Read serves ranges that lie entirely within one saved segment.
func (c *Corpse) Read(_ Task, addr, size uintptr) ([]byte, error) {
	i := sort.Search(len(c.segments), func(i int) bool {
		return c.segments[i].addr+uintptr(len(c.segments[i].data)) > addr
	})
	if i < len(c.segments) {
		s := c.segments[i]
		if addr >= s.addr {
			if b, ok := buf.Slice(s.data, int(addr-s.addr), int(size)); ok {
				return append([]byte(nil), b...), nil
			}
		}
	}
	return nil, fmt.Errorf("corpse has no %d bytes at 0x%x", size, addr)
}

// Zones returns the addresses of the saved zone images.
func (c *Corpse) Zones() []uintptr {
	out := make([]uintptr, len(c.segments))
	for i, s := range c.segments {
		out[i] = s.addr
	}
	return out
}

// Close releases the file mapping, if any.
func (c *Corpse) Close() error {
	if c.mapping == nil {
		return nil
	}
	return c.mapping.Close()
}
