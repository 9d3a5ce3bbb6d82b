// Package vm is the virtual-memory abstraction probguard allocates from.
//
// A VM hands out page-granular mappings and changes their protection. The
// quarantine allocator needs exactly five primitives (map, map at a fixed
// address, unmap, protect, advise-reuse) plus a way to view mapped bytes so
// that block contents can be copied and zone bookkeeping can be laid out in
// memory. Two backends exist: Unix, backed by mmap/mprotect/madvise on the
// host, and Sim, an in-process simulation with deterministic addresses and
// checked loads/stores that report faults instead of crashing.
package vm

import (
	"errors"
	"fmt"
)

// Prot is a page protection.
type Prot uint8

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1

	ProtReadWrite = ProtRead | ProtWrite
)

func (p Prot) String() string {
	switch p {
	case ProtNone:
		return "---"
	case ProtRead:
		return "r--"
	case ProtWrite:
		return "-w-"
	case ProtReadWrite:
		return "rw-"
	default:
		return fmt.Sprintf("Prot(%d)", uint8(p))
	}
}

var (
	// ErrNotMapped indicates an address range that is not (entirely) mapped.
	ErrNotMapped = errors.New("vm: range not mapped")
	// ErrUnaligned indicates an address or size that is not page aligned.
	ErrUnaligned = errors.New("vm: range not page aligned")
	// ErrOverlap indicates a fixed mapping that collides with an existing one.
	ErrOverlap = errors.New("vm: mapping overlaps an existing region")
)

// VM is the set of virtual-memory primitives consumed by the allocator.
// Addresses and sizes passed to everything but Bytes must be page aligned.
type VM interface {
	// PageSize returns the protection granularity in bytes.
	PageSize() uintptr

	// Map reserves size bytes at an address of the VM's choosing.
	Map(size uintptr, prot Prot) (uintptr, error)

	// MapFixed maps size bytes exactly at addr, replacing what was there.
	MapFixed(addr, size uintptr, prot Prot) error

	// Unmap releases a mapping.
	Unmap(addr, size uintptr) error

	// Protect changes the protection of a mapped range.
	Protect(addr, size uintptr, prot Prot) error

	// AdviseReuse tells the VM the range's contents are no longer needed.
	// The mapping and its protection stay in place.
	AdviseReuse(addr, size uintptr) error

	// Bytes returns a view of mapped memory. The view ignores page
	// protection; touching a protected page through it on the host faults.
	Bytes(addr, size uintptr) ([]byte, error)
}

// Fault describes an access that the simulated VM refused.
type Fault struct {
	Addr  uintptr
	Write bool
}

func (f *Fault) Error() string {
	kind := "read"
	if f.Write {
		kind = "write"
	}
	return fmt.Sprintf("vm: %s fault at 0x%x", kind, f.Addr)
}

// Copy copies n bytes from src to dst. Overlapping ranges are handled like
// memmove.
func Copy(v VM, dst, src, n uintptr) error {
	if n == 0 {
		return nil
	}
	to, err := v.Bytes(dst, n)
	if err != nil {
		return fmt.Errorf("copy dst: %w", err)
	}
	from, err := v.Bytes(src, n)
	if err != nil {
		return fmt.Errorf("copy src: %w", err)
	}
	copy(to, from)
	return nil
}

// Zero clears n bytes at addr.
func Zero(v VM, addr, n uintptr) error {
	if n == 0 {
		return nil
	}
	b, err := v.Bytes(addr, n)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}

func checkAligned(pageSize, addr, size uintptr) error {
	if addr%pageSize != 0 || size%pageSize != 0 || size == 0 {
		return fmt.Errorf("%w: addr=0x%x size=0x%x", ErrUnaligned, addr, size)
	}
	return nil
}
