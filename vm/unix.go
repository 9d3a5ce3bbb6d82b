//go:build linux || darwin

package vm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Unix is the host VM: anonymous private mappings managed with mmap,
// mprotect and madvise.
type Unix struct {
	pageSize uintptr
}

// NewUnix returns the host VM.
func NewUnix() *Unix {
	return &Unix{pageSize: uintptr(unix.Getpagesize())}
}

// Host returns the VM backing real allocations on this platform.
func Host() (VM, error) {
	return NewUnix(), nil
}

// PageSize implements VM.
func (u *Unix) PageSize() uintptr { return u.pageSize }

// Map implements VM.
func (u *Unix) Map(size uintptr, prot Prot) (uintptr, error) {
	if err := checkAligned(u.pageSize, 0, size); err != nil {
		return 0, err
	}
	p, err := unix.MmapPtr(-1, 0, nil, size, unixProt(prot), unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("vm: mmap %d bytes: %w", size, err)
	}
	return uintptr(p), nil
}

// MapFixed implements VM.
func (u *Unix) MapFixed(addr, size uintptr, prot Prot) error {
	if err := checkAligned(u.pageSize, addr, size); err != nil {
		return err
	}
	_, err := unix.MmapPtr(-1, 0, ptr(addr), size, unixProt(prot),
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED)
	if err != nil {
		return fmt.Errorf("vm: mmap fixed at 0x%x: %w", addr, err)
	}
	return nil
}

// Unmap implements VM.
func (u *Unix) Unmap(addr, size uintptr) error {
	if err := checkAligned(u.pageSize, addr, size); err != nil {
		return err
	}
	if err := unix.MunmapPtr(ptr(addr), size); err != nil {
		return fmt.Errorf("vm: munmap 0x%x: %w", addr, err)
	}
	return nil
}

// Protect implements VM.
func (u *Unix) Protect(addr, size uintptr, prot Prot) error {
	if err := checkAligned(u.pageSize, addr, size); err != nil {
		return err
	}
	if err := unix.Mprotect(view(addr, size), unixProt(prot)); err != nil {
		return fmt.Errorf("vm: mprotect 0x%x: %w", addr, err)
	}
	return nil
}

// AdviseReuse implements VM.
func (u *Unix) AdviseReuse(addr, size uintptr) error {
	if err := checkAligned(u.pageSize, addr, size); err != nil {
		return err
	}
	if err := unix.Madvise(view(addr, size), unix.MADV_FREE); err != nil {
		return fmt.Errorf("vm: madvise 0x%x: %w", addr, err)
	}
	return nil
}

// Bytes implements VM. The host cannot validate the range; callers pass only
// ranges they mapped.
func (u *Unix) Bytes(addr, size uintptr) ([]byte, error) {
	if addr == 0 {
		return nil, fmt.Errorf("%w: nil address", ErrNotMapped)
	}
	return view(addr, size), nil
}

func unixProt(p Prot) int {
	prot := unix.PROT_NONE
	if p&ProtRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	return prot
}

//go:nocheckptr
func ptr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet // addresses come from mmap, outside the Go heap
}

func view(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(ptr(addr)), size)
}
