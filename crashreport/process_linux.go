//go:build linux

package crashreport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ReadProcess is a Reader over a live process, task being its pid. It uses
// process_vm_readv, so reads ignore page protection and fail cleanly on
// unmapped ranges instead of faulting the reader.
func ReadProcess(task Task, addr, size uintptr) ([]byte, error) {
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	local := []unix.Iovec{{Base: &out[0]}}
	local[0].SetLen(int(size))
	remote := []unix.RemoteIovec{{Base: addr, Len: int(size)}}
	n, err := unix.ProcessVMReadv(int(task), local, remote, 0)
	if err != nil {
		return nil, fmt.Errorf("process_vm_readv pid %d at 0x%x: %w", task, addr, err)
	}
	if uintptr(n) != size {
		return nil, fmt.Errorf("process_vm_readv pid %d at 0x%x: read %d of %d bytes", task, addr, n, size)
	}
	return out, nil
}
