//go:build !linux && !darwin

package vm

import "errors"

// Host returns the VM backing real allocations on this platform. Platforms
// without mmap/mprotect have none; use NewSim instead.
func Host() (VM, error) {
	return nil, errors.New("vm: no host VM on this platform")
}
