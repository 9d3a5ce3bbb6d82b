//go:build !linux

package crashreport

import (
	"errors"
	"fmt"
)

// ReadProcess is a Reader over a live process. It is only implemented on
// Linux.
func ReadProcess(task Task, addr, _ uintptr) ([]byte, error) {
	return nil, fmt.Errorf("read pid %d at 0x%x: %w", task, addr, errors.ErrUnsupported)
}
