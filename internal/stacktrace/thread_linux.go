//go:build linux

package stacktrace

import "golang.org/x/sys/unix"

// ThreadID returns the kernel id of the OS thread running the caller.
func ThreadID() uint64 {
	return uint64(unix.Gettid())
}
