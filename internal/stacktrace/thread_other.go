//go:build !linux

package stacktrace

// ThreadID returns 0 where the OS thread id is not exposed to Go.
func ThreadID() uint64 {
	return 0
}
