// Package crashreport lets a crash reporter explain a fault in a process that
// used a guard zone. Given the fault address, the addresses of the process's
// zones and a way to read its memory, ExtractReport finds the probguard zone
// whose quarantine holds the fault and diagnoses it.
//
// Memory can come from a live task (ReadProcess), from this process's own
// VM (VMReader), or from a corpse file written earlier by WriteCorpse.
package crashreport

import (
	"errors"
	"fmt"

	"github.com/joshuapare/probguard/guard"
	"github.com/joshuapare/probguard/vm"
)

var (
	// ErrNotThisZone means no zone at the given addresses is a probguard zone
	// whose quarantine contains the fault.
	ErrNotThisZone = errors.New("crashreport: fault not in any probguard zone")

	// ErrReadFailure means the reader could not supply memory the report
	// depends on. It is the same sentinel guard.LoadSnapshot wraps.
	ErrReadFailure = guard.ErrReadFailure
)

// Task identifies the address space a Reader reads from, typically a pid.
// Readers not tied to a live process ignore it.
type Task int

// Reader reads size bytes at addr from task's address space.
type Reader func(task Task, addr, size uintptr) ([]byte, error)

func (r Reader) bind(task Task) guard.MemoryReader {
	return func(addr, size uintptr) ([]byte, error) {
		return r(task, addr, size)
	}
}

// ExtractReport diagnoses a fault at faultAddr in task. Each address in
// zoneAddrs is searched in order; zones of another type and zones whose
// quarantine does not contain the fault are skipped. A reader failure or a
// probguard zone that fails validation stops the search with an error.
func ExtractReport(faultAddr uintptr, task Task, zoneAddrs []uintptr, read Reader) (*guard.Report, error) {
	mem := read.bind(task)
	for _, addr := range zoneAddrs {
		snap, err := guard.LoadSnapshot(mem, addr)
		if errors.Is(err, guard.ErrNotGuardZone) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("crashreport: zone at 0x%x: %w", addr, err)
		}
		if !snap.Contains(faultAddr) {
			continue
		}
		return snap.DiagnosePageFault(faultAddr)
	}
	return nil, fmt.Errorf("%w: 0x%x", ErrNotThisZone, faultAddr)
}

// LoadSnapshots reads every probguard zone among zoneAddrs, skipping zones of
// other types.
func LoadSnapshots(task Task, zoneAddrs []uintptr, read Reader) ([]*guard.Snapshot, error) {
	mem := read.bind(task)
	var out []*guard.Snapshot
	for _, addr := range zoneAddrs {
		snap, err := guard.LoadSnapshot(mem, addr)
		if errors.Is(err, guard.ErrNotGuardZone) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("crashreport: zone at 0x%x: %w", addr, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// VMReader reads from v regardless of page protection. Use it to inspect a
// zone in the same process, or a simulated one.
func VMReader(v vm.VM) Reader {
	return func(_ Task, addr, size uintptr) ([]byte, error) {
		b, err := v.Bytes(addr, size)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), b...), nil
	}
}
