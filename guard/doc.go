// Package guard implements a sampling guard-page allocator.
//
// A Zone wraps another zone and routes a random sample of small allocations
// into a quarantine: a reserved range where every block gets a page of its
// own, flanked by inaccessible guard pages. Overflows off either end of the
// page and any access after free fault immediately, and the zone keeps enough
// bookkeeping (slot table, allocation and deallocation traces) in a
// self-describing memory region for a crash reporter to explain the fault,
// even from another process.
//
// Everything the sample misses goes to the wrapped zone untouched.
//
// Basic usage:
//
//	v, _ := vm.Host()
//	h, err := heap.New(v, heap.Options{})
//	if err != nil {
//	    return err
//	}
//	z, err := guard.New(h, v, guard.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	p := z.Malloc(64)
//	defer z.Free(p)
package guard
