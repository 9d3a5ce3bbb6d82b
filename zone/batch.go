package zone

// Batcher is implemented by zones with their own batch entry points.
type Batcher interface {
	BatchMalloc(size uintptr, results []uintptr) int
	BatchFree(addrs []uintptr)
}

// BatchMalloc fills results with blocks of size bytes and returns how many it
// allocated. It stops at the first failure.
func BatchMalloc(z Zone, size uintptr, results []uintptr) int {
	if b, ok := z.(Batcher); ok {
		return b.BatchMalloc(size, results)
	}
	for i := range results {
		addr := z.Malloc(size)
		if addr == 0 {
			return i
		}
		results[i] = addr
	}
	return len(results)
}

// BatchFree frees every block in addrs.
func BatchFree(z Zone, addrs []uintptr) {
	if b, ok := z.(Batcher); ok {
		b.BatchFree(addrs)
		return
	}
	for _, addr := range addrs {
		z.Free(addr)
	}
}

// CallocSize returns n*size, or ok=false when the product overflows.
func CallocSize(n, size uintptr) (uintptr, bool) {
	if n == 0 || size == 0 {
		return 0, true
	}
	total := n * size
	if total/n != size {
		return 0, false
	}
	return total, true
}
