package vm

import (
	"fmt"
	"sort"
	"sync"
)

// Sim is a simulated address space. Mappings are backed by Go byte slices and
// each page carries its own protection, so loads and stores through Load and
// Store report a *Fault where the host would raise SIGSEGV.
//
// Sim is safe for concurrent use.
type Sim struct {
	mu       sync.Mutex
	pageSize uintptr
	next     uintptr
	regions  []*simRegion // sorted by base
}

type simRegion struct {
	base uintptr
	data []byte
	prot []Prot // one per page
}

func (r *simRegion) end() uintptr { return r.base + uintptr(len(r.data)) }

// NewSim returns a simulated VM whose first Map returns base. Later mappings
// follow at increasing addresses with one unmapped page between them.
func NewSim(pageSize, base uintptr) *Sim {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		panic(fmt.Sprintf("vm: page size %d is not a power of two", pageSize))
	}
	if base%pageSize != 0 {
		panic(fmt.Sprintf("vm: base 0x%x is not page aligned", base))
	}
	return &Sim{pageSize: pageSize, next: base}
}

// PageSize implements VM.
func (s *Sim) PageSize() uintptr { return s.pageSize }

// Map implements VM.
func (s *Sim) Map(size uintptr, prot Prot) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkAligned(s.pageSize, s.next, size); err != nil {
		return 0, err
	}
	addr := s.next
	s.insert(addr, size, prot)
	s.next = addr + size + s.pageSize
	return addr, nil
}

// MapFixed implements VM. A range inside an existing region is re-mapped in
// place (contents zeroed); a range touching no region creates a new one.
func (s *Sim) MapFixed(addr, size uintptr, prot Prot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkAligned(s.pageSize, addr, size); err != nil {
		return err
	}
	if r := s.find(addr, size); r != nil {
		off := addr - r.base
		clear(r.data[off : off+size])
		s.setProt(r, addr, size, prot)
		return nil
	}
	for _, r := range s.regions {
		if addr < r.end() && r.base < addr+size {
			return fmt.Errorf("%w: [0x%x, 0x%x)", ErrOverlap, addr, addr+size)
		}
	}
	s.insert(addr, size, prot)
	if end := addr + size + s.pageSize; end > s.next {
		s.next = end
	}
	return nil
}

// Unmap implements VM. Only whole regions can be unmapped.
func (s *Sim) Unmap(addr, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.regions {
		if r.base == addr && uintptr(len(r.data)) == size {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: unmap [0x%x, 0x%x)", ErrNotMapped, addr, addr+size)
}

// Protect implements VM.
func (s *Sim) Protect(addr, size uintptr, prot Prot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkAligned(s.pageSize, addr, size); err != nil {
		return err
	}
	r := s.find(addr, size)
	if r == nil {
		return fmt.Errorf("%w: protect [0x%x, 0x%x)", ErrNotMapped, addr, addr+size)
	}
	s.setProt(r, addr, size, prot)
	return nil
}

// AdviseReuse implements VM. The simulation discards contents eagerly.
func (s *Sim) AdviseReuse(addr, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkAligned(s.pageSize, addr, size); err != nil {
		return err
	}
	r := s.find(addr, size)
	if r == nil {
		return fmt.Errorf("%w: advise [0x%x, 0x%x)", ErrNotMapped, addr, addr+size)
	}
	off := addr - r.base
	clear(r.data[off : off+size])
	return nil
}

// Bytes implements VM.
func (s *Sim) Bytes(addr, size uintptr) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(addr, size)
	if r == nil {
		return nil, fmt.Errorf("%w: [0x%x, 0x%x)", ErrNotMapped, addr, addr+size)
	}
	off := addr - r.base
	return r.data[off : off+size : off+size], nil
}

// ProtAt returns the protection of the page holding addr.
func (s *Sim) ProtAt(addr uintptr) (Prot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(addr, 1)
	if r == nil {
		return ProtNone, false
	}
	return r.prot[(addr-r.base)/s.pageSize], true
}

// Load performs a checked read of n bytes, honoring page protection.
func (s *Sim) Load(addr, n uintptr) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.access(addr, n, ProtRead); err != nil {
		return nil, err
	}
	r := s.find(addr, n)
	off := addr - r.base
	return append([]byte(nil), r.data[off:off+n]...), nil
}

// Store performs a checked write, honoring page protection.
func (s *Sim) Store(addr uintptr, p []byte) error {
	n := uintptr(len(p))
	if n == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.access(addr, n, ProtWrite); err != nil {
		return err
	}
	r := s.find(addr, n)
	copy(r.data[addr-r.base:], p)
	return nil
}

// ReadMemory reads mapped memory regardless of protection, the way a debugger
// reads a suspended task. It matches the crash reporter's reader signature.
func (s *Sim) ReadMemory(addr, size uintptr) ([]byte, error) {
	b, err := s.Bytes(addr, size)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// access reports the first faulting byte of [addr, addr+n) for the wanted
// protection.
func (s *Sim) access(addr, n uintptr, want Prot) error {
	write := want&ProtWrite != 0
	for p := addr; p < addr+n; {
		r := s.find(p, 1)
		if r == nil {
			return &Fault{Addr: p, Write: write}
		}
		page := (p - r.base) / s.pageSize
		if r.prot[page]&want != want {
			return &Fault{Addr: p, Write: write}
		}
		p = r.base + (page+1)*s.pageSize
	}
	return nil
}

func (s *Sim) insert(addr, size uintptr, prot Prot) {
	r := &simRegion{
		base: addr,
		data: make([]byte, size),
		prot: make([]Prot, size/s.pageSize),
	}
	for i := range r.prot {
		r.prot[i] = prot
	}
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].base > addr })
	s.regions = append(s.regions, nil)
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = r
}

// find returns the region containing all of [addr, addr+size), or nil.
func (s *Sim) find(addr, size uintptr) *simRegion {
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].base > addr })
	if i == 0 {
		return nil
	}
	r := s.regions[i-1]
	if addr+size < addr || addr+size > r.end() {
		return nil
	}
	return r
}

func (s *Sim) setProt(r *simRegion, addr, size uintptr, prot Prot) {
	first := (addr - r.base) / s.pageSize
	for i := first; i < first+size/s.pageSize; i++ {
		r.prot[i] = prot
	}
}
