package guard

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/joshuapare/probguard/internal/format"
	"github.com/joshuapare/probguard/vm"
	"github.com/joshuapare/probguard/zone"
)

// Zone is a guarded allocator in front of a delegate zone. All methods are
// safe for concurrent use.
type Zone struct {
	cfg      Resolved
	vm       vm.VM
	delegate zone.Zone
	optional zone.Optional

	log      *slog.Logger
	debugLog *rate.Sometimes
	now      func() time.Time
	randN    func(uint32) uint32
	onFatal  func(*FatalError)

	// Metadata region: header, slot table and metadata table back to back.
	region     uintptr
	regionSize uintptr
	hdr        header
	q          quarantine
	meta       metaTable

	// mu guards the region contents and the mapping state of slot pages.
	mu sync.Mutex
	// numAllocations mirrors the header count for the lock-free full check.
	numAllocations atomic.Uint32

	samplers  sync.Pool
	sampled   atomic.Uint64
	delegated atomic.Uint64
	destroyed atomic.Bool
}

var _ zone.Zone = (*Zone)(nil)

// New creates a zone in front of delegate, mapping its quarantine and
// metadata region from v.
func New(delegate zone.Zone, v vm.VM, cfg Config) (*Zone, error) {
	r, err := cfg.Resolve(v.PageSize())
	if err != nil {
		return nil, err
	}

	z := &Zone{
		cfg:      r,
		vm:       v,
		delegate: delegate,
		optional: zone.OptionalOf(delegate),
		now:      cfg.Now,
		onFatal:  cfg.OnFatal,
	}
	z.samplers.New = func() any { return new(Sampler) }

	z.log = cfg.Logger
	if z.log == nil {
		z.log = defaultLogger(r.Debug)
	}
	if r.DebugLogThrottle > 0 {
		z.debugLog = &rate.Sometimes{Interval: r.DebugLogThrottle}
	}
	if z.now == nil {
		z.now = time.Now
	}
	z.randN = rand.Uint32N
	if cfg.Rand != nil {
		var mu sync.Mutex
		src := cfg.Rand
		z.randN = func(n uint32) uint32 {
			mu.Lock()
			defer mu.Unlock()
			return src.Uint32N(n)
		}
	}
	if z.onFatal == nil {
		z.onFatal = z.defaultOnFatal
	}

	if err := z.mapRegions(); err != nil {
		return nil, err
	}
	z.debugf("zone created",
		"begin", fmt.Sprintf("0x%x", z.q.begin),
		"slots", r.NumSlots,
		"max_allocations", r.MaxAllocations,
		"max_metadata", r.MaxMetadata,
		"sample_range", r.SampleCounterRange)
	return z, nil
}

func (z *Zone) mapRegions() error {
	ps := z.cfg.PageSize
	qsize := z.cfg.QuarantineSize()
	begin, err := z.vm.Map(qsize, vm.ProtNone)
	if err != nil {
		return fmt.Errorf("guard: map quarantine of %d bytes: %w", qsize, err)
	}
	rsize := format.AlignUp(format.RegionSize(z.cfg.NumSlots, z.cfg.MaxMetadata), ps)
	region, err := z.vm.Map(rsize, vm.ProtReadWrite)
	if err != nil {
		_ = z.vm.Unmap(begin, qsize)
		return fmt.Errorf("guard: map metadata region of %d bytes: %w", rsize, err)
	}
	data, err := z.vm.Bytes(region, rsize)
	if err != nil {
		_ = z.vm.Unmap(region, rsize)
		_ = z.vm.Unmap(begin, qsize)
		return fmt.Errorf("guard: access metadata region: %w", err)
	}

	slotsOff := format.HeaderSize
	metaOff := slotsOff + int(z.cfg.NumSlots)*format.SlotRecordSize
	metaEnd := metaOff + int(z.cfg.MaxMetadata)*format.MetadataRecordSize

	z.region, z.regionSize = region, rsize
	z.hdr = header{buf: data[:format.HeaderSize]}
	z.hdr.init(z.cfg, begin, begin+qsize, region+uintptr(slotsOff), region+uintptr(metaOff))
	z.q = quarantine{
		begin:    begin,
		end:      begin + qsize,
		pageSize: ps,
		numSlots: z.cfg.NumSlots,
		slots:    slotTable(data[slotsOff:metaOff]),
	}
	z.meta = metaTable(data[metaOff:metaEnd])
	return nil
}

func defaultLogger(debug bool) *slog.Logger {
	if debug {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Address returns the address of the zone header, the value a crash reporter
// needs to find this zone in a memory image.
func (z *Zone) Address() uintptr { return z.region }

// Config returns the resolved configuration.
func (z *Zone) Config() Resolved { return z.cfg }

// Quarantine returns the guarded range [begin, end).
func (z *Zone) Quarantine() (begin, end uintptr) { return z.q.begin, z.q.end }

// IsGuarded reports whether addr lies in the quarantine.
func (z *Zone) IsGuarded(addr uintptr) bool { return z.q.isGuarded(addr) }

// Delegate returns the wrapped zone.
func (z *Zone) Delegate() zone.Zone { return z.delegate }

func (z *Zone) fatal(op Op, addr uintptr, msg string) {
	z.onFatal(&FatalError{Op: op, Addr: addr, Msg: msg})
}

func (z *Zone) defaultOnFatal(e *FatalError) {
	z.log.Error("fatal allocator misuse", "op", string(e.Op), "addr", fmt.Sprintf("0x%x", e.Addr), "msg", e.Msg)
	panic(e)
}
