package guard

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/joshuapare/probguard/internal/format"
)

// Defaults applied by DefaultConfig.
const (
	DefaultMemoryBudgetKB     = 2 * 1024
	DefaultSlotMultiplier     = 10
	DefaultMetadataMultiplier = 3
	DefaultSampleRate         = 1000
	DefaultRightAlignPercent  = 50
	DefaultDebugLogThrottle   = time.Second
)

// Upper bounds on table sizes. A reader of a foreign image refuses anything
// larger, so a live zone must never exceed them either.
const (
	MaxSlots    = format.MaxSlots
	MaxMetadata = format.MaxMetadata
)

// Config holds the knobs a zone is created from. Zero numeric fields take
// the defaults listed above. Slots and Metadata, when set, override the
// corresponding multiplier.
type Config struct {
	// MemoryBudgetKB sizes the quarantine when MaxAllocations is zero.
	MemoryBudgetKB uint32

	// MaxAllocations is the hard ceiling on concurrently guarded blocks.
	MaxAllocations uint32

	// SlotMultiplier is the number of slots per allowed allocation.
	SlotMultiplier uint32
	// Slots sets the slot count directly.
	Slots uint32

	// MetadataMultiplier is the number of trace records per allowed allocation.
	MetadataMultiplier uint32
	// Metadata sets the trace record count directly.
	Metadata uint32

	// SampleRate is the average number of eligible allocations between two
	// sampled ones. 1 samples everything.
	SampleRate uint32

	// RightAlignPercent is the chance, in percent, that a block is placed
	// flush against the end of its page rather than the start.
	RightAlignPercent uint32
	// LeftAlignOnly places every block at the start of its page.
	LeftAlignOnly bool

	// Debug enables verbose logging and a full self-check after every mutation.
	Debug bool
	// DebugLogThrottle rate-limits debug logging. Zero logs every event.
	DebugLogThrottle time.Duration

	// Logger receives debug and fatal reports. Defaults to discarding, or to
	// stderr at debug level when Debug is set.
	Logger *slog.Logger

	// Rand drives sampling, slot placement and metadata reuse. It is wrapped
	// in a mutex. Defaults to the runtime's per-thread generator.
	Rand *rand.Rand

	// Now stamps traces. Defaults to time.Now.
	Now func() time.Time

	// OnFatal is called when an invalid pointer reaches free or realloc. The
	// default logs and panics with the *FatalError.
	OnFatal func(*FatalError)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MemoryBudgetKB:     DefaultMemoryBudgetKB,
		SlotMultiplier:     DefaultSlotMultiplier,
		MetadataMultiplier: DefaultMetadataMultiplier,
		SampleRate:         DefaultSampleRate,
		RightAlignPercent:  DefaultRightAlignPercent,
		DebugLogThrottle:   DefaultDebugLogThrottle,
	}
}

// Resolved is the validated, immutable configuration a zone runs with.
type Resolved struct {
	PageSize           uintptr
	MaxAllocations     uint32
	NumSlots           uint32
	MaxMetadata        uint32
	SampleCounterRange uint32
	RightAlignPercent  uint32
	Debug              bool
	DebugLogThrottle   time.Duration
}

// QuarantineSize returns the size of the guarded address range.
func (r Resolved) QuarantineSize() uintptr {
	return quarantineSize(r.NumSlots, r.PageSize)
}

// SampleCounterRange maps a sample rate to the counter range the decider
// draws from. A uniform draw in [0, 2r-1) followed by that many skipped calls
// gives an average interval of exactly r calls.
func SampleCounterRange(rate uint32) uint32 {
	if rate <= 1 {
		return 1
	}
	return 2*rate - 1
}

// Resolve fills in defaults, derives the table sizes for pageSize and checks
// that they are consistent.
func (c Config) Resolve(pageSize uintptr) (Resolved, error) {
	if !format.IsPowerOfTwo(pageSize) || pageSize < 2*format.BlockAlignment || pageSize > math.MaxUint32 {
		return Resolved{}, &ConfigError{Field: "page size", Msg: fmt.Sprintf("%d is not a usable page size", pageSize)}
	}
	d := DefaultConfig()
	if c.MemoryBudgetKB == 0 {
		c.MemoryBudgetKB = d.MemoryBudgetKB
	}
	if c.SlotMultiplier == 0 {
		c.SlotMultiplier = d.SlotMultiplier
	}
	if c.MetadataMultiplier == 0 {
		c.MetadataMultiplier = d.MetadataMultiplier
	}
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	if c.SampleRate > math.MaxUint32/2 {
		return Resolved{}, &ConfigError{Field: "sample rate", Msg: fmt.Sprintf("%d is too large", c.SampleRate)}
	}
	if c.RightAlignPercent == 0 {
		c.RightAlignPercent = d.RightAlignPercent
	}
	if c.LeftAlignOnly {
		c.RightAlignPercent = 0
	}
	if c.RightAlignPercent > 100 {
		return Resolved{}, &ConfigError{Field: "right align percent", Msg: fmt.Sprintf("%d > 100", c.RightAlignPercent)}
	}

	r := Resolved{
		PageSize:           pageSize,
		MaxAllocations:     c.MaxAllocations,
		SampleCounterRange: SampleCounterRange(c.SampleRate),
		RightAlignPercent:  c.RightAlignPercent,
		Debug:              c.Debug,
		DebugLogThrottle:   c.DebugLogThrottle,
	}
	if r.MaxAllocations == 0 {
		perAllocation := uint64(c.SlotMultiplier)*2*uint64(pageSize) +
			uint64(c.MetadataMultiplier)*format.MetadataRecordSize
		r.MaxAllocations = uint32(min(uint64(c.MemoryBudgetKB)*1024/perAllocation, MaxSlots))
		if r.MaxAllocations == 0 {
			return Resolved{}, &ConfigError{
				Field: "memory budget",
				Msg:   fmt.Sprintf("%d KB cannot hold a single guarded allocation", c.MemoryBudgetKB),
			}
		}
	}
	r.NumSlots = c.Slots
	if r.NumSlots == 0 {
		r.NumSlots = uint32(min(uint64(c.SlotMultiplier)*uint64(r.MaxAllocations), math.MaxUint32))
	}
	r.MaxMetadata = c.Metadata
	if r.MaxMetadata == 0 {
		r.MaxMetadata = uint32(min(uint64(c.MetadataMultiplier)*uint64(r.MaxAllocations), math.MaxUint32))
	}
	if err := r.validate(); err != nil {
		return Resolved{}, err
	}
	return r, nil
}

func (r Resolved) validate() error {
	switch {
	case r.MaxAllocations == 0:
		return &ConfigError{Field: "allocations", Msg: "must be positive"}
	case r.MaxAllocations > r.MaxMetadata/2:
		return &ConfigError{
			Field: "metadata",
			Msg:   fmt.Sprintf("%d records cannot back %d allocations (need at least twice as many)", r.MaxMetadata, r.MaxAllocations),
		}
	case r.MaxMetadata/2 > r.NumSlots:
		return &ConfigError{
			Field: "slots",
			Msg:   fmt.Sprintf("%d slots is fewer than half of %d metadata records", r.NumSlots, r.MaxMetadata),
		}
	case r.NumSlots > MaxSlots:
		return &ConfigError{Field: "slots", Msg: fmt.Sprintf("%d exceeds the limit of %d", r.NumSlots, MaxSlots)}
	case r.MaxMetadata > MaxMetadata:
		return &ConfigError{Field: "metadata", Msg: fmt.Sprintf("%d exceeds the limit of %d", r.MaxMetadata, MaxMetadata)}
	}
	if r.QuarantineSize()/r.PageSize != 2*uintptr(r.NumSlots)+1 {
		return &ConfigError{Field: "slots", Msg: "quarantine size overflows the address space"}
	}
	return nil
}
