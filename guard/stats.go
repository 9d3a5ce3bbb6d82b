package guard

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Stats is a point-in-time view of a zone's counters.
type Stats struct {
	NumAllocations uint32 `json:"num_allocations"`
	MaxAllocations uint32 `json:"max_allocations"`
	NumSlots       uint32 `json:"num_slots"`
	NumMetadata    uint32 `json:"num_metadata"`
	MaxMetadata    uint32 `json:"max_metadata"`
	SizeInUse      uint64 `json:"size_in_use"`
	MaxSizeInUse   uint64 `json:"max_size_in_use"`
	// Sampled counts allocations served from the quarantine.
	Sampled uint64 `json:"sampled"`
	// Delegated counts allocations forwarded to the wrapped zone.
	Delegated uint64 `json:"delegated"`
}

// Stats snapshots the zone's counters.
func (z *Zone) Stats() Stats {
	z.mu.Lock()
	st := Stats{
		NumAllocations: z.hdr.numAllocations(),
		MaxAllocations: z.cfg.MaxAllocations,
		NumSlots:       z.cfg.NumSlots,
		NumMetadata:    z.hdr.numMetadata(),
		MaxMetadata:    z.cfg.MaxMetadata,
		SizeInUse:      z.hdr.sizeInUse(),
		MaxSizeInUse:   z.hdr.maxSizeInUse(),
	}
	z.mu.Unlock()
	st.Sampled = z.sampled.Load()
	st.Delegated = z.delegated.Load()
	return st
}

var statsPrinter = message.NewPrinter(language.English)

// String renders the stats for humans, with digit grouping.
func (s Stats) String() string {
	return statsPrinter.Sprintf(
		"allocations %d/%d, slots %d, metadata %d/%d, in use %d bytes (peak %d), sampled %d, delegated %d",
		s.NumAllocations, s.MaxAllocations, s.NumSlots, s.NumMetadata, s.MaxMetadata,
		s.SizeInUse, s.MaxSizeInUse, s.Sampled, s.Delegated)
}
