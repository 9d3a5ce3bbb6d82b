package guard

import (
	"fmt"
	"strings"
	"time"

	"github.com/joshuapare/probguard/internal/format"
	"github.com/joshuapare/probguard/internal/stacktrace"
)

// ErrorType names the kind of memory error a fault most likely was.
type ErrorType string

const (
	ErrorLongRangeOOB ErrorType = "long-range OOB"
	ErrorOOB          ErrorType = "OOB"
	ErrorUseAfterFree ErrorType = "use-after-free"
	ErrorOOBAndUAF    ErrorType = "OOB + use-after-free"
	ErrorUnknown      ErrorType = "unknown"
)

// Confidence grades a diagnosis.
type Confidence string

const (
	ConfidenceLow  Confidence = "low"
	ConfidenceHigh Confidence = "high"
)

// TraceKind says which event a trace was recorded at.
type TraceKind string

const (
	TraceAllocated   TraceKind = "allocated"
	TraceDeallocated TraceKind = "deallocated"
)

// Frame is a symbolized stack frame.
type Frame = stacktrace.Frame

// Trace is a stack recorded when a block was allocated or freed.
type Trace struct {
	Kind     TraceKind `json:"kind"`
	ThreadID uint64    `json:"thread_id"`
	Time     time.Time `json:"time"`
	// Frames are raw program counters, innermost first.
	Frames []uint64 `json:"frames"`
	// Truncated is set when the recorded bytes did not decode cleanly; Frames
	// then holds what decoded before the damage.
	Truncated bool `json:"truncated,omitempty"`
}

// Symbolize resolves the trace's frames. Only traces recorded by this process
// resolve to names.
func (t Trace) Symbolize() []Frame {
	return stacktrace.Symbolize(t.Frames)
}

// Report explains a fault inside a zone's quarantine.
type Report struct {
	FaultAddr  uintptr    `json:"fault_addr"`
	Slot       uint32     `json:"slot"`
	SlotState  SlotState  `json:"slot_state"`
	BlockAddr  uintptr    `json:"block_addr"`
	BlockSize  uintptr    `json:"block_size"`
	Bounds     string     `json:"bounds"`
	ErrorType  ErrorType  `json:"error_type"`
	Confidence Confidence `json:"confidence"`
	// Traces holds zero to two traces: allocation, then deallocation.
	Traces []Trace `json:"traces,omitempty"`
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (confidence %s) at 0x%x\n", r.ErrorType, r.Confidence, r.FaultAddr)
	fmt.Fprintf(&b, "nearest block: slot %d, %s, 0x%x size %d, fault %s\n",
		r.Slot, r.SlotState, r.BlockAddr, r.BlockSize, r.Bounds)
	for _, t := range r.Traces {
		fmt.Fprintf(&b, "%s by thread %d at %s, %d frames\n",
			t.Kind, t.ThreadID, t.Time.UTC().Format(time.RFC3339Nano), len(t.Frames))
	}
	return b.String()
}

// DiagnosePageFault classifies a fault at addr inside the zone.
func (z *Zone) DiagnosePageFault(addr uintptr) (*Report, error) {
	s, err := z.Snapshot()
	if err != nil {
		return nil, err
	}
	return s.DiagnosePageFault(addr)
}

// DiagnosePageFault classifies a fault at addr against the snapshot. The
// nearest slot decides:
//
//	unused                         long-range OOB        low
//	allocated, fault on guard page OOB                   high
//	freed, fault inside old block  use-after-free        high
//	freed, fault elsewhere         OOB + use-after-free  low
//	anything else                  unknown               low
func (s *Snapshot) DiagnosePageFault(addr uintptr) (*Report, error) {
	if !s.q.isGuarded(addr) {
		return nil, fmt.Errorf("%w: 0x%x not in [0x%x, 0x%x)", ErrNotInQuarantine, addr, s.q.begin, s.q.end)
	}
	l := s.q.lookupSlot(addr)
	rec := s.q.slots.at(l.slot)
	r := &Report{
		FaultAddr: addr,
		Slot:      l.slot,
		SlotState: SlotState(rec.state()),
		Bounds:    l.bounds.String(),
	}
	if r.SlotState == SlotUnused {
		r.ErrorType, r.Confidence = ErrorLongRangeOOB, ConfidenceLow
		return r, nil
	}
	r.BlockAddr = s.q.blockAddr(l.slot)
	r.BlockSize = rec.size()

	inBlock := l.bounds == boundsBlockAddr || l.bounds == boundsValid
	switch {
	case r.SlotState == SlotAllocated && l.bounds == boundsOOBGuardPage:
		r.ErrorType, r.Confidence = ErrorOOB, ConfidenceHigh
	case r.SlotState == SlotFreed && inBlock:
		r.ErrorType, r.Confidence = ErrorUseAfterFree, ConfidenceHigh
	case r.SlotState == SlotFreed:
		r.ErrorType, r.Confidence = ErrorOOBAndUAF, ConfidenceLow
	default:
		r.ErrorType, r.Confidence = ErrorUnknown, ConfidenceLow
	}
	r.Traces = s.traces(l.slot)
	return r, nil
}

// traces returns the recorded traces for slot, provided its metadata record
// has not since been recycled for another slot.
func (s *Snapshot) traces(slot uint32) []Trace {
	rec := s.q.slots.at(slot)
	if rec.metadata() >= s.meta.len() {
		return nil
	}
	m := s.meta.at(rec.metadata())
	if m.slot() != slot {
		return nil
	}
	out := []Trace{decodeTrace(TraceAllocated, m.allocThread(), m.allocTime(), m.allocTrace())}
	if rec.state() == format.SlotFreed {
		out = append(out, decodeTrace(TraceDeallocated, m.deallocThread(), m.deallocTime(), m.deallocTrace()))
	}
	return out
}

func decodeTrace(kind TraceKind, thread uint64, nanos int64, raw []byte) Trace {
	frames, err := stacktrace.Decode(raw)
	return Trace{
		Kind:      kind,
		ThreadID:  thread,
		Time:      time.Unix(0, nanos),
		Frames:    frames,
		Truncated: err != nil,
	}
}
