package guard

import (
	"github.com/joshuapare/probguard/internal/format"
	"github.com/joshuapare/probguard/internal/stacktrace"
)

// traceSkip drops captureTrace and the allocator internals below the zone
// entry point from recorded stacks.
const traceSkip = 2

func (z *Zone) recordAlloc(m meta) {
	n := stacktrace.Capture(m.traceBuffer(), traceSkip)
	m.setAlloc(stacktrace.ThreadID(), z.now().UnixNano(), n)
}

// recordDealloc first cuts a long alloc trace back to a whole frame within the
// first half of the buffer, then writes the dealloc trace right after it.
func (z *Zone) recordDealloc(m meta) {
	if n := m.allocTraceSize(); n > format.TraceBufferSize/2 {
		m.setAllocTraceSize(stacktrace.Truncate(m.allocTrace(), format.TraceBufferSize/2))
	}
	off := m.deallocTraceOffset()
	n := stacktrace.Capture(m.traceBuffer()[off:], traceSkip)
	m.setDealloc(stacktrace.ThreadID(), z.now().UnixNano(), n)
}
