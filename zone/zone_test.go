package zone_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/probguard/zone"
)

// bump hands out increasing addresses until limit blocks are live.
type bump struct {
	next  uintptr
	live  map[uintptr]uintptr
	limit int
}

func newBump(limit int) *bump {
	return &bump{next: 0x1000, live: map[uintptr]uintptr{}, limit: limit}
}

func (b *bump) Size(addr uintptr) uintptr { return b.live[addr] }

func (b *bump) Malloc(size uintptr) uintptr {
	if len(b.live) == b.limit {
		return 0
	}
	addr := b.next
	b.next += 0x100
	b.live[addr] = size
	return addr
}

func (b *bump) Calloc(n, size uintptr) uintptr {
	total, ok := zone.CallocSize(n, size)
	if !ok {
		return 0
	}
	return b.Malloc(total)
}

func (b *bump) Valloc(size uintptr) uintptr { return b.Malloc(size) }
func (b *bump) Free(addr uintptr)           { delete(b.live, addr) }
func (b *bump) Destroy()                    {}

func (b *bump) Realloc(addr, size uintptr) uintptr {
	b.Free(addr)
	return b.Malloc(size)
}

type claiming struct{ *bump }

func (c claiming) ClaimedAddress(addr uintptr) bool { return addr >= 0x1000 }

type advertising struct{ *bump }

func (advertising) Optional() zone.Optional {
	return zone.Optional{Memalign: func(_, _ uintptr) uintptr { return 0 }}
}

func TestOptionalOf(t *testing.T) {
	require.Zero(t, zone.OptionalOf(newBump(1)).Count())

	o := zone.OptionalOf(claiming{newBump(1)})
	require.Equal(t, 1, o.Count())
	require.NotNil(t, o.ClaimedAddress)
	require.True(t, o.ClaimedAddress(0x2000))

	o = zone.OptionalOf(advertising{newBump(1)})
	require.Equal(t, 1, o.Count())
	require.NotNil(t, o.Memalign)
}

func TestBatchMalloc_StopsAtFirstFailure(t *testing.T) {
	b := newBump(3)
	results := make([]uintptr, 5)

	n := zone.BatchMalloc(b, 16, results)
	require.Equal(t, 3, n)
	for _, addr := range results[:n] {
		assert.Equal(t, uintptr(16), b.Size(addr))
	}
	assert.Zero(t, results[3])

	zone.BatchFree(b, results[:n])
	assert.Empty(t, b.live)
}

func TestCallocSize(t *testing.T) {
	tests := []struct {
		n, size uintptr
		want    uintptr
		ok      bool
	}{
		{0, 8, 0, true},
		{8, 0, 0, true},
		{4, 16, 64, true},
		{math.MaxUint64 / 2, 3, 0, false},
	}
	for _, tt := range tests {
		got, ok := zone.CallocSize(tt.n, tt.size)
		assert.Equal(t, tt.ok, ok, "%d*%d", tt.n, tt.size)
		assert.Equal(t, tt.want, got, "%d*%d", tt.n, tt.size)
	}
}
