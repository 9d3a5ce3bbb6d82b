package guard

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSampler_Countdown(t *testing.T) {
	draws := []uint32{3, 0, 1}
	randN := func(n uint32) uint32 {
		require.Equal(t, uint32(9), n)
		d := draws[0]
		draws = draws[1:]
		return d
	}

	var s Sampler
	var got []bool
	for range 7 {
		got = append(got, s.next(9, randN))
	}
	// draw 3: three skips then a sample; draw 0: sample now; draw 1: one skip.
	require.Equal(t, []bool{false, false, false, true, true, false, true}, got)
	require.Empty(t, draws)
}

func TestSampler_Disabled(t *testing.T) {
	var s Sampler
	s.SetSamplingDisabled(true)
	require.True(t, s.SamplingDisabled())
	never := func(uint32) uint32 { t.Fatal("disabled sampler drew a number"); return 0 }
	for range 100 {
		require.False(t, s.next(1, never))
	}

	s.SetSamplingDisabled(false)
	require.False(t, s.SamplingDisabled())
	require.True(t, s.next(1, func(uint32) uint32 { return 0 }))
}

func TestSampler_Fairness(t *testing.T) {
	r := rand.New(rand.NewPCG(42, 7))
	for _, rate := range []uint32{1, 10, 100} {
		var s Sampler
		const calls = 400000
		sampled := 0
		for range calls {
			if s.next(SampleCounterRange(rate), r.Uint32N) {
				sampled++
			}
		}
		got := float64(sampled) / calls
		require.InEpsilon(t, 1/float64(rate), got, 0.05, "rate %d", rate)
	}
}

func TestShouldSample(t *testing.T) {
	z, _ := newTestZone(t, testConfig())
	var s Sampler

	require.False(t, z.ShouldSample(&s, testPage+1), "larger than a page")
	require.True(t, z.ShouldSample(&s, testPage))

	a := z.Malloc(8)
	b := z.Malloc(8)
	require.True(t, z.IsGuarded(a) && z.IsGuarded(b))
	require.False(t, z.ShouldSample(&s, 8), "quarantine full")

	z.Free(a)
	require.True(t, z.ShouldSample(&s, 8))
}

func TestBind_PerSamplerOptOut(t *testing.T) {
	z, _ := newTestZone(t, testConfig())
	var s Sampler
	s.SetSamplingDisabled(true)
	b := z.Bind(&s)

	addr := b.Malloc(64)
	require.NotZero(t, addr)
	require.False(t, z.IsGuarded(addr))
	b.Free(addr)

	s.SetSamplingDisabled(false)
	addr = b.Malloc(64)
	require.True(t, z.IsGuarded(addr))
	b.Free(addr)
	require.Same(t, &s, b.Sampler())
}
