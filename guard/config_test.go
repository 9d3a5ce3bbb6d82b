package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolve_Defaults(t *testing.T) {
	r, err := DefaultConfig().Resolve(4096)
	require.NoError(t, err)
	// 2 MiB / (10 slots * 2 pages * 4 KiB + 3 records * 256 B)
	require.Equal(t, uint32(25), r.MaxAllocations)
	require.Equal(t, uint32(250), r.NumSlots)
	require.Equal(t, uint32(75), r.MaxMetadata)
	require.Equal(t, uint32(1999), r.SampleCounterRange)
	require.Equal(t, uint32(50), r.RightAlignPercent)
	require.Equal(t, time.Second, r.DebugLogThrottle)
	require.Equal(t, uintptr(501*4096), r.QuarantineSize())

	r, err = DefaultConfig().Resolve(16384)
	require.NoError(t, err)
	require.Equal(t, uint32(6), r.MaxAllocations)
	require.Equal(t, uint32(60), r.NumSlots)
	require.Equal(t, uint32(18), r.MaxMetadata)
}

func TestResolve_ExplicitCounts(t *testing.T) {
	r, err := Config{MaxAllocations: 3, Slots: 7, Metadata: 6, SampleRate: 1}.Resolve(4096)
	require.NoError(t, err)
	require.Equal(t, uint32(3), r.MaxAllocations)
	require.Equal(t, uint32(7), r.NumSlots)
	require.Equal(t, uint32(6), r.MaxMetadata)
	require.Equal(t, uint32(1), r.SampleCounterRange)
}

func TestResolve_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		cfg   Config
		page  uintptr
		field string
	}{
		{"page not power of two", Config{}, 1000, "page size"},
		{"page too small", Config{}, 16, "page size"},
		{"budget too small", Config{MemoryBudgetKB: 1}, 4096, "memory budget"},
		{"metadata below twice allocations", Config{MaxAllocations: 10, Metadata: 10}, 4096, "metadata"},
		{"slots below half metadata", Config{MaxAllocations: 2, Metadata: 10, Slots: 4}, 4096, "slots"},
		{"slots over limit", Config{MaxAllocations: 2, Slots: MaxSlots + 1}, 4096, "slots"},
		{"sample rate too large", Config{SampleRate: 1 << 31}, 4096, "sample rate"},
		{"right align percent", Config{RightAlignPercent: 101}, 4096, "right align percent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.cfg.Resolve(tc.page)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			require.Equal(t, tc.field, ce.Field)
		})
	}
}

func TestSampleCounterRange(t *testing.T) {
	require.Equal(t, uint32(1), SampleCounterRange(0))
	require.Equal(t, uint32(1), SampleCounterRange(1))
	require.Equal(t, uint32(3), SampleCounterRange(2))
	require.Equal(t, uint32(1999), SampleCounterRange(1000))
}

func TestConfigFromEnv(t *testing.T) {
	env := map[string]string{
		EnvMemoryBudgetKB:    "4096",
		EnvAllocations:       "8",
		EnvSlots:             "100",
		EnvMetadata:          "20",
		EnvSampleRate:        "50",
		EnvRightAlignPercent: "0",
		EnvDebug:             "1",
		EnvDebugLogThrottle:  "250",
	}
	cfg, err := ConfigFromEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.NoError(t, err)
	require.Equal(t, uint32(4096), cfg.MemoryBudgetKB)
	require.Equal(t, uint32(8), cfg.MaxAllocations)
	require.Equal(t, uint32(100), cfg.Slots)
	require.Equal(t, uint32(20), cfg.Metadata)
	require.Equal(t, uint32(50), cfg.SampleRate)
	require.Zero(t, cfg.RightAlignPercent)
	require.True(t, cfg.LeftAlignOnly)
	require.True(t, cfg.Debug)
	require.Equal(t, 250*time.Millisecond, cfg.DebugLogThrottle)
	require.Equal(t, uint32(DefaultSlotMultiplier), cfg.SlotMultiplier)

	r, err := cfg.Resolve(4096)
	require.NoError(t, err)
	require.Equal(t, uint32(99), r.SampleCounterRange)
	require.Zero(t, r.RightAlignPercent)
}

func TestResolve_RightAlignDefaultsForLiterals(t *testing.T) {
	r, err := Config{MaxAllocations: 1, Slots: 1, Metadata: 2}.Resolve(4096)
	require.NoError(t, err)
	require.Equal(t, uint32(DefaultRightAlignPercent), r.RightAlignPercent)

	r, err = Config{MaxAllocations: 1, Slots: 1, Metadata: 2, RightAlignPercent: 100}.Resolve(4096)
	require.NoError(t, err)
	require.Equal(t, uint32(100), r.RightAlignPercent)

	r, err = Config{MaxAllocations: 1, Slots: 1, Metadata: 2, RightAlignPercent: 100, LeftAlignOnly: true}.Resolve(4096)
	require.NoError(t, err)
	require.Zero(t, r.RightAlignPercent)
}

func TestConfigFromEnv_Malformed(t *testing.T) {
	_, err := ConfigFromEnv(func(k string) (string, bool) {
		if k == EnvSampleRate {
			return "often", true
		}
		return "", false
	})
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, EnvSampleRate, ce.Field)
}
