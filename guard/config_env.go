package guard

import (
	"os"
	"strconv"
	"time"
)

// Environment keys read by ConfigFromEnv. Each maps onto one Config field.
const (
	EnvMemoryBudgetKB     = "MallocProbGuardMemoryBudgetInKB"
	EnvAllocations        = "MallocProbGuardAllocations"
	EnvSlots              = "MallocProbGuardSlots"
	EnvSlotMultiplier     = "MallocProbGuardSlotMultiplier"
	EnvMetadata           = "MallocProbGuardMetadata"
	EnvMetadataMultiplier = "MallocProbGuardMetadataMultiplier"
	EnvSampleRate         = "MallocProbGuardSampleRate"
	EnvRightAlignPercent  = "MallocProbGuardRightAlignPercent"
	EnvDebug              = "MallocProbGuardDebug"
	EnvDebugLogThrottle   = "MallocProbGuardDebugLogThrottleInMillis"
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ConfigFromEnv starts from DefaultConfig and applies every key lookup finds.
// A nil lookup reads the process environment.
func ConfigFromEnv(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := DefaultConfig()
	uints := []struct {
		key string
		dst *uint32
	}{
		{EnvMemoryBudgetKB, &cfg.MemoryBudgetKB},
		{EnvAllocations, &cfg.MaxAllocations},
		{EnvSlots, &cfg.Slots},
		{EnvSlotMultiplier, &cfg.SlotMultiplier},
		{EnvMetadata, &cfg.Metadata},
		{EnvMetadataMultiplier, &cfg.MetadataMultiplier},
		{EnvSampleRate, &cfg.SampleRate},
	}
	for _, u := range uints {
		s, ok := lookup(u.key)
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return Config{}, &ConfigError{Field: u.key, Msg: err.Error()}
		}
		*u.dst = uint32(v)
	}
	if s, ok := lookup(EnvRightAlignPercent); ok {
		pct, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return Config{}, &ConfigError{Field: EnvRightAlignPercent, Msg: err.Error()}
		}
		cfg.RightAlignPercent = uint32(pct)
		cfg.LeftAlignOnly = pct == 0
	}
	if s, ok := lookup(EnvDebug); ok {
		d, err := strconv.ParseBool(s)
		if err != nil {
			return Config{}, &ConfigError{Field: EnvDebug, Msg: err.Error()}
		}
		cfg.Debug = d
	}
	if s, ok := lookup(EnvDebugLogThrottle); ok {
		ms, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return Config{}, &ConfigError{Field: EnvDebugLogThrottle, Msg: err.Error()}
		}
		cfg.DebugLogThrottle = time.Duration(ms) * time.Millisecond
	}
	return cfg, nil
}
