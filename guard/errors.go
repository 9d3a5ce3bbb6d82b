package guard

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInQuarantine indicates a diagnosis request for an address outside
	// the zone's quarantine.
	ErrNotInQuarantine = errors.New("guard: address outside quarantine")

	// ErrReadFailure indicates the memory reader could not supply a range.
	ErrReadFailure = errors.New("guard: memory read failed")

	// ErrNotGuardZone indicates the image at a zone address carries another
	// zone type's tag.
	ErrNotGuardZone = errors.New("guard: not a probguard zone")
)

// Op names the zone entry point a fatal misuse was detected in.
type Op string

const (
	OpFree    Op = "free"
	OpRealloc Op = "realloc"
)

// Fixed diagnostic messages for fatal misuse.
const (
	msgInvalidFree    = "pointer being freed was not allocated or was already freed"
	msgInvalidRealloc = "pointer being reallocated was not allocated or was already freed"
)

// FatalError describes a misuse the zone refuses to continue past: an invalid
// pointer handed to free or realloc. It is reported through Config.OnFatal.
type FatalError struct {
	Op   Op
	Addr uintptr
	Msg  string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("probguard: %s(0x%x): %s", e.Op, e.Addr, e.Msg)
}

// ConfigError reports an invalid or self-contradictory configuration.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("guard: invalid config %s: %s", e.Field, e.Msg)
}
