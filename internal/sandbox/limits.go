package sandbox

import (
	"time"

	"github.com/stormstack/engine/internal/apierr"
)

// Default resource limits for third-party module invocations (spec §4.3).
// "Unlimited" is not a permitted configuration: NewLimits clamps zero or
// negative values back to these defaults.
const (
	DefaultFuelLimit    uint64 = 1_000_000
	DefaultMemoryLimit  int64  = 16 * 1024 * 1024
	DefaultWallDeadline        = time.Second
	DefaultMaxCallDepth        = 256
)

// Limits bounds a single module invocation. NewLimits gives every field a
// non-zero value. The instance enforces Fuel, WallDeadline and MaxCallDepth;
// it does not read MemoryBytes, so memory is bounded only by the host
// functions' fixed caps (query result buffer, log line length) and the call
// depth.
type Limits struct {
	Fuel         uint64
	MemoryBytes  int64
	WallDeadline time.Duration
	MaxCallDepth int
}

// NewLimits returns Limits with every unset (zero/negative) field replaced
// by its default. There is no way to construct an unlimited configuration.
func NewLimits(fuel uint64, memoryBytes int64, wall time.Duration, maxDepth int) Limits {
	l := Limits{Fuel: fuel, MemoryBytes: memoryBytes, WallDeadline: wall, MaxCallDepth: maxDepth}
	if l.Fuel == 0 {
		l.Fuel = DefaultFuelLimit
	}
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = DefaultMemoryLimit
	}
	if l.WallDeadline <= 0 {
		l.WallDeadline = DefaultWallDeadline
	}
	if l.MaxCallDepth <= 0 {
		l.MaxCallDepth = DefaultMaxCallDepth
	}
	return l
}

// TrapReason classifies why an invocation was terminated.
type TrapReason string

const (
	TrapFuel       TrapReason = "fuel"
	TrapEpoch      TrapReason = "epoch"
	TrapMemory     TrapReason = "memory"
	TrapCapability TrapReason = "capability"
	TrapRuntime    TrapReason = "runtime" // script threw or referenced something invalid
)

// Trap is the structured error an invocation returns when it is terminated
// by a limit or a capability violation. It maps onto the engine's error
// kinds: fuel/epoch/memory are ResourceExhausted, everything else Sandbox.
type Trap struct {
	Reason TrapReason
	Detail string
}

func (t *Trap) Error() string { return "sandbox trap (" + string(t.Reason) + "): " + t.Detail }

// AsAPIError converts a trap to the envelope error kind spec §7 requires,
// attributed to the given module.
func (t *Trap) AsAPIError(module string) *apierr.Error {
	switch t.Reason {
	case TrapFuel, TrapEpoch, TrapMemory:
		return apierr.WrapResourceExhausted(t.Detail, t).WithModule(module)
	default:
		return apierr.WrapSandbox(t.Detail, t).WithModule(module)
	}
}
