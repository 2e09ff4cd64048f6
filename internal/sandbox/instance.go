package sandbox

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/store"
)

// TickClock is the only notion of time module code can observe: the current
// tick and the tick delta. Wall-clock time is never exposed.
type TickClock interface {
	Tick() uint64
	DeltaTime() float64
}

// Config assembles everything one module instance needs. The compiled
// Program is shared across instances within a container (code is shared,
// state is not); everything else is per-(match, module).
type Config struct {
	ModuleID ids.ModuleId
	MatchID  ids.MatchId

	Program *goja.Program
	Caps    *CapabilitySet
	Access  *ComponentAccess
	Limits  Limits

	Store  *store.Store
	Schema *store.Schema
	RNG    *RNG
	Clock  TickClock

	Log        *logrus.Entry
	LogLimiter *rate.Limiter // bounds host.log throughput; nil selects a default
}

// Instance is one isolated execution domain for a (match, module) pair. It
// is not safe for concurrent use: the match invokes it only from its own
// tick goroutine (spec §5, cooperative single-threaded within a tick).
type Instance struct {
	cfg Config
	vm  *goja.Runtime

	fuel    uint64 // remaining fuel for the current invocation
	trapped *Trap  // set by host functions when they abort the invocation

	logLimiter *rate.Limiter
	generation uint64 // artifact generation this instance was built from (hot reload)
}

// defaultLogRate bounds module diagnostics to a sustained 20 lines/sec with
// a burst of 50, matching the "rate-limited" requirement on the log
// capability without making ordinary debugging unusable.
func defaultLogRate() *rate.Limiter { return rate.NewLimiter(rate.Limit(20), 50) }

// Instantiate creates a fresh isolated instance and runs the module's
// top-level code followed by its on_load entry point. Any trap or script
// error during either fails instantiation.
func Instantiate(cfg Config, generation uint64) (*Instance, error) {
	// Limits are mandatory; zero values collapse to the defaults so an
	// unlimited configuration cannot be assembled by omission.
	cfg.Limits = NewLimits(cfg.Limits.Fuel, cfg.Limits.MemoryBytes, cfg.Limits.WallDeadline, cfg.Limits.MaxCallDepth)
	i := &Instance{
		cfg:        cfg,
		vm:         goja.New(),
		logLimiter: cfg.LogLimiter,
		generation: generation,
	}
	if i.logLimiter == nil {
		i.logLimiter = defaultLogRate()
	}

	i.vm.SetMaxCallStackSize(cfg.Limits.MaxCallDepth)
	i.installHostObjects()

	// Top-level evaluation defines the module's functions. It runs under the
	// same limits as any invocation: a module whose load loops forever is
	// trapped, not waited on.
	if err := i.run(func() error {
		_, err := i.vm.RunProgram(cfg.Program)
		return err
	}); err != nil {
		return nil, err
	}

	if fn := i.lookup("on_load"); fn != nil {
		if err := i.call(fn); err != nil {
			return nil, err
		}
	}
	return i, nil
}

// Generation returns the artifact generation this instance was built from.
// The match compares it against the registry's current generation at each
// tick boundary to decide whether a hot reload invalidated this instance.
func (i *Instance) Generation() uint64 { return i.generation }

// ModuleID returns the module this instance executes.
func (i *Instance) ModuleID() ids.ModuleId { return i.cfg.ModuleID }

// OnTick invokes the module's on_tick entry point. Modules without on_tick
// are passive (command handlers only); that is not an error.
func (i *Instance) OnTick(dt float64) error {
	fn := i.lookup("on_tick")
	if fn == nil {
		return nil
	}
	return i.call(fn, i.vm.ToValue(dt))
}

// HandleCommand invokes the handler function registered under the command's
// name, passing the payload as a plain object.
func (i *Instance) HandleCommand(name string, payload map[string]any) error {
	fn := i.lookup(name)
	if fn == nil {
		return &Trap{Reason: TrapRuntime, Detail: fmt.Sprintf("handler %q is not a function", name)}
	}
	obj := i.vm.NewObject()
	for k, v := range payload {
		_ = obj.Set(k, v)
	}
	return i.call(fn, obj)
}

// Unload invokes on_unload, ignoring its result: a module being torn down
// cannot veto its own removal, and a trap during unload is logged by the
// caller like any other.
func (i *Instance) Unload() error {
	fn := i.lookup("on_unload")
	if fn == nil {
		return nil
	}
	return i.call(fn)
}

func (i *Instance) lookup(name string) goja.Callable {
	fn, ok := goja.AssertFunction(i.vm.Get(name))
	if !ok {
		return nil
	}
	return fn
}

func (i *Instance) call(fn goja.Callable, args ...goja.Value) error {
	return i.run(func() error {
		_, err := fn(goja.Undefined(), args...)
		return err
	})
}

// run executes one invocation under the instance's limits: fuel is reset,
// the wall deadline watchdog is armed, and any interrupt or script error is
// mapped to a *Trap. Writes performed before a trap are retained — they are
// part of the current tick's change log (spec §5; the all-or-nothing
// alternative is recorded as rejected in DESIGN.md).
func (i *Instance) run(fn func() error) error {
	i.fuel = i.cfg.Limits.Fuel
	i.trapped = nil

	watchdog := time.AfterFunc(i.cfg.Limits.WallDeadline, func() {
		i.vm.Interrupt(&Trap{Reason: TrapEpoch, Detail: "wall deadline exceeded"})
	})
	// LIFO: stop the watchdog first so it cannot re-arm the interrupt after
	// the clear.
	defer i.vm.ClearInterrupt()
	defer watchdog.Stop()

	err := fn()
	if err == nil {
		if i.trapped != nil {
			return i.trapped
		}
		return nil
	}

	if intr, ok := err.(*goja.InterruptedError); ok {
		if t, ok := intr.Value().(*Trap); ok {
			return t
		}
		return &Trap{Reason: TrapEpoch, Detail: fmt.Sprint(intr.Value())}
	}
	if i.trapped != nil {
		return i.trapped
	}
	if _, ok := err.(*goja.StackOverflowError); ok {
		return &Trap{Reason: TrapFuel, Detail: "call stack limit exceeded"}
	}
	return &Trap{Reason: TrapRuntime, Detail: err.Error()}
}

// abort terminates the current invocation from inside a host function. The
// interrupt is observed by the interpreter before the next script
// instruction executes, so the faulting operation has no store effect.
func (i *Instance) abort(reason TrapReason, detail string) goja.Value {
	t := &Trap{Reason: reason, Detail: detail}
	i.trapped = t
	i.vm.Interrupt(t)
	return goja.Undefined()
}

// charge deducts fuel for a host call, trapping on exhaustion. Host calls
// are the metering points: costs are scaled so the default budget allows on
// the order of 10⁵ store operations per invocation.
func (i *Instance) charge(cost uint64) bool {
	if i.fuel < cost {
		i.abort(TrapFuel, "fuel exhausted")
		return false
	}
	i.fuel -= cost
	return true
}
