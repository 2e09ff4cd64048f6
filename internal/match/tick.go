package match

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/sandbox"
	"github.com/stormstack/engine/internal/snapshot"
)

// Advance runs one tick of the match (spec §4.4 tick protocol):
//
//	1. Pending enters Active.
//	2. Commands with target_tick <= T+1 are drained in insertion order.
//	3. Each command's handler runs inside the sandbox; errors are
//	   recorded, never propagated to siblings.
//	4. Each module's on_tick runs in dependency order.
//	5. The store closes its version for the tick.
//	6. The new (match, version) pair is published to the snapshot router
//	   and the tick counter advances by exactly 1.
//
// A paused or completed match does not tick; Advance on a paused match is
// a no-op (the container keeps calling on cadence), on a completed match
// an InvalidState error.
func (m *Match) Advance() error {
	m.mu.Lock()

	switch m.state {
	case StateCompleted:
		m.mu.Unlock()
		return apierr.InvalidState("match is completed")
	case StatePaused:
		m.mu.Unlock()
		return nil
	case StatePending:
		m.state = StateActive
	}

	started := time.Now()
	target := m.tick.Load() + 1

	// Hot reload boundary: instances built from a replaced artifact are
	// torn down and rebuilt here, before any handler runs, so no tick ever
	// mixes old and new code.
	m.refreshInstancesLocked()

	for _, cmd := range m.cfg.Queue.Drain(target) {
		m.cfg.Rec.CommandsDrained.WithLabelValues(string(m.cfg.ID)).Inc()
		m.dispatchLocked(cmd.Name, cmd.Payload)
	}

	for _, id := range m.cfg.Modules {
		inst := m.instances[id]
		if inst == nil || m.disabled[id] {
			continue
		}
		m.cfg.Rec.SandboxInvocations.WithLabelValues(string(id), "on_tick").Inc()
		if err := inst.OnTick(m.cfg.DeltaTime); err != nil {
			m.recordFailureLocked(id, err)
		}
	}

	version := m.cfg.Store.AdvanceVersion()
	if m.cfg.Store.Corrupt() {
		m.completeLocked("store-fault")
		m.mu.Unlock()
		return apierr.StoreCorruption("store invariant breach")
	}
	m.tick.Store(target)

	if version > m.cfg.RetentionTicks {
		m.cfg.Store.Compact(version - m.cfg.RetentionTicks)
	}

	m.cfg.Rec.TicksTotal.WithLabelValues(string(m.cfg.ID)).Inc()
	m.cfg.Rec.TickDuration.WithLabelValues(string(m.cfg.ID)).Observe(time.Since(started).Seconds())
	m.mu.Unlock()

	// Publish outside the match lock; the router serializes itself.
	m.cfg.Router.Publish(m.cfg.ID, target)
	return nil
}

// dispatchLocked resolves and invokes one drained command. Errors are
// captured and attributed, never propagated to sibling commands.
func (m *Match) dispatchLocked(name string, payload map[string]any) {
	decl, owner, ok := m.resolveCommandLocked(name)
	if !ok {
		m.publishErrorLocked("", apierr.NotFound("no enabled module declares command "+name))
		return
	}
	// Re-validate: the declaring artifact may have been hot-reloaded with a
	// narrower schema between admission and execution.
	if err := decl.ValidatePayload(payload); err != nil {
		m.publishErrorLocked(owner, err.(*apierr.Error))
		return
	}
	inst := m.instances[owner]
	if inst == nil {
		m.publishErrorLocked(owner, apierr.InvalidState("module "+owner.String()+" has no live instance"))
		return
	}
	m.cfg.Rec.SandboxInvocations.WithLabelValues(string(owner), name).Inc()
	if err := inst.HandleCommand(name, payload); err != nil {
		m.recordFailureLocked(owner, err)
	}
}

// refreshInstancesLocked instantiates missing instances and replaces stale
// ones (artifact generation changed). Runs at the tick boundary only.
func (m *Match) refreshInstancesLocked() {
	for _, id := range m.cfg.Modules {
		if m.disabled[id] {
			continue
		}
		art, ok := m.cfg.Registry.Get(id)
		if !ok {
			// Uninstalled: drain the instance; commands naming it now fail
			// resolution.
			if inst := m.instances[id]; inst != nil {
				_ = inst.Unload()
				delete(m.instances, id)
			}
			continue
		}
		if inst := m.instances[id]; inst != nil {
			if inst.Generation() == art.Generation {
				continue
			}
			_ = inst.Unload()
			delete(m.instances, id)
		}

		caps := art.Manifest.CapabilitySet()
		inst, err := sandbox.Instantiate(sandbox.Config{
			ModuleID:   id,
			MatchID:    m.cfg.ID,
			Program:    art.Program,
			Caps:       caps,
			Access:     sandbox.NewComponentAccess(caps, m.cfg.Schema.LookupByName),
			Limits:     m.cfg.Limits,
			Store:      m.cfg.Store,
			Schema:     m.cfg.Schema,
			RNG:        m.rng(),
			Clock:      m,
			Log:        m.cfg.Log.WithField("module", id),
			LogLimiter: rate.NewLimiter(rate.Limit(20), 50),
		}, art.Generation)
		if err != nil {
			m.recordFailureLocked(id, err)
			continue
		}
		m.instances[id] = inst
	}
}

// rng lazily creates the match's deterministic RNG, shared across module
// instances so the draw stream survives hot reloads.
func (m *Match) rng() *sandbox.RNG {
	if m.sharedRNG == nil {
		m.sharedRNG = sandbox.NewRNG(m.cfg.Seed)
	}
	return m.sharedRNG
}

// recordFailureLocked captures a handler/system fault: logged, attributed,
// surfaced on the error stream, counted against the module's per-match
// failure budget. Exceeding the budget disables the module for the rest of
// this match's lifetime; the match continues.
func (m *Match) recordFailureLocked(id ids.ModuleId, err error) {
	var apiErr *apierr.Error
	if t, ok := err.(*sandbox.Trap); ok {
		apiErr = t.AsAPIError(string(id))
		m.cfg.Rec.SandboxTraps.WithLabelValues(string(id), string(t.Reason)).Inc()
	} else if e, ok := err.(*apierr.Error); ok {
		apiErr = e
	} else {
		apiErr = apierr.WrapSandbox("module fault", err).WithModule(string(id))
	}

	m.cfg.Log.WithField("module", id).WithError(apiErr).Warn("module fault")
	m.publishErrorLocked(id, apiErr)

	m.failures[id]++
	if m.failures[id] > m.cfg.FailureBudget {
		m.disabled[id] = true
		if inst := m.instances[id]; inst != nil {
			_ = inst.Unload()
			delete(m.instances, id)
		}
		m.cfg.Rec.ModulesDisabled.WithLabelValues(string(id)).Inc()
		m.cfg.Log.WithField("module", id).Warn("module disabled for this match: failure budget exceeded")
	}
}

func (m *Match) publishErrorLocked(id ids.ModuleId, err *apierr.Error) {
	m.cfg.Router.PublishError(snapshot.ErrorEvent{
		MatchID: m.cfg.ID,
		Tick:    m.tick.Load(),
		Module:  id,
		Kind:    err.Kind,
		Message: err.Message,
	})
}
