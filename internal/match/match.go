// Package match coordinates one game session: a store, a command queue, a
// set of module instances, and the tick protocol that drives them
// (spec §4.4). A match's tick body is strictly sequential; the container
// may tick different matches in parallel because they share no mutable
// state.
package match

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/metrics"
	"github.com/stormstack/engine/internal/module"
	"github.com/stormstack/engine/internal/queue"
	"github.com/stormstack/engine/internal/sandbox"
	"github.com/stormstack/engine/internal/snapshot"
	"github.com/stormstack/engine/internal/store"
)

// State is the match lifecycle state (spec §3).
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
)

// Config assembles a match's collaborators. The container builds one per
// CreateMatch call.
type Config struct {
	ID          ids.MatchId
	ContainerID ids.ContainerId
	Modules     []ids.ModuleId // already dependency-ordered by the registry
	Seed        uint64

	Store    *store.Store
	Queue    *queue.Queue
	Registry *module.Registry
	Schema   *store.Schema
	Router   *snapshot.Router

	Limits         sandbox.Limits
	FailureBudget  int
	RetentionTicks uint64
	DeltaTime      float64 // seconds of simulated time per tick
	MinPlayers     int     // quorum; 0 disables quorum-based completion

	Log *logrus.Entry
	Rec *metrics.Recorder
}

// Match is one game session.
type Match struct {
	mu  sync.Mutex
	cfg Config

	state State
	// tick is atomic so snapshot.Source reads never contend with the match
	// mutex: the router calls CurrentTick while holding its own lock, and a
	// ticking match publishes error events to the router while holding
	// m.mu. Writes still happen only on the tick path.
	tick      atomic.Uint64
	reason    string // terminal reason once Completed
	players   map[ids.PlayerId]bool
	instances map[ids.ModuleId]*sandbox.Instance
	failures  map[ids.ModuleId]int
	disabled  map[ids.ModuleId]bool
	sharedRNG *sandbox.RNG
}

// New creates a match in Pending state. The module set is immutable after
// creation.
func New(cfg Config) *Match {
	if cfg.FailureBudget <= 0 {
		cfg.FailureBudget = 8
	}
	if cfg.RetentionTicks == 0 {
		cfg.RetentionTicks = 100
	}
	if cfg.DeltaTime <= 0 {
		cfg.DeltaTime = 1.0 / 60.0
	}
	return &Match{
		cfg:       cfg,
		state:     StatePending,
		players:   make(map[ids.PlayerId]bool),
		instances: make(map[ids.ModuleId]*sandbox.Instance),
		failures:  make(map[ids.ModuleId]int),
		disabled:  make(map[ids.ModuleId]bool),
	}
}

// ID returns the match id.
func (m *Match) ID() ids.MatchId { return m.cfg.ID }

// State returns the current lifecycle state.
func (m *Match) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CompletedReason returns the terminal reason, if the match is Completed.
func (m *Match) CompletedReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Tick implements sandbox.TickClock: the tick counter as module code
// observes it during handler and system execution.
func (m *Match) Tick() uint64 { return m.tick.Load() }

// DeltaTime implements sandbox.TickClock.
func (m *Match) DeltaTime() float64 { return m.cfg.DeltaTime }

// CurrentTick implements snapshot.Source.
func (m *Match) CurrentTick() uint64 { return m.tick.Load() }

// FullSnapshot implements snapshot.Source.
func (m *Match) FullSnapshot() *snapshot.WorldSnapshot {
	return snapshot.BuildFull(m.cfg.Store, m.cfg.Store.Version())
}

// DeltaSince implements snapshot.Source.
func (m *Match) DeltaSince(fromTick uint64) (*snapshot.WorldDelta, bool) {
	return snapshot.BuildDelta(m.cfg.Store, fromTick)
}

// Pause freezes the tick. Commands are still accepted and queue for when
// the match resumes.
func (m *Match) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return apierr.InvalidState("match is not active")
	}
	m.state = StatePaused
	return nil
}

// Resume returns a paused match to Active.
func (m *Match) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePaused {
		return apierr.InvalidState("match is not paused")
	}
	m.state = StateActive
	return nil
}

// Complete terminates the match. Completed is terminal: the store stays
// readable but frozen.
func (m *Match) Complete(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeLocked(reason)
}

func (m *Match) completeLocked(reason string) {
	if m.state == StateCompleted {
		return
	}
	m.state = StateCompleted
	m.reason = reason
	for id, inst := range m.instances {
		if err := inst.Unload(); err != nil {
			m.cfg.Log.WithField("module", id).WithError(err).Warn("on_unload failed during completion")
		}
	}
	m.instances = make(map[ids.ModuleId]*sandbox.Instance)
	m.cfg.Log.WithField("reason", reason).Info("match completed")
}

// AddPlayer joins a player to the roster.
func (m *Match) AddPlayer(p ids.PlayerId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateCompleted {
		return apierr.InvalidState("match is completed")
	}
	m.players[p] = true
	return nil
}

// RemovePlayer drops a player. When a quorum is configured and the roster
// falls below it, the match completes.
func (m *Match) RemovePlayer(p ids.PlayerId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.players[p] {
		return apierr.NotFound("player " + p.String() + " not in match")
	}
	delete(m.players, p)
	if m.cfg.MinPlayers > 0 && len(m.players) < m.cfg.MinPlayers && m.state != StatePending {
		m.completeLocked("player-quorum")
	}
	return nil
}

// Players returns the current roster size.
func (m *Match) Players() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.players)
}

// Enqueue admits a command for execution. targetTick of 0 means "next
// tick". The command must be declared by one of the match's enabled
// modules, and its payload must match the declared schema — both checked
// at admission so the caller gets a structured error immediately.
func (m *Match) Enqueue(name string, payload map[string]any, player ids.PlayerId, targetTick uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateCompleted {
		return apierr.InvalidState("match is completed")
	}

	decl, _, ok := m.resolveCommandLocked(name)
	if !ok {
		return apierr.NotFound("no enabled module declares command " + name)
	}
	if err := decl.ValidatePayload(payload); err != nil {
		return err
	}

	if targetTick == 0 {
		targetTick = m.tick.Load() + 1
	}
	if err := m.cfg.Queue.Enqueue(name, payload, player, targetTick, m.tick.Load()); err != nil {
		m.cfg.Rec.CommandsRejected.WithLabelValues(string(m.cfg.ID), rejectionReason(err)).Inc()
		return err
	}
	return nil
}

func rejectionReason(err error) string {
	if k, ok := apierr.KindOf(err); ok {
		return string(k)
	}
	return "unknown"
}

// resolveCommandLocked finds the first enabled, non-disabled module (in
// dependency order) declaring the command.
func (m *Match) resolveCommandLocked(name string) (module.CommandDecl, ids.ModuleId, bool) {
	for _, id := range m.cfg.Modules {
		if m.disabled[id] {
			continue
		}
		art, ok := m.cfg.Registry.Get(id)
		if !ok {
			continue
		}
		if decl, ok := art.Manifest.Command(name); ok {
			return decl, id, true
		}
	}
	return module.CommandDecl{}, "", false
}
