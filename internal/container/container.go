// Package container implements the execution container (spec §4.5): a set
// of matches sharing a tick cadence, a module registry, a component type
// schema, and a concurrency budget. Matches tick in parallel across the
// container's worker budget; each match's own tick is strictly sequential.
package container

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/match"
	"github.com/stormstack/engine/internal/metrics"
	"github.com/stormstack/engine/internal/module"
	"github.com/stormstack/engine/internal/queue"
	"github.com/stormstack/engine/internal/sandbox"
	"github.com/stormstack/engine/internal/snapshot"
	"github.com/stormstack/engine/internal/store"
)

// State is the container lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// Config controls a container's scheduling and resource budgets.
type Config struct {
	ID     ids.ContainerId
	Tenant ids.TenantId

	Cadence            time.Duration // auto-tick period; manual ticking if StartAuto is never called
	MaxConcurrentTicks int
	CommandQueueLimit  int
	SandboxLimits      sandbox.Limits
	FailureBudget      int
	RetentionTicks     uint64
	DeltaTime          float64

	// OnTerminal, if set, receives every per-match terminal transition so
	// the host can observe Completed(reason) exits (spec §6 exit signals).
	OnTerminal func(matchID ids.MatchId, reason string)
}

// Container owns a disjoint set of matches.
type Container struct {
	mu  sync.Mutex
	cfg Config

	log *logrus.Entry
	rec *metrics.Recorder

	schema   *store.Schema
	registry *module.Registry
	router   *snapshot.Router
	matches  map[ids.MatchId]*match.Match

	state      State
	nextEntity atomic.Uint64
	nextCompID atomic.Uint32

	autoStop chan struct{}
	autoDone chan struct{}
	cron     *cron.Cron
}

// New creates a container in Created state.
func New(cfg Config, log *logrus.Entry, rec *metrics.Recorder) *Container {
	if cfg.MaxConcurrentTicks <= 0 {
		cfg.MaxConcurrentTicks = 8
	}
	if cfg.RetentionTicks == 0 {
		cfg.RetentionTicks = 100
	}
	c := &Container{
		cfg:      cfg,
		log:      log.WithField("container", cfg.ID),
		rec:      rec,
		schema:   store.NewSchema(),
		registry: module.NewRegistry(log.WithField("container", cfg.ID)),
		router:   snapshot.NewRouter(log.WithField("container", cfg.ID), rec),
		matches:  make(map[ids.MatchId]*match.Match),
		state:    StateCreated,
	}
	c.cron = cron.New()
	// Housekeeping runs off the tick path and logs container stats (state,
	// match count, completed-match count) at debug level for operators.
	_, _ = c.cron.AddFunc("@every 30s", c.housekeeping)
	c.cron.Start()
	return c
}

// NextEntityID implements store.EntityAllocator: one atomic counter shared
// by every match store, so entity ids are unique container-wide and never
// reused.
func (c *Container) NextEntityID() ids.EntityId {
	return ids.EntityId(c.nextEntity.Add(1))
}

// Router returns the container's subscription router.
func (c *Container) Router() *snapshot.Router { return c.router }

// Registry returns the container's module registry.
func (c *Container) Registry() *module.Registry { return c.registry }

// Schema returns the container-wide component type registry.
func (c *Container) Schema() *store.Schema { return c.schema }

// State returns the container lifecycle state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InstallModule validates and installs a module artifact, registering its
// declared component types into the container's shared schema. May block
// on compilation; always called off the tick path. Installing an existing
// module name replaces the artifact (hot reload at the next tick boundary).
func (c *Container) InstallModule(manifest module.Manifest, source string) (*module.Artifact, error) {
	art, err := c.registry.Install(manifest, source)
	if err != nil {
		return nil, err
	}
	for _, decl := range manifest.Components {
		id, ok := c.schema.LookupByName(decl.Name)
		if !ok {
			id = ids.ComponentTypeId(c.nextCompID.Add(1))
		}
		if err := c.schema.Register(store.ComponentType{
			ID:       id,
			Name:     decl.Name,
			Module:   art.ID,
			FlagLike: decl.FlagLike,
		}); err != nil {
			return nil, err
		}
	}
	return art, nil
}

// UninstallModule removes a module artifact. Live instances are drained by
// their matches at the next tick boundary. Component types stay registered:
// the schema is append-only for the container's lifetime so existing store
// columns keep their meaning.
func (c *Container) UninstallModule(id ids.ModuleId) error {
	return c.registry.Uninstall(id)
}

// CreateMatch creates a match with the given enabled module set. The set is
// dependency-ordered here; a cycle fails with InvalidState and an absent
// module with NotFound.
func (c *Container) CreateMatch(id ids.MatchId, modules []ids.ModuleId, seed uint64) (*match.Match, error) {
	ordered, err := c.registry.ResolveOrder(modules)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDraining || c.state == StateStopped {
		return nil, apierr.InvalidState("container is shutting down")
	}
	if _, exists := c.matches[id]; exists {
		return nil, apierr.InvalidState("match " + id.String() + " already exists")
	}

	st := store.New(id, c.schema, c)
	m := match.New(match.Config{
		ID:             id,
		ContainerID:    c.cfg.ID,
		Modules:        ordered,
		Seed:           seed,
		Store:          st,
		Queue:          queue.New(id, c.cfg.CommandQueueLimit),
		Registry:       c.registry,
		Schema:         c.schema,
		Router:         c.router,
		Limits:         c.cfg.SandboxLimits,
		FailureBudget:  c.cfg.FailureBudget,
		RetentionTicks: c.cfg.RetentionTicks,
		DeltaTime:      c.cfg.DeltaTime,
		Log:            c.log.WithField("match", id),
		Rec:            c.rec,
	})
	c.matches[id] = m
	c.router.Register(id, m)
	c.rec.MatchesActive.Inc()
	if c.state == StateCreated {
		c.state = StateRunning
	}
	c.log.WithField("match", id).Info("match created")
	return m, nil
}

// Match returns a match by id.
func (c *Container) Match(id ids.MatchId) (*match.Match, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.matches[id]
	if !ok {
		return nil, apierr.NotFound("match " + id.String() + " not found")
	}
	return m, nil
}

// Matches returns the ids of every match in the container, in no
// particular order.
func (c *Container) Matches() []ids.MatchId {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ids.MatchId, 0, len(c.matches))
	for id := range c.matches {
		out = append(out, id)
	}
	return out
}

// DeleteMatch completes and removes a match.
func (c *Container) DeleteMatch(id ids.MatchId) error {
	c.mu.Lock()
	m, ok := c.matches[id]
	if !ok {
		c.mu.Unlock()
		return apierr.NotFound("match " + id.String() + " not found")
	}
	delete(c.matches, id)
	c.mu.Unlock()

	m.Complete("deleted")
	c.reportTerminal(id, "deleted")
	c.router.Unregister(id)
	c.rec.MatchesActive.Dec()
	return nil
}

// Pause freezes a match's tick; queued commands accumulate.
func (c *Container) Pause(id ids.MatchId) error {
	m, err := c.Match(id)
	if err != nil {
		return err
	}
	return m.Pause()
}

// Resume unfreezes a paused match.
func (c *Container) Resume(id ids.MatchId) error {
	m, err := c.Match(id)
	if err != nil {
		return err
	}
	return m.Resume()
}

// Snapshot returns a full snapshot of a match at its current version.
func (c *Container) Snapshot(id ids.MatchId) (*snapshot.WorldSnapshot, error) {
	m, err := c.Match(id)
	if err != nil {
		return nil, err
	}
	return m.FullSnapshot(), nil
}

// TickOnce advances every non-paused, non-completed match by one tick.
// Matches tick in parallel, bounded by the container's concurrency budget;
// a fault in one match never blocks or fails another (the per-match error
// is handled inside Advance; only store corruption escapes, and that is
// terminal for the faulting match alone).
func (c *Container) TickOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return apierr.InvalidState("container is stopped")
	}
	ms := make([]*match.Match, 0, len(c.matches))
	for _, m := range c.matches {
		ms = append(ms, m)
	}
	c.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrentTicks)
	for _, m := range ms {
		m := m
		g.Go(func() error {
			if m.State() == match.StateCompleted {
				return nil
			}
			if err := m.Advance(); err != nil {
				if apierr.Is(err, apierr.KindStoreCorruption) {
					c.log.WithField("match", m.ID()).WithError(err).Error("match terminated by store fault")
					c.reportTerminal(m.ID(), m.CompletedReason())
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// StartAuto begins ticking on a fixed cadence until StopAuto or Shutdown.
func (c *Container) StartAuto(cadence time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDraining || c.state == StateStopped {
		return apierr.InvalidState("container is shutting down")
	}
	if c.autoStop != nil {
		return apierr.InvalidState("auto ticking already running")
	}
	if cadence <= 0 {
		cadence = c.cfg.Cadence
	}
	if cadence <= 0 {
		return apierr.InvalidInput("cadence is required")
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	c.autoStop = stop
	c.autoDone = done
	c.state = StateRunning

	go func() {
		defer close(done)
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = c.TickOnce(context.Background())
			}
		}
	}()
	return nil
}

// StopAuto halts cadence-driven ticking; manual TickOnce still works.
func (c *Container) StopAuto() {
	c.mu.Lock()
	stop, done := c.autoStop, c.autoDone
	c.autoStop, c.autoDone = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Shutdown transitions the container to Draining, stops ticking at the
// next tick boundary, completes every match (each completion is reported
// through OnTerminal), and ends in Stopped, which State then returns.
// reason becomes each surviving match's terminal reason.
func (c *Container) Shutdown(reason string) {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateDraining
	c.mu.Unlock()

	c.StopAuto()
	c.cron.Stop()

	c.mu.Lock()
	ms := make([]*match.Match, 0, len(c.matches))
	for _, m := range c.matches {
		ms = append(ms, m)
	}
	c.mu.Unlock()

	for _, m := range ms {
		if m.State() != match.StateCompleted {
			m.Complete(reason)
			c.reportTerminal(m.ID(), reason)
		}
		c.router.Unregister(m.ID())
		c.rec.MatchesActive.Dec()
	}

	c.mu.Lock()
	c.matches = make(map[ids.MatchId]*match.Match)
	c.state = StateStopped
	c.mu.Unlock()
	c.log.WithField("reason", reason).Info("container stopped")
}

func (c *Container) reportTerminal(id ids.MatchId, reason string) {
	if c.cfg.OnTerminal != nil {
		c.cfg.OnTerminal(id, reason)
	}
}

func (c *Container) housekeeping() {
	c.mu.Lock()
	total := len(c.matches)
	completed := 0
	for _, m := range c.matches {
		if m.State() == match.StateCompleted {
			completed++
		}
	}
	state := c.state
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"state":     state,
		"matches":   total,
		"completed": completed,
	}).Debug("container housekeeping")
}
