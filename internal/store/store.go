// Package store implements the entity-component store described in engine
// spec §4.1: an entity-keyed, column-oriented store of scalar component
// values with change tracking sufficient to generate deltas without
// re-diffing state.
//
// A single sync.RWMutex guards the whole store rather than a lock per row or
// column. The teacher's sandbox package (system/sandbox) and its
// IsolatedStorage type take the same one-mutex-per-resource approach rather
// than the source's decorator chain of locking/caching/dirty-tracking
// wrappers (engine spec §9 REDESIGN FLAGS) — a single exclusive/shared
// acquisition is easy to reason about and matches the spec's concurrency
// contract exactly: "multiple concurrent readers OR one writer."
package store

import (
	"sort"
	"sync"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/ids"
)

// EntityAllocator allocates EntityId values. The engine's container
// implements this with a single atomic counter shared by every match's
// store, so ids are unique across the whole container (spec §9 resolves the
// per-match-vs-per-container Open Question in favor of container-wide
// uniqueness).
type EntityAllocator interface {
	NextEntityID() ids.EntityId
}

type entityRow struct {
	entity ids.EntityId
	alive  bool
}

// Store holds one match's entity-component data.
type Store struct {
	mu sync.RWMutex

	matchID ids.MatchId
	schema  *Schema
	alloc   EntityAllocator

	maxEntities int // 0 = unbounded

	rows      []entityRow
	freeList  []int
	entityRow map[ids.EntityId]int

	// columns[componentType][row] = value; presence[componentType] is a
	// parallel bitset (explicit presence, never inferred from the value).
	columns  map[ids.ComponentTypeId][]Value
	presence map[ids.ComponentTypeId][]bool

	version uint64
	pending []ChangeRecord
	log     *changeLog

	corrupt bool // set on invariant breach; store becomes read-only, fatal to the match
}

// Option configures a new Store.
type Option func(*Store)

// WithMaxEntities bounds the number of simultaneously live entities.
func WithMaxEntities(n int) Option {
	return func(s *Store) { s.maxEntities = n }
}

// New creates an empty Store for matchID, using schema as the shared
// component type registry and alloc to mint EntityId values.
func New(matchID ids.MatchId, schema *Schema, alloc EntityAllocator, opts ...Option) *Store {
	s := &Store{
		matchID:   matchID,
		schema:    schema,
		alloc:     alloc,
		entityRow: make(map[ids.EntityId]int),
		columns:   make(map[ids.ComponentTypeId][]Value),
		presence:  make(map[ids.ComponentTypeId][]bool),
		log:       newChangeLog(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MatchID returns the match this store belongs to. Every entity in this
// store is implicitly bound to this match (spec §3's MATCH_ID component) —
// the binding is structural (entities never move between stores) rather
// than a stored column, so it is immutable by construction.
func (s *Store) MatchID() ids.MatchId { return s.matchID }

// Corrupt reports whether the store has hit an invariant breach and is now
// read-only (spec §4.1: "fatal for that match only").
func (s *Store) Corrupt() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.corrupt
}

func (s *Store) markCorrupt(reason string) *apierr.Error {
	s.corrupt = true
	return apierr.StoreCorruption(reason)
}

func (s *Store) liveCount() int {
	return len(s.rows) - len(s.freeList)
}

// Spawn allocates a new entity. The entity exists with no components other
// than its implicit MATCH_ID binding.
func (s *Store) Spawn() (ids.EntityId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.corrupt {
		return 0, s.markCorrupt("store is corrupt")
	}
	if s.maxEntities > 0 && s.liveCount() >= s.maxEntities {
		return 0, apierr.ResourceExhausted("entity capacity exhausted")
	}

	entity := s.alloc.NextEntityID()

	var row int
	if n := len(s.freeList); n > 0 {
		row = s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		s.rows[row] = entityRow{entity: entity, alive: true}
	} else {
		row = len(s.rows)
		s.rows = append(s.rows, entityRow{entity: entity, alive: true})
		for ct := range s.columns {
			s.columns[ct] = append(s.columns[ct], Value{})
			s.presence[ct] = append(s.presence[ct], false)
		}
	}
	s.entityRow[entity] = row

	s.pending = append(s.pending, ChangeRecord{
		Version: s.version + 1,
		Kind:    ChangeSpawn,
		Entity:  entity,
	})
	return entity, nil
}

// Despawn removes an entity and all of its component bindings.
func (s *Store) Despawn(entity ids.EntityId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.corrupt {
		return s.markCorrupt("store is corrupt")
	}
	row, ok := s.entityRow[entity]
	if !ok || !s.rows[row].alive {
		return apierr.NotFound("entity " + entity.String() + " not found")
	}

	s.rows[row].alive = false
	delete(s.entityRow, entity)
	s.freeList = append(s.freeList, row)
	for ct := range s.columns {
		s.presence[ct][row] = false
		s.columns[ct][row] = Value{}
	}

	s.pending = append(s.pending, ChangeRecord{
		Version: s.version + 1,
		Kind:    ChangeDespawn,
		Entity:  entity,
	})
	return nil
}

func (s *Store) ensureColumn(ct ids.ComponentTypeId) {
	if _, ok := s.columns[ct]; ok {
		return
	}
	col := make([]Value, len(s.rows))
	pres := make([]bool, len(s.rows))
	s.columns[ct] = col
	s.presence[ct] = pres
}

// Attach creates or overwrites the (entity, componentType) binding.
func (s *Store) Attach(entity ids.EntityId, ct ids.ComponentTypeId, value Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.corrupt {
		return s.markCorrupt("store is corrupt")
	}
	row, ok := s.entityRow[entity]
	if !ok || !s.rows[row].alive {
		return apierr.NotFound("entity " + entity.String() + " not found")
	}
	if _, ok := s.schema.Lookup(ct); !ok {
		return apierr.InvalidInput("unknown component type " + ct.String())
	}

	s.ensureColumn(ct)
	s.columns[ct][row] = value
	s.presence[ct][row] = true

	s.pending = append(s.pending, ChangeRecord{
		Version:   s.version + 1,
		Kind:      ChangeWrite,
		Entity:    entity,
		Component: ct,
		Value:     value,
	})
	return nil
}

// Detach removes a single (entity, componentType) binding, if present. A
// detach of a binding that does not exist is a no-op, matching the rest of
// the store's idempotent-on-absence posture for write operations distinct
// from despawn (which requires the entity to exist).
func (s *Store) Detach(entity ids.EntityId, ct ids.ComponentTypeId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.corrupt {
		return s.markCorrupt("store is corrupt")
	}
	row, ok := s.entityRow[entity]
	if !ok || !s.rows[row].alive {
		return apierr.NotFound("entity " + entity.String() + " not found")
	}
	if col, ok := s.presence[ct]; !ok || !col[row] {
		return nil
	}

	s.presence[ct][row] = false
	s.columns[ct][row] = Value{}

	s.pending = append(s.pending, ChangeRecord{
		Version:   s.version + 1,
		Kind:      ChangeWrite,
		Entity:    entity,
		Component: ct,
		Tombstone: true,
	})
	return nil
}

// Get returns the value bound to (entity, componentType), if any.
func (s *Store) Get(entity ids.EntityId, ct ids.ComponentTypeId) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.entityRow[entity]
	if !ok || !s.rows[row].alive {
		return Value{}, false
	}
	pres, ok := s.presence[ct]
	if !ok || !pres[row] {
		return Value{}, false
	}
	return s.columns[ct][row], true
}

// Exists reports whether the entity is live in this store.
func (s *Store) Exists(entity ids.EntityId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.entityRow[entity]
	return ok && s.rows[row].alive
}

// Has reports whether (entity, componentType) is bound, without
// materializing the value.
func (s *Store) Has(entity ids.EntityId, ct ids.ComponentTypeId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.entityRow[entity]
	if !ok || !s.rows[row].alive {
		return false
	}
	pres, ok := s.presence[ct]
	return ok && pres[row]
}

// Query returns every entity bearing all of the given component types. The
// result is sorted by EntityId so iteration order is deterministic even
// though the underlying row order is not stable across spawns/despawns
// (spec §5: "iteration order over queries must be deterministic").
func (s *Store) Query(componentTypes []ids.ComponentTypeId) []ids.EntityId {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ids.EntityId
	for row := range s.rows {
		if !s.rows[row].alive {
			continue
		}
		match := true
		for _, ct := range componentTypes {
			pres, ok := s.presence[ct]
			if !ok || !pres[row] {
				match = false
				break
			}
		}
		if match {
			out = append(out, s.rows[row].entity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entities returns every live entity, sorted by id.
func (s *Store) Entities() []ids.EntityId {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ids.EntityId, 0, s.liveCount())
	for row := range s.rows {
		if s.rows[row].alive {
			out = append(out, s.rows[row].entity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Components returns the full set of (componentType, value) bindings for an
// entity, sorted by ComponentTypeId for deterministic serialization.
func (s *Store) Components(entity ids.EntityId) []EntityComponent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.entityRow[entity]
	if !ok || !s.rows[row].alive {
		return nil
	}
	var out []EntityComponent
	for ct, pres := range s.presence {
		if pres[row] {
			out = append(out, EntityComponent{Type: ct, Value: s.columns[ct][row]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// EntityComponent pairs a component type with its bound value.
type EntityComponent struct {
	Type  ids.ComponentTypeId
	Value Value
}

// Version returns the store's current (last-closed) version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// AdvanceVersion atomically closes the current tick's change set, returning
// the new version. The store's structural invariants are verified at each
// close; a breach marks the store corrupt, which the match treats as fatal
// to itself (the container survives).
func (s *Store) AdvanceVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.verifyLocked()
	s.version++
	s.log.append(s.version, s.pending)
	s.pending = nil
	return s.version
}

// verifyLocked checks the row/column/index invariants: every column is as
// long as the row table, every live entity round-trips through the index,
// and no dead row holds a component.
func (s *Store) verifyLocked() {
	for ct, col := range s.columns {
		if len(col) != len(s.rows) || len(s.presence[ct]) != len(s.rows) {
			s.corrupt = true
			return
		}
	}
	for entity, row := range s.entityRow {
		if row >= len(s.rows) || s.rows[row].entity != entity || !s.rows[row].alive {
			s.corrupt = true
			return
		}
	}
	for row := range s.rows {
		if s.rows[row].alive {
			continue
		}
		for _, pres := range s.presence {
			if pres[row] {
				s.corrupt = true
				return
			}
		}
	}
}

// ChangesSince returns the change records strictly after fromVersion, up to
// and including the current version. ok is false when fromVersion predates
// the retained history, meaning the caller must fall back to a full
// snapshot (spec §4.6 subscriber contract).
func (s *Store) ChangesSince(fromVersion uint64) (records []ChangeRecord, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.since(fromVersion, s.version)
}

// Compact prunes change-log history at or below keepAfter, bounding memory
// to the configured retention window.
func (s *Store) Compact(keepAfter uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.compact(keepAfter)
}

// OldestRetainedVersion returns the oldest version still present in the
// change log (0 if the log holds no batches).
func (s *Store) OldestRetainedVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.oldestRetained()
}
