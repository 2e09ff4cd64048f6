package snapshot

import (
	"sort"

	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/store"
)

// BuildFull materializes the entire state of a store at its current version.
// The store's own read lock serializes this against the match's tick; the
// engine only calls it between ticks or from the router's pull path.
func BuildFull(s *store.Store, tick uint64) *WorldSnapshot {
	snap := &WorldSnapshot{
		MatchID:  s.MatchID(),
		Tick:     tick,
		Entities: []EntityState{},
	}
	for _, id := range s.Entities() {
		snap.Entities = append(snap.Entities, entityState(s, id))
	}
	return snap
}

func entityState(s *store.Store, id ids.EntityId) EntityState {
	e := EntityState{ID: id, Components: []ComponentState{}}
	for _, ec := range s.Components(id) {
		e.Components = append(e.Components, ComponentState{Type: ec.Type, Value: toScalar(ec.Value)})
	}
	return e
}

// BuildDelta derives the delta from fromTick to the store's current version
// out of the change log, without re-diffing state. ok is false when
// fromTick predates the retained history; the caller must reset the
// subscriber with a full snapshot instead.
//
// Coalescing rules:
//   - an entity spawned in the window and still alive appears in Spawned
//     with its full current component set (intermediate writes collapse);
//   - an entity spawned and despawned within the window appears nowhere;
//   - an entity alive before the window and despawned within it appears
//     only in Despawned;
//   - surviving entities get one Updated entry per touched component,
//     last write wins.
func BuildDelta(s *store.Store, fromTick uint64) (*WorldDelta, bool) {
	toTick := s.Version()
	d := &WorldDelta{
		MatchID:   s.MatchID(),
		FromTick:  fromTick,
		ToTick:    toTick,
		Spawned:   []EntityState{},
		Despawned: []ids.EntityId{},
		Updated:   []DeltaUpdate{},
	}
	if fromTick == toTick {
		return d, true
	}

	records, ok := s.ChangesSince(fromTick)
	if !ok {
		return nil, false
	}

	spawnedInWindow := make(map[ids.EntityId]bool)
	despawned := make(map[ids.EntityId]bool)
	type updateKey struct {
		entity ids.EntityId
		ct     ids.ComponentTypeId
	}
	updates := make(map[updateKey]DeltaUpdate)

	for _, rec := range records {
		switch rec.Kind {
		case store.ChangeSpawn:
			spawnedInWindow[rec.Entity] = true
			delete(despawned, rec.Entity)
		case store.ChangeDespawn:
			if spawnedInWindow[rec.Entity] {
				delete(spawnedInWindow, rec.Entity)
			} else {
				despawned[rec.Entity] = true
			}
			for k := range updates {
				if k.entity == rec.Entity {
					delete(updates, k)
				}
			}
		case store.ChangeWrite:
			if spawnedInWindow[rec.Entity] {
				// Collapsed into the Spawned entry's component set.
				continue
			}
			updates[updateKey{rec.Entity, rec.Component}] = DeltaUpdate{
				Entity:    rec.Entity,
				Type:      rec.Component,
				Value:     toScalar(rec.Value),
				Tombstone: rec.Tombstone,
			}
		}
	}

	for id := range spawnedInWindow {
		d.Spawned = append(d.Spawned, entityState(s, id))
	}
	sort.Slice(d.Spawned, func(i, j int) bool { return d.Spawned[i].ID < d.Spawned[j].ID })

	for id := range despawned {
		d.Despawned = append(d.Despawned, id)
	}
	sort.Slice(d.Despawned, func(i, j int) bool { return d.Despawned[i] < d.Despawned[j] })

	for _, u := range updates {
		d.Updated = append(d.Updated, u)
	}
	sort.Slice(d.Updated, func(i, j int) bool {
		if d.Updated[i].Entity != d.Updated[j].Entity {
			return d.Updated[i].Entity < d.Updated[j].Entity
		}
		return d.Updated[i].Type < d.Updated[j].Type
	})

	return d, true
}

// Merge folds next into prev, producing a single delta spanning
// prev.FromTick to next.ToTick. Used when coalescing for slow subscribers.
func Merge(prev, next *WorldDelta) *WorldDelta {
	out := &WorldDelta{
		MatchID:   prev.MatchID,
		FromTick:  prev.FromTick,
		ToTick:    next.ToTick,
		Spawned:   []EntityState{},
		Despawned: []ids.EntityId{},
		Updated:   []DeltaUpdate{},
	}

	spawned := make(map[ids.EntityId]EntityState)
	for _, e := range prev.Spawned {
		spawned[e.ID] = e
	}
	despawned := make(map[ids.EntityId]bool)
	for _, id := range prev.Despawned {
		despawned[id] = true
	}
	type updateKey struct {
		entity ids.EntityId
		ct     ids.ComponentTypeId
	}
	updates := make(map[updateKey]DeltaUpdate)
	for _, u := range prev.Updated {
		updates[updateKey{u.Entity, u.Type}] = u
	}

	for _, id := range next.Despawned {
		if _, wasSpawned := spawned[id]; wasSpawned {
			delete(spawned, id)
		} else {
			despawned[id] = true
		}
		for k := range updates {
			if k.entity == id {
				delete(updates, k)
			}
		}
	}
	for _, e := range next.Spawned {
		spawned[e.ID] = e
		delete(despawned, e.ID)
	}
	for _, u := range next.Updated {
		if e, wasSpawned := spawned[u.Entity]; wasSpawned {
			// Fold the write into the spawned entity's component set.
			spawned[u.Entity] = applyToEntity(e, u)
			continue
		}
		updates[updateKey{u.Entity, u.Type}] = u
	}

	for _, e := range spawned {
		out.Spawned = append(out.Spawned, e)
	}
	sort.Slice(out.Spawned, func(i, j int) bool { return out.Spawned[i].ID < out.Spawned[j].ID })
	for id := range despawned {
		out.Despawned = append(out.Despawned, id)
	}
	sort.Slice(out.Despawned, func(i, j int) bool { return out.Despawned[i] < out.Despawned[j] })
	for _, u := range updates {
		out.Updated = append(out.Updated, u)
	}
	sort.Slice(out.Updated, func(i, j int) bool {
		if out.Updated[i].Entity != out.Updated[j].Entity {
			return out.Updated[i].Entity < out.Updated[j].Entity
		}
		return out.Updated[i].Type < out.Updated[j].Type
	})
	return out
}

func applyToEntity(e EntityState, u DeltaUpdate) EntityState {
	comps := append([]ComponentState{}, e.Components...)
	idx := -1
	for n := range comps {
		if comps[n].Type == u.Type {
			idx = n
			break
		}
	}
	switch {
	case u.Tombstone && idx >= 0:
		comps = append(comps[:idx], comps[idx+1:]...)
	case u.Tombstone:
	case idx >= 0:
		comps[idx].Value = u.Value
	default:
		comps = append(comps, ComponentState{Type: u.Type, Value: u.Value})
		sort.Slice(comps, func(i, j int) bool { return comps[i].Type < comps[j].Type })
	}
	return EntityState{ID: e.ID, Components: comps}
}
