package snapshot

import (
	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/store"
)

// PlayerFilter restricts a subscriber's view to entities owned by one
// player. Ownership is a component: an entity carrying OwnerComponent with
// an int handle equal to OwnerHandle belongs to the player; entities with
// no ownership component are visible to everyone. Filtering happens at
// serialization — shared state is never mutated.
type PlayerFilter struct {
	Player         ids.PlayerId
	OwnerComponent ids.ComponentTypeId
	OwnerHandle    int64
}

func (f *PlayerFilter) visible(comps []ComponentState) bool {
	for _, c := range comps {
		if c.Type == f.OwnerComponent {
			return c.Value.Kind == "int" && c.Value.I == f.OwnerHandle
		}
	}
	return true
}

// FilterSnapshot returns a copy of the snapshot containing only entities
// visible to the filter. A nil filter returns the snapshot unchanged.
func FilterSnapshot(s *WorldSnapshot, f *PlayerFilter) *WorldSnapshot {
	if f == nil {
		return s
	}
	out := &WorldSnapshot{MatchID: s.MatchID, Tick: s.Tick, Entities: []EntityState{}}
	for _, e := range s.Entities {
		if f.visible(e.Components) {
			out.Entities = append(out.Entities, e)
		}
	}
	return out
}

// FilterDelta returns a copy of the delta restricted to entities visible to
// the filter. Despawns pass through unfiltered: the subscriber may hold the
// entity from before an ownership change, and a spurious despawn of an
// entity it never saw is harmless.
func FilterDelta(d *WorldDelta, f *PlayerFilter) *WorldDelta {
	if f == nil {
		return d
	}
	out := &WorldDelta{
		MatchID:   d.MatchID,
		FromTick:  d.FromTick,
		ToTick:    d.ToTick,
		Spawned:   []EntityState{},
		Despawned: d.Despawned,
		Updated:   []DeltaUpdate{},
	}
	hidden := make(map[ids.EntityId]bool)
	for _, e := range d.Spawned {
		if f.visible(e.Components) {
			out.Spawned = append(out.Spawned, e)
		} else {
			hidden[e.ID] = true
		}
	}
	for _, u := range d.Updated {
		if hidden[u.Entity] {
			continue
		}
		out.Updated = append(out.Updated, u)
	}
	return out
}

// OwnerScalar builds the int-handle value an ownership component stores.
func OwnerScalar(handle int64) store.Value { return store.IntValue(handle) }
