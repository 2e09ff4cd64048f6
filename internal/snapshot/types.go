// Package snapshot builds full snapshots and per-subscriber deltas from a
// match store's change log and routes them to subscribers over a single
// streaming channel with composable subscriber options.
package snapshot

import (
	"sort"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/store"
)

// Scalar is the wire form of a component value. Every field is always
// emitted (no omitempty) so that a snapshot produced by delta application
// is byte-equivalent to a freshly built one.
type Scalar struct {
	Kind string  `json:"kind"` // "float" or "int"
	F    float32 `json:"f"`
	I    int64   `json:"i"`
}

func toScalar(v store.Value) Scalar {
	if v.Kind == store.KindInt64 {
		return Scalar{Kind: "int", I: v.Int64}
	}
	return Scalar{Kind: "float", F: v.Float32}
}

// ComponentState is one (component type, value) binding on the wire.
type ComponentState struct {
	Type  ids.ComponentTypeId `json:"type"`
	Value Scalar              `json:"value"`
}

// EntityState is one entity's full component set, sorted by component type.
type EntityState struct {
	ID         ids.EntityId     `json:"id"`
	Components []ComponentState `json:"components"`
}

// WorldSnapshot is the full materialized state of a match at a tick.
// Entities are sorted by id and components by type, so two snapshots of the
// same store version are byte-identical.
type WorldSnapshot struct {
	MatchID  ids.MatchId   `json:"match_id"`
	Tick     uint64        `json:"tick"`
	Entities []EntityState `json:"entities"`
}

// DeltaUpdate is one component write (or tombstone) in a delta.
type DeltaUpdate struct {
	Entity    ids.EntityId        `json:"entity"`
	Type      ids.ComponentTypeId `json:"type"`
	Value     Scalar              `json:"value"`
	Tombstone bool                `json:"tombstone"`
}

// WorldDelta is the incremental change set between two tick versions.
// Applying it to a snapshot at FromTick yields the snapshot at ToTick,
// byte-equivalent to a freshly built one (the round-trip law).
type WorldDelta struct {
	MatchID   ids.MatchId    `json:"match_id"`
	FromTick  uint64         `json:"from_tick"`
	ToTick    uint64         `json:"to_tick"`
	Spawned   []EntityState  `json:"spawned"`
	Despawned []ids.EntityId `json:"despawned"`
	Updated   []DeltaUpdate  `json:"updated"`
}

// Empty reports whether the delta carries no changes.
func (d *WorldDelta) Empty() bool {
	return len(d.Spawned) == 0 && len(d.Despawned) == 0 && len(d.Updated) == 0
}

// Apply produces the snapshot at d.ToTick from a snapshot at d.FromTick.
// It is a pure function over the wire structs; the store is not consulted.
func Apply(s *WorldSnapshot, d *WorldDelta) (*WorldSnapshot, error) {
	if s.MatchID != d.MatchID {
		return nil, apierr.InvalidInput("delta and snapshot are for different matches")
	}
	if s.Tick != d.FromTick {
		return nil, apierr.InvalidState("delta does not start at the snapshot's tick")
	}

	entities := make(map[ids.EntityId][]ComponentState, len(s.Entities))
	for _, e := range s.Entities {
		entities[e.ID] = append([]ComponentState{}, e.Components...)
	}

	for _, id := range d.Despawned {
		delete(entities, id)
	}
	for _, e := range d.Spawned {
		entities[e.ID] = append([]ComponentState{}, e.Components...)
	}
	for _, u := range d.Updated {
		comps, ok := entities[u.Entity]
		if !ok {
			return nil, apierr.InvalidState("delta updates unknown entity " + u.Entity.String())
		}
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
			// Detach of an already-absent binding; nothing to remove.
		case idx >= 0:
			comps[idx].Value = u.Value
		default:
			comps = append(comps, ComponentState{Type: u.Type, Value: u.Value})
		}
		entities[u.Entity] = comps
	}

	out := &WorldSnapshot{MatchID: s.MatchID, Tick: d.ToTick}
	for id, comps := range entities {
		sort.Slice(comps, func(i, j int) bool { return comps[i].Type < comps[j].Type })
		out.Entities = append(out.Entities, EntityState{ID: id, Components: comps})
	}
	sort.Slice(out.Entities, func(i, j int) bool { return out.Entities[i].ID < out.Entities[j].ID })
	if out.Entities == nil {
		out.Entities = []EntityState{}
	}
	return out, nil
}
