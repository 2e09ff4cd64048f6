package snapshot

import (
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/store"
)

type testAlloc struct{ n atomic.Uint64 }

func (a *testAlloc) NextEntityID() ids.EntityId { return ids.EntityId(a.n.Add(1)) }

func testStore(t *testing.T) *store.Store {
	t.Helper()
	schema := store.NewSchema()
	for i, name := range []string{"POSITION_X", "POSITION_Y", "OWNER"} {
		require.NoError(t, schema.Register(store.ComponentType{ID: ids.ComponentTypeId(i + 1), Name: name}))
	}
	return store.New("m1", schema, &testAlloc{})
}

func TestEmptyMatchSnapshotIsWellFormed(t *testing.T) {
	s := testStore(t)
	snap := BuildFull(s, 0)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"entities":[]`)
	assert.Equal(t, ids.MatchId("m1"), snap.MatchID)
}

// TestDeltaRoundTrip is the round-trip law: apply(S(V0), D(V0->V1)) must be
// byte-equivalent to a fresh full snapshot at V1. The scenario mirrors the
// literal one in the engine's testable properties: 3 entities with 2
// components each, then spawn a 4th, delete the 1st, modify one component
// on the 2nd.
func TestDeltaRoundTrip(t *testing.T) {
	s := testStore(t)

	var ents []ids.EntityId
	for i := 0; i < 3; i++ {
		e, err := s.Spawn()
		require.NoError(t, err)
		require.NoError(t, s.Attach(e, 1, store.FloatValue(float32(i))))
		require.NoError(t, s.Attach(e, 2, store.FloatValue(float32(i*10))))
		ents = append(ents, e)
	}
	v0 := s.AdvanceVersion()
	s0 := BuildFull(s, v0)

	e4, err := s.Spawn()
	require.NoError(t, err)
	require.NoError(t, s.Attach(e4, 1, store.FloatValue(99)))
	require.NoError(t, s.Despawn(ents[0]))
	require.NoError(t, s.Attach(ents[1], 2, store.FloatValue(123)))
	v1 := s.AdvanceVersion()

	delta, ok := BuildDelta(s, v0)
	require.True(t, ok)
	require.Equal(t, v0, delta.FromTick)
	require.Equal(t, v1, delta.ToTick)

	applied, err := Apply(s0, delta)
	require.NoError(t, err)
	fresh := BuildFull(s, v1)

	appliedJSON, err := json.Marshal(applied)
	require.NoError(t, err)
	freshJSON, err := json.Marshal(fresh)
	require.NoError(t, err)
	assert.Equal(t, string(freshJSON), string(appliedJSON))
}

func TestDeltaAcrossZeroTicksIsEmpty(t *testing.T) {
	s := testStore(t)
	e, _ := s.Spawn()
	_ = s.Attach(e, 1, store.FloatValue(1))
	v := s.AdvanceVersion()

	delta, ok := BuildDelta(s, v)
	require.True(t, ok)
	assert.True(t, delta.Empty())
}

func TestSpawnThenDespawnWithinWindowVanishes(t *testing.T) {
	s := testStore(t)
	v0 := s.AdvanceVersion()

	e, _ := s.Spawn()
	_ = s.Attach(e, 1, store.FloatValue(1))
	require.NoError(t, s.Despawn(e))
	s.AdvanceVersion()

	delta, ok := BuildDelta(s, v0)
	require.True(t, ok)
	assert.Empty(t, delta.Spawned)
	assert.Empty(t, delta.Despawned)
	assert.Empty(t, delta.Updated)
}

func TestDetachAppearsAsTombstone(t *testing.T) {
	s := testStore(t)
	e, _ := s.Spawn()
	_ = s.Attach(e, 1, store.FloatValue(1))
	_ = s.Attach(e, 2, store.FloatValue(2))
	v0 := s.AdvanceVersion()
	s0 := BuildFull(s, v0)

	require.NoError(t, s.Detach(e, 2))
	v1 := s.AdvanceVersion()

	delta, ok := BuildDelta(s, v0)
	require.True(t, ok)
	require.Len(t, delta.Updated, 1)
	assert.True(t, delta.Updated[0].Tombstone)

	applied, err := Apply(s0, delta)
	require.NoError(t, err)
	fresh := BuildFull(s, v1)
	a, _ := json.Marshal(applied)
	f, _ := json.Marshal(fresh)
	assert.Equal(t, string(f), string(a))
}

func TestDeltaFallbackBeyondRetention(t *testing.T) {
	s := testStore(t)
	e, _ := s.Spawn()
	for i := 0; i < 10; i++ {
		_ = s.Attach(e, 1, store.FloatValue(float32(i)))
		s.AdvanceVersion()
	}
	s.Compact(s.Version() - 2)

	_, ok := BuildDelta(s, 0)
	assert.False(t, ok, "cursor before retention must force a full reset")
}

func TestMergeCoalescesDeltas(t *testing.T) {
	s := testStore(t)
	e1, _ := s.Spawn()
	_ = s.Attach(e1, 1, store.FloatValue(1))
	v0 := s.AdvanceVersion()
	s0 := BuildFull(s, v0)

	_ = s.Attach(e1, 1, store.FloatValue(2))
	e2, _ := s.Spawn()
	_ = s.Attach(e2, 2, store.FloatValue(20))
	v1 := s.AdvanceVersion()
	d1, ok := BuildDelta(s, v0)
	require.True(t, ok)

	_ = s.Attach(e1, 1, store.FloatValue(3))
	require.NoError(t, s.Despawn(e2))
	v2 := s.AdvanceVersion()
	d2, ok := BuildDelta(s, v1)
	require.True(t, ok)

	merged := Merge(d1, d2)
	assert.Equal(t, v0, merged.FromTick)
	assert.Equal(t, v2, merged.ToTick)
	// e2 spawned and despawned across the merged window: gone entirely.
	assert.Empty(t, merged.Spawned)
	assert.Empty(t, merged.Despawned)

	applied, err := Apply(s0, merged)
	require.NoError(t, err)
	fresh := BuildFull(s, v2)
	a, _ := json.Marshal(applied)
	f, _ := json.Marshal(fresh)
	assert.Equal(t, string(f), string(a))
}

func TestPlayerFilter(t *testing.T) {
	s := testStore(t)

	mine, _ := s.Spawn()
	_ = s.Attach(mine, 1, store.FloatValue(1))
	_ = s.Attach(mine, 3, store.IntValue(7))
	theirs, _ := s.Spawn()
	_ = s.Attach(theirs, 1, store.FloatValue(2))
	_ = s.Attach(theirs, 3, store.IntValue(8))
	neutral, _ := s.Spawn()
	_ = s.Attach(neutral, 1, store.FloatValue(3))
	v := s.AdvanceVersion()

	full := BuildFull(s, v)
	filter := &PlayerFilter{Player: "p1", OwnerComponent: 3, OwnerHandle: 7}
	filtered := FilterSnapshot(full, filter)

	require.Len(t, filtered.Entities, 2)
	got := []ids.EntityId{filtered.Entities[0].ID, filtered.Entities[1].ID}
	assert.Contains(t, got, mine, "owned entity visible")
	assert.Contains(t, got, neutral, "unowned entity visible to everyone")
	assert.NotContains(t, got, theirs, "other player's entity hidden")

	// Filtering never mutates the unfiltered snapshot.
	assert.Len(t, full.Entities, 3)
}
