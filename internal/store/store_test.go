package store

import (
	"sync/atomic"
	"testing"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/ids"
)

type counterAlloc struct{ n atomic.Uint64 }

func (a *counterAlloc) NextEntityID() ids.EntityId { return ids.EntityId(a.n.Add(1)) }

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s := NewSchema()
	for i, name := range []string{"POSITION_X", "POSITION_Y", "HEALTH"} {
		if err := s.Register(ComponentType{ID: ids.ComponentTypeId(i + 1), Name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return s
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New("m1", testSchema(t), &counterAlloc{})
}

func TestSpawnDespawn(t *testing.T) {
	s := newTestStore(t)

	e1, err := s.Spawn()
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	e2, err := s.Spawn()
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if e1 == e2 {
		t.Fatalf("entity ids must be unique: %v == %v", e1, e2)
	}
	if !s.Exists(e1) {
		t.Error("spawned entity should exist")
	}

	if err := s.Despawn(e1); err != nil {
		t.Fatalf("despawn: %v", err)
	}
	if s.Exists(e1) {
		t.Error("despawned entity should not exist")
	}

	// Despawning an unknown id fails with NotFound.
	if err := s.Despawn(e1); !apierr.Is(err, apierr.KindNotFound) {
		t.Errorf("double despawn: want NotFound, got %v", err)
	}
}

func TestEntityIdNeverReused(t *testing.T) {
	s := newTestStore(t)

	e1, _ := s.Spawn()
	_ = s.Despawn(e1)
	e2, _ := s.Spawn()
	if e2 == e1 {
		t.Errorf("entity id reused after despawn: %v", e2)
	}
	// The row index is recycled; the id is not. Components of the old
	// entity must not leak into the new one.
	if comps := s.Components(e2); len(comps) != 0 {
		t.Errorf("recycled row leaked components: %v", comps)
	}
}

func TestAttachDetachGet(t *testing.T) {
	s := newTestStore(t)
	e, _ := s.Spawn()

	if err := s.Attach(e, 1, FloatValue(5)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	v, ok := s.Get(e, 1)
	if !ok || v.Float32 != 5 {
		t.Fatalf("get: want 5, got %v ok=%v", v, ok)
	}

	// Overwrite keeps a single binding.
	if err := s.Attach(e, 1, FloatValue(7)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, _ = s.Get(e, 1)
	if v.Float32 != 7 {
		t.Fatalf("overwrite: want 7, got %v", v.Float32)
	}
	if comps := s.Components(e); len(comps) != 1 {
		t.Fatalf("at most one binding per (entity, component): got %d", len(comps))
	}

	if err := s.Detach(e, 1); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if s.Has(e, 1) {
		t.Error("detached binding still present")
	}

	// Unknown component type rejected.
	if err := s.Attach(e, 99, FloatValue(1)); !apierr.Is(err, apierr.KindInvalidInput) {
		t.Errorf("unknown component: want InvalidInput, got %v", err)
	}
	// Attach to a despawned entity fails with NotFound.
	_ = s.Despawn(e)
	if err := s.Attach(e, 1, FloatValue(1)); !apierr.Is(err, apierr.KindNotFound) {
		t.Errorf("attach after despawn: want NotFound, got %v", err)
	}
}

func TestQuerySortedAndFiltered(t *testing.T) {
	s := newTestStore(t)

	var both, onlyX []ids.EntityId
	for i := 0; i < 5; i++ {
		e, _ := s.Spawn()
		_ = s.Attach(e, 1, FloatValue(1))
		if i%2 == 0 {
			_ = s.Attach(e, 2, FloatValue(2))
			both = append(both, e)
		} else {
			onlyX = append(onlyX, e)
		}
	}

	got := s.Query([]ids.ComponentTypeId{1, 2})
	if len(got) != len(both) {
		t.Fatalf("query: want %d entities, got %d", len(both), len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("query result not sorted by entity id: %v", got)
		}
	}
	_ = onlyX
}

func TestChangeLogAndCompaction(t *testing.T) {
	s := newTestStore(t)

	e, _ := s.Spawn()
	_ = s.Attach(e, 1, FloatValue(1))
	v1 := s.AdvanceVersion()

	_ = s.Attach(e, 1, FloatValue(2))
	v2 := s.AdvanceVersion()

	recs, ok := s.ChangesSince(v1)
	if !ok {
		t.Fatal("changes since v1 should be retained")
	}
	if len(recs) != 1 || recs[0].Version != v2 || recs[0].Value.Float32 != 2 {
		t.Fatalf("unexpected records: %+v", recs)
	}

	// Delta across zero ticks is empty.
	recs, ok = s.ChangesSince(v2)
	if !ok || len(recs) != 0 {
		t.Fatalf("delta across zero ticks: want empty, got %v ok=%v", recs, ok)
	}

	// Compaction makes old cursors unusable: callers must reset.
	for i := 0; i < 10; i++ {
		_ = s.Attach(e, 1, FloatValue(float32(i)))
		s.AdvanceVersion()
	}
	s.Compact(s.Version() - 2)
	if _, ok := s.ChangesSince(0); ok {
		t.Error("cursor before retained history should force a reset")
	}
	if _, ok := s.ChangesSince(s.Version() - 1); !ok {
		t.Error("cursor within retention should still work")
	}
}

func TestEmptyTickClosesVersion(t *testing.T) {
	s := newTestStore(t)
	v1 := s.AdvanceVersion()
	v2 := s.AdvanceVersion()
	if v2 != v1+1 {
		t.Fatalf("version must advance by exactly 1: %d -> %d", v1, v2)
	}
	recs, ok := s.ChangesSince(v1)
	if !ok || len(recs) != 0 {
		t.Fatalf("empty tick should yield an empty retained batch")
	}
}

func TestSchemaRejectsConflicts(t *testing.T) {
	s := NewSchema()
	if err := s.Register(ComponentType{ID: 1, Name: "A"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(ComponentType{ID: 1, Name: "B"}); !apierr.Is(err, apierr.KindInvalidState) {
		t.Errorf("re-register under new name: want InvalidState, got %v", err)
	}
	if err := s.Register(ComponentType{ID: 2, Name: "A"}); !apierr.Is(err, apierr.KindInvalidState) {
		t.Errorf("duplicate name: want InvalidState, got %v", err)
	}
	// Idempotent re-register of the identical type is fine.
	if err := s.Register(ComponentType{ID: 1, Name: "A"}); err != nil {
		t.Errorf("idempotent register: %v", err)
	}
}
