package sandbox

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/dop251/goja"

	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/logging"
	"github.com/stormstack/engine/internal/store"
)

// =============================================================================
// Capability tests
// =============================================================================

func TestCapabilitySet(t *testing.T) {
	cs := NewCapabilitySet()

	if cs.Has(CapSpawn) {
		t.Error("new capability set should be empty")
	}
	cs.Grant(CapSpawn)
	cs.Grant(CapRead("HEALTH"))
	if !cs.Has(CapSpawn) || !cs.Has(CapRead("HEALTH")) {
		t.Error("granted capabilities should be present")
	}
	if !cs.HasAll(CapSpawn, CapRead("HEALTH")) {
		t.Error("HasAll should hold for granted capabilities")
	}
	if cs.HasAll(CapSpawn, CapDespawn) {
		t.Error("HasAll should fail when any capability is missing")
	}
	cs.Revoke(CapSpawn)
	if cs.Has(CapSpawn) {
		t.Error("revoked capability should be absent")
	}
}

func TestComponentAccessWriteImpliesRead(t *testing.T) {
	cs := NewCapabilitySet()
	cs.Grant(CapWrite("POSITION_X"))
	byName := func(name string) (ids.ComponentTypeId, bool) {
		if name == "POSITION_X" {
			return 1, true
		}
		return 0, false
	}
	ca := NewComponentAccess(cs, byName)
	if !ca.CanWrite(1) || !ca.CanRead(1) {
		t.Error("write grant should imply read of the same component")
	}
	if ca.CanRead(2) {
		t.Error("ungranted component should not be readable")
	}
}

// =============================================================================
// Instance harness
// =============================================================================

type testAlloc struct{ n atomic.Uint64 }

func (a *testAlloc) NextEntityID() ids.EntityId { return ids.EntityId(a.n.Add(1)) }

type fixedClock struct {
	tick uint64
	dt   float64
}

func (c *fixedClock) Tick() uint64       { return c.tick }
func (c *fixedClock) DeltaTime() float64 { return c.dt }

type harness struct {
	store  *store.Store
	schema *store.Schema
	clock  *fixedClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	schema := store.NewSchema()
	for i, name := range []string{"POSITION_X", "POSITION_Y", "VELOCITY_X"} {
		if err := schema.Register(store.ComponentType{ID: ids.ComponentTypeId(i + 1), Name: name}); err != nil {
			t.Fatal(err)
		}
	}
	return &harness{
		store:  store.New("m1", schema, &testAlloc{}),
		schema: schema,
		clock:  &fixedClock{tick: 7, dt: 1.0 / 60.0},
	}
}

func (h *harness) instantiate(t *testing.T, source string, caps []Capability, limits Limits) (*Instance, error) {
	t.Helper()
	prog, err := goja.Compile("test.js", source, true)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	cs := NewCapabilitySet()
	for _, c := range caps {
		cs.Grant(c)
	}
	return Instantiate(Config{
		ModuleID: "test-module",
		MatchID:  "m1",
		Program:  prog,
		Caps:     cs,
		Access:   NewComponentAccess(cs, h.schema.LookupByName),
		Limits:   limits,
		Store:    h.store,
		Schema:   h.schema,
		RNG:      NewRNG(42),
		Clock:    h.clock,
		Log:      logging.NewDefault().WithComponent("sandbox-test"),
	}, 1)
}

func defaultTestLimits() Limits {
	return NewLimits(0, 0, 200*time.Millisecond, 0)
}

// =============================================================================
// Instance tests
// =============================================================================

func TestOnTickReadsAndWritesStore(t *testing.T) {
	h := newHarness(t)
	e, _ := h.store.Spawn()
	_ = h.store.Attach(e, 1, store.FloatValue(10))
	_ = h.store.Attach(e, 3, store.FloatValue(60))

	src := `
function on_tick(dt) {
	var ents = query.entities(["POSITION_X", "VELOCITY_X"]);
	for (var i = 0; i < ents.length; i++) {
		var x = component.get(ents[i], "POSITION_X");
		var vx = component.get(ents[i], "VELOCITY_X");
		component.set(ents[i], "POSITION_X", x + vx * dt);
	}
}
`
	caps := []Capability{CapRead("POSITION_X"), CapWrite("POSITION_X"), CapRead("VELOCITY_X"), CapTime}
	inst, err := h.instantiate(t, src, caps, defaultTestLimits())
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if err := inst.OnTick(1.0 / 60.0); err != nil {
		t.Fatalf("on_tick: %v", err)
	}

	v, _ := h.store.Get(e, 1)
	if v.Float32 != 11 {
		t.Fatalf("position after tick: want 11, got %v", v.Float32)
	}
}

func TestOnLoadRunsAtInstantiation(t *testing.T) {
	h := newHarness(t)
	src := `
var loaded = false;
function on_load() {
	var e = entity.spawn();
	component.set(e, "POSITION_X", 0);
	loaded = true;
}
`
	caps := []Capability{CapSpawn, CapWrite("POSITION_X")}
	if _, err := h.instantiate(t, src, caps, defaultTestLimits()); err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if got := h.store.Entities(); len(got) != 1 {
		t.Fatalf("on_load should have spawned one entity, got %d", len(got))
	}
}

func TestCapabilityViolationTraps(t *testing.T) {
	h := newHarness(t)
	e, _ := h.store.Spawn()
	_ = h.store.Attach(e, 1, store.FloatValue(3))

	// Module has read, attempts write.
	src := `function on_tick(dt) { component.set(` + "1" + `, "POSITION_X", 99); }`
	inst, err := h.instantiate(t, src, []Capability{CapRead("POSITION_X")}, defaultTestLimits())
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	err = inst.OnTick(0.016)
	trap, ok := err.(*Trap)
	if !ok || trap.Reason != TrapCapability {
		t.Fatalf("want capability trap, got %v", err)
	}
	// The faulting operation left the store unchanged.
	v, _ := h.store.Get(e, 1)
	if v.Float32 != 3 {
		t.Errorf("capability violation must not mutate store: got %v", v.Float32)
	}
}

func TestForeignEntityTraps(t *testing.T) {
	h := newHarness(t)
	// Entity 999 belongs to no match in this store.
	src := `function on_tick(dt) { component.set(999, "POSITION_X", 1); }`
	caps := []Capability{CapRead("POSITION_X"), CapWrite("POSITION_X")}
	inst, err := h.instantiate(t, src, caps, defaultTestLimits())
	if err != nil {
		t.Fatal(err)
	}
	err = inst.OnTick(0.016)
	trap, ok := err.(*Trap)
	if !ok || trap.Reason != TrapCapability {
		t.Fatalf("foreign entity access: want capability trap, got %v", err)
	}
}

func TestEpochDeadlineTrapsInfiniteLoop(t *testing.T) {
	h := newHarness(t)
	src := `function on_tick(dt) { while (true) {} }`
	limits := NewLimits(0, 0, 50*time.Millisecond, 0)
	inst, err := h.instantiate(t, src, nil, limits)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	err = inst.OnTick(0.016)
	trap, ok := err.(*Trap)
	if !ok || trap.Reason != TrapEpoch {
		t.Fatalf("infinite loop: want epoch trap, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("trap took too long: %v", elapsed)
	}

	// The instance survives and can run the next invocation.
	if err := inst.HandleCommand("missing", nil); err == nil {
		t.Error("expected error for missing handler")
	}
}

func TestFuelExhaustionTraps(t *testing.T) {
	h := newHarness(t)
	src := `function on_tick(dt) { for (var i = 0; i < 100000; i++) { time.tick(); } }`
	limits := NewLimits(100, 0, time.Second, 0)
	inst, err := h.instantiate(t, src, []Capability{CapTime}, limits)
	if err != nil {
		t.Fatal(err)
	}
	err = inst.OnTick(0.016)
	trap, ok := err.(*Trap)
	if !ok || trap.Reason != TrapFuel {
		t.Fatalf("want fuel trap, got %v", err)
	}
}

func TestHandlerReceivesPayload(t *testing.T) {
	h := newHarness(t)
	src := `
function set_velocity(payload) {
	component.set(payload.entity, "VELOCITY_X", payload.vx);
}
`
	caps := []Capability{CapWrite("VELOCITY_X")}
	inst, err := h.instantiate(t, src, caps, defaultTestLimits())
	if err != nil {
		t.Fatal(err)
	}
	e, _ := h.store.Spawn()
	err = inst.HandleCommand("set_velocity", map[string]any{"entity": float64(uint64(e)), "vx": 5.0})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	v, ok := h.store.Get(e, 3)
	if !ok || v.Float32 != 5 {
		t.Fatalf("velocity: want 5, got %v ok=%v", v.Float32, ok)
	}
}

func TestTimeAndRandomHostFunctions(t *testing.T) {
	h := newHarness(t)
	src := `
var observed = {};
function on_tick(dt) {
	observed.tick = time.tick();
	observed.r1 = random.u32();
	observed.f = random.range(5, 6);
	component.set(entity.spawn(), "POSITION_X", observed.tick);
}
`
	caps := []Capability{CapTime, CapRand, CapSpawn, CapWrite("POSITION_X")}
	inst, err := h.instantiate(t, src, caps, defaultTestLimits())
	if err != nil {
		t.Fatal(err)
	}
	if err := inst.OnTick(0.016); err != nil {
		t.Fatalf("on_tick: %v", err)
	}
	ents := h.store.Entities()
	if len(ents) != 1 {
		t.Fatal("expected one spawned entity")
	}
	v, _ := h.store.Get(ents[0], 1)
	if v.Float32 != 7 {
		t.Fatalf("time.tick should reflect the clock: want 7, got %v", v.Float32)
	}
}

func TestRNGDeterminism(t *testing.T) {
	a, b := NewRNG(1234), NewRNG(1234)
	for i := 0; i < 100; i++ {
		if a.Uint32() != b.Uint32() {
			t.Fatal("same seed must produce the same stream")
		}
	}
	c, d := NewRNG(1234), NewRNG(5678)
	diverged := false
	for i := 0; i < 10; i++ {
		if c.Uint32() != d.Uint32() {
			diverged = true
			break
		}
	}
	if !diverged {
		t.Error("different seeds should diverge")
	}
}

func TestStackOverflowTraps(t *testing.T) {
	h := newHarness(t)
	src := `function boom() { return boom(); } function on_tick(dt) { boom(); }`
	limits := NewLimits(0, 0, time.Second, 64)
	inst, err := h.instantiate(t, src, nil, limits)
	if err != nil {
		t.Fatal(err)
	}
	err = inst.OnTick(0.016)
	if _, ok := err.(*Trap); !ok {
		t.Fatalf("unbounded recursion must trap, got %v", err)
	}
}
