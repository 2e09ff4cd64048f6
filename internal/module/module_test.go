package module

import (
	"testing"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/logging"
)

func testRegistry() *Registry {
	return NewRegistry(logging.NewDefault().WithComponent("test"))
}

func manifest(name string, deps ...string) Manifest {
	return Manifest{Name: name, Version: "1.0.0", Dependencies: deps}
}

func TestParseManifestRejectsUnknownFields(t *testing.T) {
	_, err := ParseManifest([]byte(`{"name":"m","version":"1","bogus":true}`))
	if !apierr.Is(err, apierr.KindInvalidInput) {
		t.Fatalf("unknown field: want InvalidInput, got %v", err)
	}
}

func TestManifestValidation(t *testing.T) {
	cases := []struct {
		name string
		m    Manifest
		ok   bool
	}{
		{"valid", Manifest{Name: "m", Version: "1", Capabilities: []string{"ecs.spawn", "ecs.read:HEALTH"}}, true},
		{"missing name", Manifest{Version: "1"}, false},
		{"missing version", Manifest{Name: "m"}, false},
		{"bad capability", Manifest{Name: "m", Version: "1", Capabilities: []string{"fs.read"}}, false},
		{"duplicate component", Manifest{Name: "m", Version: "1",
			Components: []ComponentDecl{{Name: "A"}, {Name: "A"}}}, false},
		{"bad kind", Manifest{Name: "m", Version: "1",
			Components: []ComponentDecl{{Name: "A", Kind: "string"}}}, false},
	}
	for _, tc := range cases {
		err := tc.m.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestPayloadValidation(t *testing.T) {
	decl := CommandDecl{Name: "set_velocity", Schema: map[string]FieldSchema{
		"entity": {Type: "int", Required: true},
		"vx":     {Type: "float"},
		"label":  {Type: "string"},
	}}

	if err := decl.ValidatePayload(map[string]any{"entity": float64(1), "vx": 5.0}); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := decl.ValidatePayload(map[string]any{"vx": 5.0}); !apierr.Is(err, apierr.KindInvalidInput) {
		t.Errorf("missing required field: want InvalidInput, got %v", err)
	}
	if err := decl.ValidatePayload(map[string]any{"entity": float64(1), "extra": 1.0}); !apierr.Is(err, apierr.KindInvalidInput) {
		t.Errorf("unknown field: want InvalidInput, got %v", err)
	}
	if err := decl.ValidatePayload(map[string]any{"entity": float64(1), "label": 3.0}); !apierr.Is(err, apierr.KindInvalidInput) {
		t.Errorf("type mismatch: want InvalidInput, got %v", err)
	}
}

func TestInstallCompileAndReplace(t *testing.T) {
	r := testRegistry()

	art, err := r.Install(manifest("mover"), `function on_tick(dt) {}`)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	gen1 := art.Generation
	if art.State != StateValidated {
		t.Errorf("installed artifact should be validated, got %s", art.State)
	}

	// Source that does not compile rejects install.
	if _, err := r.Install(manifest("broken"), `function (`); !apierr.Is(err, apierr.KindInvalidInput) {
		t.Errorf("bad source: want InvalidInput, got %v", err)
	}

	// Replacing bumps the generation: matches detect staleness at the next
	// tick boundary.
	art2, err := r.Install(manifest("mover"), `function on_tick(dt) { /* v2 */ }`)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if art2.Generation <= gen1 {
		t.Errorf("replacement must advance generation: %d -> %d", gen1, art2.Generation)
	}

	if err := r.Uninstall("mover"); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if err := r.Uninstall("mover"); !apierr.Is(err, apierr.KindNotFound) {
		t.Errorf("double uninstall: want NotFound, got %v", err)
	}
}

func TestResolveOrder(t *testing.T) {
	r := testRegistry()
	mustInstall := func(m Manifest) {
		t.Helper()
		if _, err := r.Install(m, `var x = 1;`); err != nil {
			t.Fatal(err)
		}
	}
	mustInstall(manifest("base"))
	mustInstall(manifest("physics", "base"))
	mustInstall(manifest("combat", "physics", "base"))

	order, err := r.ResolveOrder([]ids.ModuleId{"combat", "physics", "base"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	pos := make(map[ids.ModuleId]int)
	for i, id := range order {
		pos[id] = i
	}
	if pos["base"] > pos["physics"] || pos["physics"] > pos["combat"] {
		t.Fatalf("dependency order violated: %v", order)
	}
}

func TestResolveOrderCycleFails(t *testing.T) {
	r := testRegistry()
	if _, err := r.Install(manifest("a", "b"), `var x = 1;`); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Install(manifest("b", "a"), `var x = 1;`); err != nil {
		t.Fatal(err)
	}
	_, err := r.ResolveOrder([]ids.ModuleId{"a", "b"})
	if !apierr.Is(err, apierr.KindInvalidState) {
		t.Fatalf("cycle: want InvalidState, got %v", err)
	}
}

func TestResolveOrderMissingDependency(t *testing.T) {
	r := testRegistry()
	if _, err := r.Install(manifest("a", "ghost"), `var x = 1;`); err != nil {
		t.Fatal(err)
	}
	_, err := r.ResolveOrder([]ids.ModuleId{"a"})
	if !apierr.Is(err, apierr.KindInvalidState) {
		t.Fatalf("missing dep: want InvalidState, got %v", err)
	}
}

func TestDependencyNamesStripVersions(t *testing.T) {
	m := manifest("a", "base@1.2.0", "physics", " ")
	got := m.DependencyNames()
	if len(got) != 2 || got[0] != "base" || got[1] != "physics" {
		t.Fatalf("unexpected dependency names: %v", got)
	}
}
