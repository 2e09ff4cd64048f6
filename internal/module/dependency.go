package module

import (
	"sort"
	"strings"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/ids"
)

// ResolveOrder returns an invocation ordering over the enabled modules that
// satisfies every declared dependency, preserving the given ordering where
// dependencies allow. A cycle or a dependency on a module that is not
// enabled fails with InvalidState — match creation rejects the module set.
//
// Fixed-point worklist: each pass admits every module whose dependencies
// are already ordered; a pass that admits nothing means the remainder is
// cyclic (or waiting on an absent module).
func (r *Registry) ResolveOrder(enabled []ids.ModuleId) ([]ids.ModuleId, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[ids.ModuleId]bool, len(enabled))
	for _, id := range enabled {
		art, ok := r.modules[id]
		if !ok {
			return nil, apierr.NotFound("module " + id.String() + " not installed")
		}
		set[id] = true
		for _, dep := range art.Manifest.DependencyNames() {
			if !containsModule(enabled, ids.ModuleId(dep)) {
				return nil, apierr.InvalidState("module " + id.String() + " depends on " + dep + ", which is not enabled")
			}
		}
	}

	resolved := make([]ids.ModuleId, 0, len(enabled))
	done := make(map[ids.ModuleId]bool, len(enabled))

	for len(resolved) < len(enabled) {
		progressed := false

		for _, id := range enabled {
			if done[id] {
				continue
			}
			waiting := false
			for _, dep := range r.modules[id].Manifest.DependencyNames() {
				if set[ids.ModuleId(dep)] && !done[ids.ModuleId(dep)] {
					waiting = true
					break
				}
			}
			if waiting {
				continue
			}
			resolved = append(resolved, id)
			done[id] = true
			progressed = true
		}

		if !progressed {
			var unresolved []string
			for _, id := range enabled {
				if !done[id] {
					unresolved = append(unresolved, string(id))
				}
			}
			sort.Strings(unresolved)
			return nil, apierr.InvalidState("dependency cycle among modules: " + strings.Join(unresolved, ", "))
		}
	}

	return resolved, nil
}

func containsModule(list []ids.ModuleId, id ids.ModuleId) bool {
	for _, m := range list {
		if m == id {
			return true
		}
	}
	return false
}
