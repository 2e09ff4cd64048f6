package module

import (
	"sort"
	"sync"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/ids"
)

// ArtifactState tracks the registry-side half of the module lifecycle
// (Loading -> Validated). The per-match half (Instantiated -> Ticking ->
// Unloaded) lives with the match that owns each instance.
type ArtifactState string

const (
	StateLoading   ArtifactState = "loading"
	StateValidated ArtifactState = "validated"
)

// Artifact is one immutable, validated module revision. Program is compiled
// once and shared by every instance in the container; Generation increments
// each time the artifact is replaced (hot reload), letting matches detect at
// a tick boundary that their instances were built from stale code.
type Artifact struct {
	ID         ids.ModuleId
	Manifest   Manifest
	Source     string
	Program    *goja.Program
	Generation uint64
	State      ArtifactState
}

// Registry holds a container's installed module artifacts. Install may be
// slow (compilation) and is always called off the tick path.
type Registry struct {
	mu  sync.RWMutex
	log *logrus.Entry

	modules    map[ids.ModuleId]*Artifact
	generation uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logrus.Entry) *Registry {
	return &Registry{
		log:     log,
		modules: make(map[ids.ModuleId]*Artifact),
	}
}

// Install validates and registers a module artifact. Installing under a name
// that already exists replaces the artifact (hot reload): the new revision
// gets a fresh generation and existing instances are invalidated by their
// matches at the next tick boundary — no instance ever crosses from old to
// new code mid-tick.
//
// Validation is compile-time: the source must parse and compile, and the
// manifest must be structurally valid. Whether every declared command
// handler actually resolves to a function is checked at instantiation,
// since top-level code may define handlers dynamically.
func (r *Registry) Install(manifest Manifest, source string) (*Artifact, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	program, err := goja.Compile(manifest.Name+".js", source, true)
	if err != nil {
		return nil, apierr.InvalidInput("module source does not compile: " + err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.generation++
	art := &Artifact{
		ID:         manifest.ID(),
		Manifest:   manifest,
		Source:     source,
		Program:    program,
		Generation: r.generation,
		State:      StateValidated,
	}
	if prev, ok := r.modules[art.ID]; ok {
		r.log.WithFields(logrus.Fields{
			"module":      art.ID,
			"old_version": prev.Manifest.Version,
			"new_version": manifest.Version,
			"generation":  art.Generation,
		}).Info("module artifact replaced")
	} else {
		r.log.WithFields(logrus.Fields{
			"module":  art.ID,
			"version": manifest.Version,
		}).Info("module artifact installed")
	}
	r.modules[art.ID] = art
	return art, nil
}

// Uninstall removes a module artifact. Matches with live instances drain
// them at their next tick boundary.
func (r *Registry) Uninstall(id ids.ModuleId) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[id]; !ok {
		return apierr.NotFound("module " + id.String() + " not installed")
	}
	delete(r.modules, id)
	r.log.WithField("module", id).Info("module artifact uninstalled")
	return nil
}

// Get returns the current artifact for id.
func (r *Registry) Get(id ids.ModuleId) (*Artifact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	art, ok := r.modules[id]
	return art, ok
}

// List returns installed module ids, sorted.
func (r *Registry) List() []ids.ModuleId {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ids.ModuleId, 0, len(r.modules))
	for id := range r.modules {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
