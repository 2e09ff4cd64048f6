// Package module holds immutable module artifacts for one container: the
// manifest each artifact was validated against, its compiled program (shared
// across instances; state is never shared), and the dependency resolution
// that orders module invocation within a tick.
package module

import (
	"encoding/json"
	"strings"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/sandbox"
)

// ComponentDecl declares a component type a module introduces.
type ComponentDecl struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"` // "float" (default) or "int"
	FlagLike bool   `json:"flag_like,omitempty"`
}

// FieldSchema declares one field of a command payload.
type FieldSchema struct {
	Type     string `json:"type"` // "float", "int", "string", "bool"
	Required bool   `json:"required,omitempty"`
}

// CommandDecl declares a command handler a module exports, keyed by name.
type CommandDecl struct {
	Name   string                 `json:"name"`
	Schema map[string]FieldSchema `json:"schema"`
}

// Manifest is the module artifact's manifest document (spec §6). A module's
// identity is its name; Version distinguishes artifact revisions of the same
// module (hot reload replaces the artifact under the same id).
type Manifest struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Components   []ComponentDecl `json:"declared_components"`
	Commands     []CommandDecl   `json:"declared_commands"`
	Capabilities []string        `json:"declared_capabilities"`
	Dependencies []string        `json:"declared_dependencies"` // "name" or "name@version"
}

// ParseManifest decodes and validates a manifest document. Unknown fields
// are rejected, matching the envelope contract for command payloads.
func ParseManifest(raw []byte) (Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, apierr.InvalidInput("malformed manifest: " + err.Error())
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ID returns the module id the manifest names.
func (m Manifest) ID() ids.ModuleId { return ids.ModuleId(m.Name) }

// Validate checks the manifest's structural invariants.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return apierr.InvalidInput("manifest name is required").WithField("name")
	}
	if strings.TrimSpace(m.Version) == "" {
		return apierr.InvalidInput("manifest version is required").WithField("version")
	}
	seen := make(map[string]bool)
	for _, c := range m.Components {
		if strings.TrimSpace(c.Name) == "" {
			return apierr.InvalidInput("component name is required").WithField("declared_components")
		}
		if seen[c.Name] {
			return apierr.InvalidInput("duplicate component " + c.Name).WithField("declared_components")
		}
		seen[c.Name] = true
		switch c.Kind {
		case "", "float", "int":
		default:
			return apierr.InvalidInput("component kind must be float or int").WithField("declared_components")
		}
	}
	cmdSeen := make(map[string]bool)
	for _, c := range m.Commands {
		if strings.TrimSpace(c.Name) == "" {
			return apierr.InvalidInput("command name is required").WithField("declared_commands")
		}
		if cmdSeen[c.Name] {
			return apierr.InvalidInput("duplicate command " + c.Name).WithField("declared_commands")
		}
		cmdSeen[c.Name] = true
		for field, fs := range c.Schema {
			switch fs.Type {
			case "float", "int", "string", "bool":
			default:
				return apierr.InvalidInput("unknown schema type for field " + field).WithField("declared_commands")
			}
		}
	}
	for _, cap := range m.Capabilities {
		if !validCapability(cap) {
			return apierr.InvalidInput("unknown capability " + cap).WithField("declared_capabilities")
		}
	}
	return nil
}

func validCapability(cap string) bool {
	switch sandbox.Capability(cap) {
	case sandbox.CapSpawn, sandbox.CapDespawn, sandbox.CapLog, sandbox.CapTime, sandbox.CapRand:
		return true
	}
	return strings.HasPrefix(cap, "ecs.read:") || strings.HasPrefix(cap, "ecs.write:")
}

// CapabilitySet materializes the declared capabilities into a granted set.
// The registry grants exactly what the manifest declares — never more.
func (m Manifest) CapabilitySet() *sandbox.CapabilitySet {
	cs := sandbox.NewCapabilitySet()
	for _, cap := range m.Capabilities {
		cs.Grant(sandbox.Capability(cap))
	}
	return cs
}

// DependencyNames returns the declared dependencies with any @version
// suffix stripped: ordering is by module identity, version pinning is the
// install pipeline's concern.
func (m Manifest) DependencyNames() []string {
	out := make([]string, 0, len(m.Dependencies))
	for _, d := range m.Dependencies {
		if at := strings.IndexByte(d, '@'); at >= 0 {
			d = d[:at]
		}
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// Command returns the declaration for a command name, if the module exports
// it.
func (m Manifest) Command(name string) (CommandDecl, bool) {
	for _, c := range m.Commands {
		if c.Name == name {
			return c, true
		}
	}
	return CommandDecl{}, false
}

// ValidatePayload checks a command payload against the declared schema:
// unknown fields are rejected, missing required fields are rejected, and
// each present field must match its declared scalar type.
func (c CommandDecl) ValidatePayload(payload map[string]any) error {
	for field := range payload {
		if _, ok := c.Schema[field]; !ok {
			return apierr.InvalidInput("unknown field in payload").WithField(field)
		}
	}
	for field, fs := range c.Schema {
		v, present := payload[field]
		if !present {
			if fs.Required {
				return apierr.InvalidInput("missing required field").WithField(field)
			}
			continue
		}
		if !scalarMatches(fs.Type, v) {
			return apierr.InvalidInput("field does not match declared type "+fs.Type).WithField(field)
		}
	}
	return nil
}

func scalarMatches(declared string, v any) bool {
	switch declared {
	case "float", "int":
		// JSON numbers decode as float64; accept Go ints from internal callers.
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
	case "string":
		_, ok := v.(string)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	}
	return false
}
