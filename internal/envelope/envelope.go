// Package envelope declares the wire shapes crossing the engine's boundary:
// command ingress, admission claims, and module artifact uploads. Snapshot
// and delta egress shapes, and the frame type the transport streams
// (snapshot.Message), live in internal/snapshot next to the code that
// builds them; this package is only the ingress side.
package envelope

import (
	"encoding/json"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/ids"
)

// Command is the ingress command envelope (spec §6). TargetTick of nil means
// "next tick" and is resolved at admission against the match's current tick.
type Command struct {
	MatchID     ids.MatchId    `json:"match_id"`
	TargetTick  *uint64        `json:"target_tick,omitempty"`
	CommandName string         `json:"command_name"`
	Payload     map[string]any `json:"payload"`
}

// Claims is the admission context accompanying every ingress operation. The
// engine consumes it as an opaque capability set; authentication itself is
// external.
type Claims struct {
	TenantID ids.TenantId `json:"tenant_id"`
	UserID   string       `json:"user_id"`
	Roles    []string     `json:"roles"`
}

// HasRole reports whether the claims carry the given role.
func (c Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ArtifactUpload is the module artifact ingress shape: an opaque source blob
// plus the manifest it must validate against.
type ArtifactUpload struct {
	Manifest json.RawMessage `json:"manifest"`
	Source   string          `json:"source"`
}

// ValidateScalar rejects payload values that are not scalars. Command
// payloads are mappings of string keys to scalar values; nested objects and
// arrays are malformed input.
func ValidateScalar(field string, v any) error {
	switch v.(type) {
	case nil, bool, string, float64, int, int64:
		return nil
	default:
		return apierr.InvalidInput("payload value must be a scalar").WithField(field)
	}
}

// Validate performs structural validation of the command envelope before
// admission: match id and command name present, payload scalar-only. Schema
// validation against the command's declaration happens later, at dispatch.
func (c *Command) Validate() error {
	if c.MatchID == "" {
		return apierr.InvalidInput("match_id is required").WithField("match_id")
	}
	if c.CommandName == "" {
		return apierr.InvalidInput("command_name is required").WithField("command_name")
	}
	for k, v := range c.Payload {
		if err := ValidateScalar(k, v); err != nil {
			return err
		}
	}
	return nil
}
