// Package ids declares the opaque, non-interchangeable identifier types used
// throughout the engine. Each kind is a distinct defined type so that mixing
// (say) an EntityId where a ModuleId is expected is a compile-time error.
package ids

import "fmt"

// EntityId identifies an entity. Allocation is container-wide (see
// container.Container), so an EntityId is never reused even across matches
// within the same container, which simplifies cross-match diagnostics.
type EntityId uint64

func (id EntityId) String() string { return fmt.Sprintf("entity:%d", uint64(id)) }

// ComponentTypeId identifies a component schema within a container's shared
// component type registry.
type ComponentTypeId uint32

func (id ComponentTypeId) String() string { return fmt.Sprintf("component:%d", uint32(id)) }

// ModuleId identifies a module by its manifest name. The version is not part
// of the id: installing a new revision under the same name replaces the
// artifact and keeps the id.
type ModuleId string

func (id ModuleId) String() string { return string(id) }

// MatchId identifies a single game session.
type MatchId string

func (id MatchId) String() string { return string(id) }

// ContainerId identifies an execution container.
type ContainerId string

func (id ContainerId) String() string { return string(id) }

// TenantId identifies the tenant that owns a container.
type TenantId string

func (id TenantId) String() string { return string(id) }

// PlayerId identifies a player within a match's roster.
type PlayerId string

func (id PlayerId) String() string { return string(id) }

// SubscriberId identifies a snapshot/delta subscriber connection.
type SubscriberId string

func (id SubscriberId) String() string { return string(id) }

// InvalidEntityId is the zero value; spawn() never returns it.
const InvalidEntityId EntityId = 0
