package sandbox

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/store"
)

// Host call fuel costs. Store mutations cost more than reads; queries cost
// per result on top of a base. Tuned so the default 10⁶ budget covers a
// generously sized tick, not an unbounded one.
const (
	costLog    = 50
	costTime   = 1
	costLife   = 20 // spawn/despawn/exists
	costRead   = 5
	costWrite  = 10
	costQuery  = 25 // plus 1 per returned entity
	costRandom = 2
)

// maxQueryResults bounds the result buffer of query.entities regardless of
// what the script asks for, as part of the memory ceiling enforced at the
// host boundary.
const maxQueryResults = 4096

// maxLogBytes bounds a single log line from module code.
const maxLogBytes = 1024

// installHostObjects registers the closed host function table (spec §4.3)
// on the runtime's global object. Nothing else is registered: filesystem,
// network, environment, process and wall-clock APIs simply do not exist in
// this runtime.
func (i *Instance) installHostObjects() {
	vm := i.vm

	logObj := vm.NewObject()
	for name, level := range map[string]logrus.Level{
		"debug": logrus.DebugLevel,
		"info":  logrus.InfoLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
	} {
		lvl := level
		_ = logObj.Set(name, func(call goja.FunctionCall) goja.Value {
			return i.hostLog(lvl, call)
		})
	}
	_ = vm.Set("log", logObj)

	timeObj := vm.NewObject()
	_ = timeObj.Set("tick", func(goja.FunctionCall) goja.Value {
		if !i.requireCap(CapTime) || !i.charge(costTime) {
			return goja.Undefined()
		}
		return vm.ToValue(i.cfg.Clock.Tick())
	})
	_ = timeObj.Set("delta", func(goja.FunctionCall) goja.Value {
		if !i.requireCap(CapTime) || !i.charge(costTime) {
			return goja.Undefined()
		}
		return vm.ToValue(i.cfg.Clock.DeltaTime())
	})
	_ = vm.Set("time", timeObj)

	entityObj := vm.NewObject()
	_ = entityObj.Set("spawn", func(goja.FunctionCall) goja.Value {
		if !i.requireCap(CapSpawn) || !i.charge(costLife) {
			return goja.Undefined()
		}
		id, err := i.cfg.Store.Spawn()
		if err != nil {
			return i.abort(TrapRuntime, err.Error())
		}
		return vm.ToValue(uint64(id))
	})
	_ = entityObj.Set("despawn", func(call goja.FunctionCall) goja.Value {
		if !i.requireCap(CapDespawn) || !i.charge(costLife) {
			return goja.Undefined()
		}
		id, ok := i.entityArg(call, 0)
		if !ok {
			return goja.Undefined()
		}
		if err := i.cfg.Store.Despawn(id); err != nil {
			return i.abort(TrapCapability, "entity not in this match")
		}
		return goja.Undefined()
	})
	_ = entityObj.Set("exists", func(call goja.FunctionCall) goja.Value {
		if !i.charge(costLife) {
			return goja.Undefined()
		}
		id, ok := i.entityArg(call, 0)
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(i.storeHasEntity(id))
	})
	_ = vm.Set("entity", entityObj)

	componentObj := vm.NewObject()
	_ = componentObj.Set("get", func(call goja.FunctionCall) goja.Value {
		if !i.charge(costRead) {
			return goja.Undefined()
		}
		id, ct, ok := i.componentArgs(call)
		if !ok {
			return goja.Undefined()
		}
		if !i.cfg.Access.CanRead(ct) {
			return i.abort(TrapCapability, "read capability not granted for component")
		}
		if !i.storeHasEntity(id) {
			return i.abort(TrapCapability, "entity not in this match")
		}
		v, ok := i.cfg.Store.Get(id, ct)
		if !ok {
			return goja.Null()
		}
		if v.Kind == store.KindInt64 {
			return vm.ToValue(v.Int64)
		}
		return vm.ToValue(float64(v.Float32))
	})
	_ = componentObj.Set("set", func(call goja.FunctionCall) goja.Value {
		if !i.charge(costWrite) {
			return goja.Undefined()
		}
		id, ct, ok := i.componentArgs(call)
		if !ok {
			return goja.Undefined()
		}
		if !i.cfg.Access.CanWrite(ct) {
			return i.abort(TrapCapability, "write capability not granted for component")
		}
		if len(call.Arguments) < 3 {
			return i.abort(TrapRuntime, "component.set: missing value argument")
		}
		val := store.FloatValue(float32(call.Arguments[2].ToFloat()))
		if err := i.cfg.Store.Attach(id, ct, val); err != nil {
			return i.abort(TrapCapability, "entity not in this match")
		}
		return goja.Undefined()
	})
	_ = componentObj.Set("detach", func(call goja.FunctionCall) goja.Value {
		if !i.charge(costWrite) {
			return goja.Undefined()
		}
		id, ct, ok := i.componentArgs(call)
		if !ok {
			return goja.Undefined()
		}
		if !i.cfg.Access.CanWrite(ct) {
			return i.abort(TrapCapability, "write capability not granted for component")
		}
		if err := i.cfg.Store.Detach(id, ct); err != nil {
			return i.abort(TrapCapability, "entity not in this match")
		}
		return goja.Undefined()
	})
	_ = componentObj.Set("has", func(call goja.FunctionCall) goja.Value {
		if !i.charge(costRead) {
			return goja.Undefined()
		}
		id, ct, ok := i.componentArgs(call)
		if !ok {
			return goja.Undefined()
		}
		if !i.cfg.Access.CanRead(ct) {
			return i.abort(TrapCapability, "read capability not granted for component")
		}
		return vm.ToValue(i.cfg.Store.Has(id, ct))
	})
	_ = vm.Set("component", componentObj)

	queryObj := vm.NewObject()
	_ = queryObj.Set("entities", func(call goja.FunctionCall) goja.Value {
		if !i.charge(costQuery) {
			return goja.Undefined()
		}
		if len(call.Arguments) < 1 {
			return i.abort(TrapRuntime, "query.entities: missing component list")
		}
		var cts []ids.ComponentTypeId
		exported := call.Arguments[0].Export()
		names, ok := exported.([]any)
		if !ok {
			return i.abort(TrapRuntime, "query.entities: component list must be an array")
		}
		for _, n := range names {
			name, ok := n.(string)
			if !ok {
				return i.abort(TrapRuntime, "query.entities: component names must be strings")
			}
			ct, ok := i.resolveComponent(name)
			if !ok {
				return goja.Undefined()
			}
			if !i.cfg.Access.CanRead(ct) {
				return i.abort(TrapCapability, "read capability not granted for component "+name)
			}
			cts = append(cts, ct)
		}

		max := maxQueryResults
		if len(call.Arguments) >= 2 {
			if m := int(call.Arguments[1].ToInteger()); m > 0 && m < max {
				max = m
			}
		}

		result := i.cfg.Store.Query(cts)
		if len(result) > max {
			result = result[:max]
		}
		if !i.charge(uint64(len(result))) {
			return goja.Undefined()
		}
		out := make([]uint64, len(result))
		for n, e := range result {
			out[n] = uint64(e)
		}
		return vm.ToValue(out)
	})
	_ = vm.Set("query", queryObj)

	randomObj := vm.NewObject()
	_ = randomObj.Set("u32", func(goja.FunctionCall) goja.Value {
		if !i.requireCap(CapRand) || !i.charge(costRandom) {
			return goja.Undefined()
		}
		return vm.ToValue(i.cfg.RNG.Uint32())
	})
	_ = randomObj.Set("f32", func(goja.FunctionCall) goja.Value {
		if !i.requireCap(CapRand) || !i.charge(costRandom) {
			return goja.Undefined()
		}
		return vm.ToValue(i.cfg.RNG.Float32())
	})
	_ = randomObj.Set("range", func(call goja.FunctionCall) goja.Value {
		if !i.requireCap(CapRand) || !i.charge(costRandom) {
			return goja.Undefined()
		}
		if len(call.Arguments) < 2 {
			return i.abort(TrapRuntime, "random.range: min and max required")
		}
		return vm.ToValue(i.cfg.RNG.Range(call.Arguments[0].ToFloat(), call.Arguments[1].ToFloat()))
	})
	_ = vm.Set("random", randomObj)
}

func (i *Instance) hostLog(level logrus.Level, call goja.FunctionCall) goja.Value {
	if !i.requireCap(CapLog) || !i.charge(costLog) {
		return goja.Undefined()
	}
	if !i.logLimiter.Allow() {
		// Over the rate limit: the line is dropped, not an error. Modules
		// cannot observe the drop, which keeps log volume out of the
		// deterministic state.
		return goja.Undefined()
	}
	msg := ""
	if len(call.Arguments) > 0 {
		msg = call.Arguments[0].String()
	}
	if len(msg) > maxLogBytes {
		msg = msg[:maxLogBytes]
	}
	i.cfg.Log.Log(level, msg)
	return goja.Undefined()
}

func (i *Instance) requireCap(cap Capability) bool {
	if i.cfg.Caps.Has(cap) {
		return true
	}
	i.abort(TrapCapability, fmt.Sprintf("capability %s not granted", cap))
	return false
}

func (i *Instance) entityArg(call goja.FunctionCall, idx int) (ids.EntityId, bool) {
	if len(call.Arguments) <= idx {
		i.abort(TrapRuntime, "missing entity argument")
		return 0, false
	}
	return ids.EntityId(call.Arguments[idx].ToInteger()), true
}

func (i *Instance) resolveComponent(name string) (ids.ComponentTypeId, bool) {
	ct, ok := i.cfg.Schema.LookupByName(name)
	if !ok {
		i.abort(TrapRuntime, "unknown component type "+name)
		return 0, false
	}
	return ct, true
}

func (i *Instance) componentArgs(call goja.FunctionCall) (ids.EntityId, ids.ComponentTypeId, bool) {
	if len(call.Arguments) < 2 {
		i.abort(TrapRuntime, "entity and component arguments required")
		return 0, 0, false
	}
	id := ids.EntityId(call.Arguments[0].ToInteger())
	name := call.Arguments[1].String()
	ct, ok := i.resolveComponent(name)
	if !ok {
		return 0, 0, false
	}
	return id, ct, ok
}

// storeHasEntity reports whether the entity is live in this instance's
// match store. Entities from other matches fail this check — referencing
// them is a capability trap, never a cross-match read.
func (i *Instance) storeHasEntity(id ids.EntityId) bool {
	return i.cfg.Store.Exists(id)
}
