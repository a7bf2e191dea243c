//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	"dali-go-home/internal/coordinator"

	lua "github.com/yuin/gopher-lua"
)

// registerDaliModule registers the `dali` global table in a Lua state.
func registerDaliModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return daliOn(L, vm)
	}))

	mod.RawSetString("turn_on", L.NewFunction(func(L *lua.LState) int {
		return daliTurnOn(L, e)
	}))

	mod.RawSetString("turn_off", L.NewFunction(func(L *lua.LState) int {
		return daliTurnOff(L, e)
	}))

	mod.RawSetString("set_level", L.NewFunction(func(L *lua.LState) int {
		return daliSetLevel(L, e)
	}))

	mod.RawSetString("level", L.NewFunction(func(L *lua.LState) int {
		return daliLevel(L, e)
	}))

	mod.RawSetString("identify", L.NewFunction(func(L *lua.LState) int {
		return daliIdentify(L, e)
	}))

	mod.RawSetString("broadcast_off", L.NewFunction(func(L *lua.LState) int {
		return daliBroadcastOff(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return daliAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return daliLog(L, e)
	}))

	mod.RawSetString("gear", L.NewFunction(func(L *lua.LState) int {
		return daliGear(L, e)
	}))

	L.SetGlobal("dali", mod)
}

const maxHandlersPerScript = 100

// dali.on(type, filter, callback)
func daliOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("unique_id"); v != lua.LNil {
		h.uniqueID = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// dali.turn_on(unique_id_or_name)
func daliTurnOn(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	g, ok := resolveGear(e, target)
	if !ok {
		e.logger.Warn("gear not found", "target", target)
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.coord.GearOn(ctx, g.UniqueID); err != nil {
		e.logger.Error("turn_on", "err", err, "target", target)
	}
	return 0
}

// dali.turn_off(unique_id_or_name)
func daliTurnOff(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	g, ok := resolveGear(e, target)
	if !ok {
		e.logger.Warn("gear not found", "target", target)
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.coord.GearOff(ctx, g.UniqueID); err != nil {
		e.logger.Error("turn_off", "err", err, "target", target)
	}
	return 0
}

// dali.set_level(unique_id_or_name, level)
func daliSetLevel(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	level := L.CheckInt(2)

	g, ok := resolveGear(e, target)
	if !ok {
		e.logger.Warn("gear not found", "target", target)
		return 0
	}

	if level < 0 {
		level = 0
	}
	if level > 254 {
		level = 254
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.coord.GearSetLevel(ctx, g.UniqueID, uint8(level)); err != nil {
		e.logger.Error("set_level", "err", err, "target", target, "level", level)
	}
	return 0
}

// dali.level(unique_id_or_name) — cached level, or nil for unknown gear
func daliLevel(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	g, ok := resolveGear(e, target)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(g.Level))
	return 1
}

// dali.identify(unique_id_or_name)
func daliIdentify(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	g, ok := resolveGear(e, target)
	if !ok {
		e.logger.Warn("gear not found", "target", target)
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.coord.GearIdentify(ctx, g.UniqueID); err != nil {
		e.logger.Error("identify", "err", err, "target", target)
	}
	return 0
}

// dali.broadcast_off()
func daliBroadcastOff(L *lua.LState, e *Engine) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.coord.BroadcastOff(ctx); err != nil {
		e.logger.Error("broadcast_off", "err", err)
	}
	return 0
}

// dali.after(seconds, callback) — delayed execution
func daliAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// dali.log(msg)
func daliLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// dali.gear() — returns a table of all registered gear
func daliGear(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, g := range e.coord.Registry().List() {
		d := L.NewTable()
		d.RawSetString("unique_id", lua.LString(g.UniqueID))
		name := g.FriendlyName
		if name == "" {
			name = g.UniqueID
		}
		d.RawSetString("name", lua.LString(name))
		d.RawSetString("short", lua.LNumber(g.Short))
		d.RawSetString("level", lua.LNumber(g.Level))
		d.RawSetString("lamp_on", lua.LBool(g.LampOn))
		tbl.RawSetInt(i+1, d)
	}

	L.Push(tbl)
	return 1
}

// resolveGear finds gear by unique ID or friendly name.
func resolveGear(e *Engine, target string) (coordinator.GearInfo, bool) {
	if g, ok := e.coord.Registry().ByUniqueID(target); ok {
		return g, true
	}

	for _, g := range e.coord.Registry().List() {
		if strings.EqualFold(g.FriendlyName, target) {
			return g, true
		}
	}

	return coordinator.GearInfo{}, false
}
