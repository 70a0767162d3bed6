//go:build !no_automation

package automation

import (
	"encoding/json"
	"time"

	lua "github.com/yuin/gopher-lua"

	"lumibot-session/internal/deviceid"
)

const maxHandlersPerScript = 100

// registerLumibotModule registers the `lumibot` global table in a Lua
// state.
func registerLumibotModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return lumibotOn(L, vm)
	}))

	mod.RawSetString("state", L.NewFunction(func(L *lua.LState) int {
		return lumibotState(L, e)
	}))

	mod.RawSetString("control", L.NewFunction(func(L *lua.LState) int {
		return lumibotControl(L, e)
	}))

	mod.RawSetString("config", L.NewFunction(func(L *lua.LState) int {
		return lumibotConfig(L, e)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return lumibotDevices(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return lumibotAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return lumibotLog(L, e)
	}))

	L.SetGlobal("lumibot", mod)
}

// lumibot.on(type, filter, callback). The filter may carry device = "<id>".
func lumibotOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("device"); v != lua.LNil {
		id, err := deviceid.Normalize(v.String())
		if err != nil {
			L.RaiseError("invalid device id %q", v.String())
			return 0
		}
		h.device = id
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

// lumibot.state(id) returns the merged state table or nil.
func lumibotState(L *lua.LState, e *Engine) int {
	id, err := deviceid.Normalize(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}

	st, ok := e.sess.State(id)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}

	data, err := json.Marshal(st)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		L.Push(lua.LNil)
		return 1
	}

	L.Push(goToLua(L, m))
	return 1
}

// lumibot.control(id, table)
func lumibotControl(L *lua.LState, e *Engine) int {
	raw := L.CheckString(1)
	id, err := deviceid.Normalize(raw)
	if err != nil {
		e.logger.Warn("script control with invalid id", "id", raw)
		return 0
	}
	payload := luaToGo(L.CheckTable(2))

	if _, err := e.sess.PublishControl(id, payload); err != nil {
		e.logger.Error("script control publish", "id", id, "err", err)
	}
	return 0
}

// lumibot.config(id, table)
func lumibotConfig(L *lua.LState, e *Engine) int {
	raw := L.CheckString(1)
	id, err := deviceid.Normalize(raw)
	if err != nil {
		e.logger.Warn("script config with invalid id", "id", raw)
		return 0
	}
	payload := luaToGo(L.CheckTable(2))

	if _, err := e.sess.PublishConfig(id, payload); err != nil {
		e.logger.Error("script config publish", "id", id, "err", err)
	}
	return 0
}

// lumibot.devices() returns the subscribed device IDs.
func lumibotDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, id := range e.sess.Subscribed() {
		tbl.RawSetInt(i+1, lua.LString(id))
	}
	L.Push(tbl)
	return 1
}

// lumibot.after(seconds, callback) runs the callback later on the VM loop.
func lumibotAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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

// lumibot.log(msg)
func lumibotLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}
