// Package sandbox runs automation units written in Lua using gopher-lua.
//
// A unit file is a chunk that returns a table of exports:
//
//	return {
//	  config = { entityFilter = "sensor.temp", supportedEnvs = { "production" } },
//	  init   = function(view) end,
//	  gate   = function(view, keys, ctx) return true end,
//	  action = function(view, keys, ctx) return { count = (ctx.count or 0) + 1 } end,
//	}
//
// Every unit gets its own Lua state with only the base, table, string and
// math libraries. Filesystem and loader functions are removed. The global
// hal exposes the capability surface:
//
//	hal.callExternalService(domain, service, data)
//	hal.interval(fn, ms)        hal.clearInterval()
//	hal.schedule(expr, fn)      hal.clearSchedule()
//	hal.log(...)                print(...)
//
// The view passed to init, gate, action and scheduled callbacks is a table
// of accessors (getEntity, getEntityState, getChangedEntityKeys,
// getValueForKey, setValueForKey, isAnyonePresent, now, ...) usable with
// either dot or colon syntax.
//
// Each invocation runs under the caller's context; the Lua VM checks it on
// every instruction, so a runaway loop is aborted with ErrTimeout.
package sandbox
