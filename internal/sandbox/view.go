package sandbox

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/nerrad567/hal-core/internal/script"
)

// viewTable exposes a unit's View to Lua as a table of accessors. Every
// accessor accepts both view.getEntity("x") and view:getEntity("x").
func viewTable(L *lua.LState, v *script.View) *lua.LTable {
	tbl := L.CreateTable(0, 16)

	// arg returns the index of the n-th real argument, skipping the
	// receiver when called with colon syntax.
	arg := func(L *lua.LState, n int) int {
		if self, ok := L.Get(1).(*lua.LTable); ok && self == tbl {
			return n + 1
		}
		return n
	}

	entityOrNil := func(L *lua.LState, id string, previous bool) int {
		getter := v.Entity
		if previous {
			getter = v.PreviousEntity
		}
		e, ok := getter(id)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(entityToLua(L, e))
		return 1
	}

	stateOrNil := func(L *lua.LState, id string, previous bool) int {
		getter := v.Entity
		if previous {
			getter = v.PreviousEntity
		}
		e, ok := getter(id)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(e.State))
		return 1
	}

	L.SetFuncs(tbl, map[string]lua.LGFunction{
		"getEntities": func(L *lua.LState) int {
			L.Push(toLua(L, v.Entities()))
			return 1
		},
		"getEntity": func(L *lua.LState) int {
			return entityOrNil(L, L.CheckString(arg(L, 1)), false)
		},
		"getEntityState": func(L *lua.LState) int {
			return stateOrNil(L, L.CheckString(arg(L, 1)), false)
		},
		"getPreviousEntity": func(L *lua.LState) int {
			return entityOrNil(L, L.CheckString(arg(L, 1)), true)
		},
		"getPreviousEntityState": func(L *lua.LState) int {
			return stateOrNil(L, L.CheckString(arg(L, 1)), true)
		},
		"getEntityAttributes": func(L *lua.LState) int {
			attrs := v.EntityAttributes(L.CheckString(arg(L, 1)))
			if attrs == nil {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(toLua(L, attrs))
			return 1
		},
		"getEntityAttribute": func(L *lua.LState) int {
			val, ok := v.EntityAttribute(L.CheckString(arg(L, 1)), L.CheckString(arg(L, 2)))
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(toLua(L, val))
			return 1
		},
		"getChangedEntityKeys": func(L *lua.LState) int {
			L.Push(toLua(L, v.ChangedKeys()))
			return 1
		},
		"getValueForKey": func(L *lua.LState) int {
			val, _ := v.Value(L.CheckString(arg(L, 1)))
			L.Push(toLua(L, val))
			return 1
		},
		"setValueForKey": func(L *lua.LState) int {
			v.SetValue(L.CheckString(arg(L, 1)), fromLua(L.Get(arg(L, 2))))
			return 0
		},
		"isAnyonePresent": func(L *lua.LState) int {
			L.Push(lua.LBool(v.IsAnyonePresent(stringArgs(L, arg(L, 1))...)))
			return 1
		},
		"isInitialRun": func(L *lua.LState) int {
			L.Push(lua.LBool(v.IsInitialRun()))
			return 1
		},
		"now": func(L *lua.LState) int {
			L.Push(nowTable(L, v))
			return 1
		},
		"unit": func(L *lua.LState) int {
			L.Push(lua.LString(v.Unit()))
			return 1
		},
	})

	return tbl
}

// nowTable renders the site-local time with os.date("*t") field names,
// plus the Unix epoch.
func nowTable(L *lua.LState, v *script.View) *lua.LTable {
	t := v.Now()
	tbl := L.CreateTable(0, 9)
	tbl.RawSetString("year", lua.LNumber(t.Year()))
	tbl.RawSetString("month", lua.LNumber(t.Month()))
	tbl.RawSetString("day", lua.LNumber(t.Day()))
	tbl.RawSetString("hour", lua.LNumber(t.Hour()))
	tbl.RawSetString("min", lua.LNumber(t.Minute()))
	tbl.RawSetString("sec", lua.LNumber(t.Second()))
	tbl.RawSetString("wday", lua.LNumber(int(t.Weekday())+1))
	tbl.RawSetString("yday", lua.LNumber(t.YearDay()))
	tbl.RawSetString("epoch", lua.LNumber(t.Unix()))
	return tbl
}
