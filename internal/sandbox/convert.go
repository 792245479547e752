package sandbox

import (
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/nerrad567/hal-core/internal/entity"
)

// maxDepth bounds table conversion so self-referencing tables terminate.
const maxDepth = 32

// toLua converts a Go value into a Lua value. Unknown types are rendered
// with fmt.Sprint.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []string:
		tbl := L.CreateTable(len(val), 0)
		for _, s := range val {
			tbl.Append(lua.LString(s))
		}
		return tbl
	case []any:
		tbl := L.CreateTable(len(val), 0)
		for i, item := range val {
			tbl.RawSetInt(i+1, toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(val))
		for k, item := range val {
			tbl.RawSetString(k, toLua(L, item))
		}
		return tbl
	case entity.Entity:
		return entityToLua(L, val)
	case entity.Snapshot:
		tbl := L.CreateTable(0, len(val))
		for id, e := range val {
			tbl.RawSetString(id, entityToLua(L, e))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// entityToLua renders an entity as {entity_id, state, attributes}.
func entityToLua(L *lua.LState, e entity.Entity) *lua.LTable {
	tbl := L.CreateTable(0, 3)
	tbl.RawSetString("entity_id", lua.LString(e.ID))
	tbl.RawSetString("state", lua.LString(e.State))
	attrs := map[string]any(e.Attributes)
	if attrs == nil {
		attrs = map[string]any{}
	}
	tbl.RawSetString("attributes", toLua(L, attrs))
	return tbl
}

// fromLua converts a Lua value into plain Go data: nil, bool, string,
// int or float64, []any or map[string]any. Functions and userdata become nil.
func fromLua(v lua.LValue) any {
	return fromLuaDepth(v, 0)
}

func fromLuaDepth(v lua.LValue, depth int) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return normalizeNumber(float64(val))
	case *lua.LTable:
		if depth >= maxDepth {
			return nil
		}
		return tableToGo(val, depth+1)
	default:
		return nil
	}
}

// tableToGo returns a []any when the table is a proper sequence (only
// positive integer keys 1..n) and a map[string]any otherwise. An empty
// table becomes an empty map.
func tableToGo(tbl *lua.LTable, depth int) any {
	isArray := true
	maxIndex := 0
	count := 0
	tbl.ForEach(func(k, _ lua.LValue) {
		if !isArray {
			return
		}
		n, ok := k.(lua.LNumber)
		if !ok || float64(n) != math.Trunc(float64(n)) || n < 1 {
			isArray = false
			return
		}
		count++
		if int(n) > maxIndex {
			maxIndex = int(n)
		}
	})

	if isArray && count > 0 && maxIndex == count {
		out := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			out = append(out, fromLuaDepth(tbl.RawGetInt(i), depth))
		}
		return out
	}

	out := map[string]any{}
	tbl.ForEach(func(k, item lua.LValue) {
		switch key := k.(type) {
		case lua.LString:
			out[string(key)] = fromLuaDepth(item, depth)
		case lua.LNumber:
			out[key.String()] = fromLuaDepth(item, depth)
		}
	})
	return out
}

// tableToMap converts a table that is expected to be keyed by strings.
// A sequence or a non-table yields nil.
func tableToMap(v lua.LValue) map[string]any {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil
	}
	m, _ := tableToGo(tbl, 1).(map[string]any)
	return m
}

func normalizeNumber(value float64) any {
	if math.Mod(value, 1) == 0 && math.Abs(value) < 1<<53 {
		return int(value)
	}
	return value
}

// stringArgs collects string arguments from position start onward. A
// single table argument is expanded as a list.
func stringArgs(L *lua.LState, start int) []string {
	top := L.GetTop()
	if top == start {
		if tbl, ok := L.Get(start).(*lua.LTable); ok {
			var out []string
			tbl.ForEach(func(_, v lua.LValue) {
				if s, ok := v.(lua.LString); ok {
					out = append(out, string(s))
				}
			})
			sort.Strings(out)
			return out
		}
	}
	out := make([]string, 0, top-start+1)
	for i := start; i <= top; i++ {
		out = append(out, L.CheckString(i))
	}
	return out
}
