package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/nerrad567/hal-core/internal/script"
)

// Lua stack limits per unit state.
const (
	callStackSize = 120
	registrySize  = 1024 * 20
)

// openLibs are the standard libraries available to units. io, os,
// package, debug and coroutine are not opened.
var openLibs = []struct {
	name string
	fn   lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// removedGlobals are base functions that reach the filesystem or the
// module loader.
var removedGlobals = []string{"dofile", "loadfile", "require", "module", "_printregs"}

// Sandbox loads unit files into isolated gopher-lua states.
//
// Each unit gets its own *lua.LState, so units never share globals.
type Sandbox struct{}

var _ script.Sandbox = (*Sandbox)(nil)

// New creates a Lua sandbox.
func New() *Sandbox {
	return &Sandbox{}
}

// Load executes source in a fresh restricted state with the hal
// capability table installed, and captures the table the chunk returns.
//
// Parameters:
//   - ctx: bounds the top-level chunk execution
//   - name: unit file name, used in Lua error messages
//   - source: Lua source
//   - caps: the capability surface exposed as the global hal
//
// Returns:
//   - script.Module: the loaded unit
//   - error: syntax error, runtime error, timeout or ErrNotATable
func (s *Sandbox) Load(ctx context.Context, name string, source []byte, caps script.Capabilities) (script.Module, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: callStackSize,
		RegistrySize:  registrySize,
	})

	if err := openRestricted(L); err != nil {
		L.Close()
		return nil, err
	}

	m := &module{name: name, L: L}

	m.mu.Lock()
	defer m.mu.Unlock()

	L.SetGlobal("hal", m.halTable(caps))
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		caps.Log(joinArgs(L, 1))
		return 0
	}))

	chunk, err := L.Load(bytes.NewReader(source), "@"+name)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("compiling: %w", err)
	}

	ret, err := m.call(ctx, chunk)
	if err != nil {
		L.Close()
		return nil, err
	}

	exports, ok := ret.(*lua.LTable)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("%w, got %s", ErrNotATable, ret.Type())
	}
	m.exports = exports

	if err := m.captureConfig(); err != nil {
		L.Close()
		return nil, err
	}

	return m, nil
}

func openRestricted(L *lua.LState) error {
	for _, lib := range openLibs {
		err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name))
		if err != nil {
			return fmt.Errorf("opening lua library %q: %w", lib.name, err)
		}
	}
	for _, g := range removedGlobals {
		L.SetGlobal(g, lua.LNil)
	}
	return nil
}

// halTable builds the capability global. Callbacks registered through it
// run through the module's lock.
func (m *module) halTable(caps script.Capabilities) *lua.LTable {
	L := m.L
	tbl := L.CreateTable(0, 6)

	L.SetFuncs(tbl, map[string]lua.LGFunction{
		"callExternalService": func(L *lua.LState) int {
			domain := L.CheckString(1)
			service := L.CheckString(2)
			var data map[string]any
			if L.GetTop() >= 3 && L.Get(3) != lua.LNil {
				data = tableToMap(L.CheckTable(3))
				if data == nil {
					L.ArgError(3, "service data must be a table with string keys")
					return 0
				}
			}
			caps.CallExternalService(context.WithoutCancel(m.context()), domain, service, data)
			return 0
		},
		"interval": func(L *lua.LState) int {
			fn := L.CheckFunction(1)
			ms := L.CheckNumber(2)
			caps.Interval(m.scheduled(fn), time.Duration(float64(ms)*float64(time.Millisecond)))
			return 0
		},
		"clearInterval": func(L *lua.LState) int {
			caps.ClearInterval()
			return 0
		},
		"schedule": func(L *lua.LState) int {
			expr := L.CheckString(1)
			fn := L.CheckFunction(2)
			caps.Schedule(expr, m.scheduled(fn))
			return 0
		},
		"clearSchedule": func(L *lua.LState) int {
			caps.ClearSchedule()
			return 0
		},
		"log": func(L *lua.LState) int {
			caps.Log(joinArgs(L, 1))
			return 0
		},
	})

	return tbl
}

// joinArgs renders arguments from position start with tostring semantics.
func joinArgs(L *lua.LState, start int) string {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := start; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	return strings.Join(parts, " ")
}
