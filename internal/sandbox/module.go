package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/nerrad567/hal-core/internal/script"
)

// module is one loaded unit. A lua.LState is not goroutine safe, so every
// entry into the state holds mu.
type module struct {
	name string

	mu      sync.Mutex
	L       *lua.LState
	exports *lua.LTable
	config  map[string]any
	closed  bool
}

var _ script.Module = (*module)(nil)

func (m *module) Has(export string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	_, ok := m.exports.RawGetString(export).(*lua.LFunction)
	return ok
}

func (m *module) Config() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// captureConfig converts the exported config table once at load time.
// Must hold mu.
func (m *module) captureConfig() error {
	raw := m.exports.RawGetString("config")
	switch raw.(type) {
	case *lua.LNilType:
		return nil
	case *lua.LTable:
		cfg, ok := fromLua(raw).(map[string]any)
		if !ok {
			return fmt.Errorf("%w, got a list", ErrInvalidConfig)
		}
		m.config = cfg
		return nil
	default:
		return fmt.Errorf("%w, got %s", ErrInvalidConfig, raw.Type())
	}
}

// Invoke calls an exported function. A *script.View argument is exposed as
// the view accessor table; other arguments are converted to Lua data.
func (m *module) Invoke(ctx context.Context, export string, args ...any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	fn, ok := m.exports.RawGetString(export).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAFunction, export)
	}

	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		if v, isView := a.(*script.View); isView {
			largs[i] = viewTable(m.L, v)
			continue
		}
		largs[i] = toLua(m.L, a)
	}

	ret, err := m.call(ctx, fn, largs...)
	if err != nil {
		return nil, err
	}
	return fromLua(ret), nil
}

// scheduled wraps a Lua callback as a script.ScheduledFunc. The callback
// receives (view, subContext) and may return a table.
func (m *module) scheduled(fn *lua.LFunction) script.ScheduledFunc {
	return func(ctx context.Context, view *script.View, sub map[string]any) (map[string]any, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.closed {
			return nil, ErrClosed
		}

		var viewArg lua.LValue = lua.LNil
		if view != nil {
			viewArg = viewTable(m.L, view)
		}

		ret, err := m.call(ctx, fn, viewArg, toLua(m.L, sub))
		if err != nil {
			return nil, err
		}
		return tableToMap(ret), nil
	}
}

// call runs fn under ctx and returns its first result. Must hold mu.
func (m *module) call(ctx context.Context, fn *lua.LFunction, args ...lua.LValue) (lua.LValue, error) {
	m.L.SetContext(ctx)
	defer m.L.RemoveContext()

	err := m.L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return lua.LNil, fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
		}
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) {
			return lua.LNil, errors.New(apiErr.Object.String())
		}
		return lua.LNil, err
	}

	ret := m.L.Get(-1)
	m.L.Pop(1)
	return ret, nil
}

// context returns the context of the call in progress.
func (m *module) context() context.Context {
	if ctx := m.L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (m *module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.L.Close()
	return nil
}
