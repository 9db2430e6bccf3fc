package transform

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/user/repetl"
)

// luaPoolSize bounds the number of interpreter states; lua.LState is
// not safe for concurrent use, so callers check one out per call.
const luaPoolSize = 4

// LoadModule loads user transforms from a Lua file. Every global
// function the file defines becomes a registered transform with the
// signature `function name(value, row, source_table)`. The module is
// resolved in order: a file named after the module under the config
// directory, the conventional transform.lua there, then the literal
// path. Only call during startup.
func (r *Registry) LoadModule(module, configDir string) error {
	if module == "" {
		return nil
	}
	candidates := []string{
		filepath.Join(configDir, module+".lua"),
		filepath.Join(configDir, "transform.lua"),
		module,
	}
	var path string
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			path = c
			break
		}
	}
	if path == "" {
		return fmt.Errorf("transform: module %q not found (tried %v)", module, candidates)
	}

	m, names, err := loadLuaModule(path, luaPoolSize)
	if err != nil {
		return err
	}
	r.lua = m
	for _, name := range names {
		fnName := name
		r.Register(fnName, func(value any, row repetl.Row, sourceTable string) (any, error) {
			return m.call(fnName, value, row, sourceTable)
		})
	}
	r.logger.Info("loaded user transforms", "path", path, "functions", names)
	return nil
}

// Close releases the Lua interpreter pool, if any.
func (r *Registry) Close() {
	if r.lua != nil {
		r.lua.close()
		r.lua = nil
	}
}

type luaModule struct {
	path string
	pool chan *lua.LState
}

func loadLuaModule(path string, poolSize int) (*luaModule, []string, error) {
	m := &luaModule{path: path, pool: make(chan *lua.LState, poolSize)}
	var names []string
	for i := 0; i < poolSize; i++ {
		L := lua.NewState()
		before := globalNames(L)
		if err := L.DoFile(path); err != nil {
			L.Close()
			m.close()
			return nil, nil, fmt.Errorf("transform: load %s: %w", path, err)
		}
		if i == 0 {
			L.G.Global.ForEach(func(k, v lua.LValue) {
				ks, ok := k.(lua.LString)
				if !ok || before[string(ks)] {
					return
				}
				if _, isFn := v.(*lua.LFunction); isFn {
					names = append(names, string(ks))
				}
			})
		}
		m.pool <- L
	}
	return m, names, nil
}

func globalNames(L *lua.LState) map[string]bool {
	set := make(map[string]bool)
	L.G.Global.ForEach(func(k, _ lua.LValue) {
		if ks, ok := k.(lua.LString); ok {
			set[string(ks)] = true
		}
	})
	return set
}

func (m *luaModule) call(name string, value any, row repetl.Row, sourceTable string) (any, error) {
	L := <-m.pool
	defer func() { m.pool <- L }()

	fn := L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("transform: %q is not a function in %s", name, m.path)
	}
	err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true},
		toLValue(L, value), rowToTable(L, row), lua.LString(sourceTable))
	if err != nil {
		return nil, fmt.Errorf("transform: %s: %w", name, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return fromLValue(ret), nil
}

func (m *luaModule) close() {
	close(m.pool)
	for L := range m.pool {
		L.Close()
	}
}

func rowToTable(L *lua.LState, row repetl.Row) *lua.LTable {
	t := L.NewTable()
	for k, v := range row {
		t.RawSetString(k, toLValue(L, v))
	}
	return t
}

func toLValue(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case []byte:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int8:
		return lua.LNumber(x)
	case int16:
		return lua.LNumber(x)
	case int32:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case uint:
		return lua.LNumber(x)
	case uint8:
		return lua.LNumber(x)
	case uint16:
		return lua.LNumber(x)
	case uint32:
		return lua.LNumber(x)
	case uint64:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case time.Time:
		return lua.LString(x.Format(time.RFC3339))
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

func fromLValue(v lua.LValue) any {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(x)
	case lua.LString:
		return string(x)
	case lua.LNumber:
		f := float64(x)
		if f == math.Trunc(f) && !math.IsInf(f, 0) {
			return int64(f)
		}
		return f
	default:
		return v.String()
	}
}
