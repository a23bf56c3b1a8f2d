package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// LuaToGo converts a Lua value to Go. A table whose keys are all numbers
// becomes a slice; any other table becomes a map keyed by its string keys.
func LuaToGo(val lua.LValue) any {
	switch v := val.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		maxN := 0
		named := false
		v.ForEach(func(key, _ lua.LValue) {
			if n, ok := key.(lua.LNumber); ok {
				maxN = max(maxN, int(n))
			} else {
				named = true
			}
		})
		if maxN > 0 && !named {
			arr := make([]any, maxN)
			for i := 1; i <= maxN; i++ {
				arr[i-1] = LuaToGo(v.RawGetInt(i))
			}
			return arr
		}
		m := make(map[string]any)
		v.ForEach(func(key, value lua.LValue) {
			if k, ok := key.(lua.LString); ok {
				m[string(k)] = LuaToGo(value)
			}
		})
		return m
	default:
		return nil
	}
}
