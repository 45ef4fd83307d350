package eval

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/luadbg/internal/frame"
)

// Cycle replaces a table that is already being converted.
const Cycle = "<cycle>"

// maxDepth bounds table conversion.
const maxDepth = 32

// GoToLua converts a Go value to Lua. Lua values pass through unchanged.
func GoToLua(L *lua.LState, val any) lua.LValue {
	if val == nil {
		return lua.LNil
	}

	switch v := val.(type) {
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(float64(v))
	case int32:
		return lua.LNumber(float64(v))
	case int64:
		return lua.LNumber(float64(v))
	case uint:
		return lua.LNumber(float64(v))
	case uint64:
		return lua.LNumber(float64(v))
	case float32:
		return lua.LNumber(float64(v))
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []any:
		tbl := L.NewTable()
		for i, item := range v {
			L.RawSetInt(tbl, i+1, GoToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range v {
			L.SetField(tbl, k, GoToLua(L, item))
		}
		return tbl
	case frame.Vars:
		return GoToLua(L, map[string]any(v))
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// LuaToGo converts a Lua value to a Go value suitable for comparison with
// reflect.DeepEqual. Functions and userdata convert to their identity string.
// Tables reachable from themselves convert to Cycle.
func LuaToGo(val lua.LValue) any {
	return luaToGo(val, map[*lua.LTable]bool{}, 0)
}

func luaToGo(val lua.LValue, visiting map[*lua.LTable]bool, depth int) any {
	switch v := val.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visiting[v] || depth >= maxDepth {
			return Cycle
		}
		visiting[v] = true
		defer delete(visiting, v)

		maxN := v.Len()
		pure := true
		v.ForEach(func(key, _ lua.LValue) {
			n, ok := key.(lua.LNumber)
			if !ok || float64(n) != math.Trunc(float64(n)) || n < 1 || int(n) > maxN {
				pure = false
			}
		})

		// Pure array (keys 1..n)
		if pure && maxN > 0 {
			arr := make([]any, maxN)
			for i := 1; i <= maxN; i++ {
				arr[i-1] = luaToGo(v.RawGetInt(i), visiting, depth+1)
			}
			return arr
		}

		m := make(map[string]any)
		v.ForEach(func(key, value lua.LValue) {
			m[keyString(key)] = luaToGo(value, visiting, depth+1)
		})
		return m
	case *lua.LNilType:
		return nil
	case nil:
		return nil
	default:
		return v.String()
	}
}

func keyString(key lua.LValue) string {
	if s, ok := key.(lua.LString); ok {
		return string(s)
	}
	return "[" + key.String() + "]"
}

// Describe returns the type name and display text of a value for variable dumps.
func Describe(val any) (typ, text string) {
	lv, ok := val.(lua.LValue)
	if !ok {
		return goTypeName(val), display(val)
	}
	typ = lv.Type().String()
	switch v := lv.(type) {
	case lua.LString:
		return typ, strconv.Quote(string(v))
	case *lua.LTable:
		return typ, display(LuaToGo(v))
	default:
		return typ, lv.String()
	}
}

// goTypeName names a plain Go value by the Lua type it converts to.
func goTypeName(val any) string {
	switch val.(type) {
	case nil:
		return "nil"
	case bool:
		return "boolean"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return "number"
	case string:
		return "string"
	case []any, map[string]any, frame.Vars:
		return "table"
	default:
		return fmt.Sprintf("%T", val)
	}
}

func display(v any) string {
	if v == nil {
		return "nil"
	}
	switch val := v.(type) {
	case string:
		return strconv.Quote(val)
	case map[string]any, []any:
		data, err := json.Marshal(jsonSafe(val))
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// jsonSafe replaces NaN and infinities, which encoding/json rejects.
func jsonSafe(v any) any {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return strconv.FormatFloat(val, 'g', -1, 64)
		}
		return val
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonSafe(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonSafe(item)
		}
		return out
	default:
		return val
	}
}

// Resolve follows path from val through nested table members. Each key is
// a member name as Fields reports it.
func Resolve(val any, path []string) (any, bool) {
	for _, key := range path {
		next, ok := field(val, key)
		if !ok {
			return nil, false
		}
		val = next
	}
	return val, true
}

func field(val any, key string) (any, bool) {
	switch v := val.(type) {
	case *lua.LTable:
		if item := v.RawGetString(key); item != lua.LNil {
			return item, true
		}
		var found lua.LValue
		v.ForEach(func(k, item lua.LValue) {
			if found == nil && keyString(k) == key {
				found = item
			}
		})
		if found == nil {
			if n, err := strconv.ParseFloat(key, 64); err == nil {
				if item := v.RawGet(lua.LNumber(n)); item != lua.LNil {
					return item, true
				}
			}
			return nil, false
		}
		return found, true
	case frame.Vars:
		item, ok := v[key]
		return item, ok
	case map[string]any:
		item, ok := v[key]
		return item, ok
	case []any:
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(key, "["), "]"))
		if err != nil || n < 1 || n > len(v) {
			return nil, false
		}
		return v[n-1], true
	default:
		return nil, false
	}
}

// Fields returns the members of a table value keyed the way variable dumps
// name them. Other values have no members and return nil.
func Fields(val any) frame.Vars {
	switch v := val.(type) {
	case *lua.LTable:
		fields := frame.Vars{}
		v.ForEach(func(k, item lua.LValue) {
			fields[keyString(k)] = item
		})
		return fields
	case frame.Vars:
		return v
	case map[string]any:
		return frame.Vars(v)
	case []any:
		fields := make(frame.Vars, len(v))
		for i, item := range v {
			fields["["+strconv.Itoa(i+1)+"]"] = item
		}
		return fields
	default:
		return nil
	}
}
