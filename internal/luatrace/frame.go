package luatrace

import (
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/luadbg/internal/eval"
	"github.com/zot/luadbg/internal/frame"
)

// luaFrame is one Lua activation seen from a hook. It is only valid while
// the hook that created it is running. Locals and globals are read on first
// use.
type luaFrame struct {
	L     *lua.LState
	dbg   *lua.Debug
	id    uint64
	depth int
	file  string
	line  int
	back  *luaFrame

	named  bool
	name   string
	locals frame.Vars
	slots  map[string]int
	order  []string
	global frame.Vars
}

func (f *luaFrame) ID() uint64         { return f.id }
func (f *luaFrame) Filename() string   { return f.file }
func (f *luaFrame) Line() int          { return f.line }
func (f *luaFrame) Depth() int         { return f.depth }
func (f *luaFrame) State() *lua.LState { return f.L }

// Back returns the calling Lua frame.
func (f *luaFrame) Back() frame.Frame {
	if f.back == nil {
		return nil
	}
	return f.back
}

// Function returns the name the function was called by. The main chunk has
// no name.
func (f *luaFrame) Function() string {
	if !f.named {
		f.named = true
		if f.dbg.What != "main" {
			if _, err := f.L.GetInfo("n", f.dbg, lua.LNil); err == nil {
				f.name = f.dbg.Name
			}
		}
	}
	return f.name
}

func (f *luaFrame) Locals() frame.Vars {
	if f.locals == nil {
		f.locals = frame.Vars{}
		f.slots = make(map[string]int)
		for n := 1; ; n++ {
			name, val := f.L.GetLocal(f.dbg, n)
			if name == "" {
				break
			}
			if strings.HasPrefix(name, "(") {
				continue
			}
			if _, seen := f.slots[name]; !seen {
				f.order = append(f.order, name)
			}
			// an inner block's local shadows an outer one of the same name
			f.locals[name] = val
			f.slots[name] = n
		}
	}
	return f.locals
}

func (f *luaFrame) Globals() frame.Vars {
	if f.global == nil {
		f.global = frame.Vars{}
		f.L.G.Global.ForEach(func(k, v lua.LValue) {
			name, ok := k.(lua.LString)
			if !ok || name == lineHook || name == enterHook {
				return
			}
			f.global[string(name)] = v
		})
	}
	return f.global
}

// SetLocal assigns a local variable in the live frame.
func (f *luaFrame) SetLocal(name string, value lua.LValue) bool {
	f.Locals()
	n, ok := f.slots[name]
	if !ok {
		return false
	}
	f.L.SetLocal(f.dbg, n, value)
	f.locals[name] = value
	return true
}

// Args renders the function's parameters as name=value pairs.
func (f *luaFrame) Args() string {
	fn, err := f.L.GetInfo("f", f.dbg, lua.LNil)
	if err != nil {
		return ""
	}
	lf, ok := fn.(*lua.LFunction)
	if !ok || lf.IsG || lf.Proto == nil {
		return ""
	}
	locals := f.Locals()
	n := int(lf.Proto.NumParameters)
	if n > len(f.order) {
		n = len(f.order)
	}
	parts := make([]string, 0, n)
	for _, name := range f.order[:n] {
		_, text := eval.Describe(locals[name])
		parts = append(parts, name+"="+text)
	}
	return strings.Join(parts, ", ")
}

var (
	_ eval.StateFrame  = (*luaFrame)(nil)
	_ eval.LocalWriter = (*luaFrame)(nil)
	_ frame.Stack      = (*luaFrame)(nil)
)
