// Package eval compiles and evaluates Lua expressions against frame scopes.
// Names resolve to the frame's locals first, then its globals, then the
// evaluating state's own globals (the Lua standard library).
package eval

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/zot/luadbg/internal/frame"
)

// StateFrame is implemented by frames that belong to a live Lua state.
// Expressions on such frames run inside that state, so they can call the
// program's own functions and see its global tables.
type StateFrame interface {
	frame.Frame
	State() *lua.LState
}

// LocalWriter is implemented by frames whose locals can be assigned in
// place. Statements executed in such a frame update the program's variables.
type LocalWriter interface {
	SetLocal(name string, value lua.LValue) bool
}

// ErrEmpty is returned when compiling blank source text.
var ErrEmpty = errors.New("empty expression")

// Expr is a compiled expression or statement.
type Expr struct {
	Source    string
	proto     *lua.FunctionProto
	statement bool
}

var states = sync.Pool{
	New: func() any { return lua.NewState() },
}

// Compile compiles an expression.
func Compile(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, ErrEmpty
	}
	proto, err := compile("return ("+src+")", src)
	if err != nil {
		return nil, err
	}
	return &Expr{Source: src, proto: proto}, nil
}

// CompileStatement compiles a statement block. A bare expression is
// accepted too and its value is printed, the way an interactive shell does.
func CompileStatement(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, ErrEmpty
	}
	proto, err := compile(src, src)
	if err != nil {
		if p, perr := compile("print("+src+")", src); perr == nil {
			return &Expr{Source: src, proto: p, statement: true}, nil
		}
		return nil, err
	}
	return &Expr{Source: src, proto: proto, statement: true}, nil
}

func compile(code, name string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(code), name)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", name, err)
	}
	return proto, nil
}

// Eval evaluates the expression in the scope of f.
func (e *Expr) Eval(f frame.Frame) (lua.LValue, error) {
	var result lua.LValue = lua.LNil
	err := withState(f, func(L *lua.LState, persist bool) error {
		fn := L.NewFunctionFromProto(e.proto)
		fn.Env = scope(L, f, persist, nil)
		L.Push(fn)
		if err := L.PCall(0, 1, nil); err != nil {
			return err
		}
		result = L.Get(-1)
		L.Pop(1)
		return nil
	})
	if err != nil {
		return lua.LNil, fmt.Errorf("evaluate %q: %w", e.Source, err)
	}
	return result, nil
}

// Truth evaluates the expression as a condition. Only nil and false are false.
func (e *Expr) Truth(f frame.Frame) (bool, error) {
	v, err := e.Eval(f)
	if err != nil {
		return false, err
	}
	return lua.LVAsBool(v), nil
}

// Value evaluates the expression and converts the result to a comparable Go value.
func (e *Expr) Value(f frame.Frame) (any, error) {
	v, err := e.Eval(f)
	if err != nil {
		return nil, err
	}
	return LuaToGo(v), nil
}

// Exec runs a statement in the scope of f, sending print output to out.
// Assignments to names that are not locals update the program's globals
// when f belongs to a live state.
func (e *Expr) Exec(f frame.Frame, out io.Writer) error {
	err := withState(f, func(L *lua.LState, persist bool) error {
		fn := L.NewFunctionFromProto(e.proto)
		fn.Env = scope(L, f, persist, out)
		L.Push(fn)
		return L.PCall(0, lua.MultRet, nil)
	})
	if err != nil {
		return fmt.Errorf("execute %q: %w", e.Source, err)
	}
	return nil
}

func withState(f frame.Frame, fn func(L *lua.LState, persist bool) error) error {
	if sf, ok := f.(StateFrame); ok && sf.State() != nil {
		L := sf.State()
		top := L.GetTop()
		defer L.SetTop(top)
		return fn(L, true)
	}
	L := states.Get().(*lua.LState)
	defer states.Put(L)
	top := L.GetTop()
	defer L.SetTop(top)
	return fn(L, false)
}

// scope builds the environment table for one evaluation.
func scope(L *lua.LState, f frame.Frame, persist bool, out io.Writer) *lua.LTable {
	env := L.NewTable()
	mt := L.NewTable()
	var locals, globals frame.Vars
	if f != nil {
		locals = f.Locals()
	}

	lookup := func(name string) lua.LValue {
		if v, ok := locals[name]; ok {
			return GoToLua(L, v)
		}
		if globals == nil && f != nil {
			globals = f.Globals()
		}
		if v, ok := globals[name]; ok {
			return GoToLua(L, v)
		}
		return L.G.Global.RawGetString(name)
	}

	mt.RawSetString("__index", L.NewFunction(func(L *lua.LState) int {
		key, ok := L.Get(2).(lua.LString)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lookup(string(key)))
		return 1
	}))
	mt.RawSetString("__newindex", L.NewFunction(func(L *lua.LState) int {
		key, ok := L.Get(2).(lua.LString)
		value := L.Get(3)
		switch {
		case !ok:
			env.RawSet(L.Get(2), value)
		case locals != nil && hasKey(locals, string(key)):
			if w, ok := f.(LocalWriter); ok && w.SetLocal(string(key), value) {
				break
			}
			locals[string(key)] = value
		case persist:
			L.G.Global.RawSetString(string(key), value)
		default:
			env.RawSetString(string(key), value)
		}
		return 0
	}))
	if out != nil {
		env.RawSetString("print", L.NewFunction(func(L *lua.LState) int {
			top := L.GetTop()
			parts := make([]string, 0, top)
			for i := 1; i <= top; i++ {
				parts = append(parts, L.ToStringMeta(L.Get(i)).String())
			}
			fmt.Fprintln(out, strings.Join(parts, "\t"))
			return 0
		}))
	}
	L.SetMetatable(env, mt)
	return env
}

func hasKey(v frame.Vars, name string) bool {
	_, ok := v[name]
	return ok
}
