package luatrace

import (
	"errors"
	"fmt"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/zot/luadbg/internal/frame"
)

// ErrSyntax is returned when a script does not compile. The debugger has
// already been told.
var ErrSyntax = errors.New("syntax error")

// Load parses, instruments and compiles src. name is the script's canonical
// file name, which line events report.
func (t *Tracer) Load(name, src string) (*lua.LFunction, error) {
	chunk, err := parse.Parse(strings.NewReader(src), name)
	if err != nil {
		var perr *parse.Error
		if errors.As(err, &perr) {
			line := perr.Pos.Line
			if line < 0 {
				line = 0
			}
			t.dbg.SyntaxError(strings.TrimSpace(perr.Message), name, line, perr.Pos.Column)
		} else {
			t.dbg.SyntaxError(err.Error(), name, 0, 0)
		}
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	proto, err := lua.Compile(Instrument(chunk), name)
	if err != nil {
		var cerr *lua.CompileError
		if errors.As(err, &cerr) {
			t.dbg.SyntaxError(cerr.Message, name, cerr.Line, 0)
		} else {
			t.dbg.SyntaxError(err.Error(), name, 0, 0)
		}
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return t.L.NewFunctionFromProto(proto), nil
}

// Run runs the script in filename with args as its arg table and returns
// the exit status and, for a failed script, the error message.
func (t *Tracer) Run(filename string, args []string) (int, string) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return 1, err.Error()
	}
	return t.RunSource(frame.Canonical(filename), string(src), args)
}

// RunSource runs src as the script name.
func (t *Tracer) RunSource(name, src string, args []string) (int, string) {
	fn, err := t.Load(name, src)
	if err != nil {
		return 1, err.Error()
	}
	t.setArgs(name, args)

	t.L.Push(fn)
	for _, arg := range args {
		t.L.Push(lua.LString(arg))
	}
	err = t.L.PCall(len(args), 0, t.L.NewFunction(t.onError))
	t.retireAll()
	return t.status(err)
}

func (t *Tracer) setArgs(name string, args []string) {
	argt := t.L.NewTable()
	argt.RawSetInt(0, lua.LString(name))
	for i, arg := range args {
		argt.RawSetInt(i+1, lua.LString(arg))
	}
	t.L.SetGlobal("arg", argt)
}

// status turns the result of the script's call into an exit status.
func (t *Tracer) status(err error) (int, string) {
	if code, quit := t.dbg.Quitting(); quit {
		return code, ""
	}
	if t.exiting {
		return t.exitCode, ""
	}
	if err == nil {
		return 0, ""
	}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return 1, message(t.L, apiErr.Object)
	}
	return 1, err.Error()
}

// onError is the message handler of the script's protected call. It runs
// before the stack unwinds, so the frames that raised the error can still be
// inspected.
func (t *Tracer) onError(L *lua.LState) int {
	obj := L.Get(1)
	L.Push(obj)
	if obj == t.quitSignal || obj == t.exitSignal || t.inHook {
		return 1
	}

	t.inHook = true
	defer func() { t.inHook = false }()
	var top frame.Frame
	if f := t.snapshot(L, 0); f != nil {
		top = f
	}
	typ := "error"
	if _, ok := obj.(lua.LString); !ok {
		typ = obj.Type().String()
	}
	t.dbg.Exception(top, typ, message(L, obj))
	return 1
}

func message(L *lua.LState, obj lua.LValue) string {
	if s, ok := obj.(lua.LString); ok {
		return string(s)
	}
	return L.ToStringMeta(obj).String()
}
