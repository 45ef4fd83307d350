// Package cli provides the command-line interface for luadbg.
// This file re-exports internal packages for programs embedding the debugger.
package cli

import (
	"github.com/zot/luadbg/internal/dispatch"
	"github.com/zot/luadbg/internal/eval"
	"github.com/zot/luadbg/internal/frame"
	"github.com/zot/luadbg/internal/luatrace"
)

// Re-export session and tracer types
type (
	Session        = dispatch.Session
	SessionOptions = dispatch.Options
	Tracer         = luatrace.Tracer
	TracerOptions  = luatrace.Options
	Frame          = frame.Frame
)

// Re-export constructors
var (
	NewSession = dispatch.New
	NewTracer  = luatrace.New
)

// Re-export Lua utilities
var (
	LuaToGo  = eval.LuaToGo
	Describe = eval.Describe
)
