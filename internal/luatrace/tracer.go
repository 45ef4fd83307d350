// Package luatrace runs Lua scripts under the debugger. Scripts are parsed,
// instrumented so each statement reports a line event, and executed in a
// gopher-lua state whose standard streams travel over the IDE channel.
package luatrace

import (
	"io"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/luadbg/internal/config"
	"github.com/zot/luadbg/internal/dispatch"
	"github.com/zot/luadbg/internal/frame"
	"github.com/zot/luadbg/protocol"
)

// Debugger receives the tracer's events. *dispatch.Session implements it.
type Debugger interface {
	OnLineEvent(f frame.Frame) dispatch.Action
	FrameExited(f frame.Frame)
	Interested(file string) bool
	Poll()
	Quitting() (int, bool)
	Exception(f frame.Frame, typ, message string)
	SyntaxError(message, filename string, line, column int) error
}

// CallTracer is implemented by debuggers that want call and return events.
// *dispatch.Session implements it.
type CallTracer interface {
	CallTracing() bool
	CallEvent(event string, from, to frame.Frame)
}

// LineReader supplies program input.
type LineReader interface {
	ReadLinePrompt(prompt string) (string, error)
}

// Options configures a Tracer. Nil streams fall back to the process's own.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  LineReader
	Logger *config.Logger
}

// Tracer owns one Lua state and reports its line events to a Debugger.
// Like the state itself it must be used from one goroutine.
type Tracer struct {
	L    *lua.LState
	dbg  Debugger
	opts Options

	nextID uint64
	// shadows holds, per Lua thread, the activation ID at each call depth.
	// Zero marks a depth with no known activation.
	shadows map[*lua.LState][]uint64
	inHook  bool

	calls CallTracer
	// sites describes the activations entered while call tracing was on.
	sites map[uint64]*frame.MapFrame

	quitSignal *lua.LUserData
	exitSignal *lua.LUserData
	exiting    bool
	exitCode   int
}

// New creates a tracer with a fresh Lua state.
func New(dbg Debugger, opts Options) *Tracer {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Stdin == nil {
		opts.Stdin = newStdinReader(os.Stdin)
	}
	L := lua.NewState()
	t := &Tracer{
		L:       L,
		dbg:     dbg,
		opts:    opts,
		shadows: make(map[*lua.LState][]uint64),
		sites:   make(map[uint64]*frame.MapFrame),
	}
	t.calls, _ = dbg.(CallTracer)
	t.quitSignal = L.NewUserData()
	t.exitSignal = L.NewUserData()
	L.SetGlobal(lineHook, L.NewFunction(t.onLine))
	L.SetGlobal(enterHook, L.NewFunction(t.onEnter))
	t.installStdio(L)
	return t
}

// Log logs a message if the verbosity level is high enough.
func (t *Tracer) Log(level int, format string, args ...interface{}) {
	t.opts.Logger.Log(level, format, args...)
}

// Close releases the Lua state.
func (t *Tracer) Close() {
	t.L.Close()
}

// onLine is called before every statement with the statement's line.
func (t *Tracer) onLine(L *lua.LState) int {
	if t.inHook {
		return 0
	}
	t.checkQuit(L)
	line := L.CheckInt(1)

	dbg, ok := L.GetStack(1)
	if !ok {
		return 0
	}
	if _, err := L.GetInfo("S", dbg, lua.LNil); err != nil {
		return 0
	}
	if !t.dbg.Interested(dbg.Source) {
		t.dbg.Poll()
		t.checkQuit(L)
		return 0
	}

	t.inHook = true
	defer func() { t.inHook = false }()
	top := t.snapshot(L, line)
	if top == nil {
		return 0
	}
	action := t.dbg.OnLineEvent(top)
	t.Log(4, "%s:%d -> %s", top.file, line, action)
	t.checkQuit(L)
	return 0
}

// onEnter is called at the start of every function body.
func (t *Tracer) onEnter(L *lua.LState) int {
	if t.inHook {
		return 0
	}
	levels := luaLevels(L)
	depth := len(levels) - 1
	t.enter(L, depth)
	if depth >= 0 && t.tracingCalls() {
		t.traceCall(L, levels)
	}
	return 0
}

func (t *Tracer) tracingCalls() bool {
	return t.calls != nil && t.calls.CallTracing()
}

// traceCall reports the call that created the innermost of levels.
func (t *Tracer) traceCall(L *lua.LState, levels []*lua.Debug) {
	shadow := t.shadows[L]
	depth := len(levels) - 1
	to := t.site(L, levels[0], shadow[depth], depth)
	t.sites[to.FrameID] = to
	var from frame.Frame
	if depth > 0 {
		caller := t.site(L, levels[1], shadow[depth-1], depth-1)
		if _, ok := t.sites[caller.FrameID]; !ok && caller.FrameID != 0 {
			t.sites[caller.FrameID] = caller
		}
		from = caller
	}
	t.calls.CallEvent(protocol.CallEvent, from, to)
}

// site describes one activation for call tracing.
func (t *Tracer) site(L *lua.LState, dbg *lua.Debug, id uint64, depth int) *frame.MapFrame {
	f := &luaFrame{L: L, dbg: dbg, id: id, depth: depth, file: dbg.Source, line: dbg.CurrentLine}
	return &frame.MapFrame{FrameID: id, File: f.file, LineNo: f.line, Level: depth, Func: f.Function()}
}

// checkQuit unwinds the script once the IDE asked to quit or the script
// called os.exit. A pcall in the script only delays this to the next line.
func (t *Tracer) checkQuit(L *lua.LState) {
	if t.exiting {
		L.Error(t.exitSignal, 0)
	}
	if _, quit := t.dbg.Quitting(); quit {
		L.Error(t.quitSignal, 0)
	}
}

// luaLevels returns the debug records of the Lua functions on L's stack
// below the running Go function, innermost first.
func luaLevels(L *lua.LState) []*lua.Debug {
	var levels []*lua.Debug
	for level := 1; ; level++ {
		dbg, ok := L.GetStack(level)
		if !ok {
			break
		}
		if _, err := L.GetInfo("Sl", dbg, lua.LNil); err != nil {
			break
		}
		if dbg.What == "G" {
			continue
		}
		levels = append(levels, dbg)
		// tail calls can make deeper levels resolve to the outermost frame again
		if dbg.What == "main" {
			break
		}
	}
	return levels
}

// enter records a new activation at depth, retiring any stale ones at or
// above it.
func (t *Tracer) enter(L *lua.LState, depth int) {
	if depth < 0 {
		return
	}
	shadow := t.retire(L, depth-1)
	for len(shadow) < depth {
		shadow = append(shadow, 0)
	}
	t.nextID++
	t.shadows[L] = append(shadow, t.nextID)
}

// retire drops the activations deeper than depth and reports their exit.
func (t *Tracer) retire(L *lua.LState, depth int) []uint64 {
	shadow := t.shadows[L]
	keep := depth + 1
	if keep < 0 {
		keep = 0
	}
	for i := len(shadow) - 1; i >= keep; i-- {
		if shadow[i] == 0 {
			continue
		}
		t.dbg.FrameExited(&frame.MapFrame{FrameID: shadow[i], Level: i})
		if from, ok := t.sites[shadow[i]]; ok {
			delete(t.sites, shadow[i])
			if t.tracingCalls() {
				var to frame.Frame
				if i > 0 {
					if caller, ok := t.sites[shadow[i-1]]; ok {
						to = caller
					}
				}
				t.calls.CallEvent(protocol.ReturnEvent, from, to)
			}
		}
	}
	if keep < len(shadow) {
		shadow = shadow[:keep]
	}
	t.shadows[L] = shadow
	return shadow
}

// retireAll reports the exit of every tracked activation.
func (t *Tracer) retireAll() {
	for L := range t.shadows {
		t.retire(L, -1)
		delete(t.shadows, L)
	}
}

// activations returns the IDs of the n activations on L's stack. Frames the
// enter hook never saw, such as the bodies of uninstrumented modules, get a
// fresh ID.
func (t *Tracer) activations(L *lua.LState, n int) []uint64 {
	shadow := t.retire(L, n-1)
	for len(shadow) < n {
		shadow = append(shadow, 0)
	}
	for i, id := range shadow {
		if id == 0 {
			t.nextID++
			shadow[i] = t.nextID
		}
	}
	t.shadows[L] = shadow
	return shadow
}

// snapshot builds the frame chain for the current stack. line overrides the
// innermost frame's line.
func (t *Tracer) snapshot(L *lua.LState, line int) *luaFrame {
	levels := luaLevels(L)
	if len(levels) == 0 {
		return nil
	}
	shadow := t.activations(L, len(levels))

	frames := make([]*luaFrame, len(levels))
	for i, dbg := range levels {
		depth := len(levels) - 1 - i
		frames[i] = &luaFrame{L: L, dbg: dbg, id: shadow[depth], depth: depth, file: dbg.Source, line: dbg.CurrentLine}
		if i > 0 {
			frames[i-1].back = frames[i]
		}
	}
	if line > 0 {
		frames[0].line = line
	}
	return frames[0]
}
