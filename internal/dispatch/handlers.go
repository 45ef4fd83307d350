package dispatch

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/zot/luadbg/internal/breakpoint"
	"github.com/zot/luadbg/internal/eval"
	"github.com/zot/luadbg/internal/frame"
	"github.com/zot/luadbg/internal/stream"
	"github.com/zot/luadbg/internal/watch"
	"github.com/zot/luadbg/protocol"
)

// ErrNotStopped is returned by inspection commands that need a stopped frame.
var ErrNotStopped = errors.New("debuggee is not stopped")

// Handle processes one IDE command. Messages for another procId are
// ignored and unknown methods are logged. The returned error is a handler
// fault; the event loop reports it as an ERROR event.
func (s *Session) Handle(env *protocol.Envelope) error {
	if env.ProcID != "" && env.ProcID != s.procID {
		s.Log(2, "ignoring %s for procId %s", env.Method, env.ProcID)
		return nil
	}
	s.Log(2, "command %s", env.Method)

	switch env.Method {
	case protocol.MethodSetBP:
		return s.handleSetBP(env)
	case protocol.MethodClearBP:
		return s.handleClearBP(env)
	case protocol.MethodBPEnable:
		return s.handleBPEnable(env)
	case protocol.MethodBPIgnore:
		return s.handleBPIgnore(env)
	case protocol.MethodSetWP:
		return s.handleSetWP(env)
	case protocol.MethodClearWP:
		return s.handleClearWP(env)
	case protocol.MethodWPEnable:
		return s.handleWPEnable(env)
	case protocol.MethodWPIgnore:
		return s.handleWPIgnore(env)
	case protocol.MethodContinue:
		return s.handleContinue(env)
	case protocol.MethodStep:
		return s.resume(stepState{mode: modeStep})
	case protocol.MethodStepOver:
		return s.resumeFromCurrent(modeOver)
	case protocol.MethodStepOut:
		return s.resumeFromCurrent(modeOut)
	case protocol.MethodStepQuit:
		return s.handleStepQuit(env)
	case protocol.MethodStdin:
		return s.handleStdin(env)
	case protocol.MethodVariables:
		return s.handleVariables(env)
	case protocol.MethodVariable:
		return s.handleVariable(env)
	case protocol.MethodExecuteStatement:
		return s.handleExecuteStatement(env)
	case protocol.MethodSetFilter:
		return s.handleSetFilter(env)
	case protocol.MethodCallTrace:
		return s.handleCallTrace(env)
	case protocol.MethodSetEnvironment:
		return s.handleSetEnvironment(env)
	case protocol.MethodShutdown:
		return s.handleShutdown()
	case protocol.MethodEpilogueExit:
		s.Log(2, "EPILOGUE_EXIT before termination")
		return nil
	default:
		s.Log(0, "unknown command %q", env.Method)
		return nil
	}
}

// noCondition reports whether an IDE condition string means "unconditional".
func noCondition(cond string) bool {
	cond = strings.TrimSpace(cond)
	return cond == "" || cond == "None"
}

// ignoreMissing drops not-found errors: editing an unknown breakpoint or
// watch is a no-op.
func ignoreMissing(err error) error {
	if errors.Is(err, breakpoint.ErrNotFound) || errors.Is(err, watch.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Session) handleSetBP(env *protocol.Envelope) error {
	var p protocol.SetBreakpointParams
	if err := env.Decode(&p); err != nil {
		return err
	}
	if !p.SetBreakpoint {
		return s.clearBreakpoint(p.Filename, p.Line)
	}
	cond := p.Condition
	if noCondition(cond) {
		cond = ""
	}
	bp, err := s.Breakpoints.Set(p.Filename, p.Line, cond, p.Temporary)
	if err != nil {
		s.Log(1, "breakpoint condition %q: %v", cond, err)
		return s.send(protocol.MethodBPConditionError, protocol.BreakpointLocation{
			Filename: frame.Canonical(p.Filename),
			Line:     p.Line,
		})
	}
	s.storeBreakpoint(bp)
	return nil
}

func (s *Session) handleClearBP(env *protocol.Envelope) error {
	var p protocol.BreakpointLocation
	if err := env.Decode(&p); err != nil {
		return err
	}
	return s.clearBreakpoint(p.Filename, p.Line)
}

func (s *Session) clearBreakpoint(file string, line int) error {
	if err := s.Breakpoints.Clear(file, line); err != nil && !errors.Is(err, breakpoint.ErrNotFound) {
		return err
	}
	s.unstoreBreakpoint(frame.Canonical(file), line)
	return nil
}

func (s *Session) handleBPEnable(env *protocol.Envelope) error {
	var p protocol.BreakpointEnableParams
	if err := env.Decode(&p); err != nil {
		return err
	}
	if err := s.Breakpoints.Enable(p.Filename, p.Line, p.Enable); err != nil {
		return ignoreMissing(err)
	}
	s.storeBreakpointAt(p.Filename, p.Line)
	return nil
}

func (s *Session) handleBPIgnore(env *protocol.Envelope) error {
	var p protocol.BreakpointIgnoreParams
	if err := env.Decode(&p); err != nil {
		return err
	}
	if err := s.Breakpoints.SetIgnore(p.Filename, p.Line, p.Count); err != nil {
		return ignoreMissing(err)
	}
	s.storeBreakpointAt(p.Filename, p.Line)
	return nil
}

func (s *Session) handleSetWP(env *protocol.Envelope) error {
	var p protocol.SetWatchParams
	if err := env.Decode(&p); err != nil {
		return err
	}
	if !p.SetWatch {
		return s.clearWatch(p.Condition)
	}
	w, err := s.Watches.Set(p.Condition, watch.FlagPlain, p.Temporary)
	if err != nil {
		s.Log(1, "watch condition %q: %v", p.Condition, err)
		return s.send(protocol.MethodWPConditionError, protocol.WatchCondition{Condition: p.Condition})
	}
	s.storeWatch(w)
	return nil
}

func (s *Session) handleClearWP(env *protocol.Envelope) error {
	var p protocol.WatchCondition
	if err := env.Decode(&p); err != nil {
		return err
	}
	return s.clearWatch(p.Condition)
}

func (s *Session) clearWatch(condition string) error {
	if err := s.Watches.Clear(condition); err != nil && !errors.Is(err, watch.ErrNotFound) {
		return err
	}
	s.unstoreWatch(strings.TrimSpace(condition))
	return nil
}

func (s *Session) handleWPEnable(env *protocol.Envelope) error {
	var p protocol.WatchEnableParams
	if err := env.Decode(&p); err != nil {
		return err
	}
	if err := s.Watches.Enable(p.Condition, p.Enable); err != nil {
		return ignoreMissing(err)
	}
	s.storeWatchFor(p.Condition)
	return nil
}

func (s *Session) handleWPIgnore(env *protocol.Envelope) error {
	var p protocol.WatchIgnoreParams
	if err := env.Decode(&p); err != nil {
		return err
	}
	if err := s.Watches.SetIgnore(p.Condition, p.Count); err != nil {
		return ignoreMissing(err)
	}
	s.storeWatchFor(p.Condition)
	return nil
}

// handleContinue resumes execution. A special continue keeps the pending
// stepping request.
func (s *Session) handleContinue(env *protocol.Envelope) error {
	var p protocol.ContinueParams
	if err := env.Decode(&p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !p.Special {
		s.step = stepState{}
	}
	s.resumed = true
	return nil
}

func (s *Session) resume(st stepState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step = st
	s.resumed = true
	return nil
}

// resumeFromCurrent starts a step relative to the stopped frame. Without a
// stopped frame it degrades to a plain step.
func (s *Session) resumeFromCurrent(mode stepMode) error {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil {
		return s.resume(stepState{mode: modeStep})
	}
	return s.resume(stepState{mode: mode, frameID: cur.ID(), depth: cur.Depth()})
}

func (s *Session) handleStepQuit(env *protocol.Envelope) error {
	var p protocol.StepQuitParams
	if err := env.Decode(&p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quit = true
	s.resumed = true
	if p.ExitCode != nil {
		s.exitCode = *p.ExitCode
	}
	s.Log(1, "quit requested, exit code %d", s.exitCode)
	return nil
}

func (s *Session) handleStdin(env *protocol.Envelope) error {
	var p protocol.StdinReply
	if err := env.Decode(&p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = &p.Input
	return nil
}

func (s *Session) handleShutdown() error {
	s.mu.Lock()
	s.quit = true
	s.resumed = true
	s.needEpilogue = false
	s.mu.Unlock()
	s.Log(1, "shutdown requested")
	return s.ch.Close()
}

// frameAt returns the n-th frame of the stopped stack, innermost first.
func (s *Session) frameAt(n int) (frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stack == nil {
		return nil, ErrNotStopped
	}
	if n < 0 || n >= len(s.stack) {
		return nil, fmt.Errorf("no frame %d (stack depth %d)", n, len(s.stack))
	}
	return s.stack[n], nil
}

// scopeVars returns the variables of one scope of f and the scope's
// normalized name.
func scopeVars(f frame.Frame, scope string) (frame.Vars, string) {
	if scope == "global" {
		return f.Globals(), scope
	}
	return f.Locals(), "local"
}

// describe renders vars for a dump. Values whose type is in types and names
// matching the scope's name filter are left out.
func (s *Session) describe(vars frame.Vars, scope string, types []string) []protocol.Variable {
	s.mu.Lock()
	filter := s.filters[scope]
	s.mu.Unlock()

	skip := make(map[string]bool, len(types))
	for _, t := range types {
		skip[t] = true
	}
	out := []protocol.Variable{}
names:
	for _, name := range vars.Names() {
		for _, re := range filter {
			if re.MatchString(name) {
				continue names
			}
		}
		typ, text := eval.Describe(vars[name])
		if skip[typ] {
			continue
		}
		out = append(out, protocol.Variable{Name: name, Type: typ, Value: text})
	}
	return out
}

// handleVariables dumps one scope of a stopped frame. Filter lists value
// types to leave out.
func (s *Session) handleVariables(env *protocol.Envelope) error {
	var p protocol.VariablesRequest
	if err := env.Decode(&p); err != nil {
		return err
	}
	f, err := s.frameAt(p.Frame)
	if err != nil {
		return err
	}
	vars, scope := scopeVars(f, p.Scope)
	return s.send(protocol.MethodVariables, protocol.VariablesReply{
		Frame:     p.Frame,
		Scope:     scope,
		Variables: s.describe(vars, scope, p.Filter),
	})
}

// handleVariable dumps the members of one table reached from a scope
// variable. A path that leads nowhere yields an empty dump.
func (s *Session) handleVariable(env *protocol.Envelope) error {
	var p protocol.VariableRequest
	if err := env.Decode(&p); err != nil {
		return err
	}
	f, err := s.frameAt(p.Frame)
	if err != nil {
		return err
	}
	vars, scope := scopeVars(f, p.Scope)
	reply := protocol.VariableReply{Frame: p.Frame, Scope: scope, Variable: p.Variable, Variables: []protocol.Variable{}}
	if len(p.Variable) > 0 {
		if root, ok := vars[p.Variable[0]]; ok {
			if val, ok := eval.Resolve(root, p.Variable[1:]); ok {
				if fields := eval.Fields(val); fields != nil {
					reply.Variables = s.describe(fields, scope, p.Filter)
				}
			}
		}
	}
	return s.send(protocol.MethodVariable, reply)
}

// handleSetFilter replaces a scope's name filter. A bad pattern leaves the
// old filter in place.
func (s *Session) handleSetFilter(env *protocol.Envelope) error {
	var p protocol.SetFilterParams
	if err := env.Decode(&p); err != nil {
		return err
	}
	scope := p.Scope
	if scope != "global" {
		scope = "local"
	}
	var filter []*regexp.Regexp
	for _, pattern := range p.Filter {
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return fmt.Errorf("bad %s filter %q: %w", scope, pattern, err)
		}
		filter = append(filter, re)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters[scope] = filter
	s.Log(2, "%s filter: %d patterns", scope, len(filter))
	return nil
}

func (s *Session) handleCallTrace(env *protocol.Envelope) error {
	var p protocol.CallTraceParams
	if err := env.Decode(&p); err != nil {
		return err
	}
	s.callTrace.Store(p.Enable)
	s.Log(1, "call trace enabled: %v", p.Enable)
	return nil
}

// handleSetEnvironment updates the process environment, which the script
// sees through os.getenv.
func (s *Session) handleSetEnvironment(env *protocol.Envelope) error {
	var p protocol.SetEnvironmentParams
	if err := env.Decode(&p); err != nil {
		return err
	}
	for name, value := range p.Environment {
		if base, ok := strings.CutSuffix(name, "+"); ok {
			name = base
			value = os.Getenv(name) + value
		}
		if err := os.Setenv(name, value); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}
	return nil
}

// handleExecuteStatement runs a statement in a stopped frame and sends back
// everything it printed.
func (s *Session) handleExecuteStatement(env *protocol.Envelope) error {
	var p protocol.ExecuteStatementParams
	if err := env.Decode(&p); err != nil {
		return err
	}
	f, err := s.frameAt(p.Frame)
	if err != nil {
		return err
	}
	expr, err := eval.CompileStatement(p.Statement)
	if err != nil {
		return s.send(protocol.MethodExecStmtError, protocol.TextParams{Text: err.Error()})
	}

	var out stream.Collector
	if err := expr.Exec(f, &out); err != nil {
		text := out.String()
		if text != "" && !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		return s.send(protocol.MethodExecStmtError, protocol.TextParams{Text: text + err.Error()})
	}
	return s.send(protocol.MethodExecStmtOutput, protocol.TextParams{Text: out.String()})
}
