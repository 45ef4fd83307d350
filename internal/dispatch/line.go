package dispatch

import (
	"github.com/zot/luadbg/internal/frame"
	"github.com/zot/luadbg/protocol"
)

// Action tells the tracer how to proceed after a line event.
type Action int

const (
	// Continue runs freely. The tracer may skip line events in files
	// without breakpoints while no watches are set.
	Continue Action = iota
	// SingleStep runs on, but a stepping command is pending so every line
	// event must be reported.
	SingleStep
	// Stop means the debuggee stopped at this line and has since been
	// resumed by the IDE.
	Stop
)

func (a Action) String() string {
	switch a {
	case SingleStep:
		return "single-step"
	case Stop:
		return "stop"
	default:
		return "continue"
	}
}

type stepMode int

const (
	modeRun  stepMode = iota
	modeStep          // stop at the next line anywhere
	modeOver          // stop in the same frame or a caller
	modeOut           // stop in a caller
)

// stepState is the minimal stepping machine. frameID and depth describe the
// frame that was current when the step command arrived.
type stepState struct {
	mode    stepMode
	frameID uint64
	depth   int
}

func (st stepState) stopsAt(f frame.Frame) bool {
	switch st.mode {
	case modeStep:
		return true
	case modeOver:
		return f.ID() == st.frameID || f.Depth() < st.depth
	case modeOut:
		return f.Depth() < st.depth
	default:
		return false
	}
}

// argsFrame is implemented by frames that can render their call arguments.
type argsFrame interface {
	Args() string
}

// OnLineEvent decides whether the line event in f stops. Stepping is
// checked first, then breakpoints, then watches. On a stop the IDE gets a
// LINE event and commands are served until one of them resumes execution.
func (s *Session) OnLineEvent(f frame.Frame) Action {
	s.mu.Lock()
	quit := s.quit
	step := s.step
	s.mu.Unlock()
	if quit {
		return Continue
	}
	if f.Line() <= 0 {
		if step.mode != modeRun {
			return SingleStep
		}
		return Continue
	}

	if step.stopsAt(f) {
		s.stopAt(f)
		return s.after()
	}

	if d := s.Breakpoints.Evaluate(f.Filename(), f.Line(), f); d.Stop {
		if d.ConditionError != nil {
			s.send(protocol.MethodBPConditionError, protocol.BreakpointLocation{
				Filename: d.Breakpoint.File,
				Line:     d.Breakpoint.Line,
			})
		}
		if d.RemoveIfTemporary && d.Breakpoint.Temporary {
			s.clearTemporaryBreakpoint(d.Breakpoint.File, d.Breakpoint.Line)
		}
		s.stopAt(f)
		return s.after()
	}

	if s.Watches.Len() > 0 {
		if r := s.Watches.EvaluateAll(f); r.Stop {
			if r.RemoveIfTemporary && r.Watch.Temporary {
				s.clearTemporaryWatch(r.Watch.Condition)
			}
			s.stopAt(f)
			return s.after()
		}
	}

	if step.mode != modeRun {
		return SingleStep
	}
	s.Poll()
	return Continue
}

// Interested reports whether line events in a canonical file must reach
// OnLineEvent. A false result lets the tracer skip the event.
func (s *Session) Interested(file string) bool {
	s.mu.Lock()
	stepping := s.step.mode != modeRun
	s.mu.Unlock()
	return stepping || s.Watches.Len() > 0 || s.Breakpoints.HasBreakInFile(file)
}

// FrameExited tells the session that an activation returned.
func (s *Session) FrameExited(f frame.Frame) {
	s.Watches.FrameExited(f.ID())
}

// CallTracing reports whether calls and returns must be reported.
func (s *Session) CallTracing() bool {
	return s.callTrace.Load()
}

// CallEvent reports a call (protocol.CallEvent) from one frame into another,
// or a return (protocol.ReturnEvent) from one frame back to its caller.
func (s *Session) CallEvent(event string, from, to frame.Frame) {
	if !s.CallTracing() {
		return
	}
	s.send(protocol.MethodCallTrace, protocol.CallTraceEvent{
		Event: event,
		From:  callSite(from),
		To:    callSite(to),
	})
}

func callSite(f frame.Frame) protocol.CallSite {
	if f == nil {
		return protocol.CallSite{}
	}
	return protocol.CallSite{Filename: f.Filename(), Line: f.Line(), Function: f.Function()}
}

func (s *Session) after() Action {
	if _, quit := s.Quitting(); quit {
		return Continue
	}
	return Stop
}

// stopAt reports the stop to the IDE and serves commands until resumed.
func (s *Session) stopAt(f frame.Frame) {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	stack := frame.Walk(f)
	s.mu.Lock()
	s.current = f
	s.stack = stack
	s.resumed = false
	s.mu.Unlock()

	s.Console.Flush()
	s.Log(2, "stopped at %s:%d", f.Filename(), f.Line())
	if err := s.send(protocol.MethodLine, protocol.LineParams{Stack: stackEntries(stack)}); err == nil {
		s.eventLoop(func() bool { return s.resumed })
	}

	s.mu.Lock()
	s.current = nil
	s.stack = nil
	s.mu.Unlock()
}

// Exception reports an unhandled error raised in f and lets the IDE inspect
// the stack before the program unwinds. f may be nil when no frame is left.
func (s *Session) Exception(f frame.Frame, typ, message string) {
	stack := frame.Walk(f)
	s.Console.Flush()
	if err := s.send(protocol.MethodException, protocol.ExceptionParams{
		Type:    typ,
		Message: message,
		Stack:   stackEntries(stack),
	}); err != nil || f == nil {
		return
	}
	if _, quit := s.Quitting(); quit {
		return
	}
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	s.mu.Lock()
	s.current = f
	s.stack = stack
	s.resumed = false
	s.mu.Unlock()

	s.eventLoop(func() bool { return s.resumed })

	s.mu.Lock()
	s.current = nil
	s.stack = nil
	s.mu.Unlock()
}

// SyntaxError reports a program that failed to compile.
func (s *Session) SyntaxError(message, filename string, line, column int) error {
	return s.send(protocol.MethodSyntaxError, protocol.SyntaxErrorParams{
		Message:  message,
		Filename: frame.Canonical(filename),
		Line:     line,
		CharNo:   column,
	})
}

func (s *Session) clearTemporaryBreakpoint(file string, line int) {
	if err := s.Breakpoints.Clear(file, line); err != nil {
		return
	}
	s.unstoreBreakpoint(file, line)
	s.send(protocol.MethodClearBP, protocol.BreakpointLocation{Filename: file, Line: line})
}

func (s *Session) clearTemporaryWatch(condition string) {
	if err := s.Watches.Clear(condition); err != nil {
		return
	}
	s.unstoreWatch(condition)
	s.send(protocol.MethodClearWP, protocol.WatchCondition{Condition: condition})
}

func stackEntries(frames []frame.Frame) []protocol.StackEntry {
	entries := make([]protocol.StackEntry, 0, len(frames))
	for _, f := range frames {
		entry := protocol.StackEntry{
			Filename: f.Filename(),
			Line:     f.Line(),
			Function: f.Function(),
		}
		if a, ok := f.(argsFrame); ok {
			entry.Args = a.Args()
		}
		entries = append(entries, entry)
	}
	return entries
}
