package dispatch

import (
	"bufio"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/luadbg/internal/channel"
	"github.com/zot/luadbg/internal/frame"
	"github.com/zot/luadbg/internal/storage"
	"github.com/zot/luadbg/protocol"
)

const (
	procID = "p1"
	file   = "/src/main.lua"
)

// ide is the controller end of a session's pipe. A reader goroutine drains
// everything the session sends, so session writes never block.
type ide struct {
	t      *testing.T
	conn   net.Conn
	events chan *protocol.Envelope
}

func (i *ide) next() *protocol.Envelope {
	i.t.Helper()
	select {
	case env := <-i.events:
		return env
	case <-time.After(2 * time.Second):
		i.t.Fatal("no event from the debuggee")
		return nil
	}
}

func (i *ide) expect(method protocol.Method, params any) {
	i.t.Helper()
	env := i.next()
	require.Equal(i.t, method, env.Method)
	if params != nil {
		require.NoError(i.t, env.Decode(params))
	}
}

func (i *ide) quiet() {
	i.t.Helper()
	select {
	case env := <-i.events:
		i.t.Fatalf("unexpected event %s", env.Method)
	case <-time.After(20 * time.Millisecond):
	}
}

func (i *ide) send(method protocol.Method, params any) {
	i.t.Helper()
	line, err := protocol.Encode(method, procID, params)
	require.NoError(i.t, err)
	go i.conn.Write(line)
}

func newSession(t *testing.T, opts Options) (*Session, *ide) {
	t.Helper()
	a, b := net.Pipe()
	ch := channel.New(a, channel.Options{OnDisconnect: func(error) {}})
	opts.ProcID = procID
	opts.PollInterval = time.Nanosecond
	opts.EpilogueTimeout = time.Second
	s := New(ch, opts)

	i := &ide{t: t, conn: b, events: make(chan *protocol.Envelope, 64)}
	go func() {
		r := bufio.NewReader(b)
		for {
			line, err := r.ReadBytes('\n')
			if err != nil {
				return
			}
			env, err := protocol.ParseEnvelope(line)
			if err == nil {
				i.events <- env
			}
		}
	}()
	t.Cleanup(func() {
		ch.Close()
		b.Close()
	})
	return s, i
}

func command(method protocol.Method, params any) *protocol.Envelope {
	env, _ := protocol.NewEnvelope(method, procID, params)
	return env
}

func at(id uint64, depth, line int, locals frame.Vars) *frame.MapFrame {
	return &frame.MapFrame{FrameID: id, File: file, LineNo: line, Level: depth, Func: "main", LocalV: locals}
}

// onLine runs OnLineEvent in the background, since a stop blocks until resumed.
func onLine(s *Session, f frame.Frame) <-chan Action {
	done := make(chan Action, 1)
	go func() { done <- s.OnLineEvent(f) }()
	return done
}

func waitAction(t *testing.T, done <-chan Action) Action {
	t.Helper()
	select {
	case a := <-done:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("line event never returned")
		return Continue
	}
}

// TestConditionalBreakpointStopsAndResumes verifies a true condition stops with a LINE event and CONTINUE resumes
func TestConditionalBreakpointStopsAndResumes(t *testing.T) {
	s, ide := newSession(t, Options{})
	require.NoError(t, s.Handle(command(protocol.MethodSetBP, protocol.SetBreakpointParams{
		SetBreakpoint: true, Filename: file, Line: 10, Condition: "x > 3",
	})))

	done := onLine(s, at(1, 0, 10, frame.Vars{"x": 5}))
	var line protocol.LineParams
	ide.expect(protocol.MethodLine, &line)
	require.Len(t, line.Stack, 1)
	assert.Equal(t, protocol.StackEntry{Filename: file, Line: 10, Function: "main"}, line.Stack[0])

	ide.send(protocol.MethodContinue, protocol.ContinueParams{})
	assert.Equal(t, Stop, waitAction(t, done))

	assert.Equal(t, Continue, s.OnLineEvent(at(1, 0, 10, frame.Vars{"x": 2})))
	ide.quiet()
}

func TestLineZeroNeverStops(t *testing.T) {
	s, ide := newSession(t, Options{StopOnEntry: true})
	require.NoError(t, s.Start(file))
	ide.expect(protocol.MethodProcIDInfo, nil)

	assert.Equal(t, SingleStep, s.OnLineEvent(at(1, 0, 0, nil)))
	ide.quiet()
}

// TestTemporaryBreakpointAnnounced verifies a temporary breakpoint is cleared and announced before the stop
func TestTemporaryBreakpointAnnounced(t *testing.T) {
	s, ide := newSession(t, Options{})
	s.Handle(command(protocol.MethodSetBP, protocol.SetBreakpointParams{
		SetBreakpoint: true, Filename: file, Line: 4, Temporary: true, Condition: "None",
	}))

	done := onLine(s, at(1, 0, 4, nil))
	var loc protocol.BreakpointLocation
	ide.expect(protocol.MethodClearBP, &loc)
	assert.Equal(t, protocol.BreakpointLocation{Filename: file, Line: 4}, loc)
	ide.expect(protocol.MethodLine, nil)
	ide.send(protocol.MethodContinue, nil)
	waitAction(t, done)

	assert.Equal(t, 0, s.Breakpoints.Len())
}

// TestBrokenConditionReported verifies compile and runtime condition failures reach the IDE
func TestBrokenConditionReported(t *testing.T) {
	s, ide := newSession(t, Options{})

	require.NoError(t, s.Handle(command(protocol.MethodSetBP, protocol.SetBreakpointParams{
		SetBreakpoint: true, Filename: file, Line: 2, Condition: "x >",
	})))
	ide.expect(protocol.MethodBPConditionError, nil)
	assert.Equal(t, 0, s.Breakpoints.Len())

	s.Handle(command(protocol.MethodSetBP, protocol.SetBreakpointParams{
		SetBreakpoint: true, Filename: file, Line: 2, Condition: "missing.field", Temporary: true,
	}))
	done := onLine(s, at(1, 0, 2, nil))
	ide.expect(protocol.MethodBPConditionError, nil)
	ide.expect(protocol.MethodLine, nil)
	ide.send(protocol.MethodContinue, nil)
	waitAction(t, done)
	assert.Equal(t, 1, s.Breakpoints.Len(), "a broken condition keeps the temporary breakpoint")

	require.NoError(t, s.Handle(command(protocol.MethodSetWP, protocol.SetWatchParams{SetWatch: true, Condition: "y +"})))
	var wc protocol.WatchCondition
	ide.expect(protocol.MethodWPConditionError, &wc)
	assert.Equal(t, "y +", wc.Condition)
}

// TestStepOver verifies step over skips deeper frames and stops back in the same frame
func TestStepOver(t *testing.T) {
	s, ide := newSession(t, Options{})
	s.Breakpoints.Set(file, 1, "", false)

	done := onLine(s, at(1, 0, 1, nil))
	ide.expect(protocol.MethodLine, nil)
	ide.send(protocol.MethodStepOver, nil)
	waitAction(t, done)

	assert.Equal(t, SingleStep, s.OnLineEvent(at(2, 1, 20, nil)), "callee lines run through")
	s.FrameExited(at(2, 1, 21, nil))

	done = onLine(s, at(1, 0, 2, nil))
	var line protocol.LineParams
	ide.expect(protocol.MethodLine, &line)
	assert.Equal(t, 2, line.Stack[0].Line)
	ide.send(protocol.MethodContinue, nil)
	assert.Equal(t, Stop, waitAction(t, done))
}

func TestStepOutStopsInCaller(t *testing.T) {
	s, ide := newSession(t, Options{})
	s.Breakpoints.Set(file, 20, "", false)

	caller := at(1, 0, 5, nil)
	callee := at(2, 1, 20, nil)
	callee.Previous = caller

	done := onLine(s, callee)
	var line protocol.LineParams
	ide.expect(protocol.MethodLine, &line)
	require.Len(t, line.Stack, 2)
	assert.Equal(t, 5, line.Stack[1].Line)
	ide.send(protocol.MethodStepOut, nil)
	waitAction(t, done)

	assert.Equal(t, SingleStep, s.OnLineEvent(at(2, 1, 21, nil)))
	done = onLine(s, at(1, 0, 6, nil))
	ide.expect(protocol.MethodLine, nil)
	ide.send(protocol.MethodStep, nil)
	waitAction(t, done)

	// STEP stops at the very next line
	done = onLine(s, at(3, 1, 30, nil))
	ide.expect(protocol.MethodLine, nil)
	ide.send(protocol.MethodContinue, nil)
	waitAction(t, done)
}

// TestInspectWhileStopped verifies VARIABLES and EXECUTE_STATEMENT are served at a stop
func TestInspectWhileStopped(t *testing.T) {
	s, ide := newSession(t, Options{})
	s.Breakpoints.Set(file, 3, "", false)

	done := onLine(s, at(1, 0, 3, frame.Vars{"x": 5, "name": "lua", "f": []any{1, 2}}))
	ide.expect(protocol.MethodLine, nil)

	ide.send(protocol.MethodVariables, protocol.VariablesRequest{Frame: 0, Scope: "local", Filter: []string{"table"}})
	var vars protocol.VariablesReply
	ide.expect(protocol.MethodVariables, &vars)
	assert.Equal(t, "local", vars.Scope)
	assert.Equal(t, []protocol.Variable{
		{Name: "name", Type: "string", Value: `"lua"`},
		{Name: "x", Type: "number", Value: "5"},
	}, vars.Variables)

	ide.send(protocol.MethodExecuteStatement, protocol.ExecuteStatementParams{Statement: "print(x * 2)"})
	var out protocol.TextParams
	ide.expect(protocol.MethodExecStmtOutput, &out)
	assert.Equal(t, "10\n", out.Text)

	ide.send(protocol.MethodExecuteStatement, protocol.ExecuteStatementParams{Statement: "x = = 1"})
	ide.expect(protocol.MethodExecStmtError, &out)
	assert.NotEmpty(t, out.Text)

	ide.send(protocol.MethodVariables, protocol.VariablesRequest{Frame: 4})
	var fault protocol.ErrorParams
	ide.expect(protocol.MethodError, &fault)
	assert.Equal(t, protocol.MethodVariables, fault.Method)

	ide.send(protocol.MethodContinue, nil)
	waitAction(t, done)
}

func TestInput(t *testing.T) {
	s, ide := newSession(t, Options{})

	result := make(chan string, 1)
	go func() {
		line, _ := s.Stdin.ReadLinePrompt("name? ")
		result <- line
	}()

	var req protocol.StdinRequest
	ide.expect(protocol.MethodStdin, &req)
	assert.Equal(t, protocol.StdinRequest{Prompt: "name? ", Echo: true}, req)
	ide.send(protocol.MethodStdin, protocol.StdinReply{Input: "bob"})

	select {
	case line := <-result:
		assert.Equal(t, "bob\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("input never returned")
	}
}

func TestOtherProcIDIgnored(t *testing.T) {
	s, _ := newSession(t, Options{})
	env, _ := protocol.NewEnvelope(protocol.MethodSetBP, "someone-else", protocol.SetBreakpointParams{
		SetBreakpoint: true, Filename: file, Line: 1,
	})
	require.NoError(t, s.Handle(env))
	assert.Equal(t, 0, s.Breakpoints.Len())

	assert.NoError(t, s.Handle(command("NOT_A_METHOD", nil)))
}

func TestStepQuit(t *testing.T) {
	s, ide := newSession(t, Options{})
	s.Breakpoints.Set(file, 1, "", false)

	done := onLine(s, at(1, 0, 1, nil))
	ide.expect(protocol.MethodLine, nil)
	code := 3
	ide.send(protocol.MethodStepQuit, protocol.StepQuitParams{ExitCode: &code})
	assert.Equal(t, Continue, waitAction(t, done))

	exitCode, quit := s.Quitting()
	assert.True(t, quit)
	assert.Equal(t, 3, exitCode)
	assert.Equal(t, Continue, s.OnLineEvent(at(1, 0, 1, nil)), "no stops after quit")
}

// TestPollReportsHandlerFaults verifies a failing command becomes an ERROR event
func TestPollReportsHandlerFaults(t *testing.T) {
	s, ide := newSession(t, Options{})
	ide.send(protocol.MethodBPEnable, "not an object")

	var fault protocol.ErrorParams
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.Poll()
		select {
		case env := <-ide.events:
			require.Equal(t, protocol.MethodError, env.Method)
			require.NoError(t, env.Decode(&fault))
			assert.Equal(t, "command", fault.Code)
			assert.Equal(t, protocol.MethodBPEnable, fault.Method)
			return
		default:
		}
	}
	t.Fatal("no ERROR event")
}

// TestEditingUnknownEntriesIsSilent verifies enable and ignore commands for
// unknown breakpoints and watches do nothing
func TestEditingUnknownEntriesIsSilent(t *testing.T) {
	s, ide := newSession(t, Options{})
	assert.NoError(t, s.Handle(command(protocol.MethodBPEnable, protocol.BreakpointEnableParams{Filename: file, Line: 9})))
	assert.NoError(t, s.Handle(command(protocol.MethodBPIgnore, protocol.BreakpointIgnoreParams{Filename: file, Line: 9, Count: 2})))
	assert.NoError(t, s.Handle(command(protocol.MethodWPEnable, protocol.WatchEnableParams{Condition: "x > 1"})))
	assert.NoError(t, s.Handle(command(protocol.MethodWPIgnore, protocol.WatchIgnoreParams{Condition: "x > 1", Count: 2})))
	assert.Equal(t, 0, s.Breakpoints.Len())
	assert.Equal(t, 0, s.Watches.Len())
	ide.quiet()
}

// TestEpilogueSentOnce verifies EPILOGUE_EXIT_CODE is sent once and the IDE's EPILOGUE_EXIT ends the wait
func TestEpilogueSentOnce(t *testing.T) {
	s, ide := newSession(t, Options{})
	s.Start(file)
	var info protocol.ProcIDInfo
	ide.expect(protocol.MethodProcIDInfo, &info)
	assert.Equal(t, procID, info.ProcID)
	assert.Equal(t, file, info.Filename)

	finished := make(chan struct{})
	go func() {
		s.Terminated(2, "bye")
		close(finished)
	}()
	var exit protocol.ExitCodeParams
	ide.expect(protocol.MethodEpilogueExitCode, &exit)
	assert.Equal(t, protocol.ExitCodeParams{ExitCode: 2, Message: "bye"}, exit)
	ide.send(protocol.MethodEpilogueExit, nil)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Terminated did not return")
	}

	s.Terminated(2, "again")
	ide.quiet()
}

func TestCreatedWatchStopsAndTemporaryIsCleared(t *testing.T) {
	s, ide := newSession(t, Options{})
	require.NoError(t, s.Handle(command(protocol.MethodSetWP, protocol.SetWatchParams{
		SetWatch: true, Condition: "obj ??created??", Temporary: true,
	})))

	done := onLine(s, at(1, 0, 5, frame.Vars{"obj": 1}))
	var wc protocol.WatchCondition
	ide.expect(protocol.MethodClearWP, &wc)
	assert.Equal(t, "obj ??created??", wc.Condition)
	ide.expect(protocol.MethodLine, nil)
	ide.send(protocol.MethodContinue, nil)
	waitAction(t, done)
	assert.Equal(t, 0, s.Watches.Len())
}

// TestStoragePersistsCommands verifies IDE edits survive into a new session
func TestStoragePersistsCommands(t *testing.T) {
	store := storage.NewMemoryStorage()
	s, _ := newSession(t, Options{Storage: store})

	s.Handle(command(protocol.MethodSetBP, protocol.SetBreakpointParams{SetBreakpoint: true, Filename: file, Line: 7, Condition: "x == 1"}))
	s.Handle(command(protocol.MethodBPIgnore, protocol.BreakpointIgnoreParams{Filename: file, Line: 7, Count: 2}))
	s.Handle(command(protocol.MethodSetBP, protocol.SetBreakpointParams{SetBreakpoint: true, Filename: file, Line: 8}))
	s.Handle(command(protocol.MethodClearBP, protocol.BreakpointLocation{Filename: file, Line: 8}))
	s.Handle(command(protocol.MethodSetWP, protocol.SetWatchParams{SetWatch: true, Condition: "n ??changed??"}))
	s.Handle(command(protocol.MethodWPEnable, protocol.WatchEnableParams{Condition: "n ??changed??", Enable: false}))

	restored, _ := newSession(t, Options{Storage: store})
	require.NoError(t, restored.Restore())

	bps := restored.Breakpoints.List()
	require.Len(t, bps, 1)
	assert.Equal(t, "x == 1", bps[0].Condition)
	assert.Equal(t, 2, bps[0].IgnoreCount)

	w, ok := restored.Watches.Get("n ??changed??")
	require.True(t, ok)
	assert.False(t, w.Enabled)
}

func TestReplace(t *testing.T) {
	store := storage.NewMemoryStorage()
	s, _ := newSession(t, Options{Storage: store})
	s.Breakpoints.Set(file, 1, "", false)

	err := s.Replace(
		[]*storage.BreakpointData{{File: file, Line: 2, Enabled: true}, {File: file, Line: 3, Condition: "x >"}},
		[]*storage.WatchData{{Condition: "y", Enabled: true}},
	)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, s.Breakpoints.Lines(file), "uncompilable entries are skipped")
	assert.Equal(t, 1, s.Watches.Len())

	stored, _ := store.LoadBreakpoints()
	require.Len(t, stored, 1)
	assert.Equal(t, 2, stored[0].Line)
}

func TestInterested(t *testing.T) {
	s, _ := newSession(t, Options{})
	assert.False(t, s.Interested(file))
	s.Breakpoints.Set(file, 1, "", false)
	assert.True(t, s.Interested(file))
	assert.False(t, s.Interested("/src/other.lua"))
	s.Watches.Set("z", 0, false)
	assert.True(t, s.Interested("/src/other.lua"))
}

// TestVariableListsTableMembers verifies VARIABLE walks into nested tables of a stopped frame
func TestVariableListsTableMembers(t *testing.T) {
	s, ide := newSession(t, Options{})
	s.Breakpoints.Set(file, 3, "", false)

	cfg := map[string]any{"host": "h", "ports": []any{80, 443}}
	done := onLine(s, at(1, 0, 3, frame.Vars{"cfg": cfg, "n": 1}))
	ide.expect(protocol.MethodLine, nil)

	ide.send(protocol.MethodVariable, protocol.VariableRequest{Variable: []string{"cfg"}})
	var reply protocol.VariableReply
	ide.expect(protocol.MethodVariable, &reply)
	assert.Equal(t, "local", reply.Scope)
	assert.Equal(t, []string{"cfg"}, reply.Variable)
	assert.Equal(t, []protocol.Variable{
		{Name: "host", Type: "string", Value: `"h"`},
		{Name: "ports", Type: "table", Value: "[80,443]"},
	}, reply.Variables)

	ide.send(protocol.MethodVariable, protocol.VariableRequest{Variable: []string{"cfg", "ports"}})
	ide.expect(protocol.MethodVariable, &reply)
	assert.Equal(t, []protocol.Variable{
		{Name: "[1]", Type: "number", Value: "80"},
		{Name: "[2]", Type: "number", Value: "443"},
	}, reply.Variables)

	for _, path := range [][]string{{"n"}, {"missing"}, {"cfg", "nope"}, nil} {
		reply = protocol.VariableReply{}
		ide.send(protocol.MethodVariable, protocol.VariableRequest{Variable: path})
		ide.expect(protocol.MethodVariable, &reply)
		assert.Empty(t, reply.Variables, "path %v", path)
	}

	ide.send(protocol.MethodContinue, nil)
	waitAction(t, done)
}

// TestSetFilterHidesMatchingNames verifies SET_FILTER patterns drop whole-name matches from one scope
func TestSetFilterHidesMatchingNames(t *testing.T) {
	s, ide := newSession(t, Options{})
	require.NoError(t, s.Handle(command(protocol.MethodSetFilter, protocol.SetFilterParams{
		Scope: "local", Filter: []string{"_.*", "tmp"},
	})))
	assert.Error(t, s.Handle(command(protocol.MethodSetFilter, protocol.SetFilterParams{
		Scope: "local", Filter: []string{"("},
	})), "a bad pattern is a fault")

	s.Breakpoints.Set(file, 3, "", false)
	locals := frame.Vars{"_ENV": 1, "tmp": 2, "tmp2": 3, "x": 4}
	done := onLine(s, &frame.MapFrame{FrameID: 1, File: file, LineNo: 3, LocalV: locals, GlobalV: frame.Vars{"tmp": 5}})
	ide.expect(protocol.MethodLine, nil)

	var vars protocol.VariablesReply
	ide.send(protocol.MethodVariables, protocol.VariablesRequest{Scope: "local"})
	ide.expect(protocol.MethodVariables, &vars)
	assert.Equal(t, []protocol.Variable{
		{Name: "tmp2", Type: "number", Value: "3"},
		{Name: "x", Type: "number", Value: "4"},
	}, vars.Variables)

	ide.send(protocol.MethodVariables, protocol.VariablesRequest{Scope: "global"})
	ide.expect(protocol.MethodVariables, &vars)
	assert.Len(t, vars.Variables, 1, "the local filter leaves globals alone")

	require.NoError(t, s.Handle(command(protocol.MethodSetFilter, protocol.SetFilterParams{Scope: "local"})))
	ide.send(protocol.MethodVariables, protocol.VariablesRequest{Scope: "local"})
	ide.expect(protocol.MethodVariables, &vars)
	assert.Len(t, vars.Variables, 4)

	ide.send(protocol.MethodContinue, nil)
	waitAction(t, done)
}

// TestCallTraceToggle verifies call events are sent only after CALL_TRACE enables them
func TestCallTraceToggle(t *testing.T) {
	s, ide := newSession(t, Options{})
	caller := at(1, 0, 4, nil)
	callee := &frame.MapFrame{FrameID: 2, File: file, LineNo: 1, Level: 1, Func: "f"}

	assert.False(t, s.CallTracing())
	s.CallEvent(protocol.CallEvent, caller, callee)
	ide.quiet()

	require.NoError(t, s.Handle(command(protocol.MethodCallTrace, protocol.CallTraceParams{Enable: true})))
	assert.True(t, s.CallTracing())
	s.CallEvent(protocol.CallEvent, caller, callee)
	var ev protocol.CallTraceEvent
	ide.expect(protocol.MethodCallTrace, &ev)
	assert.Equal(t, protocol.CallTraceEvent{
		Event: protocol.CallEvent,
		From:  protocol.CallSite{Filename: file, Line: 4, Function: "main"},
		To:    protocol.CallSite{Filename: file, Line: 1, Function: "f"},
	}, ev)

	s.CallEvent(protocol.ReturnEvent, caller, nil)
	ide.expect(protocol.MethodCallTrace, &ev)
	assert.Equal(t, protocol.ReturnEvent, ev.Event)
	assert.Equal(t, protocol.CallSite{}, ev.To)

	require.NoError(t, s.Handle(command(protocol.MethodCallTrace, protocol.CallTraceParams{Enable: false})))
	s.CallEvent(protocol.CallEvent, caller, callee)
	ide.quiet()

	traced, _ := newSession(t, Options{CallTrace: true})
	assert.True(t, traced.CallTracing())
}

// TestSetEnvironment verifies SET_ENVIRONMENT sets variables and appends for names ending in '+'
func TestSetEnvironment(t *testing.T) {
	t.Setenv("LUADBG_TEST_PATH", "/a")
	t.Setenv("LUADBG_TEST_MODE", "")
	t.Setenv("LUADBG_TEST_EXTRA", "")
	s, _ := newSession(t, Options{})

	require.NoError(t, s.Handle(command(protocol.MethodSetEnvironment, protocol.SetEnvironmentParams{
		Environment: map[string]string{
			"LUADBG_TEST_PATH+":  ":/b",
			"LUADBG_TEST_MODE":   "debug",
			"LUADBG_TEST_EXTRA+": "x",
		},
	})))
	assert.Equal(t, "/a:/b", os.Getenv("LUADBG_TEST_PATH"))
	assert.Equal(t, "debug", os.Getenv("LUADBG_TEST_MODE"))
	assert.Equal(t, "x", os.Getenv("LUADBG_TEST_EXTRA"))
}
