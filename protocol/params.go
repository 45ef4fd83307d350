package protocol

// TextParams carries program output (CLIENT_OUTPUT, STDOUT, STDERR,
// EXEC_STATEMENT_OUTPUT, EXEC_STATEMENT_ERROR).
type TextParams struct {
	Text string `json:"text"`
}

// StdinRequest asks the IDE for one line of interactive input.
type StdinRequest struct {
	Prompt string `json:"prompt"`
	Echo   bool   `json:"echo"`
}

// StdinReply is the IDE's answer to a StdinRequest.
type StdinReply struct {
	Input string `json:"input"`
}

// ProcIDInfo announces a debuggee process to the IDE.
type ProcIDInfo struct {
	ProcID   string `json:"procId"`
	PID      int    `json:"pid"`
	Filename string `json:"filename,omitempty"`
}

// StackEntry describes one frame of a LINE or EXCEPTION stack.
type StackEntry struct {
	Filename string `json:"filename"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
	Args     string `json:"args,omitempty"`
}

// LineParams reports the stack where the debuggee stopped.
type LineParams struct {
	Stack []StackEntry `json:"stack"`
}

// ExceptionParams reports an unhandled error in the debuggee.
type ExceptionParams struct {
	Type    string       `json:"type"`
	Message string       `json:"message"`
	Stack   []StackEntry `json:"stack,omitempty"`
}

// SyntaxErrorParams reports a script that failed to compile.
type SyntaxErrorParams struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
	Line     int    `json:"line"`
	CharNo   int    `json:"characternumber"`
}

// ContinueParams resumes execution. Special keeps the current stop frame.
type ContinueParams struct {
	Special bool `json:"special"`
}

// StepQuitParams stops the debuggee, optionally with an exit code.
type StepQuitParams struct {
	ExitCode *int `json:"exitCode,omitempty"`
}

// BreakpointLocation identifies a breakpoint (CLEAR_BP, BP_CONDITION_ERROR).
type BreakpointLocation struct {
	Filename string `json:"filename"`
	Line     int    `json:"line"`
}

// SetBreakpointParams sets (SetBreakpoint=true) or clears a breakpoint.
type SetBreakpointParams struct {
	SetBreakpoint bool   `json:"setBreakpoint"`
	Filename      string `json:"filename"`
	Line          int    `json:"line"`
	Condition     string `json:"condition,omitempty"`
	Temporary     bool   `json:"temporary,omitempty"`
}

// BreakpointEnableParams enables or disables a breakpoint.
type BreakpointEnableParams struct {
	Filename string `json:"filename"`
	Line     int    `json:"line"`
	Enable   bool   `json:"enable"`
}

// BreakpointIgnoreParams sets a breakpoint's ignore count.
type BreakpointIgnoreParams struct {
	Filename string `json:"filename"`
	Line     int    `json:"line"`
	Count    int    `json:"count"`
}

// WatchCondition identifies a watch (CLEAR_WP, WP_CONDITION_ERROR).
type WatchCondition struct {
	Condition string `json:"condition"`
}

// SetWatchParams sets (SetWatch=true) or clears a watch expression.
type SetWatchParams struct {
	SetWatch  bool   `json:"setWatch"`
	Condition string `json:"condition"`
	Temporary bool   `json:"temporary,omitempty"`
}

// WatchEnableParams enables or disables a watch.
type WatchEnableParams struct {
	Condition string `json:"condition"`
	Enable    bool   `json:"enable"`
}

// WatchIgnoreParams sets a watch's ignore count.
type WatchIgnoreParams struct {
	Condition string `json:"condition"`
	Count     int    `json:"count"`
}

// VariablesRequest asks for a dump of one scope of a stopped frame.
// Frame 0 is the innermost frame.
type VariablesRequest struct {
	Frame  int      `json:"frame"`
	Scope  string   `json:"scope"` // "local" or "global"
	Filter []string `json:"filter,omitempty"`
}

// Variable is one entry of a VARIABLES reply.
type Variable struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// VariablesReply answers a VariablesRequest.
type VariablesReply struct {
	Frame     int        `json:"frame"`
	Scope     string     `json:"scope"`
	Variables []Variable `json:"variables"`
}

// VariableRequest asks for the members of one compound variable. Variable
// is the path from a scope variable down through table keys, as the keys
// appear in variable dumps.
type VariableRequest struct {
	Variable []string `json:"variable"`
	Frame    int      `json:"frame"`
	Scope    string   `json:"scope"`
	Filter   []string `json:"filter,omitempty"`
}

// VariableReply answers a VariableRequest. Variables is empty when the path
// does not lead to a table.
type VariableReply struct {
	Frame     int        `json:"frame"`
	Scope     string     `json:"scope"`
	Variable  []string   `json:"variable"`
	Variables []Variable `json:"variables"`
}

// SetFilterParams replaces the variable name filter of one scope. Each
// pattern is a regular expression matched against whole names; matching
// variables are left out of dumps. An empty list clears the filter.
type SetFilterParams struct {
	Scope  string   `json:"scope"`
	Filter []string `json:"filter"`
}

// CallTraceParams turns call tracing on or off.
type CallTraceParams struct {
	Enable bool `json:"enable"`
}

// Call trace event kinds.
const (
	CallEvent   = "c"
	ReturnEvent = "r"
)

// CallSite is one end of a call trace event.
type CallSite struct {
	Filename string `json:"filename"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
}

// CallTraceEvent reports a call from From into To, or a return from From
// back to To.
type CallTraceEvent struct {
	Event string   `json:"event"`
	From  CallSite `json:"from"`
	To    CallSite `json:"to"`
}

// SetEnvironmentParams updates the debuggee's environment. A name ending in
// '+' appends the value to the variable instead of replacing it.
type SetEnvironmentParams struct {
	Environment map[string]string `json:"environment"`
}

// ExecuteStatementParams runs a statement in the context of a stopped frame.
type ExecuteStatementParams struct {
	Statement string `json:"statement"`
	Frame     int    `json:"frame"`
}

// ExitCodeParams reports program termination.
type ExitCodeParams struct {
	ExitCode int    `json:"exitCode"`
	Message  string `json:"message,omitempty"`
}

// ErrorParams reports a protocol or evaluation fault.
type ErrorParams struct {
	Code        string `json:"code"`        // One-word error code (e.g. "protocol", "evaluation")
	Description string `json:"description"` // Human-readable error description
	Method      Method `json:"method,omitempty"`
	Raw         string `json:"raw,omitempty"`
}
