// Package protocol implements the debugger wire protocol.
// Every message is one JSON-RPC 2.0 style object on a single line.
// It is shared by the debuggee runtime and IDE-side clients such as lib/go.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the jsonrpc field value of every envelope.
const Version = "2.0"

// Method identifies the type of protocol message.
type Method string

const (
	// Program streams (debuggee -> IDE)
	MethodClientOutput Method = "CLIENT_OUTPUT"
	MethodStdout       Method = "STDOUT"
	MethodStderr       Method = "STDERR"

	// Interactive input: request (debuggee -> IDE) and reply (IDE -> debuggee)
	MethodStdin Method = "STDIN"

	// Debuggee events
	MethodProcIDInfo       Method = "PROC_ID_INFO"
	MethodLine             Method = "LINE"
	MethodException        Method = "EXCEPTION"
	MethodSyntaxError      Method = "SYNTAX_ERROR"
	MethodBPConditionError Method = "BP_CONDITION_ERROR"
	MethodWPConditionError Method = "WP_CONDITION_ERROR"
	MethodExecStmtOutput   Method = "EXEC_STATEMENT_OUTPUT"
	MethodExecStmtError    Method = "EXEC_STATEMENT_ERROR"
	MethodEpilogueExitCode Method = "EPILOGUE_EXIT_CODE"
	MethodError            Method = "ERROR"

	// Execution control (IDE -> debuggee)
	MethodContinue Method = "CONTINUE"
	MethodStep     Method = "STEP"
	MethodStepOver Method = "STEP_OVER"
	MethodStepOut  Method = "STEP_OUT"
	MethodStepQuit Method = "STEP_QUIT"

	// Breakpoints and watches (IDE -> debuggee; CLEAR_* also debuggee -> IDE)
	MethodSetBP    Method = "SET_BP"
	MethodClearBP  Method = "CLEAR_BP"
	MethodBPEnable Method = "BP_ENABLE"
	MethodBPIgnore Method = "BP_IGNORE"
	MethodSetWP    Method = "SET_WP"
	MethodClearWP  Method = "CLEAR_WP"
	MethodWPEnable Method = "WP_ENABLE"
	MethodWPIgnore Method = "WP_IGNORE"

	// Inspection (IDE -> debuggee, answered with the same method)
	MethodVariables        Method = "VARIABLES"
	MethodVariable         Method = "VARIABLE"
	MethodExecuteStatement Method = "EXECUTE_STATEMENT"

	// Session settings (IDE -> debuggee). CALL_TRACE also carries the
	// debuggee's call and return events.
	MethodCallTrace      Method = "CALL_TRACE"
	MethodSetFilter      Method = "SET_FILTER"
	MethodSetEnvironment Method = "SET_ENVIRONMENT"

	// Session lifecycle
	MethodEpilogueExit Method = "EPILOGUE_EXIT"
	MethodShutdown     Method = "SHUTDOWN"
)

var knownMethods = map[Method]struct{}{
	MethodClientOutput: {}, MethodStdout: {}, MethodStderr: {}, MethodStdin: {},
	MethodProcIDInfo: {}, MethodLine: {}, MethodException: {}, MethodSyntaxError: {},
	MethodBPConditionError: {}, MethodWPConditionError: {},
	MethodExecStmtOutput: {}, MethodExecStmtError: {}, MethodEpilogueExitCode: {},
	MethodError: {}, MethodContinue: {}, MethodStep: {}, MethodStepOver: {},
	MethodStepOut: {}, MethodStepQuit: {}, MethodSetBP: {}, MethodClearBP: {},
	MethodBPEnable: {}, MethodBPIgnore: {}, MethodSetWP: {}, MethodClearWP: {},
	MethodWPEnable: {}, MethodWPIgnore: {}, MethodVariables: {}, MethodVariable: {},
	MethodExecuteStatement: {}, MethodCallTrace: {}, MethodSetFilter: {},
	MethodSetEnvironment: {}, MethodEpilogueExit: {}, MethodShutdown: {},
}

// ErrUnknownMethod is returned by ParseMethod for names outside the method set.
var ErrUnknownMethod = errors.New("unknown method")

// ParseMethod validates a method name against the closed method set.
func ParseMethod(name string) (Method, error) {
	m := Method(name)
	if _, ok := knownMethods[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, name)
	}
	return m, nil
}

// Known reports whether m belongs to the method set.
func (m Method) Known() bool {
	_, ok := knownMethods[m]
	return ok
}

// Envelope is one protocol message.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  Method          `json:"method"`
	ProcID  string          `json:"procId"`
	Params  json.RawMessage `json:"params"`
}

// NewEnvelope creates an envelope with params marshaled to JSON.
// Nil params are sent as an empty object.
func NewEnvelope(method Method, procID string, params any) (*Envelope, error) {
	raw := json.RawMessage(`{}`)
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		raw = data
	}
	return &Envelope{
		JSONRPC: Version,
		Method:  method,
		ProcID:  procID,
		Params:  raw,
	}, nil
}

// Encode serializes the envelope to a single line terminated by '\n'.
// encoding/json escapes control characters, so the only raw newline in the
// output is the terminator. Invalid UTF-8 is coerced to U+FFFD.
func (e *Envelope) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode builds and serializes an envelope in one step.
func Encode(method Method, procID string, params any) ([]byte, error) {
	env, err := NewEnvelope(method, procID, params)
	if err != nil {
		return nil, err
	}
	return env.Encode()
}

// ParseEnvelope parses one line into an envelope.
func ParseEnvelope(line []byte) (*Envelope, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, errors.New("empty message")
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, err
	}
	if env.Method == "" {
		return nil, errors.New("message has no method")
	}
	return &env, nil
}

// Decode unmarshals the envelope params into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Params) == 0 || string(e.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", e.Method, err)
	}
	return nil
}
