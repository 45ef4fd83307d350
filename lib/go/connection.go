// Package dbgclient is the controller side of the debugger protocol: it
// accepts debuggee connections, sends commands and reads events.
package dbgclient

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/zot/luadbg/protocol"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// Listener accepts debuggee connections.
type Listener struct {
	ln net.Listener
}

// Listen listens for debuggees on a TCP address or unix socket path.
func Listen(network, addr string) (*Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for the next debuggee and reads its PROC_ID_INFO.
func (l *Listener) Accept(timeout time.Duration) (*Connection, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	c := NewConnection(conn)
	env, err := c.Expect(protocol.MethodProcIDInfo, timeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	var info protocol.ProcIDInfo
	if err := env.Decode(&info); err != nil {
		conn.Close()
		return nil, err
	}
	c.info = info
	return c, nil
}

// Close stops listening.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Connection is one debuggee as seen by the controller.
type Connection struct {
	conn      net.Conn
	reader    *bufio.Reader
	info      protocol.ProcIDInfo
	connected bool
	// events read while waiting for a different one
	messageQueue []*protocol.Envelope
	onClose      func()
	mu           sync.RWMutex
	readMu       sync.Mutex
	writeMu      sync.Mutex
}

// NewConnection wraps an accepted socket.
func NewConnection(conn net.Conn) *Connection {
	return &Connection{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		connected: true,
	}
}

// Info returns what the debuggee reported about itself.
func (c *Connection) Info() protocol.ProcIDInfo {
	return c.info
}

// Disconnect closes the connection.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	if c.onClose != nil {
		c.onClose()
	}
	return c.conn.Close()
}

// IsConnected returns the connection state.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// OnClose registers a callback for connection close.
func (c *Connection) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// Send sends one command to the debuggee.
func (c *Connection) Send(method protocol.Method, params any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.IsConnected() {
		return ErrClosed
	}
	line, err := protocol.Encode(method, c.info.ProcID, params)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(line)
	return err
}

// Next returns the next event, queued ones first. A positive timeout bounds
// the wait.
func (c *Connection) Next(timeout time.Duration) (*protocol.Envelope, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if len(c.messageQueue) > 0 {
		env := c.messageQueue[0]
		c.messageQueue = c.messageQueue[1:]
		return env, nil
	}
	return c.read(timeout)
}

// Expect reads events until one with the given method arrives. Events read
// on the way are queued for Next.
func (c *Connection) Expect(method protocol.Method, timeout time.Duration) (*protocol.Envelope, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for i, env := range c.messageQueue {
		if env.Method == method {
			c.messageQueue = append(c.messageQueue[:i:i], c.messageQueue[i+1:]...)
			return env, nil
		}
	}
	for {
		env, err := c.read(timeout)
		if err != nil {
			return nil, err
		}
		if env.Method == method {
			return env, nil
		}
		c.messageQueue = append(c.messageQueue, env)
	}
}

// Pending returns the number of queued events.
func (c *Connection) Pending() int {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return len(c.messageQueue)
}

func (c *Connection) read(timeout time.Duration) (*protocol.Envelope, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return protocol.ParseEnvelope(line)
}

// SetBreakpoint sets a breakpoint. An empty condition stops unconditionally.
func (c *Connection) SetBreakpoint(file string, line int, condition string, temporary bool) error {
	return c.Send(protocol.MethodSetBP, protocol.SetBreakpointParams{
		SetBreakpoint: true,
		Filename:      file,
		Line:          line,
		Condition:     condition,
		Temporary:     temporary,
	})
}

// ClearBreakpoint removes a breakpoint.
func (c *Connection) ClearBreakpoint(file string, line int) error {
	return c.Send(protocol.MethodClearBP, protocol.BreakpointLocation{Filename: file, Line: line})
}

// SetWatch sets a watch.
func (c *Connection) SetWatch(condition string, temporary bool) error {
	return c.Send(protocol.MethodSetWP, protocol.SetWatchParams{SetWatch: true, Condition: condition, Temporary: temporary})
}

// ClearWatch removes a watch.
func (c *Connection) ClearWatch(condition string) error {
	return c.Send(protocol.MethodClearWP, protocol.WatchCondition{Condition: condition})
}

// Continue resumes the debuggee until the next breakpoint or watch.
func (c *Connection) Continue() error {
	return c.Send(protocol.MethodContinue, protocol.ContinueParams{})
}

// Step, StepOver and StepOut resume for one step.
func (c *Connection) Step() error     { return c.Send(protocol.MethodStep, nil) }
func (c *Connection) StepOver() error { return c.Send(protocol.MethodStepOver, nil) }
func (c *Connection) StepOut() error  { return c.Send(protocol.MethodStepOut, nil) }

// Quit ends the debuggee's program with exitCode.
func (c *Connection) Quit(exitCode int) error {
	return c.Send(protocol.MethodStepQuit, protocol.StepQuitParams{ExitCode: &exitCode})
}

// Input answers a STDIN request.
func (c *Connection) Input(text string) error {
	return c.Send(protocol.MethodStdin, protocol.StdinReply{Input: text})
}

// Variables asks for one scope of a stopped frame and waits for the reply.
func (c *Connection) Variables(frame int, scope string, filter []string, timeout time.Duration) (*protocol.VariablesReply, error) {
	if err := c.Send(protocol.MethodVariables, protocol.VariablesRequest{Frame: frame, Scope: scope, Filter: filter}); err != nil {
		return nil, err
	}
	env, err := c.Expect(protocol.MethodVariables, timeout)
	if err != nil {
		return nil, err
	}
	var reply protocol.VariablesReply
	if err := env.Decode(&reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Variable lists the members of the table reached by path from a scope
// variable of a stopped frame.
func (c *Connection) Variable(frame int, scope string, path []string, timeout time.Duration) (*protocol.VariableReply, error) {
	if err := c.Send(protocol.MethodVariable, protocol.VariableRequest{Frame: frame, Scope: scope, Variable: path}); err != nil {
		return nil, err
	}
	env, err := c.Expect(protocol.MethodVariable, timeout)
	if err != nil {
		return nil, err
	}
	var reply protocol.VariableReply
	if err := env.Decode(&reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// SetFilter hides variables whose names match one of patterns from dumps
// of scope.
func (c *Connection) SetFilter(scope string, patterns []string) error {
	return c.Send(protocol.MethodSetFilter, protocol.SetFilterParams{Scope: scope, Filter: patterns})
}

// CallTrace turns call and return events on or off.
func (c *Connection) CallTrace(enable bool) error {
	return c.Send(protocol.MethodCallTrace, protocol.CallTraceParams{Enable: enable})
}

func (c *Connection) SetEnvironment(env map[string]string) error {
	return c.Send(protocol.MethodSetEnvironment, protocol.SetEnvironmentParams{Environment: env})
}

// Execute runs a statement in a stopped frame and returns what it printed.
// A failing statement returns its output and error text as an error.
func (c *Connection) Execute(frame int, statement string, timeout time.Duration) (string, error) {
	if err := c.Send(protocol.MethodExecuteStatement, protocol.ExecuteStatementParams{Frame: frame, Statement: statement}); err != nil {
		return "", err
	}
	for {
		env, err := c.Next(timeout)
		if err != nil {
			return "", err
		}
		switch env.Method {
		case protocol.MethodExecStmtOutput, protocol.MethodExecStmtError:
			var p protocol.TextParams
			if err := env.Decode(&p); err != nil {
				return "", err
			}
			if env.Method == protocol.MethodExecStmtError {
				return "", errors.New(p.Text)
			}
			return p.Text, nil
		case protocol.MethodError:
			var p protocol.ErrorParams
			env.Decode(&p)
			return "", fmt.Errorf("%s: %s", p.Code, p.Description)
		default:
			c.readMu.Lock()
			c.messageQueue = append(c.messageQueue, env)
			c.readMu.Unlock()
		}
	}
}

// FinishEpilogue waits for the exit code and releases the debuggee.
func (c *Connection) FinishEpilogue(timeout time.Duration) (*protocol.ExitCodeParams, error) {
	env, err := c.Expect(protocol.MethodEpilogueExitCode, timeout)
	if err != nil {
		return nil, err
	}
	var p protocol.ExitCodeParams
	if err := env.Decode(&p); err != nil {
		return nil, err
	}
	return &p, c.Send(protocol.MethodEpilogueExit, nil)
}
