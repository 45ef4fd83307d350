// Package dispatch connects line events from a tracer to the breakpoint and
// watch registries and serves IDE commands while the debuggee is stopped.
package dispatch

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zot/luadbg/internal/breakpoint"
	"github.com/zot/luadbg/internal/channel"
	"github.com/zot/luadbg/internal/config"
	"github.com/zot/luadbg/internal/frame"
	"github.com/zot/luadbg/internal/storage"
	"github.com/zot/luadbg/internal/stream"
	"github.com/zot/luadbg/internal/watch"
	"github.com/zot/luadbg/protocol"
)

const (
	// DefaultEpilogueTimeout bounds the wait for EPILOGUE_EXIT.
	DefaultEpilogueTimeout = 5 * time.Second

	// DefaultPollInterval is the minimum time between command polls while
	// the debuggee runs.
	DefaultPollInterval = 50 * time.Millisecond
)

// ErrQuit is returned by Input once the IDE asked the debuggee to quit.
var ErrQuit = errors.New("debuggee quit")

// Options configures a Session.
type Options struct {
	ProcID string

	// StopOnEntry stops at the first line event after Start.
	StopOnEntry bool

	// CallTrace reports calls and returns from the start.
	CallTrace bool

	// ReceiveTimeout bounds each wait for an IDE command while stopped.
	// Zero or negative waits forever.
	ReceiveTimeout time.Duration

	EpilogueTimeout time.Duration
	PollInterval    time.Duration
	MaxWriteErrors  int

	// Storage persists breakpoint and watch changes when set.
	Storage storage.Backend

	Logger *config.Logger
}

// Session is one debugging session: the registries, the IDE channel and the
// streams the program sees. All per-session state lives here.
type Session struct {
	Breakpoints *breakpoint.Registry
	Watches     *watch.Registry

	// Stdin serves program reads by asking the IDE.
	Stdin *stream.AsyncFile
	// Console carries debugger-side notices to the IDE console.
	Console *stream.AsyncFile
	Stdout  *stream.OutRedirector
	Stderr  *stream.OutRedirector

	ch     *channel.Channel
	procID string
	opts   Options

	// stopMu serializes stops, so only one goroutine talks to the IDE.
	stopMu sync.Mutex

	mu           sync.Mutex
	step         stepState
	current      frame.Frame
	stack        []frame.Frame
	resumed      bool
	input        *string
	quit         bool
	exitCode     int
	needEpilogue bool
	lastPoll     time.Time
	// filters holds the SET_FILTER name patterns per scope.
	filters map[string][]*regexp.Regexp

	callTrace atomic.Bool
}

// New creates a session over ch.
func New(ch *channel.Channel, opts Options) *Session {
	if opts.EpilogueTimeout <= 0 {
		opts.EpilogueTimeout = DefaultEpilogueTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	s := &Session{
		Breakpoints: breakpoint.NewRegistry(opts.Logger),
		Watches:     watch.NewRegistry(opts.Logger),
		ch:          ch,
		procID:      opts.ProcID,
		opts:        opts,
		filters:     make(map[string][]*regexp.Regexp),
	}
	s.callTrace.Store(opts.CallTrace)
	s.Stdin = stream.NewAsyncFile(ch, stream.ModeRead, "<stdin>", stream.FileOptions{
		ProcID: opts.ProcID,
		Source: s,
		Closer: ch,
		Logger: opts.Logger,
	})
	s.Console = stream.NewAsyncFile(ch, stream.ModeWrite, "<console>", stream.FileOptions{
		ProcID:         opts.ProcID,
		MaxWriteErrors: opts.MaxWriteErrors,
		Logger:         opts.Logger,
	})
	s.Stdout = stream.NewStdout(ch, opts.ProcID)
	s.Stderr = stream.NewStderr(ch, opts.ProcID)
	return s
}

// Log logs a message if the verbosity level is high enough.
func (s *Session) Log(level int, format string, args ...interface{}) {
	s.opts.Logger.Log(level, format, args...)
}

// ProcID returns the session's procId.
func (s *Session) ProcID() string {
	return s.procID
}

// Start announces the debuggee to the IDE.
func (s *Session) Start(filename string) error {
	s.mu.Lock()
	s.needEpilogue = true
	if s.opts.StopOnEntry {
		s.step = stepState{mode: modeStep}
	}
	s.mu.Unlock()

	return s.send(protocol.MethodProcIDInfo, protocol.ProcIDInfo{
		ProcID:   s.procID,
		PID:      os.Getpid(),
		Filename: frame.Canonical(filename),
	})
}

// Terminated reports the program's exit to the IDE and waits a bounded time
// for EPILOGUE_EXIT. Only the first call sends anything.
func (s *Session) Terminated(exitCode int, message string) {
	s.mu.Lock()
	need := s.needEpilogue
	s.needEpilogue = false
	s.mu.Unlock()
	if !need || s.ch.Closed() {
		return
	}

	s.Console.Flush()
	if err := s.send(protocol.MethodEpilogueExitCode, protocol.ExitCodeParams{
		ExitCode: exitCode,
		Message:  message,
	}); err != nil {
		return
	}

	deadline := time.Now().Add(s.opts.EpilogueTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.Log(1, "no EPILOGUE_EXIT within %s", s.opts.EpilogueTimeout)
			return
		}
		env, _, err := s.ch.ReceiveAny(remaining)
		if err != nil {
			s.Log(1, "waiting for EPILOGUE_EXIT: %v", err)
			return
		}
		if env.Method == protocol.MethodEpilogueExit {
			return
		}
		s.Log(2, "ignoring %s while exiting", env.Method)
	}
}

// Close closes the IDE channel.
func (s *Session) Close() error {
	return s.ch.Close()
}

// Quitting reports whether the IDE asked the debuggee to stop, and with
// which exit code.
func (s *Session) Quitting() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.quit
}

// ExchangeCommand sends one message and waits for the IDE's reply.
func (s *Session) ExchangeCommand(method protocol.Method, params any, reply protocol.Method, timeout time.Duration) (json.RawMessage, error) {
	if err := s.send(method, params); err != nil {
		return nil, err
	}
	return s.ch.Receive(reply, timeout)
}

// Input asks the IDE for one line of program input and serves commands until
// the reply arrives.
func (s *Session) Input(prompt string) (string, error) {
	s.mu.Lock()
	s.input = nil
	s.mu.Unlock()

	if err := s.send(protocol.MethodStdin, protocol.StdinRequest{Prompt: prompt, Echo: true}); err != nil {
		return "", err
	}
	s.eventLoop(func() bool { return s.input != nil })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.input == nil {
		if s.quit {
			return "", ErrQuit
		}
		return "", io.EOF
	}
	line := *s.input
	s.input = nil
	return line, nil
}

// Poll handles IDE commands that are already waiting, without blocking.
// Calls closer together than the poll interval return at once.
func (s *Session) Poll() {
	s.mu.Lock()
	if time.Since(s.lastPoll) < s.opts.PollInterval {
		s.mu.Unlock()
		return
	}
	s.lastPoll = time.Now()
	s.mu.Unlock()

	for !s.ch.Closed() {
		env, raw, err := s.ch.ReceiveAny(0)
		if err != nil {
			if !channel.IsTimeout(err) {
				s.receiveFailed(raw, err)
			}
			return
		}
		s.dispatch(env)
	}
}

// eventLoop serves IDE commands until done reports true (evaluated under
// s.mu), the IDE quits, or the channel fails.
func (s *Session) eventLoop(done func() bool) {
	timeout := s.opts.ReceiveTimeout
	if timeout <= 0 {
		timeout = -1
	}
	for {
		s.mu.Lock()
		finished := done() || s.quit
		s.mu.Unlock()
		if finished {
			return
		}

		env, raw, err := s.ch.ReceiveAny(timeout)
		if err != nil {
			if channel.IsTimeout(err) {
				s.Log(1, "no IDE command within %s", timeout)
				continue
			}
			if !s.receiveFailed(raw, err) {
				return
			}
			continue
		}
		s.dispatch(env)
	}
}

// receiveFailed handles a failed receive and reports whether the session can
// keep reading.
func (s *Session) receiveFailed(raw []byte, err error) bool {
	var decodeErr *channel.DecodeError
	if errors.As(err, &decodeErr) {
		s.reportError("protocol", err.Error(), "", raw)
		return true
	}
	s.Log(0, "IDE channel failed: %v", err)
	s.mu.Lock()
	s.quit = true
	s.mu.Unlock()
	return false
}

func (s *Session) dispatch(env *protocol.Envelope) {
	if err := s.Handle(env); err != nil {
		s.reportError("command", err.Error(), env.Method, nil)
	}
}

func (s *Session) send(method protocol.Method, params any) error {
	err := s.ch.Send(method, s.procID, params)
	if err != nil {
		s.Log(1, "send %s: %v", method, err)
	}
	return err
}

// reportError sends an ERROR event, falling back to the log when the
// channel is unusable.
func (s *Session) reportError(code, description string, method protocol.Method, raw []byte) {
	err := s.ch.Send(protocol.MethodError, s.procID, protocol.ErrorParams{
		Code:        code,
		Description: description,
		Method:      method,
		Raw:         string(raw),
	})
	if err != nil {
		s.Log(0, "%s error: %s", code, description)
	}
}
