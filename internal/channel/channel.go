// Package channel owns the socket to the IDE. It frames protocol envelopes as
// single lines, retries failed writes a bounded number of times, and reads
// lines with a timeout without losing partially received data.
package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zot/luadbg/internal/config"
	"github.com/zot/luadbg/protocol"
)

const (
	// DefaultMaxTries is the number of write attempts before Send gives up.
	DefaultMaxTries = 3

	// MaxLineSize bounds a single received line.
	MaxLineSize = 16 * 1024 * 1024

	// pollWait is the read deadline used for zero-timeout polls.
	pollWait = time.Millisecond
)

// Conn is the transport under a Channel. net.Conn satisfies it; wrappers
// adding TLS or authentication can be slotted in without touching the channel.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Options configures a Channel.
type Options struct {
	MaxTries int

	// OnDisconnect runs when a receive finds the connection gone.
	// The default logs and exits the process with status 1.
	OnDisconnect func(err error)

	Logger *config.Logger
}

// Channel is a line-framed, bidirectional message channel.
// Sends are serialized by one mutex and receives by another.
type Channel struct {
	conn   Conn
	opts   Options
	sendMu sync.Mutex
	recvMu sync.Mutex
	buf    []byte
	closed atomic.Bool
	once   sync.Once
}

// New wraps conn in a Channel.
func New(conn Conn, opts Options) *Channel {
	if opts.MaxTries <= 0 {
		opts.MaxTries = DefaultMaxTries
	}
	if opts.OnDisconnect == nil {
		logger := opts.Logger
		opts.OnDisconnect = func(err error) {
			if logger == nil {
				logger = config.NewLogger(0, nil)
			}
			logger.Log(0, "IDE connection lost: %v", err)
			os.Exit(1)
		}
	}
	return &Channel{conn: conn, opts: opts}
}

// Log logs a message if the verbosity level is high enough.
func (c *Channel) Log(level int, format string, args ...interface{}) {
	c.opts.Logger.Log(level, format, args...)
}

// MaxTries returns the configured write attempt limit.
func (c *Channel) MaxTries() int {
	return c.opts.MaxTries
}

// Send encodes and sends one message.
func (c *Channel) Send(method protocol.Method, procID string, params any) error {
	line, err := protocol.Encode(method, procID, params)
	if err != nil {
		return err
	}
	return c.SendRaw(line)
}

// SendRaw writes one pre-encoded line, retrying up to MaxTries times.
// A partial write resumes where it stopped so the line is never duplicated.
func (c *Channel) SendRaw(line []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Load() {
		return &TransportError{Op: "send", Err: ErrClosed}
	}

	var lastErr error
	rest := line
	for attempt := 1; attempt <= c.opts.MaxTries; attempt++ {
		n, err := c.conn.Write(rest)
		if err == nil {
			c.Log(2, "-> %s", bytes.TrimRight(line, "\n"))
			return nil
		}
		rest = rest[n:]
		lastErr = err
		c.Log(1, "write attempt %d/%d failed: %v", attempt, c.opts.MaxTries, err)
	}
	return &TransportError{Op: "send", Attempts: c.opts.MaxTries, Err: lastErr}
}

// Receive reads one message and checks its method.
// A negative timeout waits forever; zero polls.
// The line is consumed even when an error is returned.
func (c *Channel) Receive(expected protocol.Method, timeout time.Duration) (json.RawMessage, error) {
	env, raw, err := c.ReceiveAny(timeout)
	if err != nil {
		return nil, err
	}
	if env.Method != expected {
		return nil, &ProtocolMismatchError{Expected: expected, Actual: env.Method, Raw: raw}
	}
	return env.Params, nil
}

// ReceiveAny reads one message of any method.
func (c *Channel) ReceiveAny(timeout time.Duration) (*protocol.Envelope, []byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	line, err := c.readLine(timeout)
	if err != nil {
		return nil, line, err
	}
	c.Log(2, "<- %s", bytes.TrimRight(line, "\n"))
	env, err := protocol.ParseEnvelope(line)
	if err != nil {
		return nil, line, &DecodeError{Raw: line, Err: err}
	}
	return env, line, nil
}

// readLine returns the next complete line including its terminator.
// Bytes read before a timeout stay buffered for the next call.
func (c *Channel) readLine(timeout time.Duration) ([]byte, error) {
	if c.closed.Load() {
		return nil, &TransportError{Op: "receive", Err: ErrClosed}
	}
	if line := c.takeLine(); line != nil {
		return line, nil
	}

	var deadline time.Time
	switch {
	case timeout > 0:
		deadline = time.Now().Add(timeout)
	case timeout == 0:
		deadline = time.Now().Add(pollWait)
	}
	c.conn.SetReadDeadline(deadline)

	chunk := make([]byte, 4096)
	for {
		n, err := c.conn.Read(chunk)
		c.buf = append(c.buf, chunk[:n]...)
		if line := c.takeLine(); line != nil {
			return line, nil
		}
		if len(c.buf) > MaxLineSize {
			raw := c.buf[:64]
			c.buf = nil
			return nil, &DecodeError{Raw: raw, Err: ErrLineTooLong}
		}
		if err == nil {
			continue
		}
		if isTimeout(err) {
			return nil, &TimeoutError{Duration: timeout}
		}
		return nil, c.disconnected(err)
	}
}

func (c *Channel) takeLine() []byte {
	i := bytes.IndexByte(c.buf, '\n')
	if i < 0 {
		return nil
	}
	line := make([]byte, i+1)
	copy(line, c.buf[:i+1])
	c.buf = append(c.buf[:0], c.buf[i+1:]...)
	return line
}

func (c *Channel) disconnected(err error) error {
	if c.closed.Load() {
		return &TransportError{Op: "receive", Err: ErrClosed}
	}
	c.Log(1, "IDE disconnected: %v", err)
	c.opts.OnDisconnect(err)
	return &TransportError{Op: "receive", Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Close closes the channel. It is safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
		c.Log(1, "channel closed")
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}
