package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/zot/luadbg/protocol"
)

var (
	// ErrClosed is wrapped by TransportError for operations on a closed channel.
	ErrClosed = errors.New("channel closed")

	// ErrLineTooLong is wrapped by DecodeError when a line exceeds MaxLineSize.
	ErrLineTooLong = errors.New("line too long")
)

// TransportError reports a write that failed MaxTries times, a lost
// connection, or use of a closed channel.
type TransportError struct {
	Op       string // "send" or "receive"
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports that no complete line arrived in time.
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no message within %s", e.Duration)
}

// Timeout lets callers treat TimeoutError like a net.Error timeout.
func (e *TimeoutError) Timeout() bool { return true }

// ProtocolMismatchError reports a well-formed message with an unexpected method.
type ProtocolMismatchError struct {
	Expected protocol.Method
	Actual   protocol.Method
	Raw      []byte
}

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("expected %s, received %s", e.Expected, e.Actual)
}

// DecodeError reports a line that is not a valid envelope.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("undecodable message %q: %v", truncate(e.Raw, 120), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// IsTimeout reports whether err is a receive timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsTransport reports whether err means the controller can no longer be reached.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
