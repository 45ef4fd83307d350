package stream

import (
	"strings"
	"sync"

	"github.com/zot/luadbg/protocol"
)

// OutRedirector sends everything written to it as STDOUT or STDERR
// messages. There is no buffering: each write is one message.
type OutRedirector struct {
	sender Sender
	procID string
	method protocol.Method
	name   string
}

// NewStdout creates a redirector for the program's standard output.
func NewStdout(sender Sender, procID string) *OutRedirector {
	return &OutRedirector{sender: sender, procID: procID, method: protocol.MethodStdout, name: "<stdout>"}
}

// NewStderr creates a redirector for the program's standard error.
func NewStderr(sender Sender, procID string) *OutRedirector {
	return &OutRedirector{sender: sender, procID: procID, method: protocol.MethodStderr, name: "<stderr>"}
}

// Write sends p synchronously.
func (r *OutRedirector) Write(p []byte) (int, error) {
	if _, err := r.WriteString(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteString sends s synchronously.
func (r *OutRedirector) WriteString(s string) (int, error) {
	err := r.sender.Send(r.method, r.procID, protocol.TextParams{Text: strings.ToValidUTF8(s, "�")})
	if err != nil {
		return 0, err
	}
	return len(s), nil
}

// WriteLines writes the concatenation of lines.
func (r *OutRedirector) WriteLines(lines []string) error {
	_, err := r.WriteString(strings.Join(lines, ""))
	return err
}

// Flush does nothing.
func (r *OutRedirector) Flush() error { return nil }

func (r *OutRedirector) Read(p []byte) (int, error) {
	return 0, badDescriptor("read", r.name)
}

func (r *OutRedirector) ReadLine() (string, error) {
	return "", badDescriptor("readline", r.name)
}

func (r *OutRedirector) Seek(offset int64, whence int) (int64, error) {
	return 0, unsupported("seek", r.name)
}

func (r *OutRedirector) Tell() (int64, error) {
	return 0, unsupported("tell", r.name)
}

func (r *OutRedirector) Truncate(size int64) error {
	return unsupported("truncate", r.name)
}

// Collector accumulates output in memory. It is used to capture the output
// of statements executed on behalf of the IDE.
type Collector struct {
	buf strings.Builder
	mu  sync.Mutex
}

func (c *Collector) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *Collector) WriteString(s string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.WriteString(s)
}

func (c *Collector) Flush() error { return nil }

func (c *Collector) Read(p []byte) (int, error) {
	return 0, badDescriptor("read", "<collector>")
}

func (c *Collector) Seek(offset int64, whence int) (int64, error) {
	return 0, unsupported("seek", "<collector>")
}

// String returns everything written so far.
func (c *Collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Reset discards collected output.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Reset()
}
