// Package stream presents program-facing text streams whose bytes travel
// over the IDE channel as protocol messages.
package stream

import (
	"strings"
	"sync"

	"github.com/zot/luadbg/internal/config"
	"github.com/zot/luadbg/protocol"
)

// DefaultMaxWriteErrors is the consecutive send failure count after which
// buffered output is discarded.
const DefaultMaxWriteErrors = 10

// Mode is the direction of an AsyncFile.
type Mode int

const (
	ModeWrite Mode = iota
	ModeRead
)

// Sender delivers one encoded line. *channel.Channel satisfies it.
type Sender interface {
	SendRaw(line []byte) error
	Send(method protocol.Method, procID string, params any) error
}

// LineSource supplies interactive input lines. The dispatcher implements it
// by asking the IDE with a STDIN request.
type LineSource interface {
	Input(prompt string) (string, error)
}

// FileOptions configures an AsyncFile.
type FileOptions struct {
	ProcID         string
	MaxWriteErrors int
	Source         LineSource // required for ModeRead
	Closer         interface{ Close() error }
	Logger         *config.Logger
}

// AsyncFile is a buffered stream over the channel. In write mode each write
// becomes a CLIENT_OUTPUT message; in read mode lines come from a LineSource.
// Sends that keep failing lose output instead of blocking the program.
type AsyncFile struct {
	sender      Sender
	mode        Mode
	name        string
	opts        FileOptions
	pending     [][]byte
	writeErrors int
	readBuf     []byte
	closed      bool
	mu          sync.Mutex
}

// NewAsyncFile creates a stream in the given mode.
func NewAsyncFile(sender Sender, mode Mode, name string, opts FileOptions) *AsyncFile {
	if opts.MaxWriteErrors <= 0 {
		opts.MaxWriteErrors = DefaultMaxWriteErrors
	}
	return &AsyncFile{
		sender:  sender,
		mode:    mode,
		name:    name,
		opts:    opts,
		pending: make([][]byte, 0),
	}
}

// Name returns the stream name.
func (f *AsyncFile) Name() string { return f.name }

// Readable reports whether the stream is in read mode.
func (f *AsyncFile) Readable() bool { return f.mode == ModeRead }

// Writable reports whether the stream is in write mode.
func (f *AsyncFile) Writable() bool { return f.mode == ModeWrite }

// Write queues p as program output and flushes.
func (f *AsyncFile) Write(p []byte) (int, error) {
	if _, err := f.WriteString(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteString queues s as a CLIENT_OUTPUT message and flushes.
func (f *AsyncFile) WriteString(s string) (int, error) {
	if f.mode != ModeWrite {
		return 0, badDescriptor("write", f.name)
	}
	line, err := protocol.Encode(protocol.MethodClientOutput, f.opts.ProcID,
		protocol.TextParams{Text: strings.ToValidUTF8(s, "�")})
	if err != nil {
		return 0, err
	}
	f.enqueue(line)
	return len(s), nil
}

// WriteRaw queues an already encoded protocol line and flushes.
func (f *AsyncFile) WriteRaw(line []byte) error {
	if f.mode != ModeWrite {
		return badDescriptor("write", f.name)
	}
	f.enqueue(line)
	return nil
}

// WriteLines writes the concatenation of lines.
func (f *AsyncFile) WriteLines(lines []string) error {
	_, err := f.WriteString(strings.Join(lines, ""))
	return err
}

func (f *AsyncFile) enqueue(line []byte) {
	f.mu.Lock()
	f.pending = append(f.pending, line)
	f.mu.Unlock()
	f.Flush()
}

// Flush sends pending messages one at a time. A success resets the error
// count; once the count exceeds MaxWriteErrors the remaining queue is dropped.
func (f *AsyncFile) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.pending) > 0 {
		buf := f.pending[0]
		f.pending = f.pending[1:]
		if err := f.sender.SendRaw(buf); err != nil {
			f.writeErrors++
			f.opts.Logger.Log(1, "%s: send failed (%d consecutive): %v", f.name, f.writeErrors, err)
			if f.writeErrors > f.opts.MaxWriteErrors {
				f.opts.Logger.Log(0, "%s: dropping %d pending messages", f.name, len(f.pending))
				f.pending = make([][]byte, 0)
			}
			continue
		}
		f.writeErrors = 0
	}
	return nil
}

// PendingWrite returns the number of queued messages.
func (f *AsyncFile) PendingWrite() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// WriteErrors returns the consecutive send failure count.
func (f *AsyncFile) WriteErrors() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeErrors
}

// ReadLine returns one line of input terminated by '\n'.
func (f *AsyncFile) ReadLine() (string, error) {
	return f.ReadLinePrompt("")
}

// ReadLinePrompt returns one line of input, showing prompt in the IDE.
func (f *AsyncFile) ReadLinePrompt(prompt string) (string, error) {
	if f.mode != ModeRead || f.opts.Source == nil {
		return "", badDescriptor("read", f.name)
	}
	f.mu.Lock()
	if len(f.readBuf) > 0 {
		line := string(f.readBuf)
		f.readBuf = nil
		f.mu.Unlock()
		return line, nil
	}
	f.mu.Unlock()

	line, err := f.opts.Source.Input(prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n") + "\n", nil
}

// Read serves bytes from the current input line, fetching a new one when
// the buffer is empty.
func (f *AsyncFile) Read(p []byte) (int, error) {
	if f.mode != ModeRead || f.opts.Source == nil {
		return 0, badDescriptor("read", f.name)
	}
	f.mu.Lock()
	empty := len(f.readBuf) == 0
	f.mu.Unlock()
	if empty {
		line, err := f.opts.Source.Input("")
		if err != nil {
			return 0, err
		}
		f.mu.Lock()
		f.readBuf = []byte(strings.TrimSuffix(line, "\n") + "\n")
		f.mu.Unlock()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(p, f.readBuf)
	f.readBuf = f.readBuf[n:]
	return n, nil
}

// Seek always fails: the stream is not seekable.
func (f *AsyncFile) Seek(offset int64, whence int) (int64, error) {
	return 0, unsupported("seek", f.name)
}

// Tell always fails: the stream is not seekable.
func (f *AsyncFile) Tell() (int64, error) {
	return 0, unsupported("tell", f.name)
}

// Truncate always fails: the stream is not seekable.
func (f *AsyncFile) Truncate(size int64) error {
	return unsupported("truncate", f.name)
}

// IsTTY reports false.
func (f *AsyncFile) IsTTY() bool { return false }

// Close flushes and, when closeConn is set, closes the underlying connection.
func (f *AsyncFile) Close(closeConn bool) error {
	if f.mode == ModeWrite {
		f.Flush()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if closeConn && !f.closed && f.opts.Closer != nil {
		f.closed = true
		return f.opts.Closer.Close()
	}
	return nil
}
