package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *Logger
)

// Logger writes verbosity-gated log lines to the real stderr.
// Program streams may be redirected to the IDE, so the logger keeps its own
// writer instead of following os.Stderr.
type Logger struct {
	verbosity int
	out       *log.Logger
}

// NewLogger creates a logger writing to w (os.Stderr when nil).
func NewLogger(verbosity int, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		verbosity: verbosity,
		out:       log.New(w, "luadbg: ", log.LstdFlags),
	}
}

// Logger returns the process logger, created from the first configuration
// that asks for it.
func (c *Config) Logger() *Logger {
	loggerOnce.Do(func() {
		logger = NewLogger(c.Logging.Verbosity, nil)
	})
	return logger
}

// Log logs a message if the configured verbosity is at least level.
func (c *Config) Log(level int, format string, args ...interface{}) {
	c.Logger().Log(level, format, args...)
}

// Log prints when the configured verbosity is at least level.
// Level 0 always prints.
func (l *Logger) Log(level int, format string, args ...interface{}) {
	if l == nil || l.verbosity < level {
		return
	}
	if level > 0 {
		l.out.Printf(fmt.Sprintf("[v%d] ", level)+format, args...)
		return
	}
	l.out.Printf(format, args...)
}

// Verbosity returns the logger's level.
func (l *Logger) Verbosity() int {
	if l == nil {
		return 0
	}
	return l.verbosity
}
