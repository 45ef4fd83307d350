// Package frame defines the stack frame model shared by the tracer and the
// breakpoint and watch registries.
package frame

import (
	"path/filepath"
	"sort"
)

// Vars maps variable names to values. Values are either plain Go values
// (bool, numbers, string, []any, map[string]any) or lua.LValue.
type Vars map[string]any

// Names returns the variable names in sorted order.
func (v Vars) Names() []string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Frame is a snapshot of one activation record at a line event.
// ID identifies the activation for its whole lifetime: it is assigned from a
// monotonically increasing counter when the function is entered, so two
// activations never share an ID.
type Frame interface {
	ID() uint64
	Filename() string
	Line() int
	Depth() int
	Function() string
	Locals() Vars
	Globals() Vars
}

// Stack is implemented by frames that can walk to their callers.
// Back returns nil at the outermost frame.
type Stack interface {
	Frame
	Back() Frame
}

// MapFrame is a Frame backed by plain maps.
type MapFrame struct {
	FrameID  uint64
	File     string
	LineNo   int
	Level    int
	Func     string
	LocalV   Vars
	GlobalV  Vars
	Previous Frame
}

func (f *MapFrame) ID() uint64       { return f.FrameID }
func (f *MapFrame) Filename() string { return f.File }
func (f *MapFrame) Line() int        { return f.LineNo }
func (f *MapFrame) Depth() int       { return f.Level }
func (f *MapFrame) Function() string { return f.Func }

func (f *MapFrame) Locals() Vars {
	if f.LocalV == nil {
		f.LocalV = Vars{}
	}
	return f.LocalV
}

func (f *MapFrame) Globals() Vars {
	if f.GlobalV == nil {
		f.GlobalV = Vars{}
	}
	return f.GlobalV
}

// Back returns the calling frame.
func (f *MapFrame) Back() Frame {
	if f.Previous == nil {
		return nil
	}
	return f.Previous
}

// Walk returns f followed by its callers, innermost first.
func Walk(f Frame) []Frame {
	var frames []Frame
	for f != nil {
		frames = append(frames, f)
		s, ok := f.(Stack)
		if !ok {
			break
		}
		f = s.Back()
	}
	return frames
}

// Canonical returns the absolute, cleaned form of a source path.
// Breakpoints and line events are matched on canonical names.
func Canonical(filename string) string {
	if filename == "" {
		return ""
	}
	if abs, err := filepath.Abs(filename); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(filename)
}
