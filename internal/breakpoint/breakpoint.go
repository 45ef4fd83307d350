// Package breakpoint keeps the (file, line) breakpoint table and decides
// whether a line event must stop.
package breakpoint

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zot/luadbg/internal/config"
	"github.com/zot/luadbg/internal/eval"
	"github.com/zot/luadbg/internal/frame"
)

// ErrNotFound is returned for operations on a location without a breakpoint.
var ErrNotFound = errors.New("no breakpoint")

// Key identifies a breakpoint. File is canonical.
type Key struct {
	File string
	Line int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.File, k.Line)
}

// Breakpoint is a stop request at one source line.
type Breakpoint struct {
	File        string `json:"filename"`
	Line        int    `json:"line"`
	Condition   string `json:"condition,omitempty"`
	Temporary   bool   `json:"temporary,omitempty"`
	Enabled     bool   `json:"enabled"`
	IgnoreCount int    `json:"ignoreCount"`
	Hits        int    `json:"hits"`

	expr *eval.Expr
}

// Key returns the breakpoint's location.
func (b *Breakpoint) Key() Key {
	return Key{File: b.File, Line: b.Line}
}

// Decision is the result of evaluating a line event.
// ConditionError is set when a conditional breakpoint stopped because its
// condition could not be evaluated.
type Decision struct {
	Stop              bool
	RemoveIfTemporary bool
	Breakpoint        *Breakpoint
	ConditionError    error
}

// Registry holds the breakpoints of one debugging session.
// Mutations and counter updates take the write lock; lookups take the read
// lock. The file index is rebuilt lazily under the write lock and is never
// visible half-built.
type Registry struct {
	breaks map[Key]*Breakpoint
	index  map[string][]int // nil until rebuilt
	logger *config.Logger
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *config.Logger) *Registry {
	return &Registry{
		breaks: make(map[Key]*Breakpoint),
		logger: logger,
	}
}

// Log logs a message if the verbosity level is high enough.
func (r *Registry) Log(level int, format string, args ...interface{}) {
	r.logger.Log(level, format, args...)
}

// Set creates or replaces the breakpoint at file:line. The condition is
// compiled first; on a compile error the registry is unchanged.
func (r *Registry) Set(file string, line int, condition string, temporary bool) (*Breakpoint, error) {
	file = frame.Canonical(file)
	condition = strings.TrimSpace(condition)
	var expr *eval.Expr
	if condition != "" {
		var err error
		if expr, err = eval.Compile(condition); err != nil {
			return nil, err
		}
	}
	bp := &Breakpoint{
		File:      file,
		Line:      line,
		Condition: condition,
		Temporary: temporary,
		Enabled:   true,
		expr:      expr,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.breaks[bp.Key()] = bp
	r.index = nil
	r.Log(3, "set breakpoint %s condition=%q temporary=%v", bp.Key(), condition, temporary)
	copied := *bp
	return &copied, nil
}

// Clear removes the breakpoint at file:line.
func (r *Registry) Clear(file string, line int) error {
	key := Key{File: frame.Canonical(file), Line: line}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.breaks[key]; !ok {
		return fmt.Errorf("%w at %s", ErrNotFound, key)
	}
	delete(r.breaks, key)
	r.index = nil
	r.Log(3, "cleared breakpoint %s", key)
	return nil
}

// ClearAll removes every breakpoint.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breaks = make(map[Key]*Breakpoint)
	r.index = nil
	r.Log(3, "cleared all breakpoints")
}

// Enable enables or disables the breakpoint at file:line.
func (r *Registry) Enable(file string, line int, enabled bool) error {
	return r.update(file, line, func(bp *Breakpoint) { bp.Enabled = enabled })
}

// SetIgnore sets the number of qualifying hits to skip.
func (r *Registry) SetIgnore(file string, line int, count int) error {
	if count < 0 {
		count = 0
	}
	return r.update(file, line, func(bp *Breakpoint) { bp.IgnoreCount = count })
}

func (r *Registry) update(file string, line int, fn func(bp *Breakpoint)) error {
	key := Key{File: frame.Canonical(file), Line: line}
	r.mu.Lock()
	defer r.mu.Unlock()
	bp, ok := r.breaks[key]
	if !ok {
		return fmt.Errorf("%w at %s", ErrNotFound, key)
	}
	fn(bp)
	return nil
}

// Get returns a copy of the breakpoint at file:line.
func (r *Registry) Get(file string, line int) (*Breakpoint, bool) {
	key := Key{File: frame.Canonical(file), Line: line}
	r.mu.RLock()
	defer r.mu.RUnlock()
	bp, ok := r.breaks[key]
	if !ok {
		return nil, false
	}
	copied := *bp
	return &copied, true
}

// List returns copies of all breakpoints ordered by file and line.
func (r *Registry) List() []*Breakpoint {
	r.mu.RLock()
	list := make([]*Breakpoint, 0, len(r.breaks))
	for _, bp := range r.breaks {
		copied := *bp
		list = append(list, &copied)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].File != list[j].File {
			return list[i].File < list[j].File
		}
		return list[i].Line < list[j].Line
	})
	return list
}

// Len returns the number of breakpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breaks)
}

// Lines returns the sorted breakpoint lines of a canonical file name.
func (r *Registry) Lines(file string) []int {
	return append([]int(nil), r.lines(file)...)
}

func (r *Registry) lines(file string) []int {
	r.mu.RLock()
	if r.index != nil {
		lines := r.index[file]
		r.mu.RUnlock()
		return lines
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index == nil {
		index := make(map[string][]int)
		for key := range r.breaks {
			index[key.File] = append(index[key.File], key.Line)
		}
		for _, lines := range index {
			sort.Ints(lines)
		}
		r.index = index
	}
	return r.index[file]
}

// HasBreakInFile reports whether a canonical file name has any breakpoint.
func (r *Registry) HasBreakInFile(file string) bool {
	return len(r.lines(file)) > 0
}

// Evaluate decides whether the line event at file:line in f must stop.
// file must be canonical; the tracer reports canonical names.
//
// A missing or disabled breakpoint never stops. Otherwise the hit counter
// increments. An unconditional or truthy breakpoint with a positive ignore
// count consumes one ignore and does not stop. A condition that fails to
// evaluate stops without removing a temporary breakpoint.
func (r *Registry) Evaluate(file string, line int, f frame.Frame) Decision {
	key := Key{File: file, Line: line}

	r.mu.Lock()
	bp, ok := r.breaks[key]
	if !ok || !bp.Enabled {
		r.mu.Unlock()
		return Decision{}
	}
	bp.Hits++
	expr := bp.expr
	r.mu.Unlock()

	if expr != nil {
		truth, err := expr.Truth(f)
		if err != nil {
			r.Log(3, "breakpoint %s condition failed: %v", key, err)
			r.mu.RLock()
			defer r.mu.RUnlock()
			if r.breaks[key] != bp {
				return Decision{}
			}
			copied := *bp
			return Decision{Stop: true, Breakpoint: &copied, ConditionError: err}
		}
		if !truth {
			return Decision{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// cleared or replaced while the condition ran
	if r.breaks[key] != bp || !bp.Enabled {
		return Decision{}
	}
	if bp.IgnoreCount > 0 {
		bp.IgnoreCount--
		r.Log(4, "breakpoint %s ignored (%d left)", key, bp.IgnoreCount)
		return Decision{}
	}
	copied := *bp
	return Decision{Stop: true, RemoveIfTemporary: true, Breakpoint: &copied}
}
