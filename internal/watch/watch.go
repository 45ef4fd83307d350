// Package watch keeps watch expressions and decides, per frame, whether one
// of them fires.
package watch

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/luadbg/internal/config"
	"github.com/zot/luadbg/internal/eval"
	"github.com/zot/luadbg/internal/frame"
)

var (
	// ErrEmptyCondition is returned when setting a watch without a condition.
	ErrEmptyCondition = errors.New("watch has no condition")

	// ErrNotFound is returned for operations on an unknown condition.
	ErrNotFound = errors.New("no watch")
)

// Flag selects when a watch fires.
type Flag int

const (
	// FlagPlain fires whenever the expression is truthy.
	FlagPlain Flag = iota
	// FlagCreated fires once for each frame in which the expression evaluates.
	FlagCreated
	// FlagChanged fires when the expression's value differs from the last
	// value seen in the same frame.
	FlagChanged
)

const (
	createdSuffix = "??created??"
	changedSuffix = "??changed??"
)

func (f Flag) String() string {
	switch f {
	case FlagCreated:
		return "created"
	case FlagChanged:
		return "changed"
	default:
		return "plain"
	}
}

// MarshalText encodes the flag by name.
func (f Flag) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// ParseCondition splits a trailing ??created?? or ??changed?? marker off a
// condition.
func ParseCondition(text string) (string, Flag) {
	trimmed := strings.TrimSpace(text)
	switch {
	case strings.HasSuffix(trimmed, createdSuffix):
		return strings.TrimSpace(strings.TrimSuffix(trimmed, createdSuffix)), FlagCreated
	case strings.HasSuffix(trimmed, changedSuffix):
		return strings.TrimSpace(strings.TrimSuffix(trimmed, changedSuffix)), FlagChanged
	default:
		return trimmed, FlagPlain
	}
}

// Watch is a stop request tied to an expression rather than a location.
// Condition is the raw text the IDE sent and identifies the watch.
type Watch struct {
	Condition   string `json:"condition"`
	Expression  string `json:"expression"`
	Flag        Flag   `json:"flag"`
	Temporary   bool   `json:"temporary,omitempty"`
	Enabled     bool   `json:"enabled"`
	IgnoreCount int    `json:"ignoreCount"`

	expr   *eval.Expr
	values map[uint64]*frameState
}

// frameState is what a watch remembers about one frame.
type frameState struct {
	hits   int
	last   any
	ignore int
}

func (w *Watch) snapshot() *Watch {
	copied := *w
	copied.values = nil
	return &copied
}

// Result reports the watch that fired. The zero Result means none fired.
type Result struct {
	Watch             *Watch
	Stop              bool
	RemoveIfTemporary bool
}

// Registry holds the watches of one debugging session in registration order.
type Registry struct {
	watches []*Watch
	byCond  map[string]*Watch
	logger  *config.Logger
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *config.Logger) *Registry {
	return &Registry{
		byCond: make(map[string]*Watch),
		logger: logger,
	}
}

// Log logs a message if the verbosity level is high enough.
func (r *Registry) Log(level int, format string, args ...interface{}) {
	r.logger.Log(level, format, args...)
}

// Set creates or replaces the watch for condition. A ??created?? or
// ??changed?? marker in the condition overrides flag. A replaced watch keeps
// its position.
func (r *Registry) Set(condition string, flag Flag, temporary bool) (*Watch, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return nil, ErrEmptyCondition
	}
	expression, parsed := ParseCondition(condition)
	if parsed != FlagPlain {
		flag = parsed
	}
	if expression == "" {
		return nil, ErrEmptyCondition
	}
	expr, err := eval.Compile(expression)
	if err != nil {
		return nil, err
	}
	w := &Watch{
		Condition:  condition,
		Expression: expression,
		Flag:       flag,
		Temporary:  temporary,
		Enabled:    true,
		expr:       expr,
		values:     make(map[uint64]*frameState),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byCond[condition]; ok {
		for i, existing := range r.watches {
			if existing == old {
				r.watches[i] = w
				break
			}
		}
	} else {
		r.watches = append(r.watches, w)
	}
	r.byCond[condition] = w
	r.Log(3, "set watch %q flag=%s temporary=%v", condition, flag, temporary)
	return w.snapshot(), nil
}

// Clear removes the watch for condition.
func (r *Registry) Clear(condition string) error {
	condition = strings.TrimSpace(condition)
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.byCond[condition]
	if !ok {
		return fmt.Errorf("%w for %q", ErrNotFound, condition)
	}
	delete(r.byCond, condition)
	for i, existing := range r.watches {
		if existing == w {
			r.watches = append(r.watches[:i:i], r.watches[i+1:]...)
			break
		}
	}
	r.Log(3, "cleared watch %q", condition)
	return nil
}

// ClearAll removes every watch.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watches = nil
	r.byCond = make(map[string]*Watch)
	r.Log(3, "cleared all watches")
}

// Enable enables or disables the watch for condition.
func (r *Registry) Enable(condition string, enabled bool) error {
	return r.update(condition, func(w *Watch) { w.Enabled = enabled })
}

// SetIgnore sets the watch's ignore count. Frames first observed after this
// call start from the new count.
func (r *Registry) SetIgnore(condition string, count int) error {
	if count < 0 {
		count = 0
	}
	return r.update(condition, func(w *Watch) { w.IgnoreCount = count })
}

func (r *Registry) update(condition string, fn func(w *Watch)) error {
	condition = strings.TrimSpace(condition)
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.byCond[condition]
	if !ok {
		return fmt.Errorf("%w for %q", ErrNotFound, condition)
	}
	fn(w)
	return nil
}

// Get returns a copy of the watch for condition.
func (r *Registry) Get(condition string) (*Watch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byCond[strings.TrimSpace(condition)]
	if !ok {
		return nil, false
	}
	return w.snapshot(), true
}

// List returns copies of all watches in registration order.
func (r *Registry) List() []*Watch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*Watch, len(r.watches))
	for i, w := range r.watches {
		list[i] = w.snapshot()
	}
	return list
}

// Len returns the number of watches.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watches)
}

// EvaluateAll evaluates the enabled watches against f in registration order
// and returns the first that fires. Watches whose expression fails are
// skipped for this step.
func (r *Registry) EvaluateAll(f frame.Frame) Result {
	r.mu.RLock()
	watches := append([]*Watch(nil), r.watches...)
	r.mu.RUnlock()

	id := f.ID()
	for _, w := range watches {
		r.mu.RLock()
		enabled := w.Enabled
		r.mu.RUnlock()
		if !enabled {
			continue
		}

		val, err := w.expr.Eval(f)
		if err != nil {
			r.Log(4, "watch %q skipped: %v", w.Condition, err)
			continue
		}

		r.mu.Lock()
		fired := r.apply(w, id, val)
		var snap *Watch
		if fired {
			snap = w.snapshot()
		}
		r.mu.Unlock()

		if fired {
			r.Log(3, "watch %q fired in frame %d", w.Condition, id)
			return Result{Watch: snap, Stop: true, RemoveIfTemporary: true}
		}
	}
	return Result{}
}

// apply updates w's state for one evaluation and reports whether it fires.
// Callers hold the write lock.
func (r *Registry) apply(w *Watch, id uint64, val lua.LValue) bool {
	switch w.Flag {
	case FlagCreated:
		// an unbound name reads as nil, so nil is "not created yet"
		if val == lua.LNil {
			return false
		}
		if _, seen := w.values[id]; seen {
			return false
		}
		w.values[id] = &frameState{hits: 1, last: eval.LuaToGo(val), ignore: w.IgnoreCount}
		return true

	case FlagChanged:
		current := eval.LuaToGo(val)
		state, seen := w.values[id]
		if !seen {
			w.values[id] = &frameState{hits: 1, last: current, ignore: w.IgnoreCount}
			return false
		}
		if reflect.DeepEqual(state.last, current) {
			return false
		}
		state.last = current
		state.hits++
		if state.ignore > 0 {
			state.ignore--
			return false
		}
		return true

	default:
		if !lua.LVAsBool(val) {
			return false
		}
		if w.IgnoreCount > 0 {
			w.IgnoreCount--
			return false
		}
		return true
	}
}

// FrameExited forgets everything the watches remember about a frame.
func (r *Registry) FrameExited(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.watches {
		delete(w.values, id)
	}
}

// TrackedFrames returns the number of distinct frames with remembered state.
func (r *Registry) TrackedFrames() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make(map[uint64]struct{})
	for _, w := range r.watches {
		for id := range w.values {
			ids[id] = struct{}{}
		}
	}
	return len(ids)
}
