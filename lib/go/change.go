package dbgclient

import (
	"sync"
	"time"

	"github.com/zot/luadbg/protocol"
)

// ChangeDetector tracks variable values across stops so an IDE can mark the
// ones that changed since the previous stop.
type ChangeDetector struct {
	conn           *Connection
	timeout        time.Duration
	watched        map[string]bool              // "scope\x00name"; empty means all
	previousValues map[string]protocol.Variable // "scope\x00name" -> last dump
	mu             sync.RWMutex
	refreshMu      sync.Mutex
}

// NewChangeDetector creates a change detector reading variables over conn.
func NewChangeDetector(conn *Connection, timeout time.Duration) *ChangeDetector {
	return &ChangeDetector{
		conn:           conn,
		timeout:        timeout,
		watched:        make(map[string]bool),
		previousValues: make(map[string]protocol.Variable),
	}
}

func changeKey(scope, name string) string {
	return scope + "\x00" + name
}

// AddWatch limits tracking to the named variables. With no watches every
// variable in a refreshed scope is tracked.
func (d *ChangeDetector) AddWatch(scope, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watched[changeKey(scope, name)] = true
}

// RemoveWatch stops tracking a variable.
func (d *ChangeDetector) RemoveWatch(scope, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := changeKey(scope, name)
	delete(d.watched, key)
	delete(d.previousValues, key)
}

// IsWatched reports whether a variable is tracked.
func (d *ChangeDetector) IsWatched(scope, name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.watched) == 0 || d.watched[changeKey(scope, name)]
}

// Refresh dumps one scope of a stopped frame and returns the variables whose
// type or value differs from the previous refresh. Variables seen for the
// first time count as changed.
func (d *ChangeDetector) Refresh(frame int, scope string) ([]protocol.Variable, error) {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	reply, err := d.conn.Variables(frame, scope, nil, d.timeout)
	if err != nil {
		return nil, err
	}
	return d.Compare(reply), nil
}

// Compare records a VARIABLES reply and returns the changed variables.
func (d *ChangeDetector) Compare(reply *protocol.VariablesReply) []protocol.Variable {
	d.mu.Lock()
	defer d.mu.Unlock()

	var changes []protocol.Variable
	for _, v := range reply.Variables {
		key := changeKey(reply.Scope, v.Name)
		if len(d.watched) > 0 && !d.watched[key] {
			continue
		}
		if prev, ok := d.previousValues[key]; !ok || prev != v {
			changes = append(changes, v)
		}
		d.previousValues[key] = v
	}
	return changes
}

// WatchedCount returns the number of explicitly watched variables.
func (d *ChangeDetector) WatchedCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.watched)
}

// Clear removes all watches and forgets recorded values.
func (d *ChangeDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watched = make(map[string]bool)
	d.previousValues = make(map[string]protocol.Variable)
}
