package storage

import (
	"fmt"
	"sort"
	"sync"
)

type bpKey struct {
	file string
	line int
}

// MemoryStorage is an in-memory storage backend.
type MemoryStorage struct {
	breakpoints map[bpKey]*BreakpointData
	watches     map[string]*WatchData
	watchOrder  []string
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new in-memory storage backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		breakpoints: make(map[bpKey]*BreakpointData),
		watches:     make(map[string]*WatchData),
	}
}

// StoreBreakpoint persists a breakpoint to memory.
func (m *MemoryStorage) StoreBreakpoint(bp *BreakpointData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *bp
	m.breakpoints[bpKey{bp.File, bp.Line}] = &copied
	return nil
}

// DeleteBreakpoint removes a breakpoint from memory.
func (m *MemoryStorage) DeleteBreakpoint(file string, line int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakpoints, bpKey{file, line})
	return nil
}

// LoadBreakpoints returns copies of the stored breakpoints.
func (m *MemoryStorage) LoadBreakpoints() ([]*BreakpointData, error) {
	m.mu.RLock()
	list := make([]*BreakpointData, 0, len(m.breakpoints))
	for _, bp := range m.breakpoints {
		copied := *bp
		list = append(list, &copied)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].File != list[j].File {
			return list[i].File < list[j].File
		}
		return list[i].Line < list[j].Line
	})
	return list, nil
}

// StoreWatch persists a watch to memory. A replaced watch keeps its position.
func (m *MemoryStorage) StoreWatch(w *WatchData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.watches[w.Condition]; !exists {
		m.watchOrder = append(m.watchOrder, w.Condition)
	}
	copied := *w
	m.watches[w.Condition] = &copied
	return nil
}

// DeleteWatch removes a watch from memory.
func (m *MemoryStorage) DeleteWatch(condition string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.watches[condition]; !exists {
		return nil
	}
	delete(m.watches, condition)
	for i, c := range m.watchOrder {
		if c == condition {
			m.watchOrder = append(m.watchOrder[:i:i], m.watchOrder[i+1:]...)
			break
		}
	}
	return nil
}

// LoadWatches returns copies of the stored watches in insertion order.
func (m *MemoryStorage) LoadWatches() ([]*WatchData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*WatchData, 0, len(m.watchOrder))
	for _, c := range m.watchOrder {
		copied := *m.watches[c]
		list = append(list, &copied)
	}
	return list, nil
}

// Clear removes all data.
func (m *MemoryStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakpoints = make(map[bpKey]*BreakpointData)
	m.watches = make(map[string]*WatchData)
	m.watchOrder = nil
	return nil
}

// BeginTransaction starts an atomic operation.
func (m *MemoryStorage) BeginTransaction() (Transaction, error) {
	return &memoryTransaction{storage: m}, nil
}

// Close closes the storage backend.
func (m *MemoryStorage) Close() error {
	return nil
}

// Count returns the number of stored breakpoints and watches.
func (m *MemoryStorage) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.breakpoints) + len(m.watches)
}

// memoryTransaction queues operations and applies them in order on Commit.
type memoryTransaction struct {
	storage   *MemoryStorage
	ops       []func(m *MemoryStorage) error
	committed bool
}

func (tx *memoryTransaction) queue(op func(m *MemoryStorage) error) error {
	if tx.committed {
		return fmt.Errorf("transaction already committed")
	}
	tx.ops = append(tx.ops, op)
	return nil
}

func (tx *memoryTransaction) StoreBreakpoint(bp *BreakpointData) error {
	copied := *bp
	return tx.queue(func(m *MemoryStorage) error { return m.StoreBreakpoint(&copied) })
}

func (tx *memoryTransaction) DeleteBreakpoint(file string, line int) error {
	return tx.queue(func(m *MemoryStorage) error { return m.DeleteBreakpoint(file, line) })
}

func (tx *memoryTransaction) StoreWatch(w *WatchData) error {
	copied := *w
	return tx.queue(func(m *MemoryStorage) error { return m.StoreWatch(&copied) })
}

func (tx *memoryTransaction) DeleteWatch(condition string) error {
	return tx.queue(func(m *MemoryStorage) error { return m.DeleteWatch(condition) })
}

func (tx *memoryTransaction) Clear() error {
	return tx.queue(func(m *MemoryStorage) error { return m.Clear() })
}

// Commit applies all queued operations.
func (tx *memoryTransaction) Commit() error {
	if tx.committed {
		return fmt.Errorf("transaction already committed")
	}
	tx.committed = true
	for _, op := range tx.ops {
		if err := op(tx.storage); err != nil {
			return err
		}
	}
	return nil
}

// Rollback discards all queued operations.
func (tx *memoryTransaction) Rollback() error {
	tx.committed = true
	tx.ops = nil
	return nil
}
