// Package storage persists breakpoints and watches between debugging runs.
package storage

import (
	"fmt"

	"github.com/zot/luadbg/internal/config"
)

// BreakpointData is the stored form of a breakpoint.
type BreakpointData struct {
	File        string `json:"filename"`
	Line        int    `json:"line"`
	Condition   string `json:"condition,omitempty"`
	Temporary   bool   `json:"temporary,omitempty"`
	Enabled     bool   `json:"enabled"`
	IgnoreCount int    `json:"ignoreCount"`
}

// WatchData is the stored form of a watch. Watches load in the order they
// were first stored.
type WatchData struct {
	Condition   string `json:"condition"`
	Temporary   bool   `json:"temporary,omitempty"`
	Enabled     bool   `json:"enabled"`
	IgnoreCount int    `json:"ignoreCount"`
}

// Backend defines the interface for storage backends.
type Backend interface {
	// StoreBreakpoint inserts or replaces the breakpoint at its file and line.
	StoreBreakpoint(bp *BreakpointData) error

	// DeleteBreakpoint removes a breakpoint. Deleting a missing one is not an error.
	DeleteBreakpoint(file string, line int) error

	// LoadBreakpoints returns every stored breakpoint ordered by file and line.
	LoadBreakpoints() ([]*BreakpointData, error)

	// StoreWatch inserts or replaces the watch for its condition.
	StoreWatch(w *WatchData) error

	// DeleteWatch removes a watch.
	DeleteWatch(condition string) error

	// LoadWatches returns every stored watch in insertion order.
	LoadWatches() ([]*WatchData, error)

	// Clear removes all data.
	Clear() error

	// BeginTransaction starts an atomic operation.
	BeginTransaction() (Transaction, error)

	// Close closes the storage backend.
	Close() error
}

// Transaction represents an atomic storage operation.
type Transaction interface {
	StoreBreakpoint(bp *BreakpointData) error
	DeleteBreakpoint(file string, line int) error
	StoreWatch(w *WatchData) error
	DeleteWatch(condition string) error

	// Clear removes all data within the transaction.
	Clear() error

	Commit() error
	Rollback() error
}

// Open creates the backend selected by cfg. Type "none" (or empty) returns
// a nil backend and no error.
func Open(cfg config.StorageConfig) (Backend, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryStorage(), nil
	case "sqlite":
		s, err := NewSQLiteStorage(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgresql", "postgres":
		s, err := NewPostgresStorage(cfg.URL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// Replace atomically swaps the stored state for the given breakpoints and
// watches.
func Replace(b Backend, bps []*BreakpointData, watches []*WatchData) error {
	tx, err := b.BeginTransaction()
	if err != nil {
		return err
	}
	if err := tx.Clear(); err != nil {
		tx.Rollback()
		return err
	}
	for _, bp := range bps {
		if err := tx.StoreBreakpoint(bp); err != nil {
			tx.Rollback()
			return err
		}
	}
	for _, w := range watches {
		if err := tx.StoreWatch(w); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
