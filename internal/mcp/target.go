package mcp

import (
	"errors"
	"os"
	"sync"

	"github.com/zot/luadbg/internal/bpfile"
	"github.com/zot/luadbg/internal/storage"
)

// Target holds the breakpoints and watches the tools edit. A live
// *dispatch.Session is a Target, as are a breakpoint file and a storage
// backend.
type Target interface {
	Snapshot() ([]*storage.BreakpointData, []*storage.WatchData)
	Replace(bps []*storage.BreakpointData, watches []*storage.WatchData) error
}

// loader is a Target whose contents can fail to load.
type loader interface {
	Load() ([]*storage.BreakpointData, []*storage.WatchData, error)
}

func load(t Target) ([]*storage.BreakpointData, []*storage.WatchData, error) {
	if l, ok := t.(loader); ok {
		return l.Load()
	}
	bps, watches := t.Snapshot()
	return bps, watches, nil
}

// FileTarget edits a breakpoint file. A missing file reads as empty.
type FileTarget struct {
	Path string
	mu   sync.Mutex
}

func (f *FileTarget) Load() ([]*storage.BreakpointData, []*storage.WatchData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(f.Path); errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	return bpfile.Load(f.Path)
}

func (f *FileTarget) Snapshot() ([]*storage.BreakpointData, []*storage.WatchData) {
	bps, watches, _ := f.Load()
	return bps, watches
}

func (f *FileTarget) Replace(bps []*storage.BreakpointData, watches []*storage.WatchData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bpfile.Save(f.Path, bps, watches)
}

// StorageTarget edits a storage backend directly.
type StorageTarget struct {
	Backend storage.Backend
}

func (s *StorageTarget) Load() ([]*storage.BreakpointData, []*storage.WatchData, error) {
	bps, err := s.Backend.LoadBreakpoints()
	if err != nil {
		return nil, nil, err
	}
	watches, err := s.Backend.LoadWatches()
	if err != nil {
		return nil, nil, err
	}
	return bps, watches, nil
}

func (s *StorageTarget) Snapshot() ([]*storage.BreakpointData, []*storage.WatchData) {
	bps, watches, _ := s.Load()
	return bps, watches
}

func (s *StorageTarget) Replace(bps []*storage.BreakpointData, watches []*storage.WatchData) error {
	return storage.Replace(s.Backend, bps, watches)
}
