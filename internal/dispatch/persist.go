package dispatch

import (
	"github.com/zot/luadbg/internal/breakpoint"
	"github.com/zot/luadbg/internal/storage"
	"github.com/zot/luadbg/internal/watch"
)

// Restore loads the stored breakpoints and watches into the registries.
// Entries whose condition no longer compiles are skipped and logged.
func (s *Session) Restore() error {
	if s.opts.Storage == nil {
		return nil
	}
	bps, err := s.opts.Storage.LoadBreakpoints()
	if err != nil {
		return err
	}
	watches, err := s.opts.Storage.LoadWatches()
	if err != nil {
		return err
	}
	s.apply(bps, watches)
	s.Log(1, "restored %d breakpoints and %d watches", len(bps), len(watches))
	return nil
}

// Replace swaps the registries' contents for the given entries and, when
// storage is configured, the stored state with them.
func (s *Session) Replace(bps []*storage.BreakpointData, watches []*storage.WatchData) error {
	s.Breakpoints.ClearAll()
	s.Watches.ClearAll()
	s.apply(bps, watches)
	if s.opts.Storage == nil {
		return nil
	}
	return storage.Replace(s.opts.Storage, s.breakpointData(), s.watchData())
}

func (s *Session) apply(bps []*storage.BreakpointData, watches []*storage.WatchData) {
	for _, data := range bps {
		if _, err := s.Breakpoints.Set(data.File, data.Line, data.Condition, data.Temporary); err != nil {
			s.Log(0, "skipping breakpoint %s:%d: %v", data.File, data.Line, err)
			continue
		}
		s.Breakpoints.Enable(data.File, data.Line, data.Enabled)
		s.Breakpoints.SetIgnore(data.File, data.Line, data.IgnoreCount)
	}
	for _, data := range watches {
		if _, err := s.Watches.Set(data.Condition, watch.FlagPlain, data.Temporary); err != nil {
			s.Log(0, "skipping watch %q: %v", data.Condition, err)
			continue
		}
		s.Watches.Enable(data.Condition, data.Enabled)
		s.Watches.SetIgnore(data.Condition, data.IgnoreCount)
	}
}

// Snapshot returns the current breakpoints and watches in their stored form.
func (s *Session) Snapshot() ([]*storage.BreakpointData, []*storage.WatchData) {
	return s.breakpointData(), s.watchData()
}

func (s *Session) breakpointData() []*storage.BreakpointData {
	list := s.Breakpoints.List()
	data := make([]*storage.BreakpointData, len(list))
	for i, bp := range list {
		data[i] = toBreakpointData(bp)
	}
	return data
}

func (s *Session) watchData() []*storage.WatchData {
	list := s.Watches.List()
	data := make([]*storage.WatchData, len(list))
	for i, w := range list {
		data[i] = toWatchData(w)
	}
	return data
}

func toBreakpointData(bp *breakpoint.Breakpoint) *storage.BreakpointData {
	return &storage.BreakpointData{
		File:        bp.File,
		Line:        bp.Line,
		Condition:   bp.Condition,
		Temporary:   bp.Temporary,
		Enabled:     bp.Enabled,
		IgnoreCount: bp.IgnoreCount,
	}
}

func toWatchData(w *watch.Watch) *storage.WatchData {
	return &storage.WatchData{
		Condition:   w.Condition,
		Temporary:   w.Temporary,
		Enabled:     w.Enabled,
		IgnoreCount: w.IgnoreCount,
	}
}

func (s *Session) storeBreakpoint(bp *breakpoint.Breakpoint) {
	if s.opts.Storage == nil {
		return
	}
	if err := s.opts.Storage.StoreBreakpoint(toBreakpointData(bp)); err != nil {
		s.Log(0, "store breakpoint %s: %v", bp.Key(), err)
	}
}

func (s *Session) storeBreakpointAt(file string, line int) {
	if bp, ok := s.Breakpoints.Get(file, line); ok {
		s.storeBreakpoint(bp)
	}
}

func (s *Session) unstoreBreakpoint(file string, line int) {
	if s.opts.Storage == nil {
		return
	}
	if err := s.opts.Storage.DeleteBreakpoint(file, line); err != nil {
		s.Log(0, "delete breakpoint %s:%d: %v", file, line, err)
	}
}

func (s *Session) storeWatch(w *watch.Watch) {
	if s.opts.Storage == nil {
		return
	}
	if err := s.opts.Storage.StoreWatch(toWatchData(w)); err != nil {
		s.Log(0, "store watch %q: %v", w.Condition, err)
	}
}

func (s *Session) storeWatchFor(condition string) {
	if w, ok := s.Watches.Get(condition); ok {
		s.storeWatch(w)
	}
}

func (s *Session) unstoreWatch(condition string) {
	if s.opts.Storage == nil {
		return
	}
	if err := s.opts.Storage.DeleteWatch(condition); err != nil {
		s.Log(0, "delete watch %q: %v", condition, err)
	}
}
