package bpfile

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zot/luadbg/internal/config"
	"github.com/zot/luadbg/internal/storage"
)

// ApplyFunc installs a freshly loaded breakpoint file.
type ApplyFunc func(bps []*storage.BreakpointData, watches []*storage.WatchData) error

// Watcher reloads a breakpoint file whenever it changes on disk.
type Watcher struct {
	path    string
	apply   ApplyFunc
	logger  *config.Logger
	watcher *fsnotify.Watcher

	// the file may be a symlink; its target's directory is watched too
	target      string
	watchedDirs map[string]int
	mu          sync.Mutex

	// Debouncing
	pendingSince  time.Time
	pending       bool
	debounceMu    sync.Mutex
	debounceDelay time.Duration

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher for the breakpoint file at path.
func NewWatcher(path string, apply ApplyFunc, logger *config.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:          abs,
		apply:         apply,
		logger:        logger,
		watcher:       fw,
		watchedDirs:   make(map[string]int),
		debounceDelay: 100 * time.Millisecond,
		done:          make(chan struct{}),
	}, nil
}

// Log logs a message if the verbosity level is high enough.
func (w *Watcher) Log(level int, format string, args ...interface{}) {
	w.logger.Log(level, format, args...)
}

// Start begins watching. Editors often replace a file rather than write it,
// so the directory is watched rather than the file.
func (w *Watcher) Start() error {
	if err := w.addWatch(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.updateSymlinkWatch()

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	w.Log(1, "bpfile: watching %s for changes", w.path)
	return nil
}

// Stop stops watching and waits for the watcher's goroutines.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

// updateSymlinkWatch watches the directory of the file's symlink target.
func (w *Watcher) updateSymlinkWatch() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.target != "" {
		w.removeWatchLocked(w.target)
		w.target = ""
	}
	info, err := os.Lstat(w.path)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return
	}
	resolved, err := filepath.EvalSymlinks(w.path)
	if err != nil {
		w.Log(2, "bpfile: cannot resolve symlink %s: %v", w.path, err)
		return
	}
	w.target = filepath.Dir(resolved)
	w.addWatchLocked(w.target)
	w.Log(2, "bpfile: watching symlink target dir %s", w.target)
}

func (w *Watcher) addWatch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addWatchLocked(dir)
}

func (w *Watcher) addWatchLocked(dir string) error {
	w.watchedDirs[dir]++
	if w.watchedDirs[dir] == 1 {
		if err := w.watcher.Add(dir); err != nil {
			w.watchedDirs[dir]--
			return err
		}
		w.Log(2, "bpfile: added watch for %s", dir)
	}
	return nil
}

func (w *Watcher) removeWatchLocked(dir string) {
	w.watchedDirs[dir]--
	if w.watchedDirs[dir] <= 0 {
		w.watcher.Remove(dir)
		delete(w.watchedDirs, dir)
	}
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.Log(1, "bpfile: watcher error: %v", err)
		}
	}
}

// relevant reports whether an event concerns the watched file.
func (w *Watcher) relevant(name string) bool {
	if name == w.path {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.target == "" {
		return false
	}
	resolved, err := filepath.EvalSymlinks(w.path)
	return err == nil && resolved == name
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !w.relevant(event.Name) {
		return
	}
	w.Log(3, "bpfile: event %s on %s", event.Op, event.Name)

	if event.Name == w.path && event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
		w.updateSymlinkWatch()
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
		w.queueReload()
	}
}

func (w *Watcher) queueReload() {
	w.debounceMu.Lock()
	w.pending = true
	w.pendingSince = time.Now()
	w.debounceMu.Unlock()
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.processPendingReload()
		}
	}
}

// processPendingReload reloads the file once it has been quiet for the
// debounce delay.
func (w *Watcher) processPendingReload() {
	w.debounceMu.Lock()
	due := w.pending && time.Since(w.pendingSince) >= w.debounceDelay
	if due {
		w.pending = false
	}
	w.debounceMu.Unlock()

	if due {
		w.Reload()
	}
}

// Reload loads the file and applies it. A file that fails to load leaves
// the current breakpoints in place.
func (w *Watcher) Reload() {
	bps, watches, err := Load(w.path)
	if err != nil {
		w.Log(0, "bpfile: %v", err)
		return
	}
	if err := w.apply(bps, watches); err != nil {
		w.Log(0, "bpfile: applying %s: %v", w.path, err)
		return
	}
	w.Log(1, "bpfile: loaded %d breakpoints and %d watches from %s", len(bps), len(watches), w.path)
}
