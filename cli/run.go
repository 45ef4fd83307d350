package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zot/luadbg/internal/bpfile"
	"github.com/zot/luadbg/internal/channel"
	"github.com/zot/luadbg/internal/config"
	"github.com/zot/luadbg/internal/dispatch"
	"github.com/zot/luadbg/internal/frame"
	"github.com/zot/luadbg/internal/luatrace"
	"github.com/zot/luadbg/internal/storage"
)

// execName is the file name reported for source given to exec.
const execName = "<string>"

const dialTimeout = 10 * time.Second

// debugRun is one program run under the debugger.
type debugRun struct {
	cfg     *config.Config
	logger  *config.Logger
	backend storage.Backend
	session *dispatch.Session
	tracer  *luatrace.Tracer
	watcher *bpfile.Watcher
}

func runScript(args []string) int {
	cfg, rest, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 2
	}
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "Error: script path is required")
		fmt.Fprintln(os.Stderr, "Usage: luadbg run [options] <script> [args...]")
		return 2
	}
	filename := rest[0]
	return debug(cfg, filename, func(t *luatrace.Tracer) (int, string) {
		return t.Run(filename, rest[1:])
	})
}

func runExec(args []string) int {
	cfg, rest, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 2
	}
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "Error: source is required")
		fmt.Fprintln(os.Stderr, "Usage: luadbg exec [options] <source|-> [args...]")
		return 2
	}
	src := rest[0]
	if src == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read source: %v\n", err)
			return 1
		}
		src = string(data)
	}
	name := frame.Canonical(execName)
	return debug(cfg, name, func(t *luatrace.Tracer) (int, string) {
		return t.RunSource(name, src, rest[1:])
	})
}

// debug connects to the IDE, runs the program through run and reports its
// exit. It returns the program's exit status.
func debug(cfg *config.Config, filename string, run func(*luatrace.Tracer) (int, string)) int {
	r, err := openRun(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer r.close()

	if err := r.session.Start(filename); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to announce debuggee: %v\n", err)
		return 1
	}
	code, msg := run(r.tracer)
	r.Log(1, "program finished with status %d", code)
	r.session.Terminated(code, msg)
	return code
}

func openRun(cfg *config.Config) (*debugRun, error) {
	r := &debugRun{cfg: cfg, logger: cfg.Logger()}

	backend, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	r.backend = backend

	ch, err := dial(cfg, r.logger)
	if err != nil {
		r.close()
		return nil, err
	}

	r.session = dispatch.New(ch, dispatch.Options{
		ProcID:          cfg.IDE.ProcID,
		StopOnEntry:     cfg.Debug.StopOnEntry,
		CallTrace:       cfg.Debug.CallTrace,
		ReceiveTimeout:  cfg.Channel.ReceiveTimeout.Duration(),
		EpilogueTimeout: cfg.Channel.EpilogueTimeout.Duration(),
		MaxWriteErrors:  cfg.Stream.MaxWriteErrors,
		Storage:         backend,
		Logger:          r.logger,
	})
	if err := r.session.Restore(); err != nil {
		r.Log(0, "failed to restore breakpoints: %v", err)
	}
	if err := r.loadBreakpointFile(); err != nil {
		r.close()
		return nil, err
	}

	opts := luatrace.Options{Logger: r.logger}
	if cfg.Stream.Redirect {
		opts.Stdout = r.session.Stdout
		opts.Stderr = r.session.Stderr
		opts.Stdin = r.session.Stdin
	}
	r.tracer = luatrace.New(r.session, opts)
	return r, nil
}

func dial(cfg *config.Config, logger *config.Logger) (*channel.Channel, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	opts := channel.Options{MaxTries: cfg.Channel.MaxTries, Logger: logger}
	if cfg.IDE.WebSocket != "" {
		return channel.DialWebSocket(ctx, cfg.IDE.WebSocket, opts)
	}
	network, addr := cfg.Address()
	return channel.Dial(ctx, network, addr, opts)
}

// loadBreakpointFile preloads the configured breakpoint file and starts
// watching it when asked to.
func (r *debugRun) loadBreakpointFile() error {
	path := r.cfg.Debug.BreakpointFile
	if path == "" {
		return nil
	}
	bps, watches, err := bpfile.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load breakpoints: %w", err)
	}
	if err := r.session.Replace(bps, watches); err != nil {
		return fmt.Errorf("failed to apply breakpoints: %w", err)
	}
	r.Log(1, "loaded %d breakpoints and %d watches from %s", len(bps), len(watches), path)
	if !r.cfg.Debug.WatchBreakpointFile {
		return nil
	}
	w, err := bpfile.NewWatcher(path, r.session.Replace, r.logger)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	r.watcher = w
	return nil
}

// Log logs a message if the verbosity level is high enough.
func (r *debugRun) Log(level int, format string, args ...interface{}) {
	r.logger.Log(level, format, args...)
}

func (r *debugRun) close() {
	if r.watcher != nil {
		r.watcher.Stop()
	}
	if r.tracer != nil {
		r.tracer.Close()
	}
	if r.session != nil {
		r.session.Close()
	}
	if r.backend != nil {
		r.backend.Close()
	}
}
