package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zot/luadbg/internal/config"
	"github.com/zot/luadbg/internal/mcp"
	"github.com/zot/luadbg/internal/storage"
)

// runMCP serves the breakpoint tools over stdin/stdout. The tools edit the
// breakpoint file when one is configured, the storage backend otherwise.
func runMCP(args []string) int {
	cfg, _, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 2
	}

	target, closeTarget, err := mcpTarget(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeTarget()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := mcp.NewServer(target, Version, cfg.Logger())
	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func mcpTarget(cfg *config.Config) (mcp.Target, func(), error) {
	if cfg.Debug.BreakpointFile != "" {
		return &mcp.FileTarget{Path: cfg.Debug.BreakpointFile}, func() {}, nil
	}
	backend, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}
	if backend == nil {
		return nil, nil, fmt.Errorf("mcp needs --breakpoints or a --storage backend")
	}
	return &mcp.StorageTarget{Backend: backend}, func() { backend.Close() }, nil
}
