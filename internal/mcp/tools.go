package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/luadbg/internal/eval"
	"github.com/zot/luadbg/internal/frame"
	"github.com/zot/luadbg/internal/storage"
	"github.com/zot/luadbg/internal/watch"
)

var errNotFound = errors.New("not found")

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_breakpoints",
		mcp.WithDescription("List breakpoints and watches"),
	), s.listBreakpoints)

	s.mcp.AddTool(mcp.NewTool("set_breakpoint",
		mcp.WithDescription("Set or replace the breakpoint at a source line"),
		mcp.WithString("file", mcp.Required(), mcp.Description("Lua source file")),
		mcp.WithNumber("line", mcp.Required(), mcp.Description("Line number, starting at 1")),
		mcp.WithString("condition", mcp.Description("Lua expression; the breakpoint stops only when it is true")),
		mcp.WithBoolean("temporary", mcp.Description("Remove the breakpoint after its first stop")),
	), s.setBreakpoint)

	s.mcp.AddTool(mcp.NewTool("clear_breakpoint",
		mcp.WithDescription("Remove the breakpoint at a source line"),
		mcp.WithString("file", mcp.Required(), mcp.Description("Lua source file")),
		mcp.WithNumber("line", mcp.Required(), mcp.Description("Line number")),
	), s.clearBreakpoint)

	s.mcp.AddTool(mcp.NewTool("enable_breakpoint",
		mcp.WithDescription("Enable or disable the breakpoint at a source line"),
		mcp.WithString("file", mcp.Required(), mcp.Description("Lua source file")),
		mcp.WithNumber("line", mcp.Required(), mcp.Description("Line number")),
		mcp.WithBoolean("enabled", mcp.Required(), mcp.Description("Whether the breakpoint stops")),
	), s.enableBreakpoint)

	s.mcp.AddTool(mcp.NewTool("ignore_breakpoint",
		mcp.WithDescription("Skip the next hits of the breakpoint at a source line"),
		mcp.WithString("file", mcp.Required(), mcp.Description("Lua source file")),
		mcp.WithNumber("line", mcp.Required(), mcp.Description("Line number")),
		mcp.WithNumber("count", mcp.Required(), mcp.Description("Number of hits to skip")),
	), s.ignoreBreakpoint)

	s.mcp.AddTool(mcp.NewTool("set_watch",
		mcp.WithDescription("Stop when a Lua expression is true. Append ??changed?? to stop when its value changes, or ??created?? to stop once per function call"),
		mcp.WithString("condition", mcp.Required(), mcp.Description("Watch expression")),
		mcp.WithBoolean("temporary", mcp.Description("Remove the watch after its first stop")),
	), s.setWatch)

	s.mcp.AddTool(mcp.NewTool("clear_watch",
		mcp.WithDescription("Remove a watch"),
		mcp.WithString("condition", mcp.Required(), mcp.Description("Watch expression as it was set")),
	), s.clearWatch)

	s.mcp.AddTool(mcp.NewTool("check_condition",
		mcp.WithDescription("Check that a Lua expression compiles"),
		mcp.WithString("expression", mcp.Required(), mcp.Description("Lua expression")),
	), s.checkCondition)
}

func (s *Server) listBreakpoints(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	l, err := s.list()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultJSON(l)
}

// location reads the file and line arguments.
func location(req mcp.CallToolRequest) (string, int, error) {
	file, err := req.RequireString("file")
	if err != nil {
		return "", 0, err
	}
	line, err := req.RequireInt("line")
	if err != nil {
		return "", 0, err
	}
	if line <= 0 {
		return "", 0, fmt.Errorf("line must be positive, got %d", line)
	}
	return frame.Canonical(file), line, nil
}

func (s *Server) setBreakpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	file, line, err := location(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	condition := req.GetString("condition", "")
	if condition != "" {
		if _, err := eval.Compile(condition); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	bp := &storage.BreakpointData{
		File:      file,
		Line:      line,
		Condition: condition,
		Temporary: req.GetBool("temporary", false),
		Enabled:   true,
	}
	err = s.edit(func(l *listing) error {
		for i, existing := range l.Breakpoints {
			if existing.File == file && existing.Line == line {
				l.Breakpoints[i] = bp
				return nil
			}
		}
		l.Breakpoints = append(l.Breakpoints, bp)
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.Log(2, "mcp: set breakpoint %s:%d", file, line)
	return mcp.NewToolResultText(fmt.Sprintf("breakpoint set at %s:%d", file, line)), nil
}

// updateBreakpoint applies fn to the breakpoint at the request's location.
func (s *Server) updateBreakpoint(req mcp.CallToolRequest, fn func(bp *storage.BreakpointData)) (string, error) {
	file, line, err := location(req)
	if err != nil {
		return "", err
	}
	err = s.edit(func(l *listing) error {
		for _, bp := range l.Breakpoints {
			if bp.File == file && bp.Line == line {
				fn(bp)
				return nil
			}
		}
		return fmt.Errorf("breakpoint at %s:%d %w", file, line, errNotFound)
	})
	return fmt.Sprintf("%s:%d", file, line), err
}

func (s *Server) clearBreakpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	file, line, err := location(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	err = s.edit(func(l *listing) error {
		for i, bp := range l.Breakpoints {
			if bp.File == file && bp.Line == line {
				l.Breakpoints = append(l.Breakpoints[:i:i], l.Breakpoints[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("breakpoint at %s:%d %w", file, line, errNotFound)
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("breakpoint cleared at %s:%d", file, line)), nil
}

func (s *Server) enableBreakpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabled, err := req.RequireBool("enabled")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	at, err := s.updateBreakpoint(req, func(bp *storage.BreakpointData) { bp.Enabled = enabled })
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return mcp.NewToolResultText(fmt.Sprintf("breakpoint %s at %s", state, at)), nil
}

func (s *Server) ignoreBreakpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	count, err := req.RequireInt("count")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if count < 0 {
		count = 0
	}
	at, err := s.updateBreakpoint(req, func(bp *storage.BreakpointData) { bp.IgnoreCount = count })
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("breakpoint at %s ignores the next %d hits", at, count)), nil
}

func (s *Server) setWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	condition, err := req.RequireString("condition")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	expression, _ := watch.ParseCondition(condition)
	if expression == "" {
		return mcp.NewToolResultError(watch.ErrEmptyCondition.Error()), nil
	}
	if _, err := eval.Compile(expression); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	w := &storage.WatchData{
		Condition: condition,
		Temporary: req.GetBool("temporary", false),
		Enabled:   true,
	}
	err = s.edit(func(l *listing) error {
		for i, existing := range l.Watches {
			if existing.Condition == condition {
				l.Watches[i] = w
				return nil
			}
		}
		l.Watches = append(l.Watches, w)
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("watch set: %s", condition)), nil
}

func (s *Server) clearWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	condition, err := req.RequireString("condition")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	err = s.edit(func(l *listing) error {
		for i, w := range l.Watches {
			if w.Condition == condition {
				l.Watches = append(l.Watches[:i:i], l.Watches[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("watch %q %w", condition, errNotFound)
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("watch cleared: %s", condition)), nil
}

func (s *Server) checkCondition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expression, err := req.RequireString("expression")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := eval.Compile(expression); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("ok"), nil
}
