// Package mcp serves breakpoint and watch editing tools over the Model
// Context Protocol, so an assistant can prepare or adjust a debugging session.
package mcp

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zot/luadbg/internal/config"
	"github.com/zot/luadbg/internal/storage"
)

const breakpointsURI = "luadbg://breakpoints"

// Server implements an MCP server over a Target.
type Server struct {
	mcp    *server.MCPServer
	target Target
	logger *config.Logger
	// serializes read-modify-write cycles on the target
	mu sync.Mutex
}

// NewServer creates a server with every tool and resource registered.
func NewServer(target Target, version string, logger *config.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer("luadbg", version,
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
		target: target,
		logger: logger,
	}
	s.registerTools()
	s.mcp.AddResource(
		mcp.NewResource(breakpointsURI, "breakpoints",
			mcp.WithResourceDescription("Breakpoints and watches as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		s.readBreakpoints,
	)
	return s
}

// Log logs a message if the verbosity level is high enough.
func (s *Server) Log(level int, format string, args ...interface{}) {
	s.logger.Log(level, format, args...)
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// Serve serves on the given streams until ctx is done or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.Log(1, "mcp: serving")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

// listing is the JSON form of the target's contents.
type listing struct {
	Breakpoints []*storage.BreakpointData `json:"breakpoints"`
	Watches     []*storage.WatchData      `json:"watches"`
}

func (s *Server) list() (*listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bps, watches, err := load(s.target)
	if err != nil {
		return nil, err
	}
	if bps == nil {
		bps = []*storage.BreakpointData{}
	}
	if watches == nil {
		watches = []*storage.WatchData{}
	}
	return &listing{Breakpoints: bps, Watches: watches}, nil
}

func (s *Server) readBreakpoints(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	l, err := s.list()
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      breakpointsURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// edit applies fn to the target's contents and stores the result.
func (s *Server) edit(fn func(l *listing) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bps, watches, err := load(s.target)
	if err != nil {
		return err
	}
	l := &listing{Breakpoints: bps, Watches: watches}
	if err := fn(l); err != nil {
		return err
	}
	return s.target.Replace(l.Breakpoints, l.Watches)
}
