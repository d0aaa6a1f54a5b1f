// Package introspect exposes a running orchestrator's state over the
// Model Context Protocol so an external agent can query detector phase,
// learned baseline, and current top-risk process without parsing log
// output.
package introspect

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Patronibo/Cpu-Guardian/internal/orchestrator"
)

// SnapshotSource is satisfied by *orchestrator.Orchestrator.
type SnapshotSource interface {
	Snapshot() orchestrator.Snapshot
}

// Server wraps the MCP server instance bound to one orchestrator.
type Server struct {
	mcpServer *server.MCPServer
	src       SnapshotSource
}

// NewServer creates an MCP server exposing src's snapshot through read-only
// tools.
func NewServer(version string, src SnapshotSource) *Server {
	s := server.NewMCPServer("cpuguardian", version, server.WithLogging())

	srv := &Server{mcpServer: s, src: src}
	srv.registerTools()
	return srv
}

// Start runs the server in stdio mode, blocking until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.mcpServer)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("get_phase",
			mcp.WithDescription("Return the detector's current lifecycle phase (INIT, LEARNING, DETECTING, SHUTTING_DOWN, DONE)."),
		),
		s.handleGetPhase,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("get_baseline",
			mcp.WithDescription("Return the learned baseline mean/std for cache_miss_rate, branch_miss_rate, and ipc, or not-ready if learning hasn't finished."),
		),
		s.handleGetBaseline,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("get_top_risk",
			mcp.WithDescription("Return the process currently carrying the highest smoothed anomaly score, if any."),
		),
		s.handleGetTopRisk,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("get_status",
			mcp.WithDescription("Return a combined status summary: phase, baseline readiness, sample counters, and anomaly count."),
		),
		s.handleGetStatus,
	)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: msg}},
	}
}

func (s *Server) handleGetPhase(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return textResult(s.src.Snapshot().Phase.String()), nil
}

func (s *Server) handleGetBaseline(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b := s.src.Snapshot().Baseline
	if !b.Ready {
		return errResult("baseline not ready: learning phase has not finished"), nil
	}
	return textResult(formatBaseline(b)), nil
}

func (s *Server) handleGetTopRisk(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap := s.src.Snapshot()
	if !snap.HasTopRisk {
		return textResult("no active process risk entries"), nil
	}
	return textResult(formatTopRisk(snap)), nil
}

func (s *Server) handleGetStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return textResult(formatStatus(s.src.Snapshot())), nil
}
