// Package mcpserver exposes the scoring service as MCP tools so LLM-based
// SOC assistants can triage sessions and review alerts.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all detection tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("insider-detect", "1.0.0")
	client := NewDetectClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolScoreSession, h.HandleScoreSession)
	s.AddTool(ToolListAlerts, h.HandleListAlerts)
	s.AddTool(ToolGetVerdict, h.HandleGetVerdict)
	s.AddTool(ToolGetStatistics, h.HandleGetStatistics)
	s.AddTool(ToolGetModelInfo, h.HandleGetModelInfo)

	return s
}
