package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server with the operator tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("escrowd", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolSettlementStatus, h.HandleSettlementStatus)
	s.AddTool(ToolRunSettlement, h.HandleRunSettlement)
	s.AddTool(ToolGetTransaction, h.HandleGetTransaction)

	return s
}
