package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all rideshare tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("rideshare", "1.0.0")
	h := NewHandlers(NewAPIClient(cfg))

	s.AddTool(ToolSearchRides, h.HandleSearchRides)
	s.AddTool(ToolBookRide, h.HandleBookRide)
	s.AddTool(ToolCancelBooking, h.HandleCancelBooking)
	s.AddTool(ToolMyBookings, h.HandleMyBookings)
	s.AddTool(ToolWalletBalance, h.HandleWalletBalance)

	return s
}
