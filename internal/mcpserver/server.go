package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all booking tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("rentescrow", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolQuoteRent, h.HandleQuoteRent)
	s.AddTool(ToolCreateBooking, h.HandleCreateBooking)
	s.AddTool(ToolGetBooking, h.HandleGetBooking)
	s.AddTool(ToolListMyBookings, h.HandleListMyBookings)
	s.AddTool(ToolValidatePayment, h.HandleValidatePayment)
	s.AddTool(ToolPaymentHistory, h.HandlePaymentHistory)
	s.AddTool(ToolCancelBooking, h.HandleCancelBooking)
	s.AddTool(ToolDisputeBooking, h.HandleDisputeBooking)

	return s
}
