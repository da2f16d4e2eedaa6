// Rentescrow MCP Server - exposes the booking API as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/rentescrow/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("RENTESCROW_API_URL", "http://localhost:8080"),
		Token:   os.Getenv("RENTESCROW_TOKEN"),
		Address: os.Getenv("RENTESCROW_ADDRESS"),
	}

	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "RENTESCROW_TOKEN is required")
		os.Exit(1)
	}
	if cfg.Address == "" {
		fmt.Fprintln(os.Stderr, "RENTESCROW_ADDRESS is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
