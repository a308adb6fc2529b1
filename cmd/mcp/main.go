// Rideshare MCP server: exposes ride search and booking as MCP tools for LLM assistants.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/rideshare/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL: envOrDefault("RIDESHARE_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("RIDESHARE_TOKEN"),
	}
	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "RIDESHARE_TOKEN is required")
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
