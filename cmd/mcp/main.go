// escrowd MCP server - exposes settlement operator tools over stdio
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/digivault/escrowd/internal/mcpserver"
)

var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:     envOrDefault("ESCROWD_API_URL", "http://localhost:8080"),
		CronSecret: os.Getenv("CRON_SECRET"),
		AdminToken: os.Getenv("ESCROWD_ADMIN_TOKEN"),
	}

	if cfg.AdminToken == "" {
		fmt.Fprintln(os.Stderr, "warning: ESCROWD_ADMIN_TOKEN not set, get_transaction will be rejected")
	}

	s := mcpserver.NewMCPServer(cfg, Version)
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
