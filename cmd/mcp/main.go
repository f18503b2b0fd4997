// batchload MCP server.
// Exposes run status and history tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/batchload/internal/mcp"
	"github.com/gateway-fm/batchload/internal/storage"
)

func main() {
	baseURL := os.Getenv("BATCHLOAD_URL")
	if baseURL == "" {
		baseURL = "http://localhost:9090"
	}

	s := server.NewMCPServer(
		"batchload",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(baseURL)

	// Read history from the database when it is available locally, so it
	// works after the run has exited.
	var history mcptools.History = mcptools.APIHistory{Client: client}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		store, err := storage.NewSQLiteStore(dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open run history %s: %v\n", dbPath, err)
			os.Exit(1)
		}
		defer store.Close()
		history = mcptools.StoreHistory{Store: store}
	}

	mcptools.RegisterTools(s, client, history)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
