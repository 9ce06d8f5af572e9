// Benchmark harness MCP server.
// Exposes the scenario config and recorded results over MCP stdio transport.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/NethermindEth/execution-payloads-benchmarks/internal/mcp"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/results"
)

func main() {
	configFile := os.Getenv("EXPB_CONFIG_FILE")
	if configFile == "" {
		configFile = "scenarios.yaml"
	}

	var store *results.Store
	if dbPath := os.Getenv("EXPB_RESULTS_DB"); dbPath != "" {
		var err error
		store, err = results.Open(dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open results database: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	s := server.NewMCPServer(
		"expb",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	// Stdout carries the MCP transport, so logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	mcptools.RegisterTools(s, mcptools.NewService(configFile, store, logger))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
