package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	mcpserver "github.com/fyrsmithlabs/patchflow/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// mcpCmd serves workflow tools over MCP stdio
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve workflow tools over MCP (stdio)",
	Long: `Serve the workflow_report, workflow_approve and workflow_abort tools to an
MCP client over stdin/stdout. Logs go to stderr.

Example client configuration:
  {"command": "patchflow", "args": ["mcp"]}`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := mcpserver.NewServer(&mcpserver.Config{
		Name:    "patchflow",
		Version: version,
		Logger:  a.logger,
		Meter:   a.tel.Meter(mcpserver.InstrumentationName),
	}, a.ctrl)
	if err != nil {
		return err
	}

	// stdout carries the protocol.
	fmt.Fprintln(os.Stderr, "patchflow MCP server started on stdio")
	return srv.Run(ctx)
}
