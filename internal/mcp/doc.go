// Package mcp exposes workflow operations as MCP tools.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and calls the controller directly. Tools: workflow_report,
// workflow_approve and workflow_abort.
package mcp
