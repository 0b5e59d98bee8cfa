// Package cmd contains the CLI commands for the workspace-mcp gateway.
package cmd
