package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the workspace-mcp gateway
var rootCmd = &cobra.Command{
	Use:   "workspace-mcp",
	Short: "MCP gateway for Google Workspace",
	Long: `workspace-mcp exposes Google Workspace (Calendar, Drive, Gmail, Forms)
to MCP clients over HTTP.

It terminates OAuth 2.1 with PKCE for MCP clients, keeps sessions and
bearer tokens in a shared key-value store, and guards every upstream
Workspace call with a circuit breaker.`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "workspace-mcp version %s\n" .Version}}`)

	// If no subcommand is provided, run the serve command by default
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}
