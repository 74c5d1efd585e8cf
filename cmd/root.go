package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the mcphub application.
var rootCmd = &cobra.Command{
	Use:   "mcphub",
	Short: "Connection and session core for remote MCP servers",
	Long: `mcphub maintains OAuth-authenticated connections from a dashboard
to remote MCP servers. It persists per-connection session state in Redis,
completes OAuth 2.1 authorization flows on behalf of the browser, and
rebuilds live connections from stored state on demand.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from main to
// inject the build-time version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcphub version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
