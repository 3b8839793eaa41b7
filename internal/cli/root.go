// Package cli implements the tapguard command-line interface using cobra.
package cli

import (
	"github.com/spf13/cobra"
)

// Execute runs the root command.
func Execute() error {
	return rootCmd().Execute()
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tapguard",
		Short: "Security-scanning wrapper for MCP transports",
		Long: `Tapguard sits between an MCP client and server, scanning every inbound
message for prompt injection and unsafe content before it reaches the
client. Outbound messages pass through untouched.

Unsafe requests are answered with a synthesized block response; unsafe
notifications and responses are dropped. Scan failures are fail-closed:
the triggering message is withheld rather than forwarded unscanned.

Quick start:
  tapguard init > tapguard.yaml
  tapguard check --config tapguard.yaml
  tapguard wrap --config tapguard.yaml -- npx -y @example/mcp-server`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		wrapCmd(),
		checkCmd(),
		initCmd(),
		versionCmd(),
	)

	return cmd
}
