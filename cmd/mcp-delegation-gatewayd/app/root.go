// Package app builds the mcp-delegation-gatewayd command tree.
package app

import (
	"github.com/spf13/cobra"

	"github.com/stacklok/mcp-delegation-gateway/internal/logger"
)

// NewRootCmd creates the root command for the gateway daemon.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "mcp-delegation-gatewayd",
		DisableAutoGenTag: true,
		Short:             "OAuth 2.1 resource server and delegation gateway for MCP",
		Long: `mcp-delegation-gatewayd validates bearer JWTs from trusted identity
providers, derives an authenticated session from token claims, exchanges
the caller's token for audience-scoped delegation tokens on demand, and
dispatches authorized MCP tool calls to pluggable delegation modules
that perform the actual backend call under the end user's identity.`,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd())

	return rootCmd
}
