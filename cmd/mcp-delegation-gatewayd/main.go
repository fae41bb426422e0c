// Command mcp-delegation-gatewayd runs the OAuth 2.1 resource server
// and delegation gateway for the Model Context Protocol.
package main

import (
	"fmt"
	"os"

	"github.com/stacklok/mcp-delegation-gateway/cmd/mcp-delegation-gatewayd/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-delegation-gatewayd: %v\n", err)
		os.Exit(1)
	}
}
