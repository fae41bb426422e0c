package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/stacklok/mcp-delegation-gateway/internal/config"
	"github.com/stacklok/mcp-delegation-gateway/internal/logger"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/corectx"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/idp"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/tokencache"
	"github.com/stacklok/mcp-delegation-gateway/pkg/delegation/modules/oauthapi"
	"github.com/stacklok/mcp-delegation-gateway/pkg/mcpintegration"
)

var configPathFlag string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the delegation gateway's MCP HTTP server",
		RunE:  serveCmdFunc,
	}
	cmd.Flags().StringVar(&configPathFlag, "config", "", "Path to config file (default: $CONFIG_PATH)")
	return cmd
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	path := configPathFlag
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		return fmt.Errorf("serve: no config file: set --config or CONFIG_PATH")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("serve: load config: %w", err)
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return fmt.Errorf("serve: apply env overrides: %w", err)
	}

	core, err := corectx.Build(ctx, corectx.Options{
		IDPConfigs: cfg.ToIDPConfigs(),
		CacheOpts:  []tokencache.Option{},
	})
	if err != nil {
		return fmt.Errorf("serve: build core: %w", err)
	}
	defer core.Close()

	specs := registerDelegationModules(core, cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("serve: received shutdown signal")
		cancel()
	}()

	addr := fmt.Sprintf(":%d", serverPort(cfg))
	serverCfg := mcpintegration.ServerConfig{
		Addr:        addr,
		Name:        cfg.MCP.ServerName,
		Version:     cfg.MCP.Version,
		ResourceURL: cfg.MCP.ServerURL,
		Specs:       specs,
	}

	if err := mcpintegration.Serve(ctx, core, serverCfg); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func serverPort(cfg *config.Config) int {
	if cfg.MCP.Port != 0 {
		return cfg.MCP.Port
	}
	return 8443
}

// registerDelegationModules wires every configured delegation module
// that this generic launcher knows how to construct without an
// operator-supplied backend. sqlserver and kerberos implement the
// delegation.Module contract but need a live Backend (a SQL Server
// connection, a Kerberos KDC client) that spec.md §1 explicitly places
// out of this system's scope; operators needing those modules build
// their own main that supplies a concrete Backend and calls
// core.Delegation.Register directly. oauthapi needs nothing beyond the
// services corectx already built, so it is always available.
func registerDelegationModules(core *corectx.Context, cfg *config.Config) []mcpintegration.ToolSpec {
	var specs []mcpintegration.ToolSpec

	for name, modCfg := range cfg.Delegation.Modules {
		moduleType, _ := modCfg["type"].(string)
		switch moduleType {
		case "oauthapi":
			idpName, _ := modCfg["idp"].(string)
			idpCfg := findIDP(core.IDPRegistry, idpName)
			if idpCfg == nil {
				logger.Warnf("serve: delegation module %q: idp %q not found, skipping", name, idpName)
				continue
			}
			mod := oauthapi.New(core.TokenExchange, idpCfg, nil)
			if err := mod.Initialize(context.Background(), modCfg); err != nil {
				logger.Warnf("serve: delegation module %q: initialize failed: %v", name, err)
				continue
			}
			core.Delegation.Register(mod)
			specs = append(specs, toolSpecFor(name, mod.Name(), modCfg))
		case "sqlserver", "kerberos":
			logger.Warnf("serve: delegation module %q of type %q requires an operator-supplied backend; not auto-registered by this launcher", name, moduleType)
		default:
			logger.Warnf("serve: delegation module %q has unknown type %q, skipping", name, moduleType)
		}
	}

	return specs
}

func findIDP(registry *idp.Registry, name string) *idp.Config {
	for _, cfg := range registry.All() {
		if cfg.Name == name {
			return cfg
		}
	}
	return nil
}

// toolSpecFor builds the generic passthrough tool exposed for every
// delegation module: the LLM supplies an "action" string and an "args"
// object, which the Tool Dispatcher routes straight to the module.
// toolName is the tool's public, config-chosen name; registryName is
// the delegation.Module's own Name(), the registry's actual lookup key
// (spec.md §3 DelegationResult: dispatch is by the module's identity,
// not by an arbitrary config label).
func toolSpecFor(toolName, registryName string, modCfg map[string]any) mcpintegration.ToolSpec {
	requiredRole, _ := modCfg["requiredRole"].(string)
	description, _ := modCfg["description"].(string)
	if description == "" {
		description = fmt.Sprintf("Invoke the %q delegation module under the caller's identity", registryName)
	}

	return mcpintegration.ToolSpec{
		Name:         toolName,
		Description:  description,
		Module:       registryName,
		RequiredRole: requiredRole,
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"action": map[string]any{
					"type":        "string",
					"description": "The backend action to perform",
				},
				"args": map[string]any{
					"type":        "object",
					"description": "Arguments for the action",
				},
			},
			Required: []string{"action"},
		},
	}
}
