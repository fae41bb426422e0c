// Package corectx assembles every Core component into a single
// dependency container. It is defined in the Core layer and imported
// by the MCP integration layer, never the reverse: Core must never
// import MCP transport types (spec.md §9 architectural rule,
// Core → Delegation → MCP Integration).
package corectx

import (
	"context"
	"fmt"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/audit"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/authn"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/idp"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/jwtvalidate"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/tokencache"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/tokenexchange"
	"github.com/stacklok/mcp-delegation-gateway/pkg/delegation"
)

// Context bundles every Core and Delegation component the MCP
// integration layer needs, so wiring lives in one place instead of
// being threaded through every handler constructor individually.
type Context struct {
	IDPRegistry    *idp.Registry
	Validator      *jwtvalidate.Validator
	TokenExchange  *tokenexchange.Service
	TokenCache     *tokencache.Cache
	AuthnService   *authn.Service
	Delegation     *delegation.Registry
	AuditSink      audit.Sink
}

// Options configures Build.
type Options struct {
	IDPConfigs  []idp.Config
	AuditSink   audit.Sink
	CacheOpts   []tokencache.Option
}

// Build constructs a fully wired Context, in the dependency order C1
// through C7 require: idp registry, then the validator that depends on
// it, then the cache, then the exchange service that wraps the cache,
// then the authn service that composes the validator and exchange
// service, then the delegation registry.
func Build(ctx context.Context, opts Options) (*Context, error) {
	registry, err := idp.NewRegistry(opts.IDPConfigs)
	if err != nil {
		return nil, fmt.Errorf("corectx: build idp registry: %w", err)
	}

	validator, err := jwtvalidate.NewValidator(ctx, registry)
	if err != nil {
		return nil, fmt.Errorf("corectx: build jwt validator: %w", err)
	}

	sink := opts.AuditSink
	if sink == nil {
		sink = audit.LoggerSink{}
	}

	cacheOpts := append([]tokencache.Option{tokencache.WithAuditSink(sink)}, opts.CacheOpts...)
	cache := tokencache.New(cacheOpts...)
	exchange := tokenexchange.NewService(nil, cache)
	authnSvc := authn.NewService(registry, validator, exchange, sink)
	delegationRegistry := delegation.NewRegistry(sink)

	return &Context{
		IDPRegistry:   registry,
		Validator:     validator,
		TokenExchange: exchange,
		TokenCache:    cache,
		AuthnService:  authnSvc,
		Delegation:    delegationRegistry,
		AuditSink:     sink,
	}, nil
}

// Close releases background resources (the token cache sweeper).
func (c *Context) Close() {
	if c.TokenCache != nil {
		c.TokenCache.Close()
	}
}
