package mcpintegration

import (
	"context"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/mcp-delegation-gateway/internal/logger"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/corectx"
)

// ServerConfig configures the assembled HTTP server: where it listens,
// what it calls itself to mcp-go clients, and what resource identifier
// it advertises in discovery metadata and WWW-Authenticate headers.
type ServerConfig struct {
	Addr        string
	Name        string
	Version     string
	ResourceURL string
	Specs       []ToolSpec
}

// BuildHandler assembles the full MCP Integration layer HTTP handler: a
// mux routing the two unauthenticated discovery endpoints, and an
// authenticated /mcp endpoint serving the Streamable HTTP transport
// with every tool in specs registered against it.
//
// The dependency gradient is Core → Delegation → MCP Integration
// (spec.md §9): this function is the only place that wires mcp-go's
// transport types against core.Context, never the reverse.
func BuildHandler(core *corectx.Context, cfg ServerConfig) http.Handler {
	mcpServer := server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	dispatcher := NewDispatcher(core)
	dispatcher.Register(mcpServer, cfg.Specs)

	streamable := server.NewStreamableHTTPServer(
		mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	middleware := NewMiddleware(core.AuthnService, cfg.ResourceURL)
	visibility := visibilityFilterMiddleware(cfg.Specs)

	mux := http.NewServeMux()
	metadata := NewMetadataHandlers(core.IDPRegistry, cfg.ResourceURL)
	mux.HandleFunc(WellKnownProtectedResourcePath, metadata.ProtectedResource)
	mux.HandleFunc(WellKnownAuthorizationServerPath, metadata.AuthorizationServer)
	mux.Handle("/mcp", withCORS(middleware.Wrap(visibility(streamable))))

	return mux
}

// withCORS sets the cross-origin headers MCP Streamable HTTP clients
// need to read session and auth-challenge headers across an origin
// boundary (spec.md §6).
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Mcp-Session-Id, Last-Event-Id")
		w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id, WWW-Authenticate")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Serve starts an http.Server bound to cfg.Addr with the assembled
// handler, returning once ctx is canceled and graceful shutdown
// completes. Mirrors the teacher's mcp_serve.go lifecycle (signal-driven
// cancellation lives in the cmd package; this function only owns the
// listen/shutdown pair).
func Serve(ctx context.Context, core *corectx.Context, cfg ServerConfig) error {
	handler := BuildHandler(core, cfg)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("mcpintegration: listening on http://%s/mcp", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
