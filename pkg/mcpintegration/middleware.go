// Package mcpintegration wires the Core authentication/authorization
// pipeline to an HTTP transport carrying the Model Context Protocol,
// built on github.com/mark3labs/mcp-go. This is the MCP Integration
// layer: it imports Core and Delegation, never the reverse
// (spec.md §9).
package mcpintegration

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/stacklok/mcp-delegation-gateway/internal/logger"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/authn"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/gwerrors"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/session"
)

// mcpSessionIDHeader is the MCP transport's session header. Its value
// is the stable identifier this gateway keys the delegation token
// cache on, instead of minting a new one per request.
const mcpSessionIDHeader = "Mcp-Session-Id"

// sessionContextKey is an unexported type to avoid context key
// collisions, mirroring the teacher's ClaimsContextKey pattern
// (pkg/auth/token.go).
type sessionContextKey struct{}

// SessionFromContext returns the authenticated session stashed in ctx
// by Middleware, if any.
func SessionFromContext(ctx context.Context) (*session.UserSession, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(*session.UserSession)
	return sess, ok
}

// Middleware is Auth Middleware M (spec.md §4.9): it extracts the
// bearer token and the Mcp-Session-Id header (minting and echoing one
// back when the client didn't send it), runs Authentication Service A,
// performs the dual rejection check, and stashes the resulting session
// in the request context for downstream handlers.
type Middleware struct {
	Auth          *authn.Service
	ResourceURL   string // advertised in WWW-Authenticate's resource_metadata
}

// NewMiddleware builds a Middleware.
func NewMiddleware(auth *authn.Service, resourceURL string) *Middleware {
	return &Middleware{Auth: auth, ResourceURL: resourceURL}
}

// Wrap returns an http.Handler that authenticates every request before
// delegating to next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r)
		if err != nil {
			m.writeUnauthorized(w, gwerrors.New(gwerrors.KindMissingToken, err.Error()))
			return
		}

		sessionID := r.Header.Get(mcpSessionIDHeader)
		generated := sessionID == ""
		if generated {
			sessionID = uuid.NewString()
		}

		result, err := m.Auth.Authenticate(r.Context(), token, sessionID)
		if err != nil {
			m.writeUnauthorized(w, err)
			return
		}

		if generated {
			w.Header().Set(mcpSessionIDHeader, sessionID)
		}

		// Dual rejection check (spec.md §4.9): both the pipeline result
		// and the session it produced must agree the caller is rejected.
		if result.Rejected || result.Session.Rejected {
			logger.Warnf("mcpintegration: rejecting session %s: %s", result.Session.SessionID, result.RejectionReason)
			writeJSONError(w, http.StatusForbidden, gwerrors.KindUnassignedRole, result.RejectionReason)
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey{}, result.Session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("Authorization header required")
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("Invalid Authorization header format")
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", fmt.Errorf("Authorization header required")
	}
	return token, nil
}

// writeUnauthorized maps err to a 401, or whatever status gwerrors
// assigns it, setting WWW-Authenticate exactly when the error kind
// requires it (spec.md §6).
func (m *Middleware) writeUnauthorized(w http.ResponseWriter, err error) {
	if gwerrors.RequiresWWWAuthenticate(err) {
		w.Header().Set("WWW-Authenticate", m.buildWWWAuthenticate(err))
	}
	writeJSONError(w, gwerrors.Code(err), gwerrors.KindOf(err), ensureDetectionKeyword(err.Error()))
}

func (m *Middleware) buildWWWAuthenticate(err error) string {
	parts := []string{`error="invalid_token"`}
	if m.ResourceURL != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s/.well-known/oauth-protected-resource"`, m.ResourceURL))
	}
	if ge, ok := err.(interface{ Error() string }); ok {
		parts = append(parts, fmt.Sprintf(`error_description="%s"`, escapeQuotes(ge.Error())))
	}
	return "Bearer " + strings.Join(parts, ", ")
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
