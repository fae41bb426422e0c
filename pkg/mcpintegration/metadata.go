package mcpintegration

import (
	"encoding/json"
	"net/http"

	"github.com/stacklok/mcp-delegation-gateway/internal/logger"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/idp"
)

// WellKnownProtectedResourcePath is the RFC 9728 standard path for OAuth
// Protected Resource metadata.
const WellKnownProtectedResourcePath = "/.well-known/oauth-protected-resource"

// WellKnownAuthorizationServerPath is the RFC 8414 standard path for
// Authorization Server metadata.
const WellKnownAuthorizationServerPath = "/.well-known/oauth-authorization-server"

// protectedResourceMetadata is the RFC 9728 response shape. Unlike the
// teacher's single-IDP RFC9728AuthInfo, this aggregates every trusted
// IDP into authorization_servers and unions every IDP's scopes, since
// this gateway is a resource server for more than one issuer
// (spec.md §9 Open Question resolution).
type protectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	JWKSURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported"`
}

// authorizationServerMetadata is the RFC 8414 response shape, mirroring
// only the primary IDP (the first configured one) since the protocol
// models one authorization server per metadata document.
type authorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                     string   `json:"token_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
}

// MetadataHandlers serves the two RFC discovery documents a Bearer
// client needs to locate and use this gateway's trusted IDPs: the
// per-resource metadata (RFC 9728) and the per-authorization-server
// metadata (RFC 8414). Both must be reachable without authentication
// (spec.md §6).
type MetadataHandlers struct {
	Registry    *idp.Registry
	ResourceURL string
}

// NewMetadataHandlers builds a MetadataHandlers over registry, advertising
// resourceURL as the protected resource identifier.
func NewMetadataHandlers(registry *idp.Registry, resourceURL string) *MetadataHandlers {
	return &MetadataHandlers{Registry: registry, ResourceURL: resourceURL}
}

// ProtectedResource serves RFC 9728 Protected Resource metadata,
// aggregating every trusted IDP's issuer and the union of their scopes.
func (h *MetadataHandlers) ProtectedResource(w http.ResponseWriter, r *http.Request) {
	setDiscoveryCORSHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if h.ResourceURL == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	configs := h.Registry.All()
	issuers := make([]string, 0, len(configs))
	scopeSet := make(map[string]struct{})
	var jwksURI string
	for _, cfg := range configs {
		issuers = append(issuers, cfg.Issuer)
		if jwksURI == "" {
			jwksURI = cfg.JWKSURI
		}
		for _, scope := range scopesFromRoleMappings(cfg) {
			scopeSet[scope] = struct{}{}
		}
	}

	scopes := make([]string, 0, len(scopeSet))
	for scope := range scopeSet {
		scopes = append(scopes, scope)
	}
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}

	meta := protectedResourceMetadata{
		Resource:               h.ResourceURL,
		AuthorizationServers:   issuers,
		BearerMethodsSupported: []string{"header"},
		JWKSURI:                jwksURI,
		ScopesSupported:        scopes,
	}
	writeJSON(w, meta)
}

// AuthorizationServer serves RFC 8414 Authorization Server metadata,
// mirroring the primary trusted IDP's endpoints.
func (h *MetadataHandlers) AuthorizationServer(w http.ResponseWriter, r *http.Request) {
	setDiscoveryCORSHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	primary, ok := h.Registry.Primary()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	meta := authorizationServerMetadata{
		Issuer:                            primary.Issuer,
		AuthorizationEndpoint:             primary.AuthorizationEndpoint,
		TokenEndpoint:                     primary.TokenEndpoint,
		JWKSURI:                           primary.JWKSURI,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "urn:ietf:params:oauth:grant-type:token-exchange"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		ScopesSupported:                   scopesFromRoleMappings(primary),
	}
	writeJSON(w, meta)
}

// scopesFromRoleMappings derives a scope list from the role names an
// IDP maps into admin/user/guest; there is no separate scopes registry
// in this gateway, so the role vocabulary doubles as the scope
// vocabulary advertised to clients.
func scopesFromRoleMappings(cfg *idp.Config) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(names []string) {
		for _, n := range names {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	add(cfg.RoleMappings.Admin)
	add(cfg.RoleMappings.User)
	add(cfg.RoleMappings.Guest)
	return out
}

func setDiscoveryCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "mcp-protocol-version, Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("mcpintegration: failed to encode discovery response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
