// Package idp holds the set of trusted Identity Provider configurations
// and resolves one by (issuer, audience). This is Component C1.
package idp

import (
	"fmt"
	"sync"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/gwerrors"
)

// Algorithm is a JWS signing algorithm an IDP is willing to accept.
// Only asymmetric algorithms are permitted; HMAC is rejected at
// registration time.
type Algorithm string

// Supported algorithms, per spec.md §3.
const (
	RS256 Algorithm = "RS256"
	RS384 Algorithm = "RS384"
	RS512 Algorithm = "RS512"
	ES256 Algorithm = "ES256"
	ES384 Algorithm = "ES384"
	ES512 Algorithm = "ES512"
)

var validAlgorithms = map[Algorithm]bool{
	RS256: true, RS384: true, RS512: true,
	ES256: true, ES384: true, ES512: true,
}

// ClaimMappings names the JWT claims projected into framework fields.
type ClaimMappings struct {
	Roles           string            `json:"roles"`
	LegacyUsername  string            `json:"legacyUsername"`
	UserID          string            `json:"userId"`
	Scopes          string            `json:"scopes"`
	CustomClaims    map[string]string `json:"customClaims,omitempty"`
}

// RoleMappings configures how raw role claims translate to the
// framework role, per spec.md §3/§4.3.
type RoleMappings struct {
	Admin       []string `json:"admin"`
	User        []string `json:"user"`
	Guest       []string `json:"guest"`
	DefaultRole string   `json:"defaultRole,omitempty"`
}

// SecurityConfig holds optional clock-skew and token-age policy.
type SecurityConfig struct {
	ClockToleranceSec int  `json:"clockToleranceSec,omitempty"`
	MaxTokenAgeSec    int  `json:"maxTokenAgeSec,omitempty"`
	RequireNbf        bool `json:"requireNbf,omitempty"`
}

// Default security values, per spec.md §3.
const (
	DefaultClockToleranceSec = 60
	DefaultMaxTokenAgeSec    = 3600
)

// ClockTolerance returns the configured clock tolerance, or the default.
func (s SecurityConfig) ClockTolerance() int {
	if s.ClockToleranceSec > 0 {
		return s.ClockToleranceSec
	}
	return DefaultClockToleranceSec
}

// MaxTokenAge returns the configured max token age, or the default.
func (s SecurityConfig) MaxTokenAge() int {
	if s.MaxTokenAgeSec > 0 {
		return s.MaxTokenAgeSec
	}
	return DefaultMaxTokenAgeSec
}

// TokenExchangeConfig configures the optional RFC 8693 exchange for an
// IDP, per spec.md §3.
type TokenExchangeConfig struct {
	TokenEndpoint string `json:"tokenEndpoint"`
	ClientID      string `json:"clientId"`
	ClientSecret  string `json:"clientSecret"`
	Audience      string `json:"audience"`
	Scope         string `json:"scope,omitempty"`
	RequiredClaim string `json:"requiredClaim,omitempty"`
}

// Config is an immutable, loaded-at-startup IDP configuration.
type Config struct {
	Name          string
	Issuer        string
	Audience      string
	JWKSURI       string
	// AuthorizationEndpoint and TokenEndpoint are advertised verbatim in
	// this gateway's own RFC 8414 authorization-server metadata
	// (spec.md §9); the gateway never calls them itself.
	AuthorizationEndpoint string
	TokenEndpoint         string
	Algorithms            []Algorithm
	ClaimMappings         ClaimMappings
	RoleMappings          RoleMappings
	Security              SecurityConfig
	TokenExchange         *TokenExchangeConfig
}

// Validate checks the invariants spec.md §3 requires of an IDPConfig.
func (c Config) Validate() error {
	if c.Name == "" {
		return gwerrors.New(gwerrors.KindConfigurationError, "idp: name is required")
	}
	if c.Issuer == "" {
		return gwerrors.New(gwerrors.KindConfigurationError, fmt.Sprintf("idp %q: issuer is required", c.Name))
	}
	if c.Audience == "" {
		return gwerrors.New(gwerrors.KindConfigurationError, fmt.Sprintf("idp %q: audience is required", c.Name))
	}
	if c.JWKSURI == "" {
		return gwerrors.New(gwerrors.KindConfigurationError, fmt.Sprintf("idp %q: jwksUri is required", c.Name))
	}
	if len(c.Algorithms) == 0 {
		return gwerrors.New(gwerrors.KindConfigurationError, fmt.Sprintf("idp %q: algorithms must be non-empty", c.Name))
	}
	for _, alg := range c.Algorithms {
		if !validAlgorithms[alg] {
			return gwerrors.New(gwerrors.KindConfigurationError,
				fmt.Sprintf("idp %q: algorithm %q is not permitted (HMAC and unknown algorithms are rejected)", c.Name, alg))
		}
	}
	return nil
}

// AllowsAlgorithm reports whether alg is in this IDP's whitelist.
func (c Config) AllowsAlgorithm(alg string) bool {
	for _, a := range c.Algorithms {
		if string(a) == alg {
			return true
		}
	}
	return false
}

// key is the registry's sole selection key: (issuer, audience).
type key struct {
	issuer   string
	audience string
}

// Registry holds the set of trusted IDP configurations. It is built
// once at startup and is safe for concurrent read-only use afterward;
// the mutex exists only to guard the construction window.
type Registry struct {
	mu   sync.RWMutex
	byID map[key]*Config
	all  []*Config
}

// NewRegistry builds a Registry from the given configs. Each config is
// validated; (issuer, audience) must be unique across the set.
func NewRegistry(configs []Config) (*Registry, error) {
	if len(configs) == 0 {
		return nil, gwerrors.New(gwerrors.KindConfigurationError, "at least one trusted IDP is required")
	}

	r := &Registry{byID: make(map[key]*Config, len(configs))}
	for i := range configs {
		cfg := configs[i]
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		k := key{issuer: cfg.Issuer, audience: cfg.Audience}
		if _, exists := r.byID[k]; exists {
			return nil, gwerrors.New(gwerrors.KindConfigurationError,
				fmt.Sprintf("duplicate idp for issuer=%q audience=%q", cfg.Issuer, cfg.Audience))
		}
		r.byID[k] = &cfg
		r.all = append(r.all, &cfg)
	}
	return r, nil
}

// ErrNoTrustedIDP is returned when no IDP matches the given issuer and
// audience.
var ErrNoTrustedIDP = gwerrors.New(gwerrors.KindUntrustedIssuer, "no trusted IDP matches the given issuer/audience")

// FindIDP resolves the IDP for (issuer, audience). audiences may be one
// or many JWT `aud` values; a match against any of them is sufficient.
func (r *Registry) FindIDP(issuer string, audiences []string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, aud := range audiences {
		if cfg, ok := r.byID[key{issuer: issuer, audience: aud}]; ok {
			return cfg, nil
		}
	}
	return nil, ErrNoTrustedIDP
}

// Primary returns the first configured IDP, used to mirror
// authorization-server metadata (spec.md §9 Open Question resolution:
// aggregate all IDPs in protected-resource metadata, but mirror only
// the primary IDP's endpoints for authorization-server metadata).
func (r *Registry) Primary() (*Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.all) == 0 {
		return nil, false
	}
	return r.all[0], true
}

// All returns every registered IDP, in registration order.
func (r *Registry) All() []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Config, len(r.all))
	copy(out, r.all)
	return out
}
