// Package config is the configuration orchestrator spec.md §1 treats as
// an external collaborator: it loads the three top-level sections
// (auth, delegation, mcp) from CONFIG_PATH, resolves ${ENV:VAR_NAME}
// secret indirection, validates the result against an embedded JSON
// Schema with github.com/xeipuuv/gojsonschema, and only then hands a
// typed Config to the rest of the program. Core never re-validates what
// this layer already guaranteed.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/idp"
)

// IDPConfig is the wire shape of one trusted IDP entry, distinct from
// idp.Config so the JSON/YAML field names (lowerCamelCase) stay a
// config-file concern and never leak into the domain type.
type IDPConfig struct {
	Name                  string            `json:"name" yaml:"name"`
	Issuer                string            `json:"issuer" yaml:"issuer"`
	Audience              string            `json:"audience" yaml:"audience"`
	JWKSURI               string            `json:"jwksUri" yaml:"jwksUri"`
	AuthorizationEndpoint string            `json:"authorizationEndpoint,omitempty" yaml:"authorizationEndpoint,omitempty"`
	TokenEndpoint         string            `json:"tokenEndpoint,omitempty" yaml:"tokenEndpoint,omitempty"`
	Algorithms            []string          `json:"algorithms" yaml:"algorithms"`
	ClaimMappings         ClaimMappings     `json:"claimMappings" yaml:"claimMappings"`
	RoleMappings          RoleMappings      `json:"roleMappings" yaml:"roleMappings"`
	Security              SecurityConfig    `json:"security" yaml:"security"`
	TokenExchange         *TokenExchangeCfg `json:"tokenExchange,omitempty" yaml:"tokenExchange,omitempty"`
}

// ClaimMappings mirrors idp.ClaimMappings for JSON/YAML decoding.
type ClaimMappings struct {
	Roles          string            `json:"roles" yaml:"roles"`
	LegacyUsername string            `json:"legacyUsername" yaml:"legacyUsername"`
	UserID         string            `json:"userId" yaml:"userId"`
	Scopes         string            `json:"scopes" yaml:"scopes"`
	CustomClaims   map[string]string `json:"customClaims,omitempty" yaml:"customClaims,omitempty"`
}

// RoleMappings mirrors idp.RoleMappings for JSON/YAML decoding.
type RoleMappings struct {
	Admin       []string `json:"admin" yaml:"admin"`
	User        []string `json:"user" yaml:"user"`
	Guest       []string `json:"guest" yaml:"guest"`
	DefaultRole string   `json:"defaultRole,omitempty" yaml:"defaultRole,omitempty"`
}

// SecurityConfig mirrors idp.SecurityConfig for JSON/YAML decoding.
type SecurityConfig struct {
	ClockToleranceSec int  `json:"clockToleranceSec,omitempty" yaml:"clockToleranceSec,omitempty"`
	MaxTokenAgeSec    int  `json:"maxTokenAgeSec,omitempty" yaml:"maxTokenAgeSec,omitempty"`
	RequireNbf        bool `json:"requireNbf,omitempty" yaml:"requireNbf,omitempty"`
}

// TokenExchangeCfg mirrors idp.TokenExchangeConfig for JSON/YAML
// decoding. ClientSecret is expected to carry a "${ENV:VAR_NAME}"
// indirection in the file on disk; Load resolves it before this struct
// is unmarshaled into.
type TokenExchangeCfg struct {
	TokenEndpoint string `json:"tokenEndpoint" yaml:"tokenEndpoint"`
	ClientID      string `json:"clientId" yaml:"clientId"`
	ClientSecret  string `json:"clientSecret" yaml:"clientSecret"`
	Audience      string `json:"audience" yaml:"audience"`
	Scope         string `json:"scope,omitempty" yaml:"scope,omitempty"`
	RequiredClaim string `json:"requiredClaim,omitempty" yaml:"requiredClaim,omitempty"`
}

// AuthSection is the top-level "auth" config block.
type AuthSection struct {
	TrustedIDPs  []IDPConfig    `json:"trustedIDPs" yaml:"trustedIDPs"`
	RateLimiting map[string]any `json:"rateLimiting,omitempty" yaml:"rateLimiting,omitempty"`
	Audit        map[string]any `json:"audit,omitempty" yaml:"audit,omitempty"`
}

// DelegationSection is the top-level "delegation" config block. Each
// module's own config stays an opaque map: only the module itself
// (pkg/delegation/modules/...) knows its shape, per the
// delegation.Module.Initialize(ctx, cfg map[string]any) contract.
type DelegationSection struct {
	Modules map[string]map[string]any `json:"modules,omitempty" yaml:"modules,omitempty"`
}

// MCPSection is the top-level "mcp" config block.
type MCPSection struct {
	ServerName string `json:"serverName" yaml:"serverName"`
	Version    string `json:"version" yaml:"version"`
	Transport  string `json:"transport,omitempty" yaml:"transport,omitempty"`
	Port       int    `json:"port,omitempty" yaml:"port,omitempty"`
	ServerURL  string `json:"serverUrl,omitempty" yaml:"serverUrl,omitempty"`
}

// Config is the fully loaded, schema-validated, secret-resolved
// configuration document (spec.md §3 "Configuration (top-level)").
type Config struct {
	Auth       AuthSection       `json:"auth" yaml:"auth"`
	Delegation DelegationSection `json:"delegation,omitempty" yaml:"delegation,omitempty"`
	MCP        MCPSection        `json:"mcp" yaml:"mcp"`
}

// envRefPattern matches the ${ENV:VAR_NAME} secret indirection syntax.
var envRefPattern = regexp.MustCompile(`\$\{ENV:([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads path (JSON or YAML, by extension), resolves ${ENV:VAR_NAME}
// references against the process environment, validates the result
// against the embedded JSON Schema, and unmarshals it into a Config.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	generic, err := decodeGeneric(path, raw)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	resolved, err := resolveEnvRefs(generic)
	if err != nil {
		return nil, fmt.Errorf("config: resolve env refs: %w", err)
	}

	normalized, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("config: normalize to JSON: %w", err)
	}

	if err := validateSchema(normalized); err != nil {
		return nil, fmt.Errorf("config: schema validation failed: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(normalized, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// decodeGeneric parses raw into a generic map, choosing JSON or YAML by
// file extension; both are accepted because gopkg.in/yaml.v3 already
// decodes plain JSON (a YAML superset), but deciding by extension keeps
// error messages specific to the author's actual format.
func decodeGeneric(path string, raw []byte) (any, error) {
	ext := strings.ToLower(filepath.Ext(path))
	var out any
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
	}
	return normalizeYAMLMaps(out), nil
}

// normalizeYAMLMaps converts the map[string]any / map[any]any shapes
// yaml.v3 can produce into map[string]any recursively, so the rest of
// the pipeline (env-ref resolution, json.Marshal for schema validation)
// only has to handle one map shape.
func normalizeYAMLMaps(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalizeYAMLMaps(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[fmt.Sprint(k)] = normalizeYAMLMaps(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeYAMLMaps(e)
		}
		return out
	default:
		return val
	}
}

// resolveEnvRefs walks v, replacing every string leaf that matches
// ${ENV:VAR_NAME} with the value of that environment variable. Secrets
// (chiefly tokenExchange.clientSecret) are never stored in plaintext in
// the config file; they live only in the process environment.
func resolveEnvRefs(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			r, err := resolveEnvRefs(e)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			r, err := resolveEnvRefs(e)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case string:
		return resolveEnvString(val)
	default:
		return v, nil
	}
}

func resolveEnvString(s string) (string, error) {
	m := envRefPattern.FindStringSubmatch(s)
	if m == nil {
		return s, nil
	}
	name := m[1]
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("referenced environment variable %q is not set", name)
	}
	return envRefPattern.ReplaceAllLiteralString(s, value), nil
}

func validateSchema(document []byte) error {
	schemaLoader := gojsonschema.NewBytesLoader(schemaJSON)
	docLoader := gojsonschema.NewBytesLoader(document)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}

	var messages []string
	for _, e := range result.Errors() {
		messages = append(messages, e.String())
	}
	return fmt.Errorf("%s", strings.Join(messages, "; "))
}

// ApplyEnvOverrides lets SERVER_PORT and SERVER_URL (spec.md §6
// "Environment variables consumed by the boundary, not the core")
// override the mcp.port / mcp.serverUrl values loaded from the config
// file, so a deployment can fix the port without editing the file.
func (c *Config) ApplyEnvOverrides() error {
	if v, ok := os.LookupEnv("SERVER_PORT"); ok && v != "" {
		port, err := parsePort(v)
		if err != nil {
			return fmt.Errorf("config: SERVER_PORT: %w", err)
		}
		c.MCP.Port = port
	}
	if v, ok := os.LookupEnv("SERVER_URL"); ok && v != "" {
		c.MCP.ServerURL = v
	}
	return nil
}

func parsePort(s string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, err
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

// ToIDPConfigs converts the wire-format IDP entries into the domain
// idp.Config values the Core layer consumes.
func (c *Config) ToIDPConfigs() []idp.Config {
	out := make([]idp.Config, 0, len(c.Auth.TrustedIDPs))
	for _, src := range c.Auth.TrustedIDPs {
		algs := make([]idp.Algorithm, 0, len(src.Algorithms))
		for _, a := range src.Algorithms {
			algs = append(algs, idp.Algorithm(a))
		}

		var exchange *idp.TokenExchangeConfig
		if src.TokenExchange != nil {
			exchange = &idp.TokenExchangeConfig{
				TokenEndpoint: src.TokenExchange.TokenEndpoint,
				ClientID:      src.TokenExchange.ClientID,
				ClientSecret:  src.TokenExchange.ClientSecret,
				Audience:      src.TokenExchange.Audience,
				Scope:         src.TokenExchange.Scope,
				RequiredClaim: src.TokenExchange.RequiredClaim,
			}
		}

		out = append(out, idp.Config{
			Name:                  src.Name,
			Issuer:                src.Issuer,
			Audience:              src.Audience,
			JWKSURI:               src.JWKSURI,
			AuthorizationEndpoint: src.AuthorizationEndpoint,
			TokenEndpoint:         src.TokenEndpoint,
			Algorithms:            algs,
			ClaimMappings: idp.ClaimMappings{
				Roles:          src.ClaimMappings.Roles,
				LegacyUsername: src.ClaimMappings.LegacyUsername,
				UserID:         src.ClaimMappings.UserID,
				Scopes:         src.ClaimMappings.Scopes,
				CustomClaims:   src.ClaimMappings.CustomClaims,
			},
			RoleMappings: idp.RoleMappings{
				Admin:       src.RoleMappings.Admin,
				User:        src.RoleMappings.User,
				Guest:       src.RoleMappings.Guest,
				DefaultRole: src.RoleMappings.DefaultRole,
			},
			Security: idp.SecurityConfig{
				ClockToleranceSec: src.Security.ClockToleranceSec,
				MaxTokenAgeSec:    src.Security.MaxTokenAgeSec,
				RequireNbf:        src.Security.RequireNbf,
			},
			TokenExchange: exchange,
		})
	}
	return out
}
