package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-delegation-gateway/internal/config"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/idp"
)

func TestServerPort_DefaultsTo8443WhenUnset(t *testing.T) {
	cfg := &config.Config{}
	assert.Equal(t, 8443, serverPort(cfg))
}

func TestServerPort_HonorsConfiguredValue(t *testing.T) {
	cfg := &config.Config{}
	cfg.MCP.Port = 9000
	assert.Equal(t, 9000, serverPort(cfg))
}

func TestFindIDP_ReturnsMatchingEntryByName(t *testing.T) {
	registry, err := idp.NewRegistry([]idp.Config{
		{
			Name: "primary", Issuer: "https://idp-a.example.com/", Audience: "gw",
			JWKSURI: "https://idp-a.example.com/jwks.json", Algorithms: []idp.Algorithm{idp.RS256},
			RoleMappings: idp.RoleMappings{Admin: []string{"a"}, User: []string{"u"}, Guest: []string{"g"}},
		},
		{
			Name: "secondary", Issuer: "https://idp-b.example.com/", Audience: "gw",
			JWKSURI: "https://idp-b.example.com/jwks.json", Algorithms: []idp.Algorithm{idp.RS256},
			RoleMappings: idp.RoleMappings{Admin: []string{"a"}, User: []string{"u"}, Guest: []string{"g"}},
		},
	})
	require.NoError(t, err)

	found := findIDP(registry, "secondary")
	require.NotNil(t, found)
	assert.Equal(t, "https://idp-b.example.com/", found.Issuer)

	assert.Nil(t, findIDP(registry, "no-such-idp"))
}

func TestToolSpecFor_UsesRegistryNameAsModuleAndDefaultsDescription(t *testing.T) {
	spec := toolSpecFor("widgets", "oauthapi", map[string]any{"requiredRole": "user"})
	assert.Equal(t, "widgets", spec.Name)
	assert.Equal(t, "oauthapi", spec.Module)
	assert.Equal(t, "user", spec.RequiredRole)
	assert.Contains(t, spec.Description, "oauthapi")
	assert.Contains(t, spec.InputSchema.Required, "action")
}

func TestToolSpecFor_HonorsExplicitDescription(t *testing.T) {
	spec := toolSpecFor("widgets", "oauthapi", map[string]any{"description": "Manage widgets"})
	assert.Equal(t, "Manage widgets", spec.Description)
}
