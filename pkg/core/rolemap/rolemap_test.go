package rolemap

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/idp"
)

func cfg() idp.RoleMappings {
	return idp.RoleMappings{
		Admin: []string{"gateway-admin"},
		User:  []string{"gateway-user"},
		Guest: []string{"gateway-guest"},
	}
}

func TestMap_TieBreakOrder(t *testing.T) {
	result := Map([]string{"gateway-guest", "gateway-user", "gateway-admin"}, cfg(), nil)
	assert.Equal(t, RoleAdmin, result.Primary)
	assert.False(t, result.MappingFailed)
}

func TestMap_UserBeforeGuest(t *testing.T) {
	result := Map([]string{"gateway-guest", "gateway-user"}, cfg(), nil)
	assert.Equal(t, RoleUser, result.Primary)
}

func TestMap_NoMatchFallsBackToDefaultRole(t *testing.T) {
	c := cfg()
	c.DefaultRole = "guest"
	result := Map([]string{"nobody"}, c, nil)
	assert.Equal(t, RoleGuest, result.Primary)
}

func TestMap_NoMatchNoDefaultIsUnassigned(t *testing.T) {
	result := Map([]string{"nobody"}, cfg(), nil)
	assert.Equal(t, RoleUnassigned, result.Primary)
}

func TestMap_CaseSensitive(t *testing.T) {
	result := Map([]string{"GATEWAY-ADMIN"}, cfg(), nil)
	assert.Equal(t, RoleUnassigned, result.Primary)
}

func TestMap_CustomRolesFilteredByPattern(t *testing.T) {
	patterns := []*regexp.Regexp{regexp.MustCompile(`^custom:`)}
	result := Map([]string{"gateway-user", "custom:billing", "custom:reports", "irrelevant"}, cfg(), patterns)
	assert.Equal(t, RoleUser, result.Primary)
	assert.ElementsMatch(t, []string{"custom:billing", "custom:reports"}, result.Custom)
}

func TestMap_CustomRolesDedupedWhenNoPatterns(t *testing.T) {
	result := Map([]string{"a", "b", "a"}, cfg(), nil)
	assert.Equal(t, []string{"a", "b"}, result.Custom)
}

func TestMap_EmptyRoleBucketNeverMatches(t *testing.T) {
	c := idp.RoleMappings{}
	result := Map([]string{""}, c, nil)
	assert.Equal(t, RoleUnassigned, result.Primary)
}
