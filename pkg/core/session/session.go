// Package session constructs and migrates UserSession records. This is
// Component C4. A session is immutable once created; authority is
// derived entirely from role/customRoles, never from a stored
// permission list (the "zero-default permission policy", spec.md
// §4.4).
package session

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/rolemap"
)

// CurrentVersion is the schema version stamped on newly created
// sessions.
const CurrentVersion = 1

// UserSession is an immutable, per-request authorization record.
type UserSession struct {
	Version         int            `json:"_version"`
	SessionID       string         `json:"sessionId"`
	UserID          string         `json:"userId"`
	Username        string         `json:"username"`
	LegacyUsername  string         `json:"legacyUsername,omitempty"`
	Role            rolemap.Role   `json:"role"`
	CustomRoles      []string       `json:"customRoles,omitempty"`
	Scopes          []string       `json:"scopes,omitempty"`
	Claims          map[string]any `json:"claims"`
	CustomClaims    map[string]any `json:"customClaims,omitempty"`
	DelegationToken string         `json:"delegationToken,omitempty"`
	Rejected        bool           `json:"rejected"`
}

// String redacts the delegation token and raw claims to avoid leaking
// tokens through logs, mirroring the teacher's Identity.String()
// pattern (pkg/auth/identity.go).
func (s *UserSession) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("UserSession{SessionID:%q, UserID:%q, Role:%q, Rejected:%v}",
		s.SessionID, s.UserID, s.Role, s.Rejected)
}

// MarshalJSON redacts the delegation token when a session is
// serialized for logging or audit purposes.
func (s *UserSession) MarshalJSON() ([]byte, error) {
	type safe UserSession
	cp := safe(*s)
	if cp.DelegationToken != "" {
		cp.DelegationToken = "REDACTED"
	}
	return json.Marshal(cp)
}

// CreateParams bundles the inputs to Create.
type CreateParams struct {
	JWTPayload        map[string]any
	RoleResult        rolemap.Result
	RequestorToken    string
	DelegationToken   string
	DelegationClaims  map[string]any
	UserID            string
	Username          string
	Scopes            []string
	// SessionID is the stable id supplied by the transport (the
	// Mcp-Session-Id header). When empty, Create mints a fresh UUIDv4,
	// which is only correct for transports that never re-present a
	// session id across requests.
	SessionID string
}

// Create builds a new, immutable UserSession per the derivation rules
// in spec.md §4.4.
func Create(p CreateParams) *UserSession {
	legacy := stringClaim(p.DelegationClaims, "legacy_name")
	if legacy == "" {
		legacy = stringClaim(p.JWTPayload, "legacy_sam_account")
	}

	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	return &UserSession{
		Version:         CurrentVersion,
		SessionID:       sessionID,
		UserID:          p.UserID,
		Username:        p.Username,
		LegacyUsername:  legacy,
		Role:            p.RoleResult.Primary,
		CustomRoles:     p.RoleResult.Custom,
		Scopes:          p.Scopes,
		Claims:          p.JWTPayload,
		CustomClaims:    p.DelegationClaims,
		DelegationToken: p.DelegationToken,
		Rejected:        p.RoleResult.Primary == rolemap.RoleUnassigned,
	}
}

func stringClaim(claims map[string]any, key string) string {
	if claims == nil {
		return ""
	}
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// Migrate backfills missing fields on a raw, possibly-older-schema
// session. Unknown higher versions are accepted as-is, and _version < 1
// is upgraded to CurrentVersion (spec.md §4.4). It returns an error only
// when raw cannot be re-encoded or decoded into a UserSession.
func Migrate(raw map[string]any) (*UserSession, error) {
	version := 0
	if v, ok := raw["_version"]; ok {
		version = toInt(v)
	}

	// Drop any stray "permissions" field a legacy serialized session
	// might carry: this system carries no server-side permission list.
	delete(raw, "permissions")

	if version < 1 {
		raw["_version"] = CurrentVersion
		role, _ := raw["role"].(string)
		raw["rejected"] = rolemap.Role(role) == rolemap.RoleUnassigned
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("session: migrate: re-encode raw session: %w", err)
	}

	var s UserSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session: migrate: decode session: %w", err)
	}
	return &s, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
