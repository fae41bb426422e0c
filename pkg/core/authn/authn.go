// Package authn orchestrates the per-request authentication pipeline:
// JWT validation, role mapping, optional token exchange, and session
// creation. This is Authentication Service A (spec.md §4.8).
package authn

import (
	"context"
	"regexp"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/audit"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/gwerrors"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/idp"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/jwtvalidate"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/rolemap"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/session"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/tokenexchange"
)

// Result is the outcome of authenticating one bearer token.
type Result struct {
	Session         *session.UserSession
	Rejected        bool
	RejectionReason string
}

// Service wires C1-C6 into the pipeline described in spec.md §4.8.
// TokenExchange is optional: when nil, step 3/4 of the pipeline (token
// exchange, TE-JWT re-mapping) is skipped entirely, not merely no-op'd,
// so an IDP without tokenExchange configured never pays for it.
type Service struct {
	Registry       *idp.Registry
	Validator      *jwtvalidate.Validator
	TokenExchange  *tokenexchange.Service
	CustomPatterns []*regexp.Regexp
	Sink           audit.Sink
}

// NewService builds a Service. sink defaults to audit.LoggerSink{}.
func NewService(registry *idp.Registry, validator *jwtvalidate.Validator, exchange *tokenexchange.Service, sink audit.Sink) *Service {
	if sink == nil {
		sink = audit.LoggerSink{}
	}
	return &Service{Registry: registry, Validator: validator, TokenExchange: exchange, Sink: sink}
}

// Authenticate runs the full pipeline for a single bearer token.
// sessionID is the transport's stable session identifier (the
// Mcp-Session-Id header); it is used as the token-exchange cache key
// and stamped onto the resulting session. It never throws on policy
// failures (unassigned role, etc.); it returns an error only for the
// JWT's own cryptographic/time failures or a fatal token-exchange
// failure, per spec.md §4.8.
func (s *Service) Authenticate(ctx context.Context, bearerToken, sessionID string) (*Result, error) {
	validated, err := s.Validator.Validate(ctx, bearerToken)
	if err != nil {
		s.auditFailure(gwerrors.KindOf(err), err.Error())
		return nil, err
	}

	cfg, idpErr := s.findIDPConfigFor(validated)
	roleResult := rolemap.Map(validated.Roles, roleMappingsOrZero(cfg), s.CustomPatterns)

	var teToken *tokenexchange.Token
	effectiveRoles := validated.Roles

	if idpErr == nil && cfg != nil && cfg.TokenExchange != nil && s.TokenExchange != nil {
		teToken, err = s.TokenExchange.Exchange(ctx, cfg.TokenExchange, sessionID, cfg.TokenExchange.Audience, bearerToken)
		if err != nil {
			s.auditFailure(gwerrors.KindTokenExchangeFailed, err.Error())
			return nil, err
		}
		if teRoles, ok := teToken.Claims[cfg.ClaimMappings.Roles]; ok {
			effectiveRoles = toStringSlice(teRoles)
			roleResult = rolemap.Map(effectiveRoles, roleMappingsOrZero(cfg), s.CustomPatterns)
		}
	}

	sess := session.Create(session.CreateParams{
		JWTPayload:       validated.Payload,
		RoleResult:       roleResult,
		RequestorToken:   bearerToken,
		DelegationToken:  teTokenAccess(teToken),
		DelegationClaims: teTokenClaims(teToken),
		UserID:           validated.UserID,
		Username:         validated.LegacyUsername,
		Scopes:           validated.Scopes,
		SessionID:        sessionID,
	})

	result := &Result{
		Session:  sess,
		Rejected: sess.Rejected,
	}
	if sess.Rejected {
		result.RejectionReason = "role is unassigned: no configured admin/user/guest role claim matched"
	}

	s.auditResult(sess, result)
	return result, nil
}

func roleMappingsOrZero(cfg *idp.Config) idp.RoleMappings {
	if cfg == nil {
		return idp.RoleMappings{}
	}
	return cfg.RoleMappings
}

// findIDPConfigFor re-resolves the Config the validator already trusted
// this token against, reading iss/aud back out of the verified
// payload, so role mappings and tokenExchange config don't need a
// second trip through the registry's validation logic.
func (s *Service) findIDPConfigFor(validated *jwtvalidate.Result) (*idp.Config, error) {
	if s.Registry == nil {
		return nil, gwerrors.New(gwerrors.KindConfigurationError, "authn: no idp registry configured")
	}
	iss, _ := validated.Payload["iss"].(string)
	return s.Registry.FindIDP(iss, audiencesFromPayload(validated.Payload))
}

func audiencesFromPayload(payload map[string]any) []string {
	switch v := payload["aud"].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (s *Service) auditFailure(kind gwerrors.Kind, message string) {
	event := audit.New(audit.EventTypeAuthFailure, audit.EventSource{Type: audit.SourceTypeLocal, Value: "auth:service"},
		audit.OutcomeFailure, map[string]string{}, audit.ComponentGateway)
	event.Metadata.Extra = map[string]any{"kind": string(kind), "message": message}
	s.Sink.Emit(event)
}

func (s *Service) auditResult(sess *session.UserSession, result *Result) {
	outcome := audit.OutcomeSuccess
	eventType := audit.EventTypeAuthSuccess
	if result.Rejected {
		outcome = audit.OutcomeDenied
		eventType = audit.EventTypeUnassignedRole
	}
	event := audit.New(eventType, audit.EventSource{Type: audit.SourceTypeLocal, Value: "auth:service"},
		outcome, map[string]string{audit.SubjectKeyUserID: sess.UserID, audit.SubjectKeyRole: string(sess.Role)}, audit.ComponentGateway)
	s.Sink.Emit(event)
}

func teTokenAccess(t *tokenexchange.Token) string {
	if t == nil {
		return ""
	}
	return t.AccessToken
}

func teTokenClaims(t *tokenexchange.Token) map[string]any {
	if t == nil {
		return nil
	}
	return t.Claims
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	default:
		return nil
	}
}
