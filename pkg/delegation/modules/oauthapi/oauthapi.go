// Package oauthapi is a reference delegation module that calls a
// downstream REST API on the session's behalf, using an RFC 8693
// token-exchanged bearer token. It is the most fully backed of the
// three reference modules: it exercises the gateway's own
// pkg/core/tokenexchange service rather than inventing a second token
// acquisition path, mirroring the teacher's upstreamswap/idptokenswap
// pattern of re-using the already-validated auth stack downstream.
package oauthapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/gwerrors"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/idp"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/session"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/tokenexchange"
	"github.com/stacklok/mcp-delegation-gateway/pkg/delegation"
)

// Config is this module's initialize(cfg) payload.
type Config struct {
	BaseURL  string
	Audience string
}

// Module implements delegation.Module over a downstream HTTP API
// reached with a token-exchanged bearer token.
type Module struct {
	exchange   *tokenexchange.Service
	idpCfg     *idp.Config
	httpClient *http.Client
	cfg        Config
}

// New builds a Module. exchange performs the RFC 8693 exchange and
// owns its own cache-check-first/store-after behavior; idpCfg supplies
// the IDP's TokenExchangeConfig.
func New(exchange *tokenexchange.Service, idpCfg *idp.Config, httpClient *http.Client) *Module {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Module{exchange: exchange, idpCfg: idpCfg, httpClient: httpClient}
}

// Name implements delegation.Module.
func (*Module) Name() string { return "oauthapi" }

// Type implements delegation.Module.
func (*Module) Type() string { return "oauthapi" }

// Initialize implements delegation.Module.
func (m *Module) Initialize(_ context.Context, cfg map[string]any) error {
	base, _ := cfg["baseUrl"].(string)
	if base == "" {
		return fmt.Errorf("oauthapi: baseUrl is required")
	}
	audience, _ := cfg["audience"].(string)
	m.cfg = Config{BaseURL: base, Audience: audience}
	return nil
}

// ValidateAccess implements delegation.Module.
func (*Module) ValidateAccess(sess *session.UserSession) bool {
	return sess != nil && !sess.Rejected
}

// HealthCheck implements delegation.Module.
func (m *Module) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// Destroy implements delegation.Module.
func (*Module) Destroy(_ context.Context) error { return nil }

// Delegate implements delegation.Module. action is interpreted as an
// HTTP method+path ("GET /v1/widgets"); params["body"] is JSON-encoded
// as the request body for non-GET methods.
func (m *Module) Delegate(ctx context.Context, sess *session.UserSession, action string, params map[string]any) (delegation.Result[any], error) {
	audience := m.cfg.Audience
	if audience == "" && m.idpCfg != nil && m.idpCfg.TokenExchange != nil {
		audience = m.idpCfg.TokenExchange.Audience
	}

	token, err := m.resolveToken(ctx, sess.SessionID, audience, sess.DelegationToken)
	if err != nil {
		return delegation.Result[any]{
			Success: false,
			Error:   err.Error(),
			AuditTrail: delegation.AuditTrail{Success: false, Action: action, Detail: "token exchange failed"},
		}, nil
	}

	value, status, err := m.call(ctx, token, action, params)
	if err != nil {
		return delegation.Result[any]{
			Success: false,
			Error:   err.Error(),
			AuditTrail: delegation.AuditTrail{Success: false, Action: action, Detail: fmt.Sprintf("status=%d", status)},
		}, nil
	}

	return delegation.Result[any]{
		Success: true,
		Value:   value,
		AuditTrail: delegation.AuditTrail{Success: true, Action: action, Detail: fmt.Sprintf("status=%d", status)},
	}, nil
}

func (m *Module) resolveToken(ctx context.Context, sessionID, audience, subjectToken string) (string, error) {
	if m.idpCfg == nil || m.idpCfg.TokenExchange == nil {
		return "", gwerrors.New(gwerrors.KindConfigurationError, "oauthapi: idp has no tokenExchange configuration")
	}

	result, err := m.exchange.Exchange(ctx, m.idpCfg.TokenExchange, sessionID, audience, subjectToken)
	if err != nil {
		return "", err
	}
	return result.AccessToken, nil
}

func (m *Module) call(ctx context.Context, token, action string, params map[string]any) (any, int, error) {
	method, path := splitAction(action)

	var bodyReader io.Reader
	if body, ok := params["body"]; ok && method != http.MethodGet {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("downstream request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read downstream response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, fmt.Errorf("downstream returned status %d", resp.StatusCode)
	}

	var value any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &value); err != nil {
			value = string(data)
		}
	}
	return value, resp.StatusCode, nil
}

func splitAction(action string) (method, path string) {
	for i := 0; i < len(action); i++ {
		if action[i] == ' ' {
			return action[:i], action[i+1:]
		}
	}
	return http.MethodGet, action
}
