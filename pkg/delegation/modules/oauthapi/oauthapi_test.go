package oauthapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/idp"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/session"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/tokencache"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/tokenexchange"
)

const testSessionID = "11111111-1111-4111-8111-111111111111"

func TestName_AndType(t *testing.T) {
	m := New(nil, nil, nil)
	assert.Equal(t, "oauthapi", m.Name())
	assert.Equal(t, "oauthapi", m.Type())
}

func TestInitialize_RequiresBaseURL(t *testing.T) {
	m := New(nil, nil, nil)
	assert.Error(t, m.Initialize(context.Background(), map[string]any{}))
}

func TestInitialize_Success(t *testing.T) {
	m := New(nil, nil, nil)
	require.NoError(t, m.Initialize(context.Background(), map[string]any{"baseUrl": "https://api.example.com", "audience": "widgets-api"}))
	assert.Equal(t, "https://api.example.com", m.cfg.BaseURL)
	assert.Equal(t, "widgets-api", m.cfg.Audience)
}

func TestValidateAccess(t *testing.T) {
	m := New(nil, nil, nil)
	assert.True(t, m.ValidateAccess(&session.UserSession{}))
	assert.False(t, m.ValidateAccess(&session.UserSession{Rejected: true}))
	assert.False(t, m.ValidateAccess(nil))
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := New(nil, nil, nil)
	require.NoError(t, m.Initialize(context.Background(), map[string]any{"baseUrl": srv.URL}))
	assert.True(t, m.HealthCheck(context.Background()))
}

func TestSplitAction(t *testing.T) {
	method, path := splitAction("GET /v1/widgets")
	assert.Equal(t, "GET", method)
	assert.Equal(t, "/v1/widgets", path)

	method, path = splitAction("/v1/widgets")
	assert.Equal(t, http.MethodGet, method)
	assert.Equal(t, "/v1/widgets", path)
}

func TestDelegate_UsesCachedTokenWhenPresent(t *testing.T) {
	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	cache := tokencache.New()
	defer cache.Close()
	require.NoError(t, cache.Set(testSessionID, "widgets-api", "cached-token"))

	exchange := tokenexchange.NewService(nil, cache)
	m := New(exchange, &idp.Config{TokenExchange: &idp.TokenExchangeConfig{Audience: "widgets-api"}}, nil)
	require.NoError(t, m.Initialize(context.Background(), map[string]any{"baseUrl": srv.URL, "audience": "widgets-api"}))

	sess := &session.UserSession{SessionID: testSessionID}
	result, err := m.Delegate(context.Background(), sess, "GET /v1/widgets", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "Bearer cached-token", sawAuth)
}

func TestDelegate_ExchangesTokenWhenNotCached(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer exchanged-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer downstream.Close()

	idpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":      "exchanged-token",
			"issued_token_type": "urn:ietf:params:oauth:token-type:access_token",
		})
	}))
	defer idpSrv.Close()

	cache := tokencache.New()
	defer cache.Close()
	exchange := tokenexchange.NewService(nil, cache)
	idpCfg := &idp.Config{
		Name: "primary",
		TokenExchange: &idp.TokenExchangeConfig{
			TokenEndpoint: idpSrv.URL,
			Audience:      "widgets-api",
		},
	}

	m := New(exchange, idpCfg, nil)
	require.NoError(t, m.Initialize(context.Background(), map[string]any{"baseUrl": downstream.URL}))

	sess := &session.UserSession{SessionID: testSessionID, DelegationToken: "subject-token"}
	result, err := m.Delegate(context.Background(), sess, "GET /v1/widgets", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)

	cached, ok := cache.Get(testSessionID, "widgets-api")
	require.True(t, ok)
	assert.Equal(t, "exchanged-token", cached)
}

func TestDelegate_NoTokenExchangeConfigFails(t *testing.T) {
	m := New(nil, nil, nil)
	require.NoError(t, m.Initialize(context.Background(), map[string]any{"baseUrl": "https://api.example.com"}))

	sess := &session.UserSession{SessionID: testSessionID}
	result, err := m.Delegate(context.Background(), sess, "GET /v1/widgets", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}
