package mcpintegration

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/audit"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/corectx"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/rolemap"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/session"
	"github.com/stacklok/mcp-delegation-gateway/pkg/delegation"
)

type stubModule struct {
	name   string
	result delegation.Result[any]
	err    error
}

func (s *stubModule) Name() string { return s.name }
func (s *stubModule) Type() string { return "stub" }
func (s *stubModule) Initialize(context.Context, map[string]any) error { return nil }
func (s *stubModule) Delegate(context.Context, *session.UserSession, string, map[string]any) (delegation.Result[any], error) {
	return s.result, s.err
}
func (s *stubModule) ValidateAccess(*session.UserSession) bool { return true }
func (s *stubModule) HealthCheck(context.Context) bool          { return true }
func (s *stubModule) Destroy(context.Context) error              { return nil }

func newTestDispatcher(mod *stubModule) *Dispatcher {
	reg := delegation.NewRegistry(audit.LoggerSink{})
	reg.Register(mod)
	return NewDispatcher(&corectx.Context{Delegation: reg})
}

func requestWithArgs(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func TestIsVisible_NoRequiredRoleNeedsAnyAuthenticatedSession(t *testing.T) {
	spec := ToolSpec{Name: "widgets"}
	assert.True(t, IsVisible(&session.UserSession{Role: rolemap.RoleGuest}, spec))
	assert.False(t, IsVisible(&session.UserSession{Role: rolemap.RoleUnassigned, Rejected: true}, spec))
}

func TestIsVisible_RequiredRoleMustMatchExactly(t *testing.T) {
	spec := ToolSpec{Name: "admin-widgets", RequiredRole: "admin"}
	assert.True(t, IsVisible(&session.UserSession{Role: rolemap.RoleAdmin}, spec))
	assert.False(t, IsVisible(&session.UserSession{Role: rolemap.RoleUser}, spec))
}

func TestHandlerFor_NoSessionReturnsFailure(t *testing.T) {
	d := newTestDispatcher(&stubModule{name: "oauthapi"})
	handler := d.handlerFor(ToolSpec{Name: "widgets", Module: "oauthapi"})

	result, err := handler(context.Background(), requestWithArgs(nil))
	require.NoError(t, err)
	tr, ok := result.StructuredContent.(toolResult)
	require.True(t, ok)
	assert.Equal(t, "failure", tr.Status)
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", tr.Code)
}

func TestHandlerFor_InsufficientRoleReturnsFailure(t *testing.T) {
	d := newTestDispatcher(&stubModule{name: "oauthapi"})
	handler := d.handlerFor(ToolSpec{Name: "widgets", Module: "oauthapi", RequiredRole: "admin"})

	ctx := context.WithValue(context.Background(), sessionContextKey{}, &session.UserSession{Role: rolemap.RoleUser})
	result, err := handler(ctx, requestWithArgs(nil))
	require.NoError(t, err)
	tr, ok := result.StructuredContent.(toolResult)
	require.True(t, ok)
	assert.Equal(t, "failure", tr.Status)
}

func TestHandlerFor_SuccessfulDelegationReturnsData(t *testing.T) {
	mod := &stubModule{name: "oauthapi", result: delegation.Result[any]{Success: true, Value: map[string]any{"id": 1}}}
	d := newTestDispatcher(mod)
	handler := d.handlerFor(ToolSpec{Name: "widgets", Module: "oauthapi"})

	ctx := context.WithValue(context.Background(), sessionContextKey{}, &session.UserSession{Role: rolemap.RoleUser})
	result, err := handler(ctx, requestWithArgs(map[string]any{"action": "list", "args": map[string]any{"limit": 10}}))
	require.NoError(t, err)
	tr, ok := result.StructuredContent.(toolResult)
	require.True(t, ok)
	assert.Equal(t, "success", tr.Status)
}

func TestHandlerFor_DelegationFailureIsSurfacedAsFailure(t *testing.T) {
	mod := &stubModule{name: "oauthapi", result: delegation.Result[any]{Success: false, Error: "downstream unavailable"}}
	d := newTestDispatcher(mod)
	handler := d.handlerFor(ToolSpec{Name: "widgets", Module: "oauthapi"})

	ctx := context.WithValue(context.Background(), sessionContextKey{}, &session.UserSession{Role: rolemap.RoleUser})
	result, err := handler(ctx, requestWithArgs(nil))
	require.NoError(t, err)
	tr, ok := result.StructuredContent.(toolResult)
	require.True(t, ok)
	assert.Equal(t, "failure", tr.Status)
	assert.Equal(t, "downstream unavailable", tr.Message)
}

func TestDecodeArguments(t *testing.T) {
	req := requestWithArgs(map[string]any{"action": "list"})
	out, err := decodeArguments(req)
	require.NoError(t, err)
	assert.Equal(t, "list", out["action"])
}
