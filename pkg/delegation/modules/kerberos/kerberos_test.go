package kerberos

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/session"
	"github.com/stacklok/mcp-delegation-gateway/pkg/delegation/modules/kerberos/mocks"
)

func TestInitialize_RequiresServicePrincipal(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	m := New(mocks.NewMockBackend(ctrl))
	assert.Error(t, m.Initialize(context.Background(), map[string]any{}))
}

func TestInitialize_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	m := New(mocks.NewMockBackend(ctrl))
	require.NoError(t, m.Initialize(context.Background(), map[string]any{"servicePrincipal": "HTTP/api.internal"}))
	assert.Equal(t, "HTTP/api.internal", m.cfg.ServicePrincipal)
}

func TestValidateAccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	m := New(mocks.NewMockBackend(ctrl))
	assert.True(t, m.ValidateAccess(&session.UserSession{UserID: "u1"}))
	assert.False(t, m.ValidateAccess(&session.UserSession{UserID: ""}))
	assert.False(t, m.ValidateAccess(&session.UserSession{UserID: "u1", Rejected: true}))
	assert.False(t, m.ValidateAccess(nil))
}

func TestHealthCheck(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	backend := mocks.NewMockBackend(ctrl)
	m := New(backend)
	require.NoError(t, m.Initialize(context.Background(), map[string]any{"servicePrincipal": "HTTP/api.internal"}))

	backend.EXPECT().ImpersonationTicket(gomock.Any(), "healthcheck", "HTTP/api.internal").Return([]byte("t"), nil)
	assert.True(t, m.HealthCheck(context.Background()))

	backend.EXPECT().ImpersonationTicket(gomock.Any(), "healthcheck", "HTTP/api.internal").Return(nil, errors.New("kdc unreachable"))
	assert.False(t, m.HealthCheck(context.Background()))
}

func TestDelegate_ObtainsTicketAndInvokesDownstream(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	backend := mocks.NewMockBackend(ctrl)
	m := New(backend)
	require.NoError(t, m.Initialize(context.Background(), map[string]any{"servicePrincipal": "HTTP/api.internal"}))

	backend.EXPECT().ImpersonationTicket(gomock.Any(), "u1", "HTTP/api.internal").Return([]byte("ticket-bytes"), nil)
	backend.EXPECT().Invoke(gomock.Any(), "HTTP/api.internal", []byte("ticket-bytes"), "list-widgets", gomock.Any()).
		Return(map[string]any{"ok": true}, nil)

	result, err := m.Delegate(context.Background(), &session.UserSession{UserID: "u1"}, "list-widgets", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestDelegate_TicketFailureShortCircuitsInvoke(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	backend := mocks.NewMockBackend(ctrl)
	m := New(backend)
	require.NoError(t, m.Initialize(context.Background(), map[string]any{"servicePrincipal": "HTTP/api.internal"}))

	backend.EXPECT().ImpersonationTicket(gomock.Any(), "u1", "HTTP/api.internal").Return(nil, errors.New("s4u2self denied"))
	// Invoke must never be called: no .EXPECT() for it means gomock fails the
	// test if Delegate calls it anyway.

	result, err := m.Delegate(context.Background(), &session.UserSession{UserID: "u1"}, "list-widgets", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "s4u2self denied")
}

func TestDelegate_InvokeFailureProducesFailureResult(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	backend := mocks.NewMockBackend(ctrl)
	m := New(backend)
	require.NoError(t, m.Initialize(context.Background(), map[string]any{"servicePrincipal": "HTTP/api.internal"}))

	backend.EXPECT().ImpersonationTicket(gomock.Any(), "u1", "HTTP/api.internal").Return([]byte("ticket-bytes"), nil)
	backend.EXPECT().Invoke(gomock.Any(), "HTTP/api.internal", []byte("ticket-bytes"), "list-widgets", gomock.Any()).
		Return(nil, errors.New("downstream rejected ticket"))

	result, err := m.Delegate(context.Background(), &session.UserSession{UserID: "u1"}, "list-widgets", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "downstream rejected ticket")
}
