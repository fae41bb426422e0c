package delegation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/audit"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/rolemap"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/session"
)

type fakeModule struct {
	name          string
	delegateFunc  func(ctx context.Context, sess *session.UserSession, action string, params map[string]any) (Result[any], error)
	validateFunc  func(sess *session.UserSession) bool
	healthy       bool
}

func (f *fakeModule) Name() string { return f.name }
func (f *fakeModule) Type() string { return "fake" }
func (f *fakeModule) Initialize(context.Context, map[string]any) error { return nil }
func (f *fakeModule) Delegate(ctx context.Context, sess *session.UserSession, action string, params map[string]any) (Result[any], error) {
	return f.delegateFunc(ctx, sess, action, params)
}
func (f *fakeModule) ValidateAccess(sess *session.UserSession) bool {
	if f.validateFunc != nil {
		return f.validateFunc(sess)
	}
	return true
}
func (f *fakeModule) HealthCheck(context.Context) bool { return f.healthy }
func (f *fakeModule) Destroy(context.Context) error    { return nil }

type recordingSink struct {
	events []*audit.Event
}

func (r *recordingSink) Emit(e *audit.Event) { r.events = append(r.events, e) }

func adminSession() *session.UserSession {
	return &session.UserSession{UserID: "u1", Role: rolemap.RoleAdmin}
}

func TestRegister_AndGet(t *testing.T) {
	reg := NewRegistry(nil)
	mod := &fakeModule{name: "oauthapi"}
	reg.Register(mod)

	got, ok := reg.Get("oauthapi")
	require.True(t, ok)
	assert.Equal(t, mod, got)
}

func TestRegister_ReplacesExistingName(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&fakeModule{name: "oauthapi"})
	replacement := &fakeModule{name: "oauthapi"}
	reg.Register(replacement)

	got, ok := reg.Get("oauthapi")
	require.True(t, ok)
	assert.Same(t, replacement, got)
}

func TestUnregister(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&fakeModule{name: "oauthapi"})
	reg.Unregister("oauthapi")

	_, ok := reg.Get("oauthapi")
	assert.False(t, ok)
}

func TestList(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&fakeModule{name: "oauthapi"})
	reg.Register(&fakeModule{name: "sqlserver"})
	assert.ElementsMatch(t, []string{"oauthapi", "sqlserver"}, reg.List())
}

func TestDelegate_UnknownModuleReturnsFailureResultAndError(t *testing.T) {
	sink := &recordingSink{}
	reg := NewRegistry(sink)

	result, err := reg.Delegate(context.Background(), "missing", adminSession(), "read", nil)
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, sink.events)
}

func TestDelegate_SuccessfulCallEnrichesAuditTrail(t *testing.T) {
	sink := &recordingSink{}
	reg := NewRegistry(sink)
	mod := &fakeModule{
		name: "oauthapi",
		delegateFunc: func(ctx context.Context, sess *session.UserSession, action string, params map[string]any) (Result[any], error) {
			return Result[any]{Success: true, Value: "ok", AuditTrail: AuditTrail{Success: true}}, nil
		},
	}
	reg.Register(mod)

	result, err := reg.Delegate(context.Background(), "oauthapi", adminSession(), "read", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "u1", result.AuditTrail.UserID)
	assert.Equal(t, true, result.AuditTrail.Extra["moduleReportedSuccess"])
	assert.Equal(t, true, result.AuditTrail.Extra["registryVerifiedSuccess"])
}

func TestDelegate_TrustBoundaryViolationEmitsSecurityEvent(t *testing.T) {
	sink := &recordingSink{}
	reg := NewRegistry(sink)
	mod := &fakeModule{
		name: "oauthapi",
		delegateFunc: func(ctx context.Context, sess *session.UserSession, action string, params map[string]any) (Result[any], error) {
			// Module claims success in its self-reported trail, but
			// the registry-observed Result.Success says otherwise.
			return Result[any]{Success: false, AuditTrail: AuditTrail{Success: true}}, nil
		},
	}
	reg.Register(mod)

	_, err := reg.Delegate(context.Background(), "oauthapi", adminSession(), "read", nil)
	require.NoError(t, err)

	var sawViolation bool
	for _, e := range sink.events {
		if e.Type == audit.EventTypeTrustBoundaryViolation {
			sawViolation = true
		}
	}
	assert.True(t, sawViolation, "expected a trust_boundary_violation event")
}

func TestDelegate_ModuleErrorProducesFailureResult(t *testing.T) {
	sink := &recordingSink{}
	reg := NewRegistry(sink)
	mod := &fakeModule{
		name: "oauthapi",
		delegateFunc: func(ctx context.Context, sess *session.UserSession, action string, params map[string]any) (Result[any], error) {
			return Result[any]{}, assertError{}
		},
	}
	reg.Register(mod)

	result, err := reg.Delegate(context.Background(), "oauthapi", adminSession(), "read", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
