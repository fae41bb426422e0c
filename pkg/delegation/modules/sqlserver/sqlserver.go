// Package sqlserver is a reference delegation module that impersonates
// a session's identity against a SQL Server-shaped backend using
// EXECUTE AS-style impersonation. The concrete ODBC/TDS driver and
// SSPI handshake are out of scope (spec.md §1 Non-goals); this module
// exercises the full delegation.Module contract against an injectable
// Backend seam so the registry, trust boundary, and audit wiring are
// exercised end to end.
package sqlserver

import (
	"context"
	"fmt"
	"time"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/session"
	"github.com/stacklok/mcp-delegation-gateway/pkg/delegation"
)

// Backend is the seam a real driver implements. ExecuteAs runs query
// impersonating loginName, matching SQL Server's `EXECUTE AS LOGIN`
// semantics.
type Backend interface {
	ExecuteAs(ctx context.Context, loginName, query string, args map[string]any) (rows []map[string]any, err error)
	Ping(ctx context.Context) error
}

// Config is this module's initialize(cfg) payload.
type Config struct {
	LoginMapping map[string]string // framework userId -> SQL Server login name
}

// Module implements delegation.Module for a SQL Server-shaped backend.
type Module struct {
	backend Backend
	cfg     Config
}

// New builds a Module over backend. backend may be a real driver in
// production or a fake in tests.
func New(backend Backend) *Module {
	return &Module{backend: backend}
}

// Name implements delegation.Module.
func (*Module) Name() string { return "sqlserver" }

// Type implements delegation.Module.
func (*Module) Type() string { return "sqlserver" }

// Initialize implements delegation.Module.
func (m *Module) Initialize(_ context.Context, cfg map[string]any) error {
	mapping := make(map[string]string)
	if raw, ok := cfg["loginMapping"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				mapping[k] = s
			}
		}
	}
	m.cfg = Config{LoginMapping: mapping}
	return nil
}

// ValidateAccess implements delegation.Module: a session may delegate
// only if a login mapping exists for its user id.
func (m *Module) ValidateAccess(sess *session.UserSession) bool {
	if sess == nil || sess.Rejected {
		return false
	}
	_, ok := m.cfg.LoginMapping[sess.UserID]
	return ok
}

// HealthCheck implements delegation.Module.
func (m *Module) HealthCheck(ctx context.Context) bool {
	return m.backend.Ping(ctx) == nil
}

// Destroy implements delegation.Module.
func (*Module) Destroy(_ context.Context) error { return nil }

// Delegate implements delegation.Module. action is interpreted as the
// SQL query to impersonate-execute; params under "args" are passed to
// the backend verbatim.
func (m *Module) Delegate(ctx context.Context, sess *session.UserSession, action string, params map[string]any) (delegation.Result[any], error) {
	login, ok := m.cfg.LoginMapping[sess.UserID]
	if !ok {
		return delegation.Result[any]{
			Success: false,
			Error:   fmt.Sprintf("no SQL Server login mapped for user %q", sess.UserID),
			AuditTrail: delegation.AuditTrail{
				Success: false,
				Action:  "execute_as",
				Detail:  "no login mapping",
			},
		}, nil
	}

	args, _ := params["args"].(map[string]any)
	start := time.Now()
	rows, err := m.backend.ExecuteAs(ctx, login, action, args)
	duration := time.Since(start)

	if err != nil {
		return delegation.Result[any]{
			Success: false,
			Error:   err.Error(),
			AuditTrail: delegation.AuditTrail{
				Success: false,
				Action:  "execute_as",
				Detail:  fmt.Sprintf("login=%s duration=%s", login, duration),
			},
		}, nil
	}

	return delegation.Result[any]{
		Success: true,
		Value:   rows,
		AuditTrail: delegation.AuditTrail{
			Success: true,
			Action:  "execute_as",
			Detail:  fmt.Sprintf("login=%s rows=%d duration=%s", login, len(rows), duration),
		},
	}, nil
}
