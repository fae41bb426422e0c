// Package kerberos is a reference delegation module modeling
// constrained delegation (S4U2Self/S4U2Proxy) against a downstream
// Kerberos-protected service. The concrete SSPI/GSSAPI ticket exchange
// is out of scope (spec.md §1 Non-goals); this module exercises the
// full delegation.Module contract against an injectable Backend seam.
package kerberos

import (
	"context"
	"fmt"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/session"
	"github.com/stacklok/mcp-delegation-gateway/pkg/delegation"
)

//go:generate mockgen -destination=mocks/mock_backend.go -package=mocks -source=kerberos.go Backend

// Backend is the seam a real S4U2Self/S4U2Proxy client implements.
type Backend interface {
	// ImpersonationTicket obtains a service ticket impersonating
	// principal, constrained to spn, via S4U2Self followed by
	// S4U2Proxy.
	ImpersonationTicket(ctx context.Context, principal, spn string) (ticket []byte, err error)
	// Invoke calls the downstream service using ticket.
	Invoke(ctx context.Context, spn string, ticket []byte, action string, params map[string]any) (any, error)
}

// Config is this module's initialize(cfg) payload.
type Config struct {
	ServicePrincipal string // target SPN constrained delegation is scoped to
}

// Module implements delegation.Module for constrained Kerberos delegation.
type Module struct {
	backend Backend
	cfg     Config
}

// New builds a Module over backend.
func New(backend Backend) *Module {
	return &Module{backend: backend}
}

// Name implements delegation.Module.
func (*Module) Name() string { return "kerberos" }

// Type implements delegation.Module.
func (*Module) Type() string { return "kerberos" }

// Initialize implements delegation.Module.
func (m *Module) Initialize(_ context.Context, cfg map[string]any) error {
	spn, _ := cfg["servicePrincipal"].(string)
	if spn == "" {
		return fmt.Errorf("kerberos: servicePrincipal is required")
	}
	m.cfg = Config{ServicePrincipal: spn}
	return nil
}

// ValidateAccess implements delegation.Module: any non-rejected session
// with a principal name can attempt constrained delegation; actual
// authorization happens at the downstream service.
func (*Module) ValidateAccess(sess *session.UserSession) bool {
	return sess != nil && !sess.Rejected && sess.UserID != ""
}

// HealthCheck implements delegation.Module.
func (m *Module) HealthCheck(ctx context.Context) bool {
	_, err := m.backend.ImpersonationTicket(ctx, "healthcheck", m.cfg.ServicePrincipal)
	return err == nil
}

// Destroy implements delegation.Module.
func (*Module) Destroy(_ context.Context) error { return nil }

// Delegate implements delegation.Module. It obtains a constrained
// impersonation ticket for the session's principal and invokes the
// downstream service with it.
func (m *Module) Delegate(ctx context.Context, sess *session.UserSession, action string, params map[string]any) (delegation.Result[any], error) {
	ticket, err := m.backend.ImpersonationTicket(ctx, sess.UserID, m.cfg.ServicePrincipal)
	if err != nil {
		return delegation.Result[any]{
			Success: false,
			Error:   err.Error(),
			AuditTrail: delegation.AuditTrail{
				Success: false,
				Action:  "s4u2proxy",
				Detail:  fmt.Sprintf("spn=%s", m.cfg.ServicePrincipal),
			},
		}, nil
	}

	value, err := m.backend.Invoke(ctx, m.cfg.ServicePrincipal, ticket, action, params)
	if err != nil {
		return delegation.Result[any]{
			Success: false,
			Error:   err.Error(),
			AuditTrail: delegation.AuditTrail{
				Success: false,
				Action:  action,
				Detail:  fmt.Sprintf("spn=%s", m.cfg.ServicePrincipal),
			},
		}, nil
	}

	return delegation.Result[any]{
		Success: true,
		Value:   value,
		AuditTrail: delegation.AuditTrail{
			Success: true,
			Action:  action,
			Detail:  fmt.Sprintf("spn=%s", m.cfg.ServicePrincipal),
		},
	}, nil
}
