// Package delegation holds the registry of delegation modules and
// enforces the trust-boundary re-verification algorithm around every
// call to one. This is Component C7.
package delegation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/mcp-delegation-gateway/internal/logger"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/audit"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/gwerrors"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/session"
)

// AuditTrail is a module's self-reported account of a delegate call.
// The registry never trusts AuditTrail.Success on its own; it is
// re-verified against Result.Success before anything is written to the
// audit stream (spec.md §4.7).
type AuditTrail struct {
	Success  bool           `json:"success"`
	Source   string         `json:"source,omitempty"`
	UserID   string         `json:"userId,omitempty"`
	Action   string         `json:"action,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Result is the outcome of a delegated call, generic over the backend's
// payload type.
type Result[T any] struct {
	Success    bool
	Value      T
	Error      string
	AuditTrail AuditTrail
}

// Module is the contract every delegation backend implements
// (spec.md §4.7). Go has no method generics, so Delegate returns `any`;
// Registry.Delegate passes that Result[any] through unchanged, and the
// caller asserts Value to the type it expects.
type Module interface {
	Name() string
	Type() string
	Initialize(ctx context.Context, cfg map[string]any) error
	Delegate(ctx context.Context, sess *session.UserSession, action string, params map[string]any) (Result[any], error)
	ValidateAccess(sess *session.UserSession) bool
	HealthCheck(ctx context.Context) bool
	Destroy(ctx context.Context) error
}

// Registry holds the set of registered delegation modules.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	sink    audit.Sink
}

// NewRegistry builds an empty Registry. sink receives every audit entry
// the trust-boundary algorithm produces; a nil sink is replaced with
// audit.LoggerSink{}.
func NewRegistry(sink audit.Sink) *Registry {
	if sink == nil {
		sink = audit.LoggerSink{}
	}
	return &Registry{
		modules: make(map[string]Module),
		sink:    sink,
	}
}

// Register adds module to the registry under its own Name(). Re-
// registering an existing name replaces it.
func (r *Registry) Register(module Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[module.Name()] = module
}

// Unregister removes a module by name. It is a no-op if unknown.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, name)
}

// Get returns the module registered under name, if any.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// List returns every registered module name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	return names
}

// Delegate resolves name and invokes its Delegate method, enforcing the
// trust-boundary re-verification algorithm of spec.md §4.7 around the
// call. A missing module produces a failure Result together with a
// KindDelegationNotFound error. An error from the module itself is
// folded into a failure Result and the returned error is nil, so a
// non-nil error means "no such module".
func (r *Registry) Delegate(ctx context.Context, name string, sess *session.UserSession, action string, params map[string]any) (Result[any], error) {
	module, ok := r.Get(name)
	if !ok {
		err := gwerrors.New(gwerrors.KindDelegationNotFound, fmt.Sprintf("delegation module %q is not registered", name))
		r.emitAudit(audit.EventTypeDelegationFailed, sess, name, action, false, map[string]any{"reason": "module not found"})
		return Result[any]{Success: false, Error: err.Error()}, err
	}

	result, err := module.Delegate(ctx, sess, action, params)
	if err != nil {
		result = Result[any]{Success: false, Error: err.Error(), AuditTrail: result.AuditTrail}
	}

	r.enforceTrustBoundary(module, sess, action, &result)
	return result, nil
}

// enforceTrustBoundary implements spec.md §4.7 steps 3-6: the registry
// recomputes success from its own observation of result.Success,
// compares it against the module's self-reported AuditTrail.Success,
// and writes both an enhanced audit entry and, on disagreement, a
// dedicated trust_boundary_violation security event.
func (r *Registry) enforceTrustBoundary(module Module, sess *session.UserSession, action string, result *Result[any]) {
	registryVerifiedSuccess := result.Success
	registryTimestamp := time.Now().UTC()
	moduleReportedSuccess := result.AuditTrail.Success

	enhanced := result.AuditTrail
	if enhanced.Source == "" {
		enhanced.Source = fmt.Sprintf("delegation:%s", module.Name())
	}
	if enhanced.UserID == "" && sess != nil {
		enhanced.UserID = sess.UserID
	}
	enhanced.Success = registryVerifiedSuccess
	if enhanced.Extra == nil {
		enhanced.Extra = make(map[string]any)
	}
	enhanced.Extra["moduleReportedSuccess"] = moduleReportedSuccess
	enhanced.Extra["registryVerifiedSuccess"] = registryVerifiedSuccess
	enhanced.Extra["registryTimestamp"] = registryTimestamp
	result.AuditTrail = enhanced

	outcome := audit.OutcomeSuccess
	if !registryVerifiedSuccess {
		outcome = audit.OutcomeFailure
	}
	subjects := map[string]string{}
	if sess != nil {
		subjects[audit.SubjectKeyUserID] = sess.UserID
		subjects[audit.SubjectKeyRole] = string(sess.Role)
	}
	event := audit.New(delegationEventType(registryVerifiedSuccess), audit.EventSource{Type: audit.SourceTypeLocal, Value: enhanced.Source}, outcome, subjects, audit.ComponentGateway)
	event.WithTarget(map[string]string{
		audit.TargetKeyType:   audit.TargetTypeDelegationModule,
		audit.TargetKeyModule: module.Name(),
		audit.TargetKeyName:   action,
	})
	r.sink.Emit(event)

	if moduleReportedSuccess != registryVerifiedSuccess {
		logger.Warnf("delegation: trust boundary violation on module %q: module reported success=%v, registry verified success=%v",
			module.Name(), moduleReportedSuccess, registryVerifiedSuccess)

		violation := audit.New(audit.EventTypeTrustBoundaryViolation,
			audit.EventSource{Type: audit.SourceTypeLocal, Value: "delegation:registry:security"},
			audit.OutcomeFailure, subjects, audit.ComponentGateway)
		violation.WithTarget(map[string]string{
			audit.TargetKeyType:   audit.TargetTypeDelegationModule,
			audit.TargetKeyModule: module.Name(),
		})
		violation.WithData(nil)
		violation.Metadata.Extra = map[string]any{
			"moduleReportedSuccess":   moduleReportedSuccess,
			"registryVerifiedSuccess": registryVerifiedSuccess,
			"registryTimestamp":       registryTimestamp,
		}
		r.sink.Emit(violation)
	}
}

func delegationEventType(success bool) string {
	if success {
		return audit.EventTypeDelegationInvoked
	}
	return audit.EventTypeDelegationFailed
}

func (r *Registry) emitAudit(eventType string, sess *session.UserSession, moduleName, action string, success bool, extra map[string]any) {
	subjects := map[string]string{}
	if sess != nil {
		subjects[audit.SubjectKeyUserID] = sess.UserID
	}
	outcome := audit.OutcomeSuccess
	if !success {
		outcome = audit.OutcomeFailure
	}
	event := audit.New(eventType, audit.EventSource{Type: audit.SourceTypeLocal, Value: "delegation:registry"}, outcome, subjects, audit.ComponentGateway)
	event.WithTarget(map[string]string{audit.TargetKeyType: audit.TargetTypeDelegationModule, audit.TargetKeyModule: moduleName, audit.TargetKeyName: action})
	event.Metadata.Extra = extra
	r.sink.Emit(event)
}
