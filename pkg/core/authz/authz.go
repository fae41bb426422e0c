// Package authz provides the two-tier authorization checks every tool
// handler composes with: soft (boolean) visibility checks and hard
// (error-raising) execution checks. This is Authorization Helper Z
// (spec.md §4.9). There is deliberately no policy or permission table
// here — authority is derived solely from the session's role and
// customRoles, per the zero-default permission policy.
package authz

import (
	"fmt"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/gwerrors"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/rolemap"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/session"
)

// IsAuthenticated reports whether sess represents a successfully
// authenticated, non-rejected caller.
func IsAuthenticated(sess *session.UserSession) bool {
	return sess != nil && !sess.Rejected
}

// HasRole reports whether sess's primary role is exactly role.
func HasRole(sess *session.UserSession, role rolemap.Role) bool {
	return IsAuthenticated(sess) && sess.Role == role
}

// HasAnyRole reports whether sess's primary role is any of roles.
func HasAnyRole(sess *session.UserSession, roles ...rolemap.Role) bool {
	if !IsAuthenticated(sess) {
		return false
	}
	for _, r := range roles {
		if sess.Role == r {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether sess's customRoles claim contains every
// named role. A session has exactly one primary Role, so "all of"
// applies to the customRoles set, not the primary role.
func HasAllRoles(sess *session.UserSession, roles ...string) bool {
	if !IsAuthenticated(sess) {
		return false
	}
	have := make(map[string]struct{}, len(sess.CustomRoles))
	for _, r := range sess.CustomRoles {
		have[r] = struct{}{}
	}
	for _, want := range roles {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}

// RequireAuth returns a structured KindUnassignedRole error if sess is
// not authenticated, for callers in the "hard" check family.
func RequireAuth(sess *session.UserSession) error {
	if IsAuthenticated(sess) {
		return nil
	}
	return gwerrors.New(gwerrors.KindUnassignedRole, "authentication is required for this operation")
}

// RequireRole raises a structured error unless sess's primary role is
// exactly role.
func RequireRole(sess *session.UserSession, role rolemap.Role) error {
	if HasRole(sess, role) {
		return nil
	}
	return insufficientPermissions(sess, fmt.Sprintf("role %q is required", role))
}

// RequireAnyRole raises a structured error unless sess's primary role
// is one of roles.
func RequireAnyRole(sess *session.UserSession, roles ...rolemap.Role) error {
	if HasAnyRole(sess, roles...) {
		return nil
	}
	return insufficientPermissions(sess, fmt.Sprintf("one of roles %v is required", roles))
}

// RequireAllRoles raises a structured error unless sess's customRoles
// contains every named role.
func RequireAllRoles(sess *session.UserSession, roles ...string) error {
	if HasAllRoles(sess, roles...) {
		return nil
	}
	return insufficientPermissions(sess, fmt.Sprintf("all of roles %v are required", roles))
}

func insufficientPermissions(sess *session.UserSession, reason string) error {
	if err := RequireAuth(sess); err != nil {
		return err
	}
	return gwerrors.New(gwerrors.KindInsufficientPerms, reason)
}
