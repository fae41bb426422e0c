// Package rolemap translates raw JWT role claims into the framework's
// role model. This is Component C3. The mapper never panics or
// returns an error: any internal failure downgrades to an
// "unassigned" result, per spec.md §4.3.
package rolemap

import (
	"fmt"
	"regexp"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/idp"
)

// Role is the framework role assigned to a session.
type Role string

// Roles, in strict tie-break priority order admin > user > guest.
const (
	RoleAdmin      Role = "admin"
	RoleUser       Role = "user"
	RoleGuest      Role = "guest"
	RoleUnassigned Role = "unassigned"
)

// Result is the outcome of mapping a set of raw role claims.
type Result struct {
	Primary       Role
	Custom        []string
	MappingFailed bool
	FailureReason string
}

// Map translates rawRoles into a Result using cfg. It never panics;
// any internal error is caught and converted into a mapping failure
// downgraded to RoleUnassigned (spec.md §4.3, §8 invariant 2).
func Map(rawRoles []string, cfg idp.RoleMappings, customPatterns []*regexp.Regexp) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{
				Primary:       RoleUnassigned,
				MappingFailed: true,
				FailureReason: fmt.Sprintf("role mapping panicked: %v", r),
			}
		}
	}()

	primary := resolvePrimary(rawRoles, cfg)
	custom := resolveCustom(rawRoles, customPatterns)

	return Result{
		Primary: primary,
		Custom:  custom,
	}
}

// resolvePrimary applies the admin > user > guest tie-break, falling
// back to the configured default role or "unassigned".
func resolvePrimary(rawRoles []string, cfg idp.RoleMappings) Role {
	if intersects(rawRoles, cfg.Admin) {
		return RoleAdmin
	}
	if intersects(rawRoles, cfg.User) {
		return RoleUser
	}
	if intersects(rawRoles, cfg.Guest) {
		return RoleGuest
	}
	if cfg.DefaultRole != "" {
		return Role(cfg.DefaultRole)
	}
	return RoleUnassigned
}

// intersects reports whether any element of rawRoles is byte-equal to
// any element of bucket. Comparisons are case-sensitive: IDP
// configurators choose canonical spellings (spec.md §4.3).
func intersects(rawRoles, bucket []string) bool {
	if len(bucket) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(bucket))
	for _, b := range bucket {
		set[b] = struct{}{}
	}
	for _, r := range rawRoles {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

// resolveCustom filters rawRoles through the optional pattern matchers,
// preserving order and deduplicating. When no patterns are configured,
// all raw roles pass through deduplicated/order-preserved.
func resolveCustom(rawRoles []string, patterns []*regexp.Regexp) []string {
	seen := make(map[string]struct{}, len(rawRoles))
	var out []string
	for _, r := range rawRoles {
		if _, dup := seen[r]; dup {
			continue
		}
		if len(patterns) == 0 || matchesAny(r, patterns) {
			out = append(out, r)
			seen[r] = struct{}{}
		}
	}
	return out
}

func matchesAny(s string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p != nil && p.MatchString(s) {
			return true
		}
	}
	return false
}
