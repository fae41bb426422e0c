// Package gwerrors defines the error taxonomy shared across the gateway.
//
// Errors are modeled as a typed Kind plus an HTTP status and a
// non-leaky, user-safe message, per the propagation policy in the
// specification: cryptographic/time failures on a JWT are returned as
// 401, role/authorization denials as 403, and anything else is masked
// to a generic 500 at the boundary.
package gwerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the error kinds named in the specification.
type Kind string

// Error kinds. Names match the specification verbatim so they can be
// cited directly in audit entries and LLM failure responses.
const (
	KindMissingToken         Kind = "MissingToken"
	KindInvalidTokenFormat   Kind = "InvalidTokenFormat"
	KindUntrustedIssuer      Kind = "UntrustedIssuer"
	KindUntrustedAudience    Kind = "UntrustedAudience"
	KindAlgorithmNotAllowed  Kind = "AlgorithmNotAllowed"
	KindSignatureInvalid     Kind = "SignatureInvalid"
	KindTokenExpired         Kind = "TokenExpired"
	KindTokenNotYetValid     Kind = "TokenNotYetValid"
	KindTokenTooOld          Kind = "TokenTooOld"
	KindMissingClaim         Kind = "MissingClaim"
	KindRoleMappingFailed    Kind = "RoleMappingFailed"
	KindUnassignedRole       Kind = "UnassignedRole"
	KindTokenExchangeFailed  Kind = "TokenExchangeFailed"
	KindDelegationNotFound   Kind = "DelegationModuleNotFound"
	KindDelegationFailed     Kind = "DelegationFailed"
	KindTrustBoundary        Kind = "TrustBoundaryViolation"
	KindInsufficientPerms    Kind = "InsufficientPermissions"
	KindInvalidSessionID     Kind = "InvalidSessionId"
	KindCacheLimitExceeded   Kind = "CacheLimitExceeded"
	KindConfigurationError   Kind = "ConfigurationError"
	KindInternal             Kind = "Internal"
)

// kindStatus maps each Kind to its HTTP status, per §7's propagation
// policy. Kinds not listed default to 500.
var kindStatus = map[Kind]int{
	KindMissingToken:        http.StatusUnauthorized,
	KindInvalidTokenFormat:  http.StatusUnauthorized,
	KindUntrustedIssuer:     http.StatusUnauthorized,
	KindUntrustedAudience:   http.StatusUnauthorized,
	KindAlgorithmNotAllowed: http.StatusUnauthorized,
	KindSignatureInvalid:    http.StatusUnauthorized,
	KindTokenExpired:        http.StatusUnauthorized,
	KindTokenNotYetValid:    http.StatusUnauthorized,
	KindTokenTooOld:         http.StatusUnauthorized,
	KindMissingClaim:        http.StatusUnauthorized,
	KindTokenExchangeFailed: http.StatusUnauthorized,
	KindUnassignedRole:      http.StatusForbidden,
	KindInsufficientPerms:   http.StatusForbidden,
	KindDelegationNotFound:  http.StatusNotFound,
	KindDelegationFailed:    http.StatusOK, // surfaced as a failure result, not an HTTP error
	KindTrustBoundary:       http.StatusOK, // audited, user-visible result unchanged
	KindInvalidSessionID:    http.StatusBadRequest,
	KindCacheLimitExceeded:  http.StatusOK,
	KindConfigurationError:  http.StatusInternalServerError,
	KindInternal:            http.StatusInternalServerError,
}

// httpStatus returns the HTTP status k maps to in kindStatus, or 500
// for a kind that is not listed there.
func (k Kind) httpStatus() int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// GatewayError is the concrete error type carried through the system.
// Message must never contain stack traces, file paths, connection
// strings, or literal SQL text (§7).
type GatewayError struct {
	Kind    Kind
	Message string
	Cause   error
}

// New creates a GatewayError of the given kind.
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Wrap creates a GatewayError of the given kind wrapping cause. The
// cause is preserved for %w-style unwrapping and logging, and Error()
// appends the cause's text verbatim — callers that need the sanitized
// message should use Message directly.
func Wrap(kind Kind, message string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/errors.As against Cause.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the HTTP status this error kind maps to.
func (e *GatewayError) HTTPStatus() int {
	return e.Kind.httpStatus()
}

// Code extracts the HTTP status code from err, defaulting to 500 for
// errors that are not a *GatewayError.
func Code(err error) int {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// RequiresWWWAuthenticate reports whether a response carrying err must
// set the WWW-Authenticate header (true for every 401 kind, false
// otherwise — see §6 "403 does not include that header").
func RequiresWWWAuthenticate(err error) bool {
	return Code(err) == http.StatusUnauthorized
}
