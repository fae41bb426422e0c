// Package jwtvalidate validates bearer JWTs against a trusted IDP
// registry. This is Component C2.
package jwtvalidate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/mcp-delegation-gateway/internal/logger"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/gwerrors"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/idp"
)

// jwksStaleAfter is the minimum time between on-demand refreshes
// triggered by an unknown kid, per spec.md §4.2 step 4.
const jwksStaleAfter = 60 * time.Second

// defaultJWKSTTL is the background cache TTL for a JWKS document.
const defaultJWKSTTL = 10 * time.Minute

// Result is the output of a successful validation: the raw JWT payload
// plus the claims the IDP's claimMappings projected out of it.
type Result struct {
	Payload       map[string]any
	Roles         []string
	LegacyUsername string
	UserID        string
	Scopes        []string
	CustomClaims  map[string]any
}

// jwksEntry tracks the last time one IDP's JWKS was refreshed
// on-demand, to implement the "at most once per 60s" rule; the key set
// itself lives in the shared jwk.Cache.
type jwksEntry struct {
	mu          sync.Mutex
	lastRefresh time.Time
}

// Validator validates tokens against a Registry of trusted IDPs.
type Validator struct {
	registry *idp.Registry
	cache    *jwk.Cache
	sf       singleflight.Group

	mu      sync.Mutex
	entries map[string]*jwksEntry // keyed by IDP name
}

// NewValidator builds a Validator backed by registry. ctx governs the
// lifetime of the background JWKS refresh goroutines.
func NewValidator(ctx context.Context, registry *idp.Registry) (*Validator, error) {
	httprcClient := httprc.NewClient()
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("jwtvalidate: create JWKS cache: %w", err)
	}

	v := &Validator{
		registry: registry,
		cache:    cache,
		entries:  make(map[string]*jwksEntry),
	}

	for _, cfg := range registry.All() {
		if err := cache.Register(ctx, cfg.JWKSURI, jwk.WithMaxInterval(defaultJWKSTTL)); err != nil {
			return nil, fmt.Errorf("jwtvalidate: register JWKS %q for idp %q: %w", cfg.JWKSURI, cfg.Name, err)
		}
		v.entries[cfg.Name] = &jwksEntry{}
	}

	return v, nil
}

// Validate implements C2's algorithm (spec.md §4.2).
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Result, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	// Parse without verifying first, purely to read iss/aud/alg/kid so
	// we can select the right IDP and key before trusting anything.
	unverified, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInvalidTokenFormat, "Invalid JWT", err)
	}

	claims, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return nil, gwerrors.New(gwerrors.KindInvalidTokenFormat, "Invalid JWT: malformed claims")
	}

	iss, _ := claims.GetIssuer()
	auds, _ := claims.GetAudience()

	cfg, err := v.registry.FindIDP(iss, []string(auds))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindUntrustedIssuer, "Unauthorized: untrusted issuer or audience", err)
	}

	algHeader, _ := unverified.Header["alg"].(string)
	if err := v.checkAlgorithm(algHeader, cfg); err != nil {
		return nil, err
	}

	// Claims validation is left to checkTimes, which applies the IDP's
	// clock tolerance and reports expiry as its own error kind.
	verified, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return v.resolveKey(ctx, cfg, t)
	}, jwt.WithValidMethods(allowedMethodNames(cfg)), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindSignatureInvalid, "Invalid JWT", err)
	}
	if !verified.Valid {
		return nil, gwerrors.New(gwerrors.KindSignatureInvalid, "Invalid JWT")
	}

	verifiedClaims, ok := verified.Claims.(jwt.MapClaims)
	if !ok {
		return nil, gwerrors.New(gwerrors.KindInvalidTokenFormat, "Invalid JWT: malformed claims")
	}

	if err := v.checkTimes(verifiedClaims, cfg); err != nil {
		return nil, err
	}

	if sub, _ := verifiedClaims.GetSubject(); sub == "" {
		return nil, gwerrors.New(gwerrors.KindMissingClaim, "missing sub claim")
	}

	return v.applyClaimMappings(verifiedClaims, cfg), nil
}

// checkAlgorithm rejects alg=none, HMAC algorithms unconditionally, and
// anything not in the IDP's whitelist (spec.md §4.2 step 3).
func (*Validator) checkAlgorithm(alg string, cfg *idp.Config) error {
	if alg == "" || strings.EqualFold(alg, "none") {
		return gwerrors.New(gwerrors.KindAlgorithmNotAllowed, "Invalid JWT: alg=none is not permitted")
	}
	if strings.HasPrefix(alg, "HS") {
		return gwerrors.New(gwerrors.KindAlgorithmNotAllowed, "Invalid JWT: HMAC algorithms are not permitted")
	}
	if !cfg.AllowsAlgorithm(alg) {
		return gwerrors.New(gwerrors.KindAlgorithmNotAllowed, fmt.Sprintf("Invalid JWT: algorithm %q is not permitted for this issuer", alg))
	}
	return nil
}

// allowedMethodNames pins the set of jwt-go signing method names this
// parse call will accept, blocking alg-confusion / kty-downgrade
// attacks independent of the whitelist check above.
func allowedMethodNames(cfg *idp.Config) []string {
	out := make([]string, 0, len(cfg.Algorithms))
	for _, a := range cfg.Algorithms {
		out = append(out, string(a))
	}
	return out
}

// resolveKey looks up the signing key by kid, refreshing the JWKS
// on-demand (single-flight per IDP) when the kid is unknown and the
// cache is stale enough to plausibly be missing a rotated key.
func (v *Validator) resolveKey(ctx context.Context, cfg *idp.Config, token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.cache.Lookup(ctx, cfg.JWKSURI)
	if err != nil {
		return nil, fmt.Errorf("jwks lookup for %q: %w", cfg.Name, err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		keySet, err = v.refreshOnDemand(ctx, cfg)
		if err != nil {
			return nil, err
		}
		key, found = keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key id %q not found in JWKS for idp %q", kid, cfg.Name)
		}
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("export raw key: %w", err)
	}
	return rawKey, nil
}

// refreshOnDemand forces a JWKS refresh for cfg, collapsing concurrent
// callers into a single outbound fetch (spec.md §4.2 step 4, §5
// "single-flight per IDP").
func (v *Validator) refreshOnDemand(ctx context.Context, cfg *idp.Config) (*jwk.Set, error) {
	v.mu.Lock()
	entry, ok := v.entries[cfg.Name]
	if !ok {
		entry = &jwksEntry{}
		v.entries[cfg.Name] = entry
	}
	v.mu.Unlock()

	entry.mu.Lock()
	stale := time.Since(entry.lastRefresh) > jwksStaleAfter
	entry.mu.Unlock()
	if !stale {
		// Another refresh happened recently; don't hammer the IDP for
		// an attacker-controlled kid. Return what we have.
		return v.cache.Lookup(ctx, cfg.JWKSURI)
	}

	result, err, _ := v.sf.Do(cfg.Name, func() (any, error) {
		logger.Debugf("jwtvalidate: refreshing JWKS on demand for idp %q", cfg.Name)
		set, err := v.cache.Refresh(ctx, cfg.JWKSURI)
		entry.mu.Lock()
		entry.lastRefresh = time.Now()
		entry.mu.Unlock()
		return set, err
	})
	if err != nil {
		return nil, fmt.Errorf("refresh JWKS for idp %q: %w", cfg.Name, err)
	}
	set, _ := result.(*jwk.Set)
	return set, nil
}

// checkTimes validates nbf/exp/iat, per spec.md §4.2 step 6.
func (*Validator) checkTimes(claims jwt.MapClaims, cfg *idp.Config) error {
	now := time.Now()
	tol := time.Duration(cfg.Security.ClockTolerance()) * time.Second

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return gwerrors.New(gwerrors.KindTokenExpired, "Token has expired")
	}
	if !now.Before(exp.Add(tol)) {
		return gwerrors.New(gwerrors.KindTokenExpired, "Token has expired")
	}

	if cfg.Security.RequireNbf {
		nbf, err := claims.GetNotBefore()
		if err != nil || nbf == nil {
			return gwerrors.New(gwerrors.KindMissingClaim, "Invalid JWT: missing nbf claim")
		}
		if now.Before(nbf.Add(-tol)) {
			return gwerrors.New(gwerrors.KindTokenNotYetValid, "Invalid JWT: token not yet valid")
		}
	}

	iat, err := claims.GetIssuedAt()
	if err == nil && iat != nil {
		maxAge := time.Duration(cfg.Security.MaxTokenAge()) * time.Second
		if now.Sub(iat.Time) > maxAge {
			return gwerrors.New(gwerrors.KindTokenTooOld, "Invalid JWT: token too old")
		}
	}

	return nil
}

// applyClaimMappings projects claimMappings onto the verified claims,
// per spec.md §4.2 step 7.
func (*Validator) applyClaimMappings(claims jwt.MapClaims, cfg *idp.Config) *Result {
	cm := cfg.ClaimMappings

	res := &Result{
		Payload: map[string]any(claims),
	}

	if cm.Roles != "" {
		res.Roles = stringSlice(claims[cm.Roles])
	}
	if cm.LegacyUsername != "" {
		if s, ok := claims[cm.LegacyUsername].(string); ok {
			res.LegacyUsername = s
		}
	}
	if cm.UserID != "" {
		if s, ok := claims[cm.UserID].(string); ok {
			res.UserID = s
		}
	} else if sub, err := claims.GetSubject(); err == nil {
		res.UserID = sub
	}
	if cm.Scopes != "" {
		res.Scopes = stringSlice(claims[cm.Scopes])
	}
	if len(cm.CustomClaims) > 0 {
		res.CustomClaims = make(map[string]any, len(cm.CustomClaims))
		for field, claimName := range cm.CustomClaims {
			if v, ok := claims[claimName]; ok {
				res.CustomClaims[field] = v
			}
		}
	}
	return res
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	default:
		return nil
	}
}

// DecodeUnverifiedClaims decodes a TE-JWT's payload without verifying
// its signature, for the §4.5 step 4 requiredClaim check: the TE-JWT
// is consumed by this server and passed through to a delegation
// module, never trusted for identity on its own.
func DecodeUnverifiedClaims(compact string) (map[string]any, error) {
	tok, err := josejwt.ParseSigned(compact, []josejwt.SignatureAlgorithm{
		josejwt.RS256, josejwt.RS384, josejwt.RS512,
		josejwt.ES256, josejwt.ES384, josejwt.ES512,
	})
	if err != nil {
		return nil, fmt.Errorf("jwtvalidate: parse TE-JWT: %w", err)
	}
	var claims map[string]any
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("jwtvalidate: decode TE-JWT claims: %w", err)
	}
	return claims, nil
}
