// Package tokenexchange performs OAuth 2.0 Token Exchange (RFC 8693)
// against an IDP's configured token endpoint. This is Component C5.
package tokenexchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/mcp-delegation-gateway/internal/logger"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/gwerrors"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/idp"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/jwtvalidate"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/tokencache"
)

const (
	// grantTypeTokenExchange is the OAuth 2.0 Token Exchange grant type (RFC 8693).
	//nolint:gosec // these are OAuth2 URN identifiers, not credentials
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

	//nolint:gosec // URN identifier
	tokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	defaultHTTPTimeout  = 30 * time.Second
	maxResponseBodySize = 1 << 20
)

var defaultHTTPClient = &http.Client{Timeout: defaultHTTPTimeout}

// Token is the result of a successful exchange: a TE-JWT plus its
// decoded (unverified) claims, for the requiredClaim check in spec.md
// §4.5 step 4. The TE-JWT itself is opaque to this service; only a
// delegation module is trusted to act on it.
type Token struct {
	AccessToken     string
	TokenType       string
	IssuedTokenType string
	ExpiresAt       time.Time
	Claims          map[string]any
}

// exchangeResponse decodes the RFC 8693 token endpoint response.
type exchangeResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
}

// oAuthError decodes an RFC 6749 §5.2 error response.
type oAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Service performs token exchanges, collapsing concurrent requests for
// the same (sessionID, audience) pair into a single outbound call
// (spec.md §4.5, §5 "single-flight per (sessionId, audience)"), and
// consulting a session-bound cache before every outbound call and
// storing the result after (spec.md §4.5 steps 1 and 5).
type Service struct {
	httpClient *http.Client
	cache      *tokencache.Cache
	sf         singleflight.Group
}

// NewService builds a Service. A nil client uses a 30s-timeout
// default. cache may be nil, in which case every call performs a live
// exchange.
func NewService(client *http.Client, cache *tokencache.Cache) *Service {
	if client == nil {
		client = defaultHTTPClient
	}
	return &Service{httpClient: client, cache: cache}
}

// Exchange performs a token exchange for subjectToken against audience,
// using cfg's token endpoint and client credentials. sessionID and
// audience together form both the cache key and the single-flight
// collapsing key.
func (s *Service) Exchange(ctx context.Context, cfg *idp.TokenExchangeConfig, sessionID, audience, subjectToken string) (*Token, error) {
	if cfg == nil {
		return nil, gwerrors.New(gwerrors.KindTokenExchangeFailed, "token exchange is not configured for this idp")
	}

	if s.cache != nil {
		if cached, ok := s.cache.Get(sessionID, audience); ok {
			return s.tokenFromCached(cached), nil
		}
	}

	key := sessionID + "|" + audience
	result, err, shared := s.sf.Do(key, func() (any, error) {
		return s.doExchange(ctx, cfg, audience, subjectToken)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Debugf("tokenexchange: shared in-flight exchange result for session=%s audience=%s", sessionID, audience)
	}
	token := result.(*Token)

	if s.cache != nil {
		if err := s.cache.Set(sessionID, audience, token.AccessToken); err != nil {
			logger.Debugf("tokenexchange: not caching result for session=%s audience=%s: %v", sessionID, audience, err)
		}
	}
	return token, nil
}

// tokenFromCached rebuilds a Token around a cached access token. The
// cache stores the access token string only, so claims are re-decoded
// from it rather than carried across the cache boundary.
func (s *Service) tokenFromCached(accessToken string) *Token {
	claims, err := jwtvalidate.DecodeUnverifiedClaims(accessToken)
	if err != nil {
		claims = nil
	}
	return &Token{AccessToken: accessToken, TokenType: "Bearer", Claims: claims}
}

func (s *Service) doExchange(ctx context.Context, cfg *idp.TokenExchangeConfig, audience, subjectToken string) (*Token, error) {
	data := url.Values{}
	data.Set("grant_type", grantTypeTokenExchange)
	data.Set("subject_token", subjectToken)
	data.Set("subject_token_type", tokenTypeAccessToken)
	data.Set("requested_token_type", tokenTypeAccessToken)

	aud := cfg.Audience
	if audience != "" {
		aud = audience
	}
	if aud != "" {
		data.Set("audience", aud)
	}
	if cfg.Scope != "" {
		data.Set("scope", cfg.Scope)
	}

	encoded := data.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenEndpoint, strings.NewReader(encoded))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindTokenExchangeFailed, "build token exchange request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encoded)))
	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(cfg.ClientID), url.QueryEscape(cfg.ClientSecret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindTokenExchangeFailed, "token exchange request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindTokenExchangeFailed, "read token exchange response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oe oAuthError
		if json.Unmarshal(body, &oe) == nil && oe.Error != "" {
			return nil, gwerrors.New(gwerrors.KindTokenExchangeFailed,
				fmt.Sprintf("token exchange rejected: %s: %s", oe.Error, oe.ErrorDescription))
		}
		return nil, gwerrors.New(gwerrors.KindTokenExchangeFailed,
			fmt.Sprintf("token exchange endpoint returned status %d", resp.StatusCode))
	}

	var tr exchangeResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindTokenExchangeFailed, "decode token exchange response", err)
	}
	if tr.AccessToken == "" {
		return nil, gwerrors.New(gwerrors.KindTokenExchangeFailed, "token exchange: server returned empty access_token")
	}
	if tr.IssuedTokenType == "" {
		return nil, gwerrors.New(gwerrors.KindTokenExchangeFailed, "token exchange: server returned empty issued_token_type (required by RFC 8693)")
	}

	claims, err := jwtvalidate.DecodeUnverifiedClaims(tr.AccessToken)
	if err != nil {
		// Not every upstream issues a JWT-shaped TE-JWT; that is accepted
		// unless a requiredClaim is configured, in which case the check
		// below fails the exchange.
		logger.Debugf("tokenexchange: TE-JWT is not a decodable JWS: %v", err)
		claims = nil
	}

	if cfg.RequiredClaim != "" {
		if claims == nil {
			return nil, gwerrors.New(gwerrors.KindTokenExchangeFailed,
				fmt.Sprintf("token exchange: required claim %q absent from an undecodable TE-JWT", cfg.RequiredClaim))
		}
		if _, ok := claims[cfg.RequiredClaim]; !ok {
			return nil, gwerrors.New(gwerrors.KindTokenExchangeFailed,
				fmt.Sprintf("token exchange: required claim %q missing from TE-JWT", cfg.RequiredClaim))
		}
	}

	token := &Token{
		AccessToken:     tr.AccessToken,
		TokenType:       tr.TokenType,
		IssuedTokenType: tr.IssuedTokenType,
		Claims:          claims,
	}
	if tr.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return token, nil
}

// source adapts Service.Exchange to oauth2.TokenSource, mirroring the
// teacher's pkg/auth/tokenexchange.tokenSource shape for callers that
// want to drive a downstream call through oauth2.Transport instead of
// reading a Token's AccessToken directly.
type source struct {
	ctx          context.Context
	svc          *Service
	cfg          *idp.TokenExchangeConfig
	sessionID    string
	audience     string
	subjectToken string
}

// Token implements oauth2.TokenSource.
func (s *source) Token() (*oauth2.Token, error) {
	tok, err := s.svc.Exchange(s.ctx, s.cfg, s.sessionID, s.audience, s.subjectToken)
	if err != nil {
		return nil, err
	}
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken: tok.AccessToken,
		TokenType:   tokenType,
		Expiry:      tok.ExpiresAt,
	}, nil
}

// TokenSource returns an oauth2.TokenSource backed by Exchange, so a
// delegation module can authorize a downstream http.Client via
// oauth2.NewClient instead of setting the Authorization header itself.
func (s *Service) TokenSource(ctx context.Context, cfg *idp.TokenExchangeConfig, sessionID, audience, subjectToken string) oauth2.TokenSource {
	return &source{ctx: ctx, svc: s, cfg: cfg, sessionID: sessionID, audience: audience, subjectToken: subjectToken}
}
