// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth validates bearer tokens issued by the Keycloak realm and
// guards HTTP handlers with them.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/authcalc/pkg/logger"
	"github.com/stacklok/authcalc/pkg/networking"
)

// Common errors
var (
	ErrNoToken                 = errors.New("no token provided")
	ErrInvalidToken            = errors.New("invalid token")
	ErrTokenExpired            = errors.New("token expired")
	ErrInvalidIssuer           = errors.New("invalid issuer")
	ErrInvalidAudience         = errors.New("invalid audience")
	ErrInsufficientScope       = errors.New("insufficient scope")
	ErrMissingJWKSURL          = errors.New("missing JWKS URL")
	ErrFailedToDiscoverOIDC    = errors.New("failed to discover OIDC configuration")
	ErrMissingIssuerAndJWKSURL = errors.New("either issuer or JWKS URL must be provided")
)

// defaultDiscoveryAttempts bounds startup discovery when the realm is still booting.
const defaultDiscoveryAttempts = 5

// TokenValidatorConfig contains configuration for the token validator.
type TokenValidatorConfig struct {
	// Issuer is the realm URL; tokens must carry it in "iss"
	Issuer string

	// Audience is the expected audience for the token
	Audience string

	// JWKSURL overrides the discovered jwks_uri
	JWKSURL string

	// IntrospectionURL overrides the discovered introspection endpoint
	IntrospectionURL string

	// ClientID and ClientSecret authenticate introspection calls
	ClientID     string
	ClientSecret string

	// RequiredScopes must all appear in the space-delimited "scope" claim
	RequiredScopes []string

	// CACertPath is the path to the CA certificate bundle for HTTPS requests
	CACertPath string

	// AllowPrivateIP allows realm endpoints on private IP addresses
	AllowPrivateIP bool

	// AllowInsecureLocalhost permits plain HTTP to a realm on localhost
	AllowInsecureLocalhost bool

	// AllowInsecureHTTP permits plain HTTP to a realm on any host
	AllowInsecureHTTP bool

	// DiscoveryAttempts caps OIDC discovery retries; zero means the default
	DiscoveryAttempts uint
}

// endpoints is the subset of the provider metadata the validator needs.
type endpoints struct {
	JWKSURI               string `json:"jwks_uri"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`
}

// TokenValidator validates JWT or opaque tokens using OIDC configuration.
type TokenValidator struct {
	issuer         string
	audience       string
	jwksURL        string
	introspectURL  string
	clientID       string
	clientSecret   string
	requiredScopes []string
	jwksClient     *jwk.Cache
	client         *http.Client

	// Lazy JWKS registration
	jwksRegistered      bool
	jwksRegistrationMu  sync.Mutex
	jwksRegistrationErr error
}

// NewTokenValidator creates a new token validator. Missing endpoints are
// discovered from the issuer, retrying with exponential backoff.
func NewTokenValidator(ctx context.Context, config TokenValidatorConfig) (*TokenValidator, error) {
	if config.Issuer == "" && config.JWKSURL == "" {
		return nil, ErrMissingIssuerAndJWKSURL
	}

	httpClient, err := networking.NewHttpClientBuilder().
		WithCABundle(config.CACertPath).
		WithPrivateIPs(config.AllowPrivateIP).
		WithInsecureLocalhost(config.AllowInsecureLocalhost).
		WithInsecureHTTP(config.AllowInsecureHTTP).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	jwksURL := config.JWKSURL
	introspectURL := config.IntrospectionURL
	if (jwksURL == "" || introspectURL == "") && config.Issuer != "" {
		discovered, err := discoverEndpoints(ctx, httpClient, config.Issuer, config.DiscoveryAttempts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToDiscoverOIDC, err)
		}
		if jwksURL == "" {
			jwksURL = discovered.JWKSURI
		}
		if introspectURL == "" {
			introspectURL = discovered.IntrospectionEndpoint
		}
	}

	if jwksURL == "" {
		return nil, ErrMissingJWKSURL
	}

	// In jwx v3, NewCache requires an httprc.Client
	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &TokenValidator{
		issuer:         config.Issuer,
		audience:       config.Audience,
		jwksURL:        jwksURL,
		introspectURL:  introspectURL,
		clientID:       config.ClientID,
		clientSecret:   config.ClientSecret,
		requiredScopes: slices.Clone(config.RequiredScopes),
		jwksClient:     cache,
		client:         httpClient,
	}, nil
}

// discoverEndpoints fetches the issuer's metadata through go-oidc, which also
// checks that the advertised issuer matches the configured one.
func discoverEndpoints(ctx context.Context, client *http.Client, issuer string, attempts uint) (*endpoints, error) {
	if attempts == 0 {
		attempts = defaultDiscoveryAttempts
	}
	oidcCtx := oidc.ClientContext(ctx, client)

	provider, err := backoff.Retry(ctx, func() (*oidc.Provider, error) {
		return oidc.NewProvider(oidcCtx, issuer)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warnf("OIDC discovery for %s failed, retrying in %s: %v", issuer, next, err)
		}),
	)
	if err != nil {
		return nil, err
	}

	var doc endpoints
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode provider metadata: %w", err)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("OIDC configuration missing jwks_uri")
	}
	return &doc, nil
}

// ensureJWKSRegistered registers the JWKS URL with the cache on first use
// so that startup does not block on the key endpoint.
func (v *TokenValidator) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return v.jwksRegistrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.jwksClient.Register(registrationCtx, v.jwksURL); err != nil {
		// a failed registration is retried on the next request
		return fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	v.jwksRegistered = true
	v.jwksRegistrationErr = nil
	return nil
}

// getKeyFromJWKS gets the key from the JWKS.
func (v *TokenValidator) getKeyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, fmt.Errorf("JWKS registration failed: %w", err)
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.jwksClient.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

// validateClaims checks issuer, audience and expiry.
func (v *TokenValidator) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		issuerClaim, err := claims.GetIssuer()
		if err != nil {
			return fmt.Errorf("failed to get issuer from claims: %w", err)
		}
		if strings.TrimRight(strings.TrimSpace(issuerClaim), "/") != strings.TrimRight(v.issuer, "/") {
			return ErrInvalidIssuer
		}
	}

	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil || !slices.Contains(audiences, v.audience) {
			return ErrInvalidAudience
		}
	}

	expirationTime, err := claims.GetExpirationTime()
	if err != nil || expirationTime == nil || expirationTime.Before(time.Now()) {
		return ErrTokenExpired
	}

	return nil
}

// validateScopes requires every configured scope in the "scope" claim.
func (v *TokenValidator) validateScopes(claims jwt.MapClaims) error {
	if len(v.requiredScopes) == 0 {
		return nil
	}
	granted := ScopesFromClaims(claims)
	for _, scope := range v.requiredScopes {
		if !slices.Contains(granted, scope) {
			return fmt.Errorf("%w: missing %q", ErrInsufficientScope, scope)
		}
	}
	return nil
}

// RequiredScopes returns the scopes the validator enforces.
func (v *TokenValidator) RequiredScopes() []string {
	return slices.Clone(v.requiredScopes)
}

// ScopesFromClaims splits the space-delimited "scope" claim.
func ScopesFromClaims(claims jwt.MapClaims) []string {
	scope, _ := claims["scope"].(string)
	return strings.Fields(scope)
}

func parseIntrospectionClaims(r io.Reader) (jwt.MapClaims, error) {
	var raw map[string]any
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode introspection JSON: %w", err)
	}
	if active, _ := raw["active"].(bool); !active {
		return nil, ErrInvalidToken
	}
	delete(raw, "active")

	claims := jwt.MapClaims{}
	for k, val := range raw {
		if s, ok := val.(string); ok {
			val = strings.TrimSpace(s)
		}
		claims[k] = val
	}
	return claims, nil
}

func (v *TokenValidator) introspectOpaqueToken(ctx context.Context, tokenStr string) (jwt.MapClaims, error) {
	if v.introspectURL == "" {
		return nil, fmt.Errorf("no introspection endpoint available")
	}
	form := url.Values{"token": {tokenStr}}
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.introspectURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	if v.clientID != "" && v.clientSecret != "" {
		req.SetBasicAuth(v.clientID, v.clientSecret)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection failed: %w", networking.NewHTTPError(resp))
	}

	claims, err := parseIntrospectionClaims(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ValidateToken validates a JWT against the realm keys, falling back to
// introspection for opaque tokens, and then enforces the required scopes.
func (v *TokenValidator) ValidateToken(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	claims, err := v.validateSignature(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	if err := v.validateScopes(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *TokenValidator) validateSignature(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.getKeyFromJWKS(ctx, token)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			claims, err := v.introspectOpaqueToken(ctx, tokenString)
			if err != nil {
				return nil, fmt.Errorf("failed to introspect opaque token: %w", err)
			}
			return claims, nil
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("failed to get claims from token")
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}
