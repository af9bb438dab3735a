// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/authcalc/pkg/logger"
)

//go:generate mockgen -destination=mocks/mock_validator.go -package=mocks -source=middleware.go Validator

// Validator checks a raw bearer token and returns its claims.
type Validator interface {
	ValidateToken(ctx context.Context, token string) (jwt.MapClaims, error)
}

// ChallengeParams carries the static parts of the WWW-Authenticate challenge.
type ChallengeParams struct {
	// Realm is the RFC 6750 realm, the issuer URL
	Realm string
	// ResourceMetadataURL points to the RFC 9728 metadata document
	ResourceMetadataURL string
	// Scopes are advertised on insufficient_scope responses
	Scopes []string
}

// buildWWWAuthenticate builds a RFC 6750 / RFC 9728 compliant value for the
// WWW-Authenticate header. It always includes realm and, if set, resource_metadata.
func (p ChallengeParams) buildWWWAuthenticate(errCode, errDescription string) string {
	var parts []string

	if p.Realm != "" {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, EscapeQuotes(p.Realm)))
	}
	if p.ResourceMetadataURL != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s"`, EscapeQuotes(p.ResourceMetadataURL)))
	}
	if errCode != "" {
		parts = append(parts, fmt.Sprintf(`error="%s"`, errCode))
		if errDescription != "" {
			parts = append(parts, fmt.Sprintf(`error_description="%s"`, EscapeQuotes(errDescription)))
		}
		if errCode == "insufficient_scope" && len(p.Scopes) > 0 {
			parts = append(parts, fmt.Sprintf(`scope="%s"`, EscapeQuotes(strings.Join(p.Scopes, " "))))
		}
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// EscapeQuotes escapes quotes in a string for use in a quoted-string context.
func EscapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// ExtractBearerToken returns the credential of a "Bearer" Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrNoToken
	}
	scheme, token, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: authorization header must use the Bearer scheme", ErrInvalidToken)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrInvalidToken)
	}
	return token, nil
}

// NewBearerMiddleware rejects requests without a valid bearer token and
// publishes the validated AccessToken to downstream handlers.
func NewBearerMiddleware(validator Validator, challenge ChallengeParams) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := ExtractBearerToken(r)
			if err != nil {
				if errors.Is(err, ErrNoToken) {
					w.Header().Set("WWW-Authenticate", challenge.buildWWWAuthenticate("", ""))
					http.Error(w, "Authorization header required", http.StatusUnauthorized)
					return
				}
				w.Header().Set("WWW-Authenticate", challenge.buildWWWAuthenticate("invalid_request", err.Error()))
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := validator.ValidateToken(r.Context(), tokenString)
			if err != nil {
				if errors.Is(err, ErrInsufficientScope) {
					w.Header().Set("WWW-Authenticate", challenge.buildWWWAuthenticate("insufficient_scope", err.Error()))
					http.Error(w, "Insufficient scope", http.StatusForbidden)
					return
				}
				logger.Debugf("Rejected bearer token: %v", err)
				w.Header().Set("WWW-Authenticate", challenge.buildWWWAuthenticate("invalid_token", err.Error()))
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			ctx := WithAccessToken(r.Context(), &AccessToken{Raw: tokenString, Claims: claims})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
