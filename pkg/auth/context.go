// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// AccessToken is a bearer credential that passed validation for the current request.
// Claims may be nil when the credential carried no claim set.
type AccessToken struct {
	Raw    string
	Claims jwt.MapClaims
}

// accessTokenContextKey is unexported so that only this package can publish tokens.
type accessTokenContextKey struct{}

// WithAccessToken stores a validated token in the context.
// If token is nil, the original context is returned unchanged.
func WithAccessToken(ctx context.Context, token *AccessToken) context.Context {
	if token == nil {
		return ctx
	}
	return context.WithValue(ctx, accessTokenContextKey{}, token)
}

// AccessTokenFromContext returns the validated token of the current request, if any.
func AccessTokenFromContext(ctx context.Context) (*AccessToken, bool) {
	token, ok := ctx.Value(accessTokenContextKey{}).(*AccessToken)
	return token, ok && token != nil
}
