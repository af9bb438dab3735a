// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keycloak describes a Keycloak realm and serves the endpoints MCP
// clients use to negotiate authentication with it.
package keycloak

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidRealmURL is returned for realm URLs that are not absolute http(s) URLs.
var ErrInvalidRealmURL = errors.New("invalid realm URL")

// Realm is a Keycloak realm identified by its base URL.
type Realm struct {
	url string
}

// NewRealm validates rawURL and drops any trailing slash.
func NewRealm(rawURL string) (*Realm, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(rawURL), "/")
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRealmURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q must be an absolute http(s) URL", ErrInvalidRealmURL, rawURL)
	}
	return &Realm{url: trimmed}, nil
}

// URL returns the realm URL, which is also the token issuer.
func (r *Realm) URL() string { return r.url }

// AuthorizationEndpoint returns the OAuth 2.0 authorization endpoint.
func (r *Realm) AuthorizationEndpoint() string { return r.url + "/protocol/openid-connect/auth" }

// TokenEndpoint returns the OAuth 2.0 token endpoint.
func (r *Realm) TokenEndpoint() string { return r.url + "/protocol/openid-connect/token" }

// UserinfoEndpoint returns the OIDC userinfo endpoint.
func (r *Realm) UserinfoEndpoint() string { return r.url + "/protocol/openid-connect/userinfo" }

// JWKSURI returns the realm signing keys location.
func (r *Realm) JWKSURI() string { return r.url + "/protocol/openid-connect/certs" }

// IntrospectionEndpoint returns the RFC 7662 introspection endpoint.
func (r *Realm) IntrospectionEndpoint() string {
	return r.url + "/protocol/openid-connect/token/introspect"
}

// RegistrationEndpoint returns the dynamic client registration endpoint.
func (r *Realm) RegistrationEndpoint() string { return r.url + "/clients-registrations/openid-connect" }
