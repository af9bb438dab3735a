// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// WellKnownOAuthResourcePath is the RFC 9728 metadata location.
const WellKnownOAuthResourcePath = "/.well-known/oauth-protected-resource"

// RFC9728AuthInfo represents the OAuth Protected Resource metadata as defined in RFC 9728
type RFC9728AuthInfo struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	JWKSURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported"`
}

// ResourceMetadataURL returns the absolute metadata URL for a server rooted at baseURL.
func ResourceMetadataURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + WellKnownOAuthResourcePath
}

// NewAuthInfoHandler serves the RFC 9728 document for resourceURL.
// The body is encoded once; an empty resourceURL is a configuration error.
func NewAuthInfoHandler(issuer, jwksURL, resourceURL string, scopes []string) (http.Handler, error) {
	if resourceURL == "" {
		return nil, fmt.Errorf("resource URL is required for protected resource metadata")
	}

	supportedScopes := scopes
	if len(supportedScopes) == 0 {
		supportedScopes = []string{"openid"}
	}

	body, err := json.Marshal(RFC9728AuthInfo{
		Resource:               resourceURL,
		AuthorizationServers:   []string{issuer},
		BearerMethodsSupported: []string{"header"},
		JWKSURI:                jwksURL,
		ScopesSupported:        supportedScopes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode protected resource metadata: %w", err)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}), nil
}

// NewWellKnownHandler routes /.well-known/oauth-protected-resource and any
// subpath under it to authInfoHandler and returns 404 for other paths.
func NewWellKnownHandler(authInfoHandler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == WellKnownOAuthResourcePath || strings.HasPrefix(path, WellKnownOAuthResourcePath+"/") {
			authInfoHandler.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
	})
}
