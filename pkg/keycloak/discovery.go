// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keycloak

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/stacklok/authcalc/pkg/logger"
)

// DiscoveryPath is where the discovery document is served.
const DiscoveryPath = "/.well-known/openid-configuration"

// DiscoveryDocument is the OpenID Provider metadata advertised on behalf of the realm.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// NewDiscoveryDocument derives the document from the realm alone.
func NewDiscoveryDocument(realm *Realm) DiscoveryDocument {
	return DiscoveryDocument{
		Issuer:                            realm.URL(),
		AuthorizationEndpoint:             realm.AuthorizationEndpoint(),
		TokenEndpoint:                     realm.TokenEndpoint(),
		UserinfoEndpoint:                  realm.UserinfoEndpoint(),
		JWKSURI:                           realm.JWKSURI(),
		RegistrationEndpoint:              realm.RegistrationEndpoint(),
		ScopesSupported:                   []string{"openid", "profile", "email", "mcp:access"},
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	}
}

// DiscoveryHandler serves a discovery document encoded once at construction,
// so every response body is byte-identical.
type DiscoveryHandler struct {
	body []byte
}

// NewDiscoveryHandler encodes the realm's discovery document.
func NewDiscoveryHandler(realm *Realm) (*DiscoveryHandler, error) {
	body, err := json.Marshal(NewDiscoveryDocument(realm))
	if err != nil {
		return nil, fmt.Errorf("failed to encode discovery document: %w", err)
	}
	return &DiscoveryHandler{body: body}, nil
}

// Body returns a copy of the encoded document.
func (h *DiscoveryHandler) Body() []byte {
	return append([]byte(nil), h.body...)
}

// ServeHTTP implements http.Handler.
func (h *DiscoveryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(h.body)))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(h.body); err != nil {
		logger.Debugf("Failed to write discovery document: %v", err)
	}
}
