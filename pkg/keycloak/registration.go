// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keycloak

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/stacklok/authcalc/pkg/logger"
)

// RegistrationPath is where client registration requests are accepted.
const RegistrationPath = "/register"

// maxRegistrationBody caps forwarded client metadata.
const maxRegistrationBody = 64 << 10

// Registrations are forwarded at 5 per second with a burst of 10.
const (
	registrationRate  = 5
	registrationBurst = 10
)

// RegistrationHandler forwards RFC 7591 client registration requests to the
// realm. The client is expected to already carry the realm's initial access
// token, so MCP clients can register without holding it themselves.
type RegistrationHandler struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewRegistrationHandler creates a forwarder to the realm registration endpoint.
func NewRegistrationHandler(realm *Realm, client *http.Client) *RegistrationHandler {
	return &RegistrationHandler{
		endpoint: realm.RegistrationEndpoint(),
		client:   client,
		limiter:  rate.NewLimiter(registrationRate, registrationBurst),
	}
}

// ServeHTTP implements http.Handler.
func (h *RegistrationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Too many registration requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRegistrationBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "Registration request too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read registration request", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		logger.Errorf("Failed to build registration request: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		logger.Warnf("Client registration with realm failed: %v", err)
		http.Error(w, "Identity provider unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		logger.Infof("Realm rejected client registration with status %d", resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, io.LimitReader(resp.Body, maxRegistrationBody)); err != nil {
		logger.Debugf("Failed to relay registration response: %v", err)
	}
}
