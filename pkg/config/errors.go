// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingRealmURL is returned when KEYCLOAK_REALM_URL is not set
	ErrMissingRealmURL = errors.New("KEYCLOAK_REALM_URL is required")

	// ErrMissingBaseURL is returned in production when KEYCLOAK_MCP_SERVER_BASE_URL is not set
	ErrMissingBaseURL = errors.New("KEYCLOAK_MCP_SERVER_BASE_URL is required in production")

	// ErrInsecureRealmURL is returned in production when the realm is not served over HTTPS
	ErrInsecureRealmURL = errors.New("realm URL must use https in production")

	// ErrInvalidPort is returned when the listen port is outside 1-65535
	ErrInvalidPort = errors.New("invalid listen port")
)

// FieldError reports an environment variable holding an unusable value.
type FieldError struct {
	// Name is the environment variable name
	Name string
	// Value is the rejected value
	Value string
	// Err is the underlying error
	Err error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid value %q for %s: %v", e.Value, e.Name, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
