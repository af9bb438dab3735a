// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPError(t *testing.T) {
	t.Parallel()

	reqURL, err := url.Parse("https://keycloak.example.com/realms/mcp/clients-registrations/openid-connect?secret=1")
	require.NoError(t, err)

	resp := &http.Response{
		StatusCode: http.StatusForbidden,
		Body:       io.NopCloser(strings.NewReader(strings.Repeat("x", 1024))),
		Request:    &http.Request{URL: reqURL},
	}

	got := NewHTTPError(resp)

	var httpErr *HTTPError
	require.True(t, errors.As(got, &httpErr))
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.Equal(t, "https://keycloak.example.com/realms/mcp/clients-registrations/openid-connect", httpErr.URL)
	assert.Len(t, httpErr.Message, maxErrorPreview)
}

func TestHTTPError_Error(t *testing.T) {
	t.Parallel()

	withMessage := &HTTPError{StatusCode: 404, URL: "https://example.com", Message: "not found"}
	assert.Equal(t, "HTTP 404 for URL https://example.com: not found", withMessage.Error())

	withoutMessage := &HTTPError{StatusCode: 500, URL: "https://example.com"}
	assert.Equal(t, "HTTP 500 for URL https://example.com", withoutMessage.Error())
}

func TestIsHTTPError(t *testing.T) {
	t.Parallel()

	base := &HTTPError{StatusCode: http.StatusUnauthorized, URL: "https://example.com"}
	wrapped := fmt.Errorf("introspection: %w", base)

	assert.True(t, IsHTTPError(wrapped, 0))
	assert.True(t, IsHTTPError(wrapped, http.StatusUnauthorized))
	assert.False(t, IsHTTPError(wrapped, http.StatusForbidden))
	assert.False(t, IsHTTPError(errors.New("plain"), 0))
}
