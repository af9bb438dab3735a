// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorPreview bounds how much of an upstream error body ends up in logs.
const maxErrorPreview = 256

// HTTPError represents an unexpected response from an upstream HTTP endpoint.
type HTTPError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message is a short preview of the response body.
	Message string

	// URL is the requested URL.
	URL string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d for URL %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// NewHTTPError builds an HTTPError from resp, consuming at most maxErrorPreview bytes of its body.
// The caller still owns closing the body.
func NewHTTPError(resp *http.Response) error {
	httpErr := &HTTPError{StatusCode: resp.StatusCode}
	if resp.Request != nil && resp.Request.URL != nil {
		u := *resp.Request.URL
		u.RawQuery = ""
		httpErr.URL = u.String()
	}
	if resp.Body != nil {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorPreview))
		httpErr.Message = strings.TrimSpace(string(preview))
	}
	return httpErr
}

// IsHTTPError checks if an error is an HTTPError with the specified status code.
// If statusCode is 0, it matches any HTTPError.
func IsHTTPError(err error, statusCode int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if statusCode == 0 {
		return true
	}
	return httpErr.StatusCode == statusCode
}
