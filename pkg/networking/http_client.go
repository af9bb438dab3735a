// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package networking builds the outbound HTTP clients used to talk to the identity provider.
package networking

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/stacklok/authcalc/pkg/versions"
)

// HttpTimeout is the timeout for outgoing HTTP requests
const HttpTimeout = 30 * time.Second

// protectedDialerControl rejects connections to private address ranges.
func protectedDialerControl(_, address string, _ syscall.RawConn) error {
	return AddressReferencesPrivateIp(address)
}

// ValidatingTransport only forwards HTTPS requests. Plain HTTP is forwarded to
// localhost when AllowInsecureLocalhost is set, and to any host when
// AllowInsecureHTTP is set (a development realm on a container network).
type ValidatingTransport struct {
	Transport              http.RoundTripper
	AllowInsecureLocalhost bool
	AllowInsecureHTTP      bool
}

// RoundTrip validates the request URL prior to forwarding
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil || req.URL.Host == "" {
		return nil, fmt.Errorf("the supplied URL %v is malformed", req.URL)
	}

	switch req.URL.Scheme {
	case "https":
	case "http":
		if t.AllowInsecureHTTP {
			break
		}
		if !t.AllowInsecureLocalhost || !IsLocalhost(req.URL.Host) {
			return nil, fmt.Errorf("the supplied URL %s is not HTTPS scheme", req.URL.Redacted())
		}
	default:
		return nil, fmt.Errorf("the supplied URL %s has unsupported scheme %q", req.URL.Redacted(), req.URL.Scheme)
	}

	return t.Transport.RoundTrip(req)
}

// headerTransport stamps the User-Agent and, when set, a static bearer credential on every request.
type headerTransport struct {
	transport http.RoundTripper
	userAgent string
	token     string
}

// RoundTrip clones the request before mutating headers, as required by http.RoundTripper.
func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	newReq := req.Clone(req.Context())
	if newReq.Header.Get("User-Agent") == "" {
		newReq.Header.Set("User-Agent", t.userAgent)
	}
	if t.token != "" {
		newReq.Header.Set("Authorization", "Bearer "+t.token)
	}
	return t.transport.RoundTrip(newReq)
}

// HttpClientBuilder provides a fluent interface for building HTTP clients
type HttpClientBuilder struct {
	clientTimeout          time.Duration
	tlsHandshakeTimeout    time.Duration
	responseHeaderTimeout  time.Duration
	caCertPath             string
	bearerToken            string
	allowPrivate           bool
	allowInsecureLocalhost bool
	allowInsecureHTTP      bool
}

// NewHttpClientBuilder returns a new HttpClientBuilder
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{
		clientTimeout:         HttpTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithCABundle sets the CA certificate bundle path
func (b *HttpClientBuilder) WithCABundle(path string) *HttpClientBuilder {
	b.caCertPath = path
	return b
}

// WithBearerToken attaches a static bearer token to every request.
func (b *HttpClientBuilder) WithBearerToken(token string) *HttpClientBuilder {
	b.bearerToken = strings.TrimSpace(token)
	return b
}

// WithPrivateIPs allows connections to private IP addresses
func (b *HttpClientBuilder) WithPrivateIPs(allow bool) *HttpClientBuilder {
	b.allowPrivate = allow
	return b
}

// WithInsecureLocalhost permits plain HTTP to loopback hosts.
func (b *HttpClientBuilder) WithInsecureLocalhost(allow bool) *HttpClientBuilder {
	b.allowInsecureLocalhost = allow
	return b
}

// WithInsecureHTTP permits plain HTTP to any host. Never enable it in production.
func (b *HttpClientBuilder) WithInsecureHTTP(allow bool) *HttpClientBuilder {
	b.allowInsecureHTTP = allow
	return b
}

// WithTimeout overrides the overall client timeout.
func (b *HttpClientBuilder) WithTimeout(timeout time.Duration) *HttpClientBuilder {
	if timeout > 0 {
		b.clientTimeout = timeout
	}
	return b
}

// Build creates the configured HTTP client
func (b *HttpClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if !b.allowPrivate {
		transport.DialContext = (&net.Dialer{
			Control: protectedDialerControl,
		}).DialContext
	}

	if b.caCertPath != "" {
		caCert, err := os.ReadFile(b.caCertPath) // #nosec G304 -- operator-supplied configuration
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate bundle: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate bundle")
		}
		transport.TLSClientConfig.RootCAs = caCertPool
	}

	var clientTransport http.RoundTripper = &ValidatingTransport{
		Transport:              transport,
		AllowInsecureLocalhost: b.allowInsecureLocalhost,
		AllowInsecureHTTP:      b.allowInsecureHTTP,
	}

	clientTransport = &headerTransport{
		transport: clientTransport,
		userAgent: versions.UserAgent(),
		token:     b.bearerToken,
	}

	return &http.Client{
		Transport: clientTransport,
		Timeout:   b.clientTimeout,
	}, nil
}
