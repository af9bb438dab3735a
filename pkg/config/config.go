// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the server configuration from the environment.
//
// Values come from the process environment. Outside production a .env file,
// when present, is layered on top so that local development can keep realm
// settings next to the checkout.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/stacklok/toolhive-core/env"
)

// Environment variable names.
const (
	EnvRealmURL           = "KEYCLOAK_REALM_URL"
	EnvProduction         = "RUNNING_IN_PRODUCTION"
	EnvBaseURL            = "KEYCLOAK_MCP_SERVER_BASE_URL"
	EnvAudience           = "KEYCLOAK_MCP_SERVER_AUDIENCE"
	EnvInitialAccessToken = "KEYCLOAK_INITIAL_ACCESS_TOKEN" // #nosec G101 -- variable name, not a credential
	EnvCABundle           = "KEYCLOAK_CA_BUNDLE"
	EnvAllowPrivateIP     = "KEYCLOAK_ALLOW_PRIVATE_IP"
	EnvHost               = "MCP_HOST"
	EnvPort               = "MCP_PORT"
	EnvRequireUserTools   = "MCP_REQUIRE_USER_TOOLS"
	EnvOTLPEndpoint       = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvOTLPInsecure       = "OTEL_EXPORTER_OTLP_INSECURE"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultBaseURL  = "http://localhost:8000"
	DefaultAudience = "mcp-server"
	DefaultHost     = "0.0.0.0"
	DefaultPort     = 8000
	DefaultDotEnv   = ".env"
)

// RequiredScopes are the scopes every access token must carry.
var RequiredScopes = []string{"openid", "mcp:access"}

var allKeys = []string{
	EnvRealmURL, EnvProduction, EnvBaseURL, EnvAudience, EnvInitialAccessToken,
	EnvCABundle, EnvAllowPrivateIP, EnvHost, EnvPort, EnvRequireUserTools,
	EnvOTLPEndpoint, EnvOTLPInsecure,
}

// Config is the resolved server configuration. It is not modified after Load returns.
type Config struct {
	// RealmURL is the Keycloak realm URL without a trailing slash
	RealmURL string
	// Production disables .env loading and requires an explicit BaseURL
	Production bool
	// BaseURL is the externally visible URL of this server
	BaseURL string
	// Audience is the expected "aud" of access tokens
	Audience string
	// RequiredScopes must all be present in the token "scope" claim
	RequiredScopes []string
	// InitialAccessToken authorizes dynamic client registration against the realm
	InitialAccessToken string
	// CABundle is an optional PEM bundle for talking to the realm
	CABundle string
	// AllowPrivateIP lets outbound clients reach realms on private addresses
	AllowPrivateIP bool
	// Host and Port form the listen address
	Host string
	Port int
	// RequireUserTools names tools that reject anonymous calls
	RequireUserTools []string
	// OTLPEndpoint enables OTLP export of traces and metrics when set
	OTLPEndpoint string
	// OTLPInsecure disables TLS towards the OTLP collector
	OTLPInsecure bool
}

// Address returns the host:port listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ResourceURL is the protected MCP endpoint advertised in RFC 9728 metadata.
func (c *Config) ResourceURL() string {
	return c.BaseURL + "/mcp"
}

// Load resolves the configuration from envReader and, outside production, from dotEnvPath.
// A missing .env file is not an error. An empty dotEnvPath skips the file.
func Load(envReader env.Reader, dotEnvPath string) (*Config, error) {
	v := viper.New()
	v.SetDefault(EnvAudience, DefaultAudience)
	v.SetDefault(EnvHost, DefaultHost)
	v.SetDefault(EnvPort, DefaultPort)

	values := make(map[string]string, len(allKeys))
	for _, key := range allKeys {
		if val := strings.TrimSpace(envReader.Getenv(key)); val != "" {
			values[key] = val
		}
	}

	production := strings.EqualFold(values[EnvProduction], "true")

	if !production && dotEnvPath != "" {
		fileValues, err := readDotEnv(dotEnvPath)
		if err != nil {
			return nil, err
		}
		// the file wins over the process environment, except for the production switch
		for key, val := range fileValues {
			if key != EnvProduction {
				values[key] = val
			}
		}
	}

	for key, val := range values {
		v.Set(key, val)
	}

	cfg := &Config{
		RealmURL:           strings.TrimRight(v.GetString(EnvRealmURL), "/"),
		Production:         production,
		BaseURL:            strings.TrimRight(v.GetString(EnvBaseURL), "/"),
		Audience:           v.GetString(EnvAudience),
		RequiredScopes:     append([]string(nil), RequiredScopes...),
		InitialAccessToken: v.GetString(EnvInitialAccessToken),
		CABundle:           v.GetString(EnvCABundle),
		AllowPrivateIP:     !production,
		Host:               v.GetString(EnvHost),
		Port:               v.GetInt(EnvPort),
		RequireUserTools:   splitList(v.GetString(EnvRequireUserTools)),
		OTLPEndpoint:       v.GetString(EnvOTLPEndpoint),
		OTLPInsecure:       v.GetBool(EnvOTLPInsecure),
	}
	if v.IsSet(EnvAllowPrivateIP) {
		cfg.AllowPrivateIP = v.GetBool(EnvAllowPrivateIP)
	}
	if !production {
		// development always serves the local listener
		cfg.BaseURL = DefaultBaseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AllowPlainHTTP reports whether outbound calls to the realm may use plain HTTP.
// Development realms commonly run without TLS on a container network.
func (c *Config) AllowPlainHTTP() bool {
	return !c.Production
}

// Validate checks the configuration for missing or malformed values.
func (c *Config) Validate() error {
	if c.RealmURL == "" {
		return ErrMissingRealmURL
	}
	if err := validateAbsoluteURL(EnvRealmURL, c.RealmURL); err != nil {
		return err
	}
	if c.Production && !strings.HasPrefix(strings.ToLower(c.RealmURL), "https://") {
		return &FieldError{Name: EnvRealmURL, Value: c.RealmURL, Err: ErrInsecureRealmURL}
	}
	if c.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if err := validateAbsoluteURL(EnvBaseURL, c.BaseURL); err != nil {
		return err
	}
	if c.Port < 1 || c.Port > 65535 {
		return &FieldError{Name: EnvPort, Value: fmt.Sprint(c.Port), Err: ErrInvalidPort}
	}
	return nil
}

func validateAbsoluteURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &FieldError{Name: name, Value: raw, Err: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &FieldError{Name: name, Value: raw, Err: errors.New("must be an absolute http(s) URL")}
	}
	return nil
}

// readDotEnv parses a KEY=VALUE file with viper's dotenv codec.
func readDotEnv(path string) (map[string]string, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	fileViper := viper.New()
	fileViper.SetConfigFile(path)
	fileViper.SetConfigType("env")
	if err := fileViper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	values := make(map[string]string)
	for _, key := range allKeys {
		// viper lower-cases keys internally; lookups are case-insensitive
		if val := strings.TrimSpace(fileViper.GetString(key)); val != "" {
			values[key] = val
		}
	}
	return values, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
