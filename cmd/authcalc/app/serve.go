// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/authcalc/pkg/auth"
	"github.com/stacklok/authcalc/pkg/config"
	"github.com/stacklok/authcalc/pkg/identity"
	"github.com/stacklok/authcalc/pkg/keycloak"
	"github.com/stacklok/authcalc/pkg/logger"
	"github.com/stacklok/authcalc/pkg/networking"
	"github.com/stacklok/authcalc/pkg/server"
	"github.com/stacklok/authcalc/pkg/telemetry"
	"github.com/stacklok/authcalc/pkg/versions"
)

const serviceName = "authcalc"

// newServeCmd creates the serve command for starting the MCP server
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the MCP server. Configuration is read from the environment and, outside
production, from a .env file. --host and --port override MCP_HOST and MCP_PORT.`,
		RunE: runServe,
	}

	cmd.Flags().String("host", "", "Address to listen on (overrides MCP_HOST)")
	cmd.Flags().Int("port", 0, "Port to listen on (overrides MCP_PORT)")
	cmd.Flags().String("env-file", config.DefaultDotEnv, "Path of the .env file read outside production")
	for _, name := range []string{"host", "port", "env-file"} {
		if err := viper.BindPFlag("serve."+name, cmd.Flags().Lookup(name)); err != nil {
			logger.Errorf("Error binding %s flag: %v", name, err)
		}
	}

	return cmd
}

// loadConfig reads the configuration and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(&env.OSReader{}, viper.GetString("serve.env-file"))
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}

	if cmd.Flags().Changed("host") {
		cfg.Host = viper.GetString("serve.host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = viper.GetInt("serve.port")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		return err
	}

	realm, err := keycloak.NewRealm(cfg.RealmURL)
	if err != nil {
		return err
	}

	validator, err := auth.NewTokenValidator(ctx, auth.TokenValidatorConfig{
		Issuer:                 realm.URL(),
		Audience:               cfg.Audience,
		IntrospectionURL:       realm.IntrospectionEndpoint(),
		RequiredScopes:         cfg.RequiredScopes,
		CACertPath:             cfg.CABundle,
		AllowPrivateIP:         cfg.AllowPrivateIP,
		AllowInsecureLocalhost: cfg.AllowPlainHTTP(),
		AllowInsecureHTTP:      cfg.AllowPlainHTTP(),
	})
	if err != nil {
		return fmt.Errorf("failed to create token validator: %w", err)
	}

	authInfo, err := auth.NewAuthInfoHandler(realm.URL(), realm.JWKSURI(), cfg.ResourceURL(), cfg.RequiredScopes)
	if err != nil {
		return fmt.Errorf("failed to create protected resource metadata handler: %w", err)
	}

	discovery, err := keycloak.NewDiscoveryHandler(realm)
	if err != nil {
		return fmt.Errorf("failed to create discovery handler: %w", err)
	}

	serverCfg := server.Config{
		Name:    "Auth Calculator",
		Version: versions.GetVersionInfo().Version,
		Host:    cfg.Host,
		Port:    cfg.Port,
		AuthMiddleware: auth.NewBearerMiddleware(validator, auth.ChallengeParams{
			Realm:               realm.URL(),
			ResourceMetadataURL: auth.ResourceMetadataURL(cfg.BaseURL),
			Scopes:              cfg.RequiredScopes,
		}),
		AuthInfoHandler:  authInfo,
		DiscoveryHandler: discovery,
		Identity:         identity.Options{RequiredTools: cfg.RequireUserTools},
	}

	if cfg.InitialAccessToken != "" {
		client, err := networking.NewHttpClientBuilder().
			WithCABundle(cfg.CABundle).
			WithBearerToken(cfg.InitialAccessToken).
			WithPrivateIPs(cfg.AllowPrivateIP).
			WithInsecureHTTP(cfg.AllowPlainHTTP()).
			Build()
		if err != nil {
			return fmt.Errorf("failed to create registration client: %w", err)
		}
		serverCfg.RegistrationHandler = keycloak.NewRegistrationHandler(realm, client)
	} else {
		logger.Warn("KEYCLOAK_INITIAL_ACCESS_TOKEN not set, client registration forwarding disabled")
	}

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:           serviceName,
		ServiceVersion:        versions.GetVersionInfo().Version,
		OTLPEndpoint:          cfg.OTLPEndpoint,
		Insecure:              cfg.OTLPInsecure,
		IncludeRuntimeMetrics: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create telemetry provider: %w", err)
	}
	serverCfg.TelemetryProvider = provider

	srv, err := server.New(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Infof("Using Keycloak DCR auth for server %s and realm %s (audience=%s)",
		cfg.BaseURL, realm.URL(), cfg.Audience)

	return srv.Start(ctx)
}
