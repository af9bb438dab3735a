// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the authcalc command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/authcalc/pkg/logger"
)

// NewRootCmd creates a new root command for the authcalc CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "authcalc",
		DisableAutoGenTag: true,
		Short:             "Authenticated MCP calculator server",
		Long: `authcalc is an MCP (Model Context Protocol) server that authenticates every request
against a Keycloak realm and exposes a small set of tools. It provides:

- Bearer token validation (JWKS or token introspection)
- OIDC discovery and RFC 9728 protected resource metadata
- Dynamic client registration forwarding
- Per-request caller identity for tools and resources`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize(viper.GetBool("debug"))
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}
