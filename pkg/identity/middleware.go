// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stacklok/authcalc/pkg/logger"
	"github.com/stacklok/authcalc/pkg/requeststate"
)

const instrumentationName = "github.com/stacklok/authcalc/pkg/identity"

// ErrAuthenticationRequired is the message returned to anonymous callers of guarded tools.
const ErrAuthenticationRequired = "authentication required"

// Options configures the identity middleware.
type Options struct {
	// RequiredTools lists tools that reject calls without a user
	RequiredTools []string
	// MeterProvider records resolution outcomes; defaults to the global provider
	MeterProvider metric.MeterProvider
}

// Middleware records the caller identity before tool and resource handlers run.
type Middleware struct {
	requiredTools map[string]struct{}
	resolutions   metric.Int64Counter
}

// NewMiddleware creates the identity middleware.
func NewMiddleware(opts Options) *Middleware {
	meterProvider := opts.MeterProvider
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}
	meter := meterProvider.Meter(instrumentationName)

	// The exporter adds the _total suffix automatically
	resolutions, _ := meter.Int64Counter(
		"authcalc_identity_resolutions",
		metric.WithDescription("Caller identity resolutions by operation kind and outcome"),
	)

	required := make(map[string]struct{}, len(opts.RequiredTools))
	for _, name := range opts.RequiredTools {
		required[name] = struct{}{}
	}

	return &Middleware{
		requiredTools: required,
		resolutions:   resolutions,
	}
}

// intercept resolves the caller and writes user_id exactly once when the
// operation runs inside a request. It never fails.
func (m *Middleware) intercept(ctx context.Context, kind CallKind, name string) {
	userID, found := safeResolve(ctx)

	outcome := "absent"
	if found {
		outcome = "resolved"
	}
	if m.resolutions != nil {
		m.resolutions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("outcome", outcome),
		))
	}

	state, ok := requeststate.FromContext(ctx)
	if !ok {
		// no live request, e.g. capability enumeration during startup
		logger.Debugf("No request state for %s %q, skipping identity", kind, name)
		return
	}

	if found {
		state.Set(UserIDKey, userID)
	} else {
		state.Set(UserIDKey, nil)
	}
	logger.Debugw("resolved caller identity", "kind", string(kind), "name", name, "outcome", outcome)
}

// safeResolve degrades a panicking resolution to an absent user.
func safeResolve(ctx context.Context) (userID string, found bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warnf("Identity resolution panicked: %v", r)
			userID, found = "", false
		}
	}()
	return ResolveUserID(ctx)
}

// ToolMiddleware returns the tool handler middleware for the MCP server.
func (m *Middleware) ToolMiddleware() server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			m.intercept(ctx, CallKindTool, request.Params.Name)
			if _, guarded := m.requiredTools[request.Params.Name]; guarded {
				return RequireUser(next)(ctx, request)
			}
			return next(ctx, request)
		}
	}
}

// ResourceMiddleware wraps a resource handler.
func (m *Middleware) ResourceMiddleware(next server.ResourceHandlerFunc) server.ResourceHandlerFunc {
	return func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		m.intercept(ctx, CallKindResource, request.Params.URI)
		return next(ctx, request)
	}
}

// RequireUser rejects tool calls that carry no user with an MCP error result.
func RequireUser(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if _, ok := UserIDFromContext(ctx); !ok {
			return mcp.NewToolResultError(fmt.Sprintf("%s: tool %q needs an authenticated caller",
				ErrAuthenticationRequired, request.Params.Name)), nil
		}
		return next(ctx, request)
	}
}
