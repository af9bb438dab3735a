// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tools contains the MCP tools and resources served by authcalc.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/authcalc/pkg/identity"
)

// Tool and resource names.
const (
	AddNumbersToolName  = "add_numbers"
	WhoAmIToolName      = "whoami"
	IdentityResourceURI = "identity://me"
)

// Addition is the structured result of add_numbers.
type Addition struct {
	Operation string  `json:"operation"`
	OperandA  float64 `json:"operand_a"`
	OperandB  float64 `json:"operand_b"`
	Result    float64 `json:"result"`
	Timestamp string  `json:"timestamp"`
}

// Caller describes the identity recorded for the current request.
type Caller struct {
	UserID        *string `json:"user_id"`
	Authenticated bool    `json:"authenticated"`
}

// Handlers implements the tool and resource handlers.
type Handlers struct {
	now func() time.Time
}

// NewHandlers returns handlers that timestamp results with the wall clock.
func NewHandlers() *Handlers {
	return &Handlers{now: time.Now}
}

// Register adds every tool and resource to s. Resource handlers are wrapped
// with the identity middleware here; tool handlers get it from the server options.
func (h *Handlers) Register(s *server.MCPServer, ident *identity.Middleware) {
	s.AddTool(mcp.NewTool(AddNumbersToolName,
		mcp.WithDescription("Add two numbers together."),
		mcp.WithNumber("a", mcp.Required(), mcp.Description("First operand")),
		mcp.WithNumber("b", mcp.Required(), mcp.Description("Second operand")),
	), h.AddNumbers)

	s.AddTool(mcp.NewTool(WhoAmIToolName,
		mcp.WithDescription("Return the subject of the authenticated caller."),
	), identity.RequireUser(h.WhoAmI))

	s.AddResource(mcp.NewResource(IdentityResourceURI, "Caller identity",
		mcp.WithResourceDescription("The user recorded for the current request"),
		mcp.WithMIMEType("application/json"),
	), ident.ResourceMiddleware(h.ReadIdentity))
}

// AddNumbers returns a + b with both operands echoed back.
func (h *Handlers) AddNumbers(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a, err := request.RequireFloat("a")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	b, err := request.RequireFloat("b")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := Addition{
		Operation: "addition",
		OperandA:  a,
		OperandB:  b,
		Result:    a + b,
		Timestamp: h.now().Format(time.RFC3339Nano),
	}
	return structuredResult(result)
}

// WhoAmI reports the caller's subject. It is registered behind RequireUser.
func (*Handlers) WhoAmI(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, _ := identity.UserIDFromContext(ctx)
	return structuredResult(map[string]string{"user_id": userID})
}

// ReadIdentity serves identity://me.
func (*Handlers) ReadIdentity(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	caller := Caller{}
	if userID, ok := identity.UserIDFromContext(ctx); ok {
		caller.UserID = &userID
		caller.Authenticated = true
	}

	body, err := json.Marshal(caller)
	if err != nil {
		return nil, fmt.Errorf("failed to encode identity: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(body),
		},
	}, nil
}

func structuredResult(v any) (*mcp.CallToolResult, error) {
	text, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultStructured(v, string(text)), nil
}
