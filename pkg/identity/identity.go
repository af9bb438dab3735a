// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves the caller of each MCP operation from the
// validated access token and records it in the request state.
//
// Tool calls and resource reads go through the same resolution. Resolution
// never fails the operation: anything short of a token with a string "sub"
// claim is recorded as an absent user, and handlers decide what that means.
package identity

import (
	"context"

	"github.com/stacklok/authcalc/pkg/auth"
	"github.com/stacklok/authcalc/pkg/requeststate"
)

// UserIDKey is the request state slot holding the caller's subject.
const UserIDKey = "user_id"

// CallKind is the kind of MCP operation being intercepted.
type CallKind string

const (
	// CallKindTool is a tools/call request.
	CallKindTool CallKind = "tool"
	// CallKindResource is a resources/read request.
	CallKindResource CallKind = "resource"
)

// ResolveUserID returns the "sub" claim of the request's access token.
func ResolveUserID(ctx context.Context) (string, bool) {
	token, ok := auth.AccessTokenFromContext(ctx)
	if !ok || token.Claims == nil {
		return "", false
	}
	sub, ok := token.Claims["sub"].(string)
	if !ok {
		return "", false
	}
	return sub, true
}

// UserIDFromContext reads the user recorded for the current request.
// It reports false when nothing was recorded or the user is absent.
func UserIDFromContext(ctx context.Context) (string, bool) {
	state, ok := requeststate.FromContext(ctx)
	if !ok {
		return "", false
	}
	value, ok := state.Get(UserIDKey)
	if !ok || value == nil {
		return "", false
	}
	userID, ok := value.(string)
	return userID, ok
}
