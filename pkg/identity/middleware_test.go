// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/stacklok/authcalc/pkg/auth"
	"github.com/stacklok/authcalc/pkg/requeststate"
)

func requestContext(token *auth.AccessToken) (context.Context, *requeststate.State) {
	state := requeststate.New()
	ctx := requeststate.WithState(context.Background(), state)
	return auth.WithAccessToken(ctx, token), state
}

func toolRequest(name string) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	return req
}

func TestResolveUserID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		token  *auth.AccessToken
		want   string
		wantOK bool
	}{
		{"subject present", &auth.AccessToken{Raw: "t", Claims: jwt.MapClaims{"sub": "u1"}}, "u1", true},
		{"no token", nil, "", false},
		{"nil claims", &auth.AccessToken{Raw: "t"}, "", false},
		{"missing sub", &auth.AccessToken{Raw: "t", Claims: jwt.MapClaims{"email": "a@example.com"}}, "", false},
		{"non-string sub", &auth.AccessToken{Raw: "t", Claims: jwt.MapClaims{"sub": 42}}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := auth.WithAccessToken(context.Background(), tt.token)
			got, ok := ResolveUserID(ctx)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestToolMiddleware_RecordsUser(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		token      *auth.AccessToken
		wantUser   string
		wantAbsent bool
	}{
		{"authenticated", &auth.AccessToken{Raw: "t", Claims: jwt.MapClaims{"sub": "u1"}}, "u1", false},
		{"no token", nil, "", true},
		{"token without claims", &auth.AccessToken{Raw: "t"}, "", true},
		{"token without sub", &auth.AccessToken{Raw: "t", Claims: jwt.MapClaims{"scope": "openid"}}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, state := requestContext(tt.token)
			called := false
			handler := NewMiddleware(Options{}).ToolMiddleware()(
				func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					called = true
					userID, ok := UserIDFromContext(ctx)
					assert.Equal(t, !tt.wantAbsent, ok)
					assert.Equal(t, tt.wantUser, userID)
					return mcp.NewToolResultText("ok"), nil
				})

			result, err := handler(ctx, toolRequest("add_numbers"))
			require.NoError(t, err)
			require.NotNil(t, result)
			assert.False(t, result.IsError)
			assert.True(t, called, "the handler runs regardless of identity")

			value, set := state.Get(UserIDKey)
			assert.True(t, set, "user_id is always written for a live request")
			if tt.wantAbsent {
				assert.Nil(t, value)
			} else {
				assert.Equal(t, tt.wantUser, value)
			}
		})
	}
}

func TestToolMiddleware_PassesThroughUnchanged(t *testing.T) {
	t.Parallel()

	ctx, _ := requestContext(nil)
	want := mcp.NewToolResultText("payload")
	wantErr := errors.New("tool failed")

	handler := NewMiddleware(Options{}).ToolMiddleware()(
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return want, wantErr
		})

	got, err := handler(ctx, toolRequest("anything"))
	assert.Same(t, want, got)
	assert.Same(t, wantErr, err)
}

func TestToolMiddleware_NoRequestState(t *testing.T) {
	t.Parallel()

	ctx := auth.WithAccessToken(context.Background(), &auth.AccessToken{Claims: jwt.MapClaims{"sub": "u1"}})
	called := false
	handler := NewMiddleware(Options{}).ToolMiddleware()(
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			called = true
			_, ok := UserIDFromContext(ctx)
			assert.False(t, ok)
			return mcp.NewToolResultText("ok"), nil
		})

	_, err := handler(ctx, toolRequest("add_numbers"))
	require.NoError(t, err)
	assert.True(t, called)
}

func TestResourceMiddleware(t *testing.T) {
	t.Parallel()

	ctx, state := requestContext(&auth.AccessToken{Raw: "t", Claims: jwt.MapClaims{"sub": "u1"}})

	var req mcp.ReadResourceRequest
	req.Params.URI = "identity://me"

	handler := NewMiddleware(Options{}).ResourceMiddleware(
		func(ctx context.Context, r mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			userID, ok := UserIDFromContext(ctx)
			require.True(t, ok)
			return []mcp.ResourceContents{mcp.TextResourceContents{URI: r.Params.URI, Text: userID}}, nil
		})

	contents, err := handler(ctx, req)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Equal(t, "u1", contents[0].(mcp.TextResourceContents).Text)

	value, _ := state.Get(UserIDKey)
	assert.Equal(t, "u1", value)
}

func TestRequireUser(t *testing.T) {
	t.Parallel()

	next := func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("ok"), nil
	}

	t.Run("anonymous caller rejected", func(t *testing.T) {
		t.Parallel()

		ctx, state := requestContext(nil)
		state.Set(UserIDKey, nil)

		result, err := RequireUser(next)(ctx, toolRequest("add_numbers"))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		text, ok := result.Content[0].(mcp.TextContent)
		require.True(t, ok)
		assert.Contains(t, text.Text, ErrAuthenticationRequired)
	})

	t.Run("authenticated caller allowed", func(t *testing.T) {
		t.Parallel()

		ctx, state := requestContext(nil)
		state.Set(UserIDKey, "u1")

		result, err := RequireUser(next)(ctx, toolRequest("add_numbers"))
		require.NoError(t, err)
		assert.False(t, result.IsError)
	})
}

func TestOptions_RequiredTools(t *testing.T) {
	t.Parallel()

	mw := NewMiddleware(Options{RequiredTools: []string{"guarded"}})
	calls := 0
	handler := mw.ToolMiddleware()(func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		calls++
		return mcp.NewToolResultText("ok"), nil
	})

	anonymous, _ := requestContext(nil)
	result, err := handler(anonymous, toolRequest("guarded"))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = handler(anonymous, toolRequest("open"))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	authenticated, _ := requestContext(&auth.AccessToken{Claims: jwt.MapClaims{"sub": "u1"}})
	result, err = handler(authenticated, toolRequest("guarded"))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, 2, calls)
}

func TestToolMiddleware_ConcurrentRequestsIsolated(t *testing.T) {
	t.Parallel()

	handler := NewMiddleware(Options{}).ToolMiddleware()(
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			userID, _ := UserIDFromContext(ctx)
			return mcp.NewToolResultText(userID), nil
		})

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for i := range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := fmt.Sprintf("u%d", i%2+1)
			ctx, _ := requestContext(&auth.AccessToken{Claims: jwt.MapClaims{"sub": want}})
			result, err := handler(ctx, toolRequest("whoami"))
			if err != nil {
				errs <- err
				return
			}
			if got := result.Content[0].(mcp.TextContent).Text; got != want {
				errs <- fmt.Errorf("request for %s observed %s", want, got)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestMiddleware_RecordsOutcomeMetric(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	mw := NewMiddleware(Options{MeterProvider: provider})

	handler := mw.ToolMiddleware()(func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("ok"), nil
	})
	authenticated, _ := requestContext(&auth.AccessToken{Claims: jwt.MapClaims{"sub": "u1"}})
	anonymous, _ := requestContext(nil)
	_, _ = handler(authenticated, toolRequest("add_numbers"))
	_, _ = handler(anonymous, toolRequest("add_numbers"))
	_, _ = handler(anonymous, toolRequest("add_numbers"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "authcalc_identity_resolutions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				outcome, _ := dp.Attributes.Value("outcome")
				counts[outcome.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"resolved": 1, "absent": 2}, counts)
}
