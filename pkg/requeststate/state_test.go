// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package requeststate

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_SetGet(t *testing.T) {
	t.Parallel()

	state := New()
	assert.NotEmpty(t, state.ID())

	_, ok := state.Get("user_id")
	assert.False(t, ok)

	state.Set("user_id", nil)
	value, ok := state.Get("user_id")
	assert.True(t, ok, "a nil value still marks the key as set")
	assert.Nil(t, value)

	state.Set("user_id", "u1")
	value, ok = state.Get("user_id")
	assert.True(t, ok)
	assert.Equal(t, "u1", value)

	snapshot := state.Snapshot()
	snapshot["user_id"] = "mutated"
	value, _ = state.Get("user_id")
	assert.Equal(t, "u1", value)
}

func TestState_UniqueIDs(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t, New().ID(), New().ID())
}

func TestState_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	state := New()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			state.Set(key, i)
			_, _ = state.Get(key)
		}()
	}
	wg.Wait()
	assert.Len(t, state.Snapshot(), 50)
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	assert.Equal(t, context.Background(), WithState(context.Background(), nil))

	state := New()
	got, ok := FromContext(WithState(context.Background(), state))
	require.True(t, ok)
	assert.Same(t, state, got)
}

func TestMiddleware_FreshStatePerRequest(t *testing.T) {
	t.Parallel()

	var ids []string
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state, ok := FromContext(r.Context())
		require.True(t, ok)
		_, set := state.Get("user_id")
		assert.False(t, set, "state must not leak between requests")
		state.Set("user_id", "u1")
		ids = append(ids, state.ID())
		w.WriteHeader(http.StatusNoContent)
	}))

	for range 2 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}

	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
}

func TestHTTPContextFunc(t *testing.T) {
	t.Parallel()

	t.Run("carries request state", func(t *testing.T) {
		t.Parallel()

		state := New()
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req = req.WithContext(WithState(req.Context(), state))

		got, ok := FromContext(HTTPContextFunc(context.Background(), req))
		require.True(t, ok)
		assert.Same(t, state, got)
	})

	t.Run("creates state when missing", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		_, ok := FromContext(HTTPContextFunc(context.Background(), req))
		assert.True(t, ok)
	})

	t.Run("keeps existing handler state", func(t *testing.T) {
		t.Parallel()

		state := New()
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		got, ok := FromContext(HTTPContextFunc(WithState(context.Background(), state), req))
		require.True(t, ok)
		assert.Same(t, state, got)
	})
}
