// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package requeststate holds the mutable key/value state scoped to a single
// inbound HTTP request. A State is created when the request enters the server
// and becomes unreachable once the handler returns; it is never shared across
// requests.
package requeststate

import (
	"context"
	"maps"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// State is a goroutine-safe key/value store for one request.
type State struct {
	id     string
	mu     sync.RWMutex
	values map[string]any
}

// New returns an empty State with a fresh identifier.
func New() *State {
	return &State{
		id:     uuid.NewString(),
		values: make(map[string]any),
	}
}

// ID identifies the request the state belongs to.
func (s *State) ID() string {
	return s.id
}

// Set stores value under key. A nil value is stored as-is and still counts as set.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value stored under key and whether the key was set.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok
}

// Snapshot returns a copy of all stored values.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

type stateContextKey struct{}

// WithState attaches state to ctx.
func WithState(ctx context.Context, state *State) context.Context {
	if state == nil {
		return ctx
	}
	return context.WithValue(ctx, stateContextKey{}, state)
}

// FromContext returns the State of the current request, if one exists.
func FromContext(ctx context.Context) (*State, bool) {
	state, ok := ctx.Value(stateContextKey{}).(*State)
	return state, ok && state != nil
}

// Middleware creates a fresh State for every request passing through it.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithState(r.Context(), New())))
	})
}

// HTTPContextFunc carries the request's State into the MCP handler context,
// creating one when the request bypassed Middleware. Its signature matches the
// streamable HTTP transport's context hook.
func HTTPContextFunc(ctx context.Context, r *http.Request) context.Context {
	if state, ok := FromContext(r.Context()); ok {
		return WithState(ctx, state)
	}
	if _, ok := FromContext(ctx); ok {
		return ctx
	}
	return WithState(ctx, New())
}
