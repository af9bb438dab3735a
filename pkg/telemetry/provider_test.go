// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestNewProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                string
		config              Config
		wantErr             string
		checkRuntimeMetrics bool
	}{
		{
			name:    "missing service name",
			config:  Config{},
			wantErr: "service name cannot be empty",
		},
		{
			name:   "prometheus only",
			config: Config{ServiceName: "authcalc", ServiceVersion: "test"},
		},
		{
			name:                "with runtime metrics",
			config:              Config{ServiceName: "authcalc", ServiceVersion: "test", IncludeRuntimeMetrics: true},
			checkRuntimeMetrics: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			provider, err := NewProvider(ctx, tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

			assert.NotNil(t, provider.MeterProvider())
			assert.IsType(t, tracenoop.TracerProvider{}, provider.TracerProvider())
			require.NotNil(t, provider.PrometheusHandler())

			rec := httptest.NewRecorder()
			provider.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			if tt.checkRuntimeMetrics {
				assert.Contains(t, rec.Body.String(), "go_")
			}
		})
	}
}

func TestNewProvider_MetricsReachHandler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	provider, err := NewProvider(ctx, Config{ServiceName: "authcalc"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	counter, err := provider.MeterProvider().Meter("test").Int64Counter("test_reader_counter")
	require.NoError(t, err)
	counter.Add(ctx, 5)

	rec := httptest.NewRecorder()
	provider.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_reader_counter")
}

func TestNewProvider_OTLP(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	provider, err := NewProvider(ctx, Config{
		ServiceName:  "authcalc",
		OTLPEndpoint: "localhost:4318",
		Insecure:     true,
		SamplingRate: 1,
	})
	require.NoError(t, err)

	assert.NotNil(t, provider.PrometheusHandler())
	assert.NotEqual(t, tracenoop.NewTracerProvider(), provider.TracerProvider())
	assert.Len(t, provider.shutdownFuncs, 2)

	// nothing listens on the endpoint; shutdown must still return
	shutdownCtx, cancel := context.WithCancel(ctx)
	cancel()
	_ = provider.Shutdown(shutdownCtx)
}
