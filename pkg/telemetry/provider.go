// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/authcalc/pkg/logger"
)

// Config holds the telemetry configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is the collector host:port; empty disables OTLP export
	OTLPEndpoint string
	Headers      map[string]string
	Insecure     bool
	SamplingRate float64

	// IncludeRuntimeMetrics adds Go runtime and process collectors to /metrics
	IncludeRuntimeMetrics bool
}

// Provider owns the meter and tracer providers for the process.
type Provider struct {
	meterProvider     *sdkmetric.MeterProvider
	tracerProvider    trace.TracerProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

// NewProvider builds a meter provider that always feeds the Prometheus
// handler, plus OTLP metric and trace export when an endpoint is configured.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if config.ServiceName == "" {
		return nil, fmt.Errorf("service name cannot be empty")
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 0.1
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource with service name '%s' and version '%s': %w",
			config.ServiceName, config.ServiceVersion, err)
	}

	promReader, promHandler, err := newPrometheusReader(config.IncludeRuntimeMetrics)
	if err != nil {
		return nil, err
	}

	meterOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promReader),
	}

	p := &Provider{
		tracerProvider:    tracenoop.NewTracerProvider(),
		prometheusHandler: promHandler,
	}

	if config.OTLPEndpoint != "" {
		otlpReader, err := newOTLPMetricReader(ctx, config)
		if err != nil {
			return nil, err
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(otlpReader))

		tracerProvider, err := newOTLPTracerProvider(ctx, config, res)
		if err != nil {
			return nil, err
		}
		p.tracerProvider = tracerProvider
		p.shutdownFuncs = append(p.shutdownFuncs, tracerProvider.Shutdown)
		logger.Infof("Exporting telemetry to OTLP endpoint %s", config.OTLPEndpoint)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(meterOpts...)
	p.shutdownFuncs = append(p.shutdownFuncs, p.meterProvider.Shutdown)
	return p, nil
}

// MeterProvider returns the meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// TracerProvider returns the tracer provider; a no-op one without OTLP.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// PrometheusHandler serves the Prometheus exposition format.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Shutdown flushes and stops all providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	for i, shutdown := range p.shutdownFuncs {
		if err := shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("provider %d shutdown failed: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
