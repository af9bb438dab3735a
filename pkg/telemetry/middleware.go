// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName is the name of this instrumentation package
const instrumentationName = "github.com/stacklok/authcalc/pkg/telemetry"

// MCPOperationDurationBuckets defines the histogram bucket boundaries for tool call durations.
var MCPOperationDurationBuckets = []float64{
	0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60, 120, 300,
}

// NewToolMiddleware records a span, a call counter and a duration histogram per tool call.
func NewToolMiddleware(tracerProvider trace.TracerProvider, meterProvider metric.MeterProvider) server.ToolHandlerMiddleware {
	tracer := tracerProvider.Tracer(instrumentationName)
	meter := meterProvider.Meter(instrumentationName)

	// The exporter adds the _total suffix automatically
	callCounter, _ := meter.Int64Counter(
		"authcalc_tool_calls",
		metric.WithDescription("Total number of MCP tool calls"),
	)
	callDuration, _ := meter.Float64Histogram(
		"mcp.server.operation.duration",
		metric.WithDescription("Duration of MCP server operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(MCPOperationDurationBuckets...),
	)

	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			toolName := request.Params.Name
			ctx, span := tracer.Start(ctx, "tools/call "+toolName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("mcp.method.name", "tools/call"),
					attribute.String("gen_ai.tool.name", toolName),
				),
			)
			defer span.End()

			start := time.Now()
			result, err := next(ctx, request)
			elapsed := time.Since(start).Seconds()

			status := "success"
			switch {
			case err != nil:
				status = "error"
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case result != nil && result.IsError:
				status = "tool_error"
				span.SetStatus(codes.Error, "tool returned an error result")
			default:
				span.SetStatus(codes.Ok, "")
			}

			attrs := metric.WithAttributes(
				attribute.String("tool", toolName),
				attribute.String("status", status),
			)
			callCounter.Add(ctx, 1, attrs)
			callDuration.Record(ctx, elapsed, attrs)

			return result, err
		}
	}
}
