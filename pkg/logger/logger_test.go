// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-core/env/mocks"
)

func envWith(t *testing.T, unstructured string) *mocks.MockReader {
	t.Helper()
	reader := mocks.NewMockReader(gomock.NewController(t))
	reader.EXPECT().Getenv(unstructuredLogsEnv).Return(unstructured)
	return reader
}

func TestNew_Format(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		envValue string
		wantJSON bool
	}{
		{"unset is json", "", true},
		{"false is json", "false", true},
		{"garbage is json", "yes please", true},
		{"true is text", "true", false},
		{"numeric true is text", "1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			New(envWith(t, tt.envValue), false, &buf).Info("realm ready", "realm", "mcp")

			line := strings.TrimSpace(buf.String())
			var record map[string]any
			err := json.Unmarshal([]byte(line), &record)
			if tt.wantJSON {
				require.NoError(t, err, line)
				assert.Equal(t, "realm ready", record["msg"])
				assert.Equal(t, "mcp", record["realm"])
				return
			}
			assert.Error(t, err)
			assert.Contains(t, line, `msg="realm ready"`)
			assert.Contains(t, line, "realm=mcp")
		})
	}
}

func TestNew_DebugLevel(t *testing.T) {
	t.Parallel()

	for _, debug := range []bool{false, true} {
		var buf bytes.Buffer
		l := New(envWith(t, ""), debug, &buf)
		l.Debug("token claims checked")

		assert.Equal(t, debug, l.Enabled(t.Context(), slog.LevelDebug))
		assert.Equal(t, debug, strings.Contains(buf.String(), "token claims checked"))
	}
}

// captureOutput routes the package helpers into a buffer at debug level.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()

	prev := current.Load()
	t.Cleanup(func() { current.Store(prev) })

	var buf bytes.Buffer
	Set(New(envWith(t, ""), true, &buf))
	return &buf
}

func TestHelpers(t *testing.T) { //nolint:paralleltest // replaces the process logger
	tests := []struct {
		name  string
		log   func()
		level string
		msg   string
	}{
		{"Debugf", func() { Debugf("session %d", 7) }, "DEBUG", "session 7"},
		{"Debugw", func() { Debugw("resolved caller identity", "kind", "tool") }, "DEBUG", "resolved caller identity"},
		{"Info", func() { Info("MCP server stopped") }, "INFO", "MCP server stopped"},
		{"Infof", func() { Infof("listening on %s", "127.0.0.1:8000") }, "INFO", "listening on 127.0.0.1:8000"},
		{"Warn", func() { Warn("served without authentication") }, "WARN", "served without authentication"},
		{"Warnf", func() { Warnf("retrying in %s", "1s") }, "WARN", "retrying in 1s"},
		{"Errorf", func() { Errorf("shutdown: %v", "boom") }, "ERROR", "shutdown: boom"},
	}

	for _, tt := range tests { //nolint:paralleltest // replaces the process logger
		t.Run(tt.name, func(t *testing.T) {
			buf := captureOutput(t)
			tt.log()

			var record map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
			assert.Equal(t, tt.level, record["level"])
			assert.Equal(t, tt.msg, record["msg"])
		})
	}
}

func TestSetIgnoresNil(t *testing.T) { //nolint:paralleltest // replaces the process logger
	buf := captureOutput(t)

	Set(nil)
	Info("still here")

	assert.Contains(t, buf.String(), "still here")
}
