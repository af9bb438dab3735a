// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger holds the process-wide logger.
//
// Request-path code logs through the package helpers instead of carrying a
// logger around. The CLI calls [Initialize] once the --debug flag is parsed;
// until then a JSON logger at info level is in place.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

// unstructuredLogsEnv switches the output from JSON to plain text.
const unstructuredLogsEnv = "UNSTRUCTURED_LOGS"

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(logging.New())
}

// Set replaces the process logger. A nil logger is ignored.
func Set(l *slog.Logger) {
	if l != nil {
		current.Store(l)
	}
}

// Initialize installs a logger configured from the process environment.
func Initialize(debug bool) {
	Set(New(&env.OSReader{}, debug, os.Stderr))
}

// New builds a logger writing to out. The format is JSON unless
// UNSTRUCTURED_LOGS parses as true; debug lowers the level to Debug.
func New(envReader env.Reader, debug bool, out io.Writer) *slog.Logger {
	opts := []logging.Option{logging.WithOutput(out)}

	if unstructured, err := strconv.ParseBool(envReader.Getenv(unstructuredLogsEnv)); err == nil && unstructured {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}
	if debug {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}

	return logging.New(opts...)
}

// Debugf logs a formatted message at debug level.
func Debugf(msg string, args ...any) {
	current.Load().Debug(fmt.Sprintf(msg, args...))
}

// Debugw logs at debug level with key-value pairs.
func Debugw(msg string, keysAndValues ...any) {
	current.Load().Debug(msg, keysAndValues...)
}

// Info logs at info level.
func Info(msg string) {
	current.Load().Info(msg)
}

// Infof logs a formatted message at info level.
func Infof(msg string, args ...any) {
	current.Load().Info(fmt.Sprintf(msg, args...))
}

// Warn logs at warning level.
func Warn(msg string) {
	current.Load().Warn(msg)
}

// Warnf logs a formatted message at warning level.
func Warnf(msg string, args ...any) {
	current.Load().Warn(fmt.Sprintf(msg, args...))
}

// Errorf logs a formatted message at error level.
func Errorf(msg string, args ...any) {
	current.Load().Error(fmt.Sprintf(msg, args...))
}
