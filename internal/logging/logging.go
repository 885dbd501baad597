// Package logging provides package-level structured logging backed by
// slog. Tests call Disable to silence output.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

var (
	disabled = false
	logger   = slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	}))
)

// Setup installs a tinted handler writing to w at the given level.
func Setup(w io.Writer, level slog.Level) {
	logger = slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// Disable turns off all logging
func Disable() {
	disabled = true
}

// Enable turns logging back on
func Enable() {
	disabled = false
}

// Info logs an info message with structured attributes
func Info(msg string, args ...any) {
	if !disabled {
		logger.Info(msg, args...)
	}
}

// Infof logs a formatted info message
func Infof(format string, v ...any) {
	if !disabled {
		logger.Info(sprintf(format, v...))
	}
}

// Error logs an error message with structured attributes
func Error(msg string, args ...any) {
	if !disabled {
		logger.Error(msg, args...)
	}
}

// Errorf logs a formatted error message
func Errorf(format string, v ...any) {
	if !disabled {
		logger.Error(sprintf(format, v...))
	}
}

// Warn logs a warning message with structured attributes
func Warn(msg string, args ...any) {
	if !disabled {
		logger.Warn(msg, args...)
	}
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) {
	if !disabled {
		logger.Warn(sprintf(format, v...))
	}
}

// Debug logs a debug message with structured attributes
func Debug(msg string, args ...any) {
	if !disabled {
		logger.Debug(msg, args...)
	}
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...any) {
	if !disabled {
		logger.Debug(sprintf(format, v...))
	}
}

func sprintf(format string, v ...any) string {
	if len(v) == 0 {
		return format
	}
	return fmt.Sprintf(format, v...)
}

// Logger is a simple logger that can be embedded in structs
type Logger struct{}

// WithContext creates a new Logger (context is ignored, for API compatibility)
func WithContext(ctx context.Context) Logger {
	return Logger{}
}

// Infof logs a formatted info message
func (l Logger) Infof(format string, v ...any) {
	Infof(format, v...)
}

// Errorf logs a formatted error message
func (l Logger) Errorf(format string, v ...any) {
	Errorf(format, v...)
}
