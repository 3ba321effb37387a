package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// contextKey is a type for context keys
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"
	// FailoverIDKey is the context key for failover ID
	FailoverIDKey contextKey = "failover_id"
	// InstanceIDKey is the context key for instance ID
	InstanceIDKey contextKey = "instance_id"
	// MachineIDKey is the context key for machine ID
	MachineIDKey contextKey = "machine_id"
)

// Config holds logging configuration
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
	Output io.Writer
}

// Setup configures the global logger
func Setup(cfg Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	// Wrap with context handler
	handler = &ContextHandler{Handler: handler}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// ContextHandler adds context values to log records
type ContextHandler struct {
	slog.Handler
}

// Handle adds context values to the record before passing to the wrapped handler
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		r.AddAttrs(slog.String("request_id", requestID))
	}

	if failoverID, ok := ctx.Value(FailoverIDKey).(string); ok && failoverID != "" {
		r.AddAttrs(slog.String("failover_id", failoverID))
	}

	if instanceID, ok := ctx.Value(InstanceIDKey).(string); ok && instanceID != "" {
		r.AddAttrs(slog.String("instance_id", instanceID))
	}

	if machineID, ok := ctx.Value(MachineIDKey).(string); ok && machineID != "" {
		r.AddAttrs(slog.String("machine_id", machineID))
	}

	return h.Handler.Handle(ctx, r)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithFailoverID adds a failover ID to the context
func WithFailoverID(ctx context.Context, failoverID string) context.Context {
	return context.WithValue(ctx, FailoverIDKey, failoverID)
}

// WithInstanceID adds an instance ID to the context
func WithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, InstanceIDKey, instanceID)
}

// WithMachineID adds a machine ID to the context
func WithMachineID(ctx context.Context, machineID string) context.Context {
	return context.WithValue(ctx, MachineIDKey, machineID)
}

// Logger returns a logger with additional context
func Logger(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	// Add context values as attributes
	var attrs []any
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if failoverID, ok := ctx.Value(FailoverIDKey).(string); ok && failoverID != "" {
		attrs = append(attrs, "failover_id", failoverID)
	}
	if instanceID, ok := ctx.Value(InstanceIDKey).(string); ok && instanceID != "" {
		attrs = append(attrs, "instance_id", instanceID)
	}
	if machineID, ok := ctx.Value(MachineIDKey).(string); ok && machineID != "" {
		attrs = append(attrs, "machine_id", machineID)
	}

	if len(attrs) > 0 {
		return logger.With(attrs...)
	}
	return logger
}

// Audit logs an audit event (always logged regardless of level)
func Audit(ctx context.Context, operation string, attrs ...any) {
	logger := slog.Default()

	// Build base attributes
	baseAttrs := []any{
		"audit", true,
		"operation", operation,
	}

	// Add context values
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		baseAttrs = append(baseAttrs, "request_id", requestID)
	}
	if failoverID, ok := ctx.Value(FailoverIDKey).(string); ok && failoverID != "" {
		baseAttrs = append(baseAttrs, "failover_id", failoverID)
	}
	if instanceID, ok := ctx.Value(InstanceIDKey).(string); ok && instanceID != "" {
		baseAttrs = append(baseAttrs, "instance_id", instanceID)
	}
	if machineID, ok := ctx.Value(MachineIDKey).(string); ok && machineID != "" {
		baseAttrs = append(baseAttrs, "machine_id", machineID)
	}

	// Append additional attributes
	baseAttrs = append(baseAttrs, attrs...)

	logger.Info("AUDIT", baseAttrs...)
}

// Callsite walks the call stack and returns the first frame whose function
// lies outside the given package path prefixes, as "pkg.Func (file.go:NN)".
// Audit rows use it so operators can see who asked for a state change rather
// than which wrapper performed it.
func Callsite(excludePrefixes ...string) string {
	pcs := make([]uintptr, 32)
	// Skip runtime.Callers, Callsite itself, and the caller that always is
	// inside an excluded package anyway.
	n := runtime.Callers(2, pcs)
	if n == 0 {
		return "unknown"
	}

	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function == "" {
			if !more {
				break
			}
			continue
		}
		excluded := strings.HasPrefix(frame.Function, "runtime.")
		for _, prefix := range excludePrefixes {
			if strings.HasPrefix(frame.Function, prefix) {
				excluded = true
				break
			}
		}
		if !excluded {
			return fmt.Sprintf("%s (%s:%d)", frame.Function, filepath.Base(frame.File), frame.Line)
		}
		if !more {
			break
		}
	}
	return "unknown"
}

// Common log operations with context

// Debug logs a debug message
func Debug(ctx context.Context, msg string, args ...any) {
	Logger(ctx).Debug(msg, args...)
}

// Info logs an info message
func Info(ctx context.Context, msg string, args ...any) {
	Logger(ctx).Info(msg, args...)
}

// Warn logs a warning message
func Warn(ctx context.Context, msg string, args ...any) {
	Logger(ctx).Warn(msg, args...)
}

// Error logs an error message
func Error(ctx context.Context, msg string, args ...any) {
	Logger(ctx).Error(msg, args...)
}
