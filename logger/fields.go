package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity and context
	FieldJobID          = "job_id"
	FieldJobType        = "job_type"
	FieldNotificationID = "notification_id"
	FieldOrgID          = "org_id"
	FieldSessionID      = "session_id"

	// Components
	FieldComponent = "component"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldEvent     = "event"
	FieldChannel   = "channel"
	FieldNamespace = "namespace"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts and sizes
	FieldCount   = "count"
	FieldAttempt = "attempt"

	// Status
	FieldStatus   = "status"
	FieldState    = "state"
	FieldSeverity = "severity"

	// Network
	FieldURL  = "url"
	FieldAddr = "addr"
	FieldFile = "file"
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// ComponentLogger returns a named child of the global logger.
//
//	feed := realtime.NewFeed(cfg, dialer, listener, sink, logger.ComponentLogger("realtime"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
