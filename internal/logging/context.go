package logging

import (
	"context"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// TraceIDFromContext retrieves the trace ID from context, if set
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTrace attaches a trace ID to the context and returns a logger carrying it
func WithTrace(ctx context.Context, traceID string) (context.Context, *Logger) {
	l := Default().WithTraceID(traceID)
	nctx := context.WithValue(ctx, traceIDKey, traceID)
	nctx = context.WithValue(nctx, loggerKey, l)
	return nctx, l
}

// StreamContext creates a logger for one contract stream
func StreamContext(contractID int64, mint string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"contract_id": contractID,
		"mint":        mint,
	}).WithComponent("stream")
}

// ContractContext creates a logger for contract lifecycle operations
func ContractContext(contractID int64) *Logger {
	return Default().WithFields(map[string]interface{}{
		"contract_id": contractID,
	}).WithComponent("contract")
}

// OracleContext creates a logger for oracle calls
func OracleContext(kind string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"oracle": kind,
	}).WithComponent("oracle")
}
