// Package ctxutil provides shared context key accessors.
//
// The server's middleware populates these values and the MCP tool handlers
// read them, so both import ctxutil instead of each other.
package ctxutil

import "context"

type contextKey string

const (
	keyRequestID contextKey = "request_id"
	keyClientID  contextKey = "client_id"
)

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// WithClientID returns a new context carrying the authenticated client.
func WithClientID(ctx context.Context, client string) context.Context {
	return context.WithValue(ctx, keyClientID, client)
}

// ClientIDFromContext returns the authenticated client, or "" when auth is off.
func ClientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyClientID).(string); ok {
		return v
	}
	return ""
}
