// Package contextkeys provides centralized context key definitions.
//
// All context keys used across the application are defined here so that
// producers and consumers agree on a single typed key.
package contextkeys

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains the request ID string (UUID).
	// Set by: httputil.RequestIDMiddleware
	// Used by: observability.FromContext
	RequestIDKey Key = "request_id"

	// LoggerKey contains a request-scoped *observability.Logger.
	// Set by: httputil.RequestIDMiddleware
	// Used by: handlers and services that log with request context
	LoggerKey Key = "logger"
)
