package observability

import (
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with structured logging.
// It must be called directly in a defer statement:
//
//	defer observability.RecoverPanic(logger, "reconcile scan")
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
	}
}
