// Package logger provides the structured logging interface used across the
// profile gateway.
//
// It wraps zerolog with a small Logger interface supporting leveled
// messages, chained fields and a process-wide default instance.
// Components receive a Logger explicitly; the global instance exists for
// command wiring and for packages constructed without one.
//
//	log := logger.GetLogger().WithField("component", "profile")
//	log.InfoWithFields("profile fetched", map[string]interface{}{
//	    "username": "nasa",
//	    "duration": time.Since(start),
//	})
//
// Tests use NewNopLogger or NewTestLogger, which records every message
// for assertions.
package logger
