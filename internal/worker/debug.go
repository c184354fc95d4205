package worker

import (
	"log/slog"
	"os"
	"strconv"
)

// COACHCHAT_WORKER_DEBUG=1 traces job scheduling on stderr.
var debugLogger = newDebugLogger(os.Getenv("COACHCHAT_WORKER_DEBUG"))

func newDebugLogger(flag string) *slog.Logger {
	if on, _ := strconv.ParseBool(flag); !on {
		return nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})).
		With("component", "finalizer")
}

func debugLog(msg string, args ...any) {
	if debugLogger != nil {
		debugLogger.Debug(msg, args...)
	}
}
