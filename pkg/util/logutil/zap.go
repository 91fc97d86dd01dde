package logutil

import (
	"go.uber.org/zap"
)

// LogPanic logs the panic reason and stack, then exit the process.
// Commonly used with a `defer` at the top of long-running goroutines.
func LogPanic(logger *zap.Logger) {
	if e := recover(); e != nil {
		logger.Fatal("panic", zap.Reflect("recover", e), zap.Stack("stack"))
	}
}

// RecoverPanic logs the panic reason and stack, and keeps the process running.
// Used with a `defer` around user supplied handlers.
func RecoverPanic(logger *zap.Logger) {
	if e := recover(); e != nil {
		logger.Error("panic serving", zap.Reflect("recover", e), zap.Stack("stack"))
	}
}
