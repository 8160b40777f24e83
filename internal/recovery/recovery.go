// Package recovery keeps panics in handlers and helper goroutines from
// taking down a long-running reactor process.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Guard runs fn and converts a panic into a logged error. It returns the
// recovered value, or nil when fn returned normally.
func Guard(logger *slog.Logger, name string, fn func()) (recovered any) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
			logPanic(logger, name, r)
		}
	}()
	fn()
	return nil
}

// Go starts fn on a new goroutine that logs instead of crashing on panic.
// onPanic, when set, runs after the panic is logged.
func Go(logger *slog.Logger, name string, fn func(), onPanic func(recovered any)) {
	go func() {
		if r := Guard(logger, name, fn); r != nil && onPanic != nil {
			onPanic(r)
		}
	}()
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
