// Package async spawns background goroutines that report panics instead of
// crashing the server.
package async

import "runtime/debug"

// PanicLogger is the slice of the logging contract needed for panic reports.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on a new goroutine. A panic inside fn is logged with its stack
// under the given name and the goroutine exits cleanly.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred half of Go, also usable in goroutines not started
// through it. A nil logger swallows the panic silently.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	if name == "" {
		logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
		return
	}
	logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
}
