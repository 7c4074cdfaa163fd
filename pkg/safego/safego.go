// Package safego launches goroutines that must not take the process down:
// a panic is logged with its stack and the goroutine exits cleanly. The
// agent service uses it for every detached turn task, where a crash must
// degrade to an errored session rather than kill every other session.
package safego

import (
	"go.uber.org/zap"
)

// Go runs fn on a new goroutine with panic recovery. name identifies the
// goroutine in the panic log.
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}
