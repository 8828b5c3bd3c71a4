package safe

import (
	"BizChat/logger"

	"go.uber.org/zap"
)

// Go starts a goroutine that recovers from panic, so best-effort side
// writes (connection audit rows, presence mirror) can never take the
// process down.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panic recovered", zap.Any("panic", r))
			}
		}()
		f()
	}()
}
