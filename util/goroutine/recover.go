// Package goroutine provides lifecycle helpers for background goroutines.
package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

const stackBufSize = 4096

// Recover logs a recovered panic from a background goroutine. Deferred at
// the top of every goroutine the engine launches so a panicking schedule or
// cleanup loop cannot take the process down. Falls back to stderr when no
// logger is available.
func Recover(name string, logger *zap.SugaredLogger) {
	r := recover()
	if r == nil {
		return
	}
	buf := make([]byte, stackBufSize)
	n := runtime.Stack(buf, false)
	if logger != nil {
		logger.Errorw("goroutine panic recovered",
			"goroutine", name,
			"panic", r,
			"stack", string(buf[:n]))
		return
	}
	fmt.Fprintf(os.Stderr, "panic in goroutine %s: %v\n%s\n", name, r, buf[:n])
}
