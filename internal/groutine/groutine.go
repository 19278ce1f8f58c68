package groutine

import (
	"context"
	"runtime/debug"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// PanicHandler is invoked when a goroutine started by Go panics.
// Replace it in tests to observe panics; the default logs them.
var PanicHandler = func(name string, recovered any, stack []byte) {
	logrus.WithFields(logrus.Fields{
		"goroutine": name,
		"panic":     recovered,
		"stack":     string(stack),
	}).Error("Goroutine panicked")
}

// Go starts a named goroutine carrying a pprof label and a context value with
// its name. A panic inside fn is recovered and handed to PanicHandler so a
// background watcher can never take the bridge process down.
//
// Example usage:
//
//	groutine.Go(ctx, "ble-connection-monitor", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				PanicHandler(name, r, debug.Stack())
			}
		}()
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
