package safego

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery.
// If the goroutine panics, the panic value is logged and the goroutine exits
// cleanly instead of crashing the process.
//
// Usage:
//
//	safego.Go(logger, "cache-cleanup", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer recoverPanic(logger, name)
		fn()
	}()
}

// Loop runs fn every interval on its own goroutine until ctx is cancelled.
// A panic in one tick is recovered and logged; the loop keeps running.
func Loop(ctx context.Context, logger *zap.Logger, name string, interval time.Duration, fn func()) {
	Go(logger, name, func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runTick(logger, name, fn)
			}
		}
	})
}

func runTick(logger *zap.Logger, name string, fn func()) {
	defer recoverPanic(logger, name)
	fn()
}

func recoverPanic(logger *zap.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("Goroutine panicked",
			zap.String("goroutine", name),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
	}
}
