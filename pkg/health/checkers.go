package health

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails once the process holds more than max
// goroutines. Intended as a liveness check against leaks in the stream and
// payment-watch goroutines.
func GoroutineCountCheck(max int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > max {
			return errors.Errorf("%d goroutines, limit %d", n, max)
		}
		return nil
	}
}

// GCMaxPauseCheck fails when any recorded stop-the-world pause ran longer
// than max, a sign the heap has grown past what the instance can serve.
func GCMaxPauseCheck(max time.Duration) CheckFunc {
	return func(_ context.Context) error {
		var stats debug.GCStats
		debug.ReadGCStats(&stats)

		for _, pause := range stats.Pause {
			if pause > max {
				return errors.Errorf("GC pause %s, limit %s", pause, max)
			}
		}
		return nil
	}
}
