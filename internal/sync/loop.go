package sync

import (
	"context"
	"time"
)

// runEvery calls fn immediately and then every interval until ctx is done.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fn(ctx)
			timer.Reset(interval)
		}
	}
}
