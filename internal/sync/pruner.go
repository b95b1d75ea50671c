package sync

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPruneInterval is how often acked queue messages are pruned.
const DefaultPruneInterval = 10 * time.Minute

// Prunable is a queue that can drop old acked messages.
type Prunable interface {
	Name() string
	Prune(ctx context.Context) (int64, error)
}

// pruneQueues prunes every queue once, logging failures.
func pruneQueues(ctx context.Context, queues []Prunable, logger *slog.Logger) int64 {
	var total int64

	for _, q := range queues {
		n, err := q.Prune(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("queue prune failed",
					slog.String("queue", q.Name()),
					slog.String("error", err.Error()),
				)
			}

			continue
		}

		total += n
	}

	return total
}
