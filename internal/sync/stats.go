package sync

import (
	"context"
	"time"

	"github.com/tonimelisma/syncd/internal/queue"
	"github.com/tonimelisma/syncd/internal/storage"
)

// QueueStats describes one queue.
type QueueStats struct {
	Name     string `json:"name"`
	Waiting  int    `json:"waiting"`
	InFlight int    `json:"in_flight"`
	Done     int    `json:"done"`
}

// LeaderStats describes a leadership lock.
type LeaderStats struct {
	Lock    string    `json:"lock"`
	Held    bool      `json:"held"`
	Expires time.Time `json:"expires,omitzero"`
}

// Stats is a point-in-time view of the engine's shared state.
type Stats struct {
	Queues    []QueueStats         `json:"queues"`
	Clients   storage.ClientCounts `json:"clients"`
	Updates   int                  `json:"updates"`
	Scheduler LeaderStats          `json:"scheduler"`
	Cleaner   LeaderStats          `json:"cleaner"`
}

// Stats reads queue depths, client counts and leadership from the store.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	if err := e.Init(ctx); err != nil {
		return nil, err
	}

	var s Stats

	for _, q := range []*queue.Queue{e.ackQ, e.pendingQ, e.syncQ} {
		qs, err := queueStats(ctx, q)
		if err != nil {
			return nil, err
		}

		s.Queues = append(s.Queues, qs)
	}

	var err error

	if s.Clients, err = e.storage.CountClients(ctx); err != nil {
		return nil, err
	}

	if s.Updates, err = e.storage.CountUpdates(ctx); err != nil {
		return nil, err
	}

	if s.Scheduler, err = e.leader(ctx, e.scheduler.cfg.LockName); err != nil {
		return nil, err
	}

	if s.Cleaner, err = e.leader(ctx, e.cleaner.cfg.LockName); err != nil {
		return nil, err
	}

	return &s, nil
}

func queueStats(ctx context.Context, q *queue.Queue) (QueueStats, error) {
	qs := QueueStats{Name: q.Name()}

	var err error

	if qs.Waiting, err = q.Size(ctx); err != nil {
		return qs, err
	}

	if qs.InFlight, err = q.InFlight(ctx); err != nil {
		return qs, err
	}

	if qs.Done, err = q.Done(ctx); err != nil {
		return qs, err
	}

	return qs, nil
}

func (e *Engine) leader(ctx context.Context, name string) (LeaderStats, error) {
	ls := LeaderStats{Lock: name}

	info, err := e.locker.Holder(ctx, name)
	if err != nil {
		return ls, err
	}

	if info != nil && info.Expires.After(e.nowFunc()) {
		ls.Held = true
		ls.Expires = info.Expires
	}

	return ls, nil
}
