package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tonimelisma/syncd/internal/dataset"
	"github.com/tonimelisma/syncd/internal/queue"
	"github.com/tonimelisma/syncd/internal/storage"
)

// SyncProcessor refreshes a DatasetClient's snapshot from the backend.
type SyncProcessor struct {
	storage  *storage.Storage
	registry *dataset.Registry
	logger   *slog.Logger

	nowFunc func() time.Time
}

// NewSyncProcessor returns a SyncProcessor.
func NewSyncProcessor(s *storage.Storage, r *dataset.Registry, logger *slog.Logger) *SyncProcessor {
	return &SyncProcessor{storage: s, registry: r, logger: logger, nowFunc: time.Now}
}

// Process lists the client's records, hashes them and stores the result as
// the client's new snapshot. A client removed since the job was queued is
// skipped.
func (p *SyncProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var job SyncJob
	if err := msg.Decode(&job); err != nil {
		p.logger.Error("dropping malformed sync job", slog.String("error", err.Error()))
		return nil
	}

	c, err := p.storage.ReadClient(ctx, job.DatasetClientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		p.logger.Debug("sync job for removed client", slog.String("client_id", job.DatasetClientID))
		return nil
	}

	if err != nil {
		return err
	}

	if c.Stopped {
		p.logger.Debug("sync job for stopped client", slog.String("client_id", c.ID))
		return nil
	}

	return p.syncClient(ctx, c)
}

func (p *SyncProcessor) syncClient(ctx context.Context, c *dataset.Client) error {
	cfg := p.registry.Config(c.DatasetID)

	start := p.nowFunc()
	if err := p.storage.UpdateClient(ctx, c.ID, storage.ClientUpdate{SyncLoopStart: &start}); err != nil {
		return err
	}

	data, err := listWithTimeout(ctx, p.registry.Handler(c.DatasetID), c, cfg.BackendListTimeout)
	if err != nil {
		return err
	}

	hasher := p.registry.HashProvider(c.DatasetID)
	records := make(map[string]storage.Record, len(data))

	uids := make([]string, 0, len(data))
	for uid := range data {
		uids = append(uids, uid)
	}

	sort.Strings(uids)

	hashes := make([]string, 0, len(uids))

	for _, uid := range uids {
		h, err := hasher.RecordHash(c.DatasetID, data[uid])
		if err != nil {
			return fmt.Errorf("sync: hashing %s/%s: %w", c.DatasetID, uid, err)
		}

		records[uid] = storage.Record{UID: uid, Hash: h, Data: data[uid]}
		hashes = append(hashes, h)
	}

	global := hasher.GlobalHash(c.DatasetID, hashes)
	end := p.nowFunc()

	if err := p.storage.UpdateClientWithRecords(ctx, c, records, storage.ClientUpdate{
		GlobalHash:    &global,
		SyncLoopEnd:   &end,
		SyncCompleted: &end,
	}); err != nil {
		return err
	}

	p.logger.Debug("client synced",
		slog.String("client_id", c.ID),
		slog.Int("records", len(records)),
		slog.String("global_hash", global),
		slog.Duration("duration", end.Sub(start)),
	)

	return nil
}

type listResult struct {
	data map[string]dataset.Record
	err  error
}

// listWithTimeout calls List bounded by timeout. A result that arrives
// after the deadline is discarded.
func listWithTimeout(
	ctx context.Context, h dataset.DataHandler, c *dataset.Client, timeout time.Duration,
) (map[string]dataset.Record, error) {
	if h == nil {
		return nil, fmt.Errorf("sync: no data handler for dataset %s", c.DatasetID)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so a late List never blocks its goroutine.
	results := make(chan listResult, 1)

	go func() {
		data, err := h.List(ctx, c.DatasetID, c.QueryParams, c.MetaData)
		results <- listResult{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("sync: listing %s for %s: %w", c.DatasetID, c.ID, ctx.Err())
	case r := <-results:
		if ctx.Err() != nil {
			return nil, fmt.Errorf("sync: listing %s for %s: %w", c.DatasetID, c.ID, ctx.Err())
		}

		if r.err != nil {
			return nil, fmt.Errorf("sync: listing %s for %s: %w", c.DatasetID, c.ID, r.err)
		}

		return r.data, nil
	}
}
