package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/syncd/internal/queue"
	"github.com/tonimelisma/syncd/internal/storage"
)

// AckProcessor deletes the Update a client has acknowledged.
type AckProcessor struct {
	storage *storage.Storage
	logger  *slog.Logger
}

// NewAckProcessor returns an AckProcessor.
func NewAckProcessor(s *storage.Storage, logger *slog.Logger) *AckProcessor {
	return &AckProcessor{storage: s, logger: logger}
}

// Process handles one acknowledgement message. An Update that is already
// gone is not an error.
func (p *AckProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var ack Acknowledgement
	if err := msg.Decode(&ack); err != nil {
		// Undecodable payloads can never succeed; ack and move on.
		p.logger.Error("dropping malformed acknowledgement", slog.String("error", err.Error()))
		return nil
	}

	u, err := p.storage.FindAndDeleteUpdate(ctx, ack.DatasetID, ack.CUID, ack.Hash)
	if err != nil {
		return fmt.Errorf("sync: acknowledging %s/%s: %w", ack.CUID, ack.Hash, err)
	}

	if u == nil {
		p.logger.Debug("acknowledged update already gone",
			slog.String("dataset", ack.DatasetID),
			slog.String("cuid", ack.CUID),
			slog.String("hash", ack.Hash),
		)
	}

	return nil
}
