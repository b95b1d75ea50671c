package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/syncd/internal/dataset"
)

// ErrNoHandler is returned when no data handler serves a dataset.
var ErrNoHandler = errors.New("sync: no data handler for dataset")

// ListCollisions returns the collisions recorded for datasetID by its data
// handler, keyed by collision hash.
func (e *Engine) ListCollisions(ctx context.Context, datasetID string, metaData map[string]any) (map[string]dataset.Collision, error) {
	h, err := e.collisionHandler(datasetID)
	if err != nil {
		return nil, err
	}

	out, err := h.ListCollisions(ctx, datasetID, metaData)
	if err != nil {
		return nil, fmt.Errorf("sync: listing collisions of %s: %w", datasetID, err)
	}

	return out, nil
}

// RemoveCollision discards a resolved collision. Unknown hashes are the
// handler's call; the document handler ignores them.
func (e *Engine) RemoveCollision(ctx context.Context, datasetID, hash string, metaData map[string]any) error {
	if hash == "" {
		return fmt.Errorf("%w: missing collision hash", ErrInvalidRequest)
	}

	h, err := e.collisionHandler(datasetID)
	if err != nil {
		return err
	}

	if err := h.RemoveCollision(ctx, datasetID, hash, metaData); err != nil {
		return fmt.Errorf("sync: removing collision %s of %s: %w", hash, datasetID, err)
	}

	e.logger.Info("collision removed",
		slog.String("dataset", datasetID),
		slog.String("hash", hash),
	)

	return nil
}

func (e *Engine) collisionHandler(datasetID string) (dataset.DataHandler, error) {
	if err := dataset.ValidateID(datasetID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	h := e.registry.Handler(datasetID)
	if h == nil {
		return nil, fmt.Errorf("%w %s", ErrNoHandler, datasetID)
	}

	return h, nil
}
