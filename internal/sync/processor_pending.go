package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/syncd/internal/dataset"
	"github.com/tonimelisma/syncd/internal/queue"
	"github.com/tonimelisma/syncd/internal/storage"
)

// DefaultPendingRetryLimit is how many deliveries of one pending change may
// call the data handler.
const DefaultPendingRetryLimit = 1

// PendingProcessor applies one client change to the backend, detecting
// conflicting concurrent edits by comparing record hashes.
//
// Outcome by action:
//
//	create: handler.Create → applied (server uid) | failed
//	update: current == pre  → handler.Update → applied | failed
//	        current == post → applied, no handler call
//	        otherwise       → collision
//	delete: no current      → applied, no handler call
//	        current == pre  → handler.Delete → applied | failed
//	        otherwise       → collision
//
// A message delivered more times than the retry limit was claimed before
// and never acked. Handler calls are not assumed idempotent, so it is
// recorded as failed "crashed" without calling any handler.
type PendingProcessor struct {
	storage    *storage.Storage
	registry   *dataset.Registry
	logger     *slog.Logger
	retryLimit int
}

// NewPendingProcessor returns a PendingProcessor. A retryLimit below one is
// treated as one.
func NewPendingProcessor(s *storage.Storage, r *dataset.Registry, retryLimit int, logger *slog.Logger) *PendingProcessor {
	if retryLimit < 1 {
		retryLimit = DefaultPendingRetryLimit
	}

	return &PendingProcessor{storage: s, registry: r, logger: logger, retryLimit: retryLimit}
}

// Process handles one pending change message. It returns an error only when
// the outcome could not be persisted; every handler-level result, collisions
// included, is recorded as an Update and the message is acked.
func (p *PendingProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var pc PendingChange
	if err := msg.Decode(&pc); err != nil {
		p.logger.Error("dropping malformed pending change", slog.String("error", err.Error()))
		return nil
	}

	logger := p.logger.With(
		slog.String("dataset", pc.DatasetID),
		slog.String("cuid", pc.CUID),
		slog.String("hash", pc.Hash),
		slog.String("action", string(pc.Action)),
	)

	if msg.Tries > p.retryLimit {
		logger.Warn("pending change redelivered after an incomplete attempt; not replaying",
			slog.Int("tries", msg.Tries))

		return p.save(ctx, pc.update(storage.UpdateFailed, pc.UID, msgCrashed))
	}

	u, collided := p.apply(ctx, pc, logger)

	if err := p.save(ctx, u); err != nil {
		return err
	}

	if collided && pc.DatasetClientID != "" {
		if err := p.storage.IncrementCollisionCount(ctx, pc.DatasetClientID); err != nil &&
			!errors.Is(err, storage.ErrClientNotFound) {
			logger.Warn("collision count not updated", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (p *PendingProcessor) save(ctx context.Context, u storage.Update) error {
	if err := p.storage.SaveUpdate(ctx, u); err != nil {
		return fmt.Errorf("sync: recording %s outcome for %s: %w", u.Type, u.Hash, err)
	}

	return nil
}

// apply runs the state machine and returns the outcome to record.
func (p *PendingProcessor) apply(ctx context.Context, pc PendingChange, logger *slog.Logger) (storage.Update, bool) {
	handler := p.registry.Handler(pc.DatasetID)
	if handler == nil {
		return pc.update(storage.UpdateFailed, pc.UID, "no data handler for dataset "+pc.DatasetID), false
	}

	switch pc.Action {
	case ActionCreate:
		return p.applyCreate(ctx, handler, pc, logger), false
	case ActionUpdate:
		return p.applyUpdate(ctx, handler, pc, logger)
	case ActionDelete:
		return p.applyDelete(ctx, handler, pc, logger)
	default:
		err := fmt.Errorf("%w: %q", ErrUnknownAction, pc.Action)
		logger.Warn("rejecting pending change", slog.String("error", err.Error()))

		return pc.update(storage.UpdateFailed, pc.UID, err.Error()), false
	}
}

func (p *PendingProcessor) applyCreate(
	ctx context.Context, h dataset.DataHandler, pc PendingChange, logger *slog.Logger,
) storage.Update {
	created, err := h.Create(ctx, pc.DatasetID, pc.Post, pc.MetaData)
	if err != nil {
		logger.Info("create failed", slog.String("error", err.Error()))
		return pc.update(storage.UpdateFailed, pc.UID, err.Error())
	}

	logger.Debug("create applied", slog.String("uid", created.UID))

	return pc.update(storage.UpdateApplied, created.UID, "")
}

func (p *PendingProcessor) applyUpdate(
	ctx context.Context, h dataset.DataHandler, pc PendingChange, logger *slog.Logger,
) (storage.Update, bool) {
	current, err := h.Read(ctx, pc.DatasetID, pc.UID, pc.MetaData)
	if err != nil {
		logger.Info("read before update failed", slog.String("error", err.Error()))
		return pc.update(storage.UpdateFailed, pc.UID, err.Error()), false
	}

	hashes, err := p.hashes(pc, current)
	if err != nil {
		return pc.update(storage.UpdateFailed, pc.UID, err.Error()), false
	}

	switch {
	case current != nil && hashes.current == hashes.pre:
		if err := h.Update(ctx, pc.DatasetID, pc.UID, pc.Post, pc.MetaData); err != nil {
			logger.Info("update failed", slog.String("error", err.Error()))
			return pc.update(storage.UpdateFailed, pc.UID, err.Error()), false
		}

		return pc.update(storage.UpdateApplied, pc.UID, ""), false
	case current != nil && hashes.current == hashes.post:
		logger.Debug("update already reflected in backend")
		return pc.update(storage.UpdateApplied, pc.UID, ""), false
	default:
		return p.collide(ctx, h, pc, hashes.current, logger)
	}
}

func (p *PendingProcessor) applyDelete(
	ctx context.Context, h dataset.DataHandler, pc PendingChange, logger *slog.Logger,
) (storage.Update, bool) {
	current, err := h.Read(ctx, pc.DatasetID, pc.UID, pc.MetaData)
	if err != nil {
		logger.Info("read before delete failed", slog.String("error", err.Error()))
		return pc.update(storage.UpdateFailed, pc.UID, err.Error()), false
	}

	if current == nil {
		logger.Debug("delete already reflected in backend")
		return pc.update(storage.UpdateApplied, pc.UID, ""), false
	}

	hashes, err := p.hashes(pc, current)
	if err != nil {
		return pc.update(storage.UpdateFailed, pc.UID, err.Error()), false
	}

	if hashes.current != hashes.pre {
		return p.collide(ctx, h, pc, hashes.current, logger)
	}

	if err := h.Delete(ctx, pc.DatasetID, pc.UID, pc.MetaData); err != nil {
		logger.Info("delete failed", slog.String("error", err.Error()))
		return pc.update(storage.UpdateFailed, pc.UID, err.Error()), false
	}

	return pc.update(storage.UpdateApplied, pc.UID, ""), false
}

// collide hands the conflict to the collision handler. A handler error is
// recorded as a failure so the client learns its change was not kept.
func (p *PendingProcessor) collide(
	ctx context.Context, h dataset.DataHandler, pc PendingChange, currentHash string, logger *slog.Logger,
) (storage.Update, bool) {
	logger.Info("collision detected", slog.String("uid", pc.UID), slog.String("current_hash", currentHash))

	err := h.HandleCollision(ctx, pc.DatasetID, pc.MetaData, dataset.Collision{
		UID:       pc.UID,
		Hash:      currentHash,
		Pre:       pc.Pre,
		Post:      pc.Post,
		Timestamp: pc.Timestamp,
	})
	if err != nil {
		logger.Warn("collision handler failed", slog.String("error", err.Error()))
		return pc.update(storage.UpdateFailed, pc.UID, err.Error()), false
	}

	return pc.update(storage.UpdateCollisions, pc.UID, ""), true
}

type changeHashes struct {
	current, pre, post string
}

// hashes computes the record hashes of current, pre and post. A missing
// current record hashes to the empty string, which matches nothing.
func (p *PendingProcessor) hashes(pc PendingChange, current dataset.Record) (changeHashes, error) {
	hp := p.registry.HashProvider(pc.DatasetID)

	var (
		out changeHashes
		err error
	)

	if current != nil {
		if out.current, err = hp.RecordHash(pc.DatasetID, current); err != nil {
			return out, fmt.Errorf("hashing current record: %w", err)
		}
	}

	if out.pre, err = hp.RecordHash(pc.DatasetID, pc.Pre); err != nil {
		return out, fmt.Errorf("hashing pre: %w", err)
	}

	if out.post, err = hp.RecordHash(pc.DatasetID, pc.Post); err != nil {
		return out, fmt.Errorf("hashing post: %w", err)
	}

	return out, nil
}

// update builds the Update recording this change's outcome.
func (pc PendingChange) update(t storage.UpdateType, uid, msg string) storage.Update {
	return storage.Update{
		DatasetID: pc.DatasetID,
		CUID:      pc.CUID,
		Type:      t,
		Action:    string(pc.Action),
		Hash:      pc.Hash,
		UID:       uid,
		Msg:       msg,
	}
}
