// Package worker drains a DurableQueue: one message at a time, acked on
// success, left for redelivery on failure. Idle and failing cycles back off
// according to a Policy; a processed message resets it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tonimelisma/syncd/internal/queue"
)

const meterName = "github.com/tonimelisma/syncd/internal/worker"

// DefaultInterval is the floor polling interval.
const DefaultInterval = time.Second

// Source is the queue surface a Worker needs. *queue.Queue satisfies it.
type Source interface {
	Name() string
	Get(ctx context.Context) (*queue.Message, error)
	Ack(ctx context.Context, ack string) error
	Size(ctx context.Context) (int, error)
}

// Processor handles one message. A nil error acks it.
type Processor func(ctx context.Context, msg *queue.Message) error

// Outcome is the result of one cycle.
type Outcome int

// Cycle outcomes.
const (
	OutcomeEmpty Outcome = iota
	OutcomeProcessed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmpty:
		return "empty"
	case OutcomeProcessed:
		return "processed"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Config holds the dependencies of a Worker.
type Config struct {
	Source    Source
	Processor Processor
	Interval  time.Duration
	Backoff   Backoff
	Logger    *slog.Logger
	// Meter defaults to the global otel meter provider.
	Meter metric.Meter
}

// Worker is a polling loop bound to one queue and one processor.
type Worker struct {
	source  Source
	process Processor
	policy  *Policy
	logger  *slog.Logger

	depth    metric.Int64Gauge
	messages metric.Int64Counter
	attrs    attribute.Set

	processed atomic.Int64
	failed    atomic.Int64

	// sleep waits for d or until ctx is done. Tests replace it.
	sleep func(ctx context.Context, d time.Duration)
}

// New validates cfg and returns a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Source == nil || cfg.Processor == nil {
		return nil, errors.New("worker: source and processor are required")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	policy, err := NewPolicy(interval, cfg.Backoff)
	if err != nil {
		return nil, err
	}

	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	depth, err := meter.Int64Gauge("syncd.queue.depth",
		metric.WithDescription("Messages claimable in the queue"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("worker: creating depth gauge: %w", err)
	}

	messages, err := meter.Int64Counter("syncd.worker.messages",
		metric.WithDescription("Messages handled by workers, by outcome"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("worker: creating message counter: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		source:   cfg.Source,
		process:  cfg.Processor,
		policy:   policy,
		logger:   logger.With(slog.String("queue", cfg.Source.Name())),
		depth:    depth,
		messages: messages,
		attrs:    attribute.NewSet(attribute.String("queue", cfg.Source.Name())),
		sleep:    sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run polls until ctx is canceled. It always returns nil; every failure is
// isolated to the message it concerns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug("worker started", slog.Duration("interval", w.policy.Floor()))

	for ctx.Err() == nil {
		if w.Cycle(ctx) == OutcomeProcessed {
			w.policy.Reset()
			continue
		}

		if ctx.Err() != nil {
			break
		}

		w.sleep(ctx, w.policy.Next())
	}

	w.logger.Debug("worker stopped",
		slog.Int64("processed", w.processed.Load()),
		slog.Int64("failed", w.failed.Load()),
	)

	return nil
}

// Cycle runs one poll: report depth, claim a message, process and ack it.
func (w *Worker) Cycle(ctx context.Context) Outcome {
	if size, err := w.source.Size(ctx); err == nil {
		w.depth.Record(ctx, int64(size), metric.WithAttributeSet(w.attrs))
	} else {
		w.logger.Debug("queue size unavailable", slog.String("error", err.Error()))
	}

	msg, err := w.source.Get(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("queue get failed", slog.String("error", err.Error()))
		}

		return w.record(ctx, OutcomeFailed)
	}

	if msg == nil {
		return OutcomeEmpty
	}

	if err := w.safeProcess(ctx, msg); err != nil {
		w.logger.Warn("message processing failed; leaving for redelivery",
			slog.Int64("id", msg.ID),
			slog.Int("tries", msg.Tries),
			slog.String("error", err.Error()),
		)

		return w.record(ctx, OutcomeFailed)
	}

	if err := w.source.Ack(ctx, msg.Ack); err != nil {
		w.logger.Warn("ack failed; message will be redelivered",
			slog.Int64("id", msg.ID),
			slog.String("error", err.Error()),
		)

		return w.record(ctx, OutcomeFailed)
	}

	return w.record(ctx, OutcomeProcessed)
}

// safeProcess wraps the processor with panic recovery so one bad message
// cannot take the worker down.
func (w *Worker) safeProcess(ctx context.Context, msg *queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker: panic in processor",
				slog.Int64("id", msg.ID),
				slog.Any("panic", r),
			)
			err = fmt.Errorf("worker: panic: %v", r)
		}
	}()

	return w.process(ctx, msg)
}

func (w *Worker) record(ctx context.Context, o Outcome) Outcome {
	switch o {
	case OutcomeProcessed:
		w.processed.Add(1)
	case OutcomeFailed:
		w.failed.Add(1)
	}

	w.messages.Add(ctx, 1, metric.WithAttributeSet(w.attrs),
		metric.WithAttributes(attribute.String("outcome", o.String())))

	return o
}

// Stats returns the processed and failed message counts.
func (w *Worker) Stats() (processed, failed int64) {
	return w.processed.Load(), w.failed.Load()
}
