package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/maruel/ksid"
	"golang.org/x/sync/errgroup"

	"github.com/hooktable/hooktable/internal/engine"
)

// Appender appends a batch of items. *engine.Engine implements it.
type Appender interface {
	ProcessBatch(ctx context.Context, items []engine.Item) engine.BatchResult
}

// Worker drains a Queue into an Appender.
//
// Items appended successfully, and items that failed for a reason retrying
// cannot fix, are removed from the queue. The latter are dead-lettered.
// Items that failed on a transient storage error are nacked for redelivery.
type Worker struct {
	q         Queue
	app       Appender
	batchSize int
	logger    *slog.Logger
}

// NewWorker returns a worker receiving up to batchSize items at a time.
func NewWorker(q Queue, app Appender, batchSize int, logger *slog.Logger) *Worker {
	if batchSize < 1 {
		batchSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{q: q, app: app, batchSize: batchSize, logger: logger}
}

// Run starts n consumers and blocks until ctx is canceled or the queue is
// closed. A batch being appended when ctx is canceled runs to completion.
func (w *Worker) Run(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	eg, ctx := errgroup.WithContext(ctx)
	for range n {
		eg.Go(func() error {
			return w.loop(ctx)
		})
	}
	err := eg.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		batch, err := w.q.Receive(ctx, w.batchSize)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
				return err
			}
			w.logger.ErrorContext(ctx, "queue receive failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		w.Process(context.WithoutCancel(ctx), batch)
	}
}

// Process appends one received batch and settles every delivery.
func (w *Worker) Process(ctx context.Context, batch []Delivery) {
	items := make([]engine.Item, len(batch))
	for i, d := range batch {
		items[i] = engine.Item{ID: d.Item.ID.String(), TableID: d.Item.TableID, Fields: d.Item.Body}
	}
	start := time.Now()
	res := w.app.ProcessBatch(ctx, items)

	failed := make(map[int]engine.Failure, len(res.Failed))
	for _, f := range res.Failed {
		failed[f.Index] = f
	}
	acks := make([]ksid.ID, 0, len(batch))
	for i, d := range batch {
		f, ok := failed[i]
		if !ok {
			acks = append(acks, d.Item.ID)
			continue
		}
		reason := string(f.Kind) + ": " + f.Message
		var err error
		if f.Kind.Retryable() {
			w.logger.WarnContext(ctx, "append will be retried", "item", d.Item.ID, "tableId", d.Item.TableID, "attempt", d.Attempt, "kind", f.Kind)
			err = w.q.Nack(ctx, d.Item.ID, reason)
		} else {
			w.logger.WarnContext(ctx, "append rejected", "item", d.Item.ID, "tableId", d.Item.TableID, "kind", f.Kind, "msg", f.Message)
			err = w.q.DeadLetter(ctx, d.Item.ID, reason)
		}
		if err != nil {
			w.logger.ErrorContext(ctx, "failed to settle item", "item", d.Item.ID, "err", err)
		}
	}
	if err := w.q.Ack(ctx, acks...); err != nil {
		w.logger.ErrorContext(ctx, "failed to ack items", "n", len(acks), "err", err)
	}
	w.logger.DebugContext(ctx, "batch processed", "n", len(batch), "failed", len(res.Failed), "dur", time.Since(start).Round(time.Millisecond))
}
