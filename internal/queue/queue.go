// Package queue decouples webhook ingestion from encryption.
//
// The HTTP layer validates a payload and enqueues it; a pool of [Worker]
// goroutines receives batches and hands them to the append pipeline. Delivery
// is at least once: an item is only removed when acknowledged, and a crashed
// or failing worker leaves it to be delivered again. Items that keep failing
// are dead-lettered after a maximum number of attempts.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/maruel/ksid"

	"github.com/hooktable/hooktable/internal/engine"
)

// ErrClosed is returned by a closed queue.
var ErrClosed = errors.New("queue closed")

// Item is one validated ingest payload waiting to be appended.
type Item struct {
	ID         ksid.ID       `json:"id"`
	TableID    string        `json:"tableId"`
	Body       engine.Fields `json:"body"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
}

// Delivery is an item handed to a consumer. Attempt starts at 1.
type Delivery struct {
	Item    Item
	Attempt int
}

// Stats counts items by state.
type Stats struct {
	Ready  int
	Leased int
	Dead   int
}

// Queue is an at-least-once work queue of ingest items.
type Queue interface {
	// Enqueue durably adds a new item.
	Enqueue(ctx context.Context, tableID string, body engine.Fields) (Item, error)
	// Receive blocks until at least one item is available and leases up to
	// max items. It returns ErrClosed once the queue is closed.
	Receive(ctx context.Context, max int) ([]Delivery, error)
	// Ack removes delivered items.
	Ack(ctx context.Context, ids ...ksid.ID) error
	// Nack returns an item for another attempt, or dead-letters it when it
	// has used all its attempts.
	Nack(ctx context.Context, id ksid.ID, reason string) error
	// DeadLetter parks an item that must not be retried.
	DeadLetter(ctx context.Context, id ksid.ID, reason string) error
	// Stats returns the number of items in each state.
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

type options struct {
	maxAttempts  int
	lease        time.Duration
	backoff      time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func defaultOptions() options {
	return options{
		maxAttempts:  5,
		lease:        time.Minute,
		backoff:      time.Second,
		pollInterval: time.Second,
		logger:       slog.Default(),
		now:          time.Now,
	}
}

// Option configures a queue.
type Option func(*options)

// WithMaxAttempts sets the number of deliveries before an item is
// dead-lettered.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithLease sets how long a received item stays invisible before it is
// delivered again if it is neither acked nor nacked.
func WithLease(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lease = d
		}
	}
}

// WithBackoff sets the base delay before a nacked item is visible again. The
// delay doubles with every attempt.
func WithBackoff(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.backoff = d
		}
	}
}

// WithPollInterval sets how often a blocked Receive rechecks for expired
// leases and delayed items.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// retryDelay returns the delay before attempt+1.
func (o *options) retryDelay(attempt int) time.Duration {
	d := o.backoff
	for i := 1; i < attempt && d < time.Hour; i++ {
		d *= 2
	}
	return d
}
