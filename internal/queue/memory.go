package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maruel/ksid"

	"github.com/hooktable/hooktable/internal/engine"
)

type memEntry struct {
	item      Item
	attempts  int
	visibleAt time.Time
}

// Memory is an in-process Queue. Items do not survive a restart.
type Memory struct {
	opts options

	mu     sync.Mutex
	ready  []*memEntry
	leased map[ksid.ID]*memEntry
	dead   map[ksid.ID]*memEntry
	closed bool
	signal chan struct{} // buffered, size 1
	done   chan struct{}
}

// NewMemory returns an empty in-memory queue.
func NewMemory(opts ...Option) *Memory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Memory{
		opts:   o,
		ready:  make([]*memEntry, 0, 64),
		leased: map[ksid.ID]*memEntry{},
		dead:   map[ksid.ID]*memEntry{},
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (m *Memory) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Enqueue implements Queue.
func (m *Memory) Enqueue(_ context.Context, tableID string, body engine.Fields) (Item, error) {
	if err := body.Validate(); err != nil {
		return Item{}, fmt.Errorf("failed to enqueue item: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Item{}, ErrClosed
	}
	now := m.opts.now()
	it := Item{ID: ksid.NewID(), TableID: tableID, Body: body, EnqueuedAt: now.UTC()}
	m.ready = append(m.ready, &memEntry{item: it, visibleAt: now})
	m.notify()
	return it, nil
}

// take leases up to max visible items. Expired leases go back to the front
// of the queue first. m.mu must be held.
func (m *Memory) take(max int) []Delivery {
	now := m.opts.now()
	for id, e := range m.leased {
		if !e.visibleAt.After(now) {
			delete(m.leased, id)
			m.ready = append([]*memEntry{e}, m.ready...)
		}
	}
	var out []Delivery
	kept := m.ready[:0]
	for _, e := range m.ready {
		if len(out) < max && !e.visibleAt.After(now) {
			e.attempts++
			e.visibleAt = now.Add(m.opts.lease)
			m.leased[e.item.ID] = e
			out = append(out, Delivery{Item: e.item, Attempt: e.attempts})
			continue
		}
		kept = append(kept, e)
	}
	clear(m.ready[len(kept):])
	m.ready = kept
	return out
}

// Receive implements Queue.
func (m *Memory) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if max < 1 {
		max = 1
	}
	t := time.NewTicker(m.opts.pollInterval)
	defer t.Stop()
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		out := m.take(max)
		more := len(m.ready) != 0
		m.mu.Unlock()
		if len(out) != 0 {
			if more {
				// Wake another receiver.
				m.notify()
			}
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, ErrClosed
		case <-m.signal:
		case <-t.C:
		}
	}
}

// Ack implements Queue.
func (m *Memory) Ack(_ context.Context, ids ...ksid.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.leased, id)
	}
	return nil
}

// Nack implements Queue.
func (m *Memory) Nack(_ context.Context, id ksid.ID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.leased[id]
	if !ok {
		return nil
	}
	delete(m.leased, id)
	if e.attempts >= m.opts.maxAttempts {
		m.dead[id] = e
		m.opts.logger.Warn("item dead-lettered", "item", id, "tableId", e.item.TableID, "attempts", e.attempts, "reason", reason)
		return nil
	}
	e.visibleAt = m.opts.now().Add(m.opts.retryDelay(e.attempts))
	m.ready = append(m.ready, e)
	m.notify()
	return nil
}

// DeadLetter implements Queue.
func (m *Memory) DeadLetter(_ context.Context, id ksid.ID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.leased[id]
	if !ok {
		return nil
	}
	delete(m.leased, id)
	m.dead[id] = e
	m.opts.logger.Warn("item dead-lettered", "item", id, "tableId", e.item.TableID, "attempts", e.attempts, "reason", reason)
	return nil
}

// Stats implements Queue.
func (m *Memory) Stats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Ready: len(m.ready), Leased: len(m.leased), Dead: len(m.dead)}, nil
}

// Close implements Queue. Blocked receivers return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
