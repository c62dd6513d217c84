package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maruel/ksid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hooktable/hooktable/internal/engine"
)

//go:embed schema.sql
var schemaSQL string

// 1 - items table with leases.
const currentSchemaVersion = 1

const (
	statusReady  = 0
	statusLeased = 1
	statusDead   = 2
)

// SQLite is a Queue persisted in a SQLite database. Items survive a restart;
// leases that were outstanding at shutdown expire and are delivered again.
type SQLite struct {
	db   *sql.DB
	opts options

	signal    chan struct{} // buffered, size 1
	done      chan struct{}
	closeOnce sync.Once
}

// OpenSQLite creates or opens the queue database at path.
//
// The database uses WAL mode with a single connection so that leasing is
// serialized.
func OpenSQLite(path string, opts ...Option) (*SQLite, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to queue database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLite{
		db:     db,
		opts:   o,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("queue schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *SQLite) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *SQLite) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Enqueue implements Queue.
func (s *SQLite) Enqueue(ctx context.Context, tableID string, body engine.Fields) (Item, error) {
	if s.isClosed() {
		return Item{}, ErrClosed
	}
	if err := body.Validate(); err != nil {
		return Item{}, fmt.Errorf("failed to enqueue item: %w", err)
	}
	raw, err := body.MarshalJSON()
	if err != nil {
		return Item{}, fmt.Errorf("failed to encode item: %w", err)
	}
	now := s.opts.now()
	it := Item{ID: ksid.NewID(), TableID: tableID, Body: body, EnqueuedAt: now.UTC()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO items (id, table_id, body, enqueued_at, visible_at) VALUES (?, ?, ?, ?, ?)`,
		it.ID.String(), tableID, string(raw), now.UnixNano(), now.UnixNano())
	if err != nil {
		return Item{}, fmt.Errorf("failed to enqueue item: %w", err)
	}
	s.notify()
	return it, nil
}

// take leases up to max visible items in FIFO order. A leased item whose
// lease expired is visible again. A row that cannot be decoded is
// dead-lettered so it does not block the rows behind it.
func (s *SQLite) take(ctx context.Context, max int) (_ []Delivery, err error) {
	now := s.opts.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	rows, err := tx.QueryContext(ctx,
		`SELECT seq, id, table_id, body, enqueued_at, attempts FROM items
		 WHERE status IN (?, ?) AND visible_at <= ? ORDER BY seq LIMIT ?`,
		statusReady, statusLeased, now.UnixNano(), max)
	if err != nil {
		return nil, err
	}
	type badRow struct {
		seq    int64
		id     string
		reason string
	}
	var out []Delivery
	var seqs []any
	var bad []badRow
	for rows.Next() {
		var (
			seq        int64
			id, body   string
			d          Delivery
			enqueuedAt int64
		)
		if err = rows.Scan(&seq, &id, &d.Item.TableID, &body, &enqueuedAt, &d.Attempt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		var derr error
		if d.Item.ID, derr = ksid.Parse(id); derr != nil {
			bad = append(bad, badRow{seq, id, fmt.Sprintf("invalid id: %v", derr)})
			continue
		}
		if d.Item.Body, derr = engine.DecodeFields([]byte(body)); derr != nil {
			bad = append(bad, badRow{seq, id, fmt.Sprintf("invalid body: %v", derr)})
			continue
		}
		d.Item.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
		d.Attempt++
		out = append(out, d)
		seqs = append(seqs, seq)
	}
	if err = rows.Close(); err != nil {
		return nil, err
	}
	for _, b := range bad {
		if _, err = tx.ExecContext(ctx,
			`UPDATE items SET status = ?, last_error = ? WHERE seq = ?`,
			statusDead, b.reason, b.seq); err != nil {
			return nil, err
		}
	}
	if len(seqs) != 0 {
		args := append([]any{statusLeased, now.Add(s.opts.lease).UnixNano()}, seqs...)
		_, err = tx.ExecContext(ctx,
			`UPDATE items SET status = ?, attempts = attempts + 1, visible_at = ?
			 WHERE seq IN (?`+strings.Repeat(", ?", len(seqs)-1)+`)`, args...)
		if err != nil {
			return nil, err
		}
	}
	if len(out) == 0 && len(bad) == 0 {
		return nil, tx.Rollback()
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	for _, b := range bad {
		s.opts.logger.Warn("undecodable item dead-lettered", "item", b.id, "reason", b.reason)
	}
	if len(bad) != 0 {
		// The dead rows freed room in this batch.
		s.notify()
	}
	return out, nil
}

// Receive implements Queue.
func (s *SQLite) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if max < 1 {
		max = 1
	}
	t := time.NewTicker(s.opts.pollInterval)
	defer t.Stop()
	for {
		if s.isClosed() {
			return nil, ErrClosed
		}
		out, err := s.take(ctx, max)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if s.isClosed() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("failed to receive items: %w", err)
		}
		if len(out) != 0 {
			if len(out) == max {
				// There may be more.
				s.notify()
			}
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		case <-s.signal:
		case <-t.C:
		}
	}
}

// Ack implements Queue.
func (s *SQLite) Ack(ctx context.Context, ids ...ksid.ID) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM items WHERE status = `+fmt.Sprint(statusLeased)+` AND id IN (?`+strings.Repeat(", ?", len(ids)-1)+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to ack items: %w", err)
	}
	return nil
}

// Nack implements Queue.
func (s *SQLite) Nack(ctx context.Context, id ksid.ID, reason string) error {
	var attempts int
	var tableID string
	err := s.db.QueryRowContext(ctx,
		`SELECT attempts, table_id FROM items WHERE id = ? AND status = ?`, id.String(), statusLeased).Scan(&attempts, &tableID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to nack item: %w", err)
	}
	if attempts >= s.opts.maxAttempts {
		if err := s.bury(ctx, id, reason); err != nil {
			return err
		}
		s.opts.logger.Warn("item dead-lettered", "item", id, "tableId", tableID, "attempts", attempts, "reason", reason)
		return nil
	}
	visible := s.opts.now().Add(s.opts.retryDelay(attempts))
	_, err = s.db.ExecContext(ctx,
		`UPDATE items SET status = ?, visible_at = ?, last_error = ? WHERE id = ? AND status = ?`,
		statusReady, visible.UnixNano(), reason, id.String(), statusLeased)
	if err != nil {
		return fmt.Errorf("failed to nack item: %w", err)
	}
	s.notify()
	return nil
}

// DeadLetter implements Queue.
func (s *SQLite) DeadLetter(ctx context.Context, id ksid.ID, reason string) error {
	if err := s.bury(ctx, id, reason); err != nil {
		return err
	}
	s.opts.logger.Warn("item dead-lettered", "item", id, "reason", reason)
	return nil
}

func (s *SQLite) bury(ctx context.Context, id ksid.ID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET status = ?, last_error = ? WHERE id = ? AND status = ?`,
		statusDead, reason, id.String(), statusLeased)
	if err != nil {
		return fmt.Errorf("failed to dead-letter item: %w", err)
	}
	return nil
}

// Stats implements Queue. Leased items whose lease expired count as leased.
func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM items GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count items: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var st Stats
	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch status {
		case statusReady:
			st.Ready = n
		case statusLeased:
			st.Leased = n
		case statusDead:
			st.Dead = n
		}
	}
	return st, rows.Err()
}

// Close implements Queue.
func (s *SQLite) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.db.Close()
	})
	return err
}
