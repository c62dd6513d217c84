package queue

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maruel/ksid"

	"github.com/hooktable/hooktable/internal/engine"
	"github.com/hooktable/hooktable/internal/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type opener func(t *testing.T, opts ...Option) Queue

func forEachQueue(t *testing.T, fn func(t *testing.T, open opener)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, func(t *testing.T, opts ...Option) Queue {
			q := NewMemory(opts...)
			t.Cleanup(func() { _ = q.Close() })
			return q
		})
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, func(t *testing.T, opts ...Option) Queue {
			q, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"), opts...)
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = q.Close() })
			return q
		})
	})
}

func body(kv ...string) engine.Fields {
	var f engine.Fields
	for i := 0; i+1 < len(kv); i += 2 {
		f = append(f, engine.Field{Name: kv[i], Value: kv[i+1]})
	}
	return f
}

func mustEnqueue(t *testing.T, q Queue, tableID string, b engine.Fields) Item {
	t.Helper()
	it, err := q.Enqueue(t.Context(), tableID, b)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return it
}

func mustReceive(t *testing.T, q Queue, max int) []Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	got, err := q.Receive(ctx, max)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	return got
}

// receiveNone asserts that nothing is visible.
func receiveNone(t *testing.T, q Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	got, err := q.Receive(ctx, 10)
	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Receive = %v, %v; want deadline exceeded", got, err)
	}
}

func wantStats(t *testing.T, q Queue, want Stats) {
	t.Helper()
	got, err := q.Stats(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("Stats = %+v, want %+v", got, want)
	}
}

func TestQueue(t *testing.T) {
	forEachQueue(t, func(t *testing.T, open opener) {
		t.Run("FIFO", func(t *testing.T) {
			q := open(t, WithPollInterval(5*time.Millisecond))
			var ids []ksid.ID
			for _, v := range []string{"a", "b", "c"} {
				ids = append(ids, mustEnqueue(t, q, "orders", body("k", v, "z", `{"n":1}`)).ID)
			}
			got := mustReceive(t, q, 2)
			if len(got) != 2 {
				t.Fatalf("got %d deliveries, want 2", len(got))
			}
			for i, d := range got {
				if d.Item.ID != ids[i] || d.Attempt != 1 || d.Item.TableID != "orders" {
					t.Errorf("delivery %d = %+v", i, d)
				}
			}
			if want := body("k", "a", "z", `{"n":1}`); !reflect.DeepEqual(got[0].Item.Body, want) {
				t.Errorf("body = %v, want %v", got[0].Item.Body, want)
			}
			wantStats(t, q, Stats{Ready: 1, Leased: 2})
			rest := mustReceive(t, q, 10)
			if len(rest) != 1 || rest[0].Item.ID != ids[2] {
				t.Fatalf("rest = %+v", rest)
			}
			if err := q.Ack(t.Context(), ids...); err != nil {
				t.Fatal(err)
			}
			wantStats(t, q, Stats{})
			receiveNone(t, q)
		})

		t.Run("NackRedelivers", func(t *testing.T) {
			clk := newFakeClock()
			q := open(t, WithClock(clk.Now), WithBackoff(time.Second), WithMaxAttempts(3), WithPollInterval(5*time.Millisecond))
			it := mustEnqueue(t, q, "t1", body("a", "1"))
			for attempt := 1; attempt <= 2; attempt++ {
				d := mustReceive(t, q, 1)
				if d[0].Attempt != attempt {
					t.Fatalf("attempt = %d, want %d", d[0].Attempt, attempt)
				}
				if err := q.Nack(t.Context(), it.ID, "DBError: Error updating the document"); err != nil {
					t.Fatal(err)
				}
				receiveNone(t, q)
				clk.Advance(time.Duration(attempt) * time.Second)
			}
			d := mustReceive(t, q, 1)
			if d[0].Attempt != 3 {
				t.Fatalf("attempt = %d, want 3", d[0].Attempt)
			}
			if err := q.Nack(t.Context(), it.ID, "DBError: Error updating the document"); err != nil {
				t.Fatal(err)
			}
			wantStats(t, q, Stats{Dead: 1})
			clk.Advance(time.Hour)
			receiveNone(t, q)
		})

		t.Run("DeadLetter", func(t *testing.T) {
			q := open(t)
			it := mustEnqueue(t, q, "t1", body("a", "1"))
			mustReceive(t, q, 1)
			if err := q.DeadLetter(t.Context(), it.ID, "TableNotFound"); err != nil {
				t.Fatal(err)
			}
			wantStats(t, q, Stats{Dead: 1})
			// Settling an unleased item is a no-op.
			if err := q.Nack(t.Context(), it.ID, "x"); err != nil {
				t.Fatal(err)
			}
			if err := q.Ack(t.Context(), it.ID); err != nil {
				t.Fatal(err)
			}
			wantStats(t, q, Stats{Dead: 1})
		})

		t.Run("LeaseExpiry", func(t *testing.T) {
			clk := newFakeClock()
			q := open(t, WithClock(clk.Now), WithLease(time.Minute), WithPollInterval(5*time.Millisecond))
			it := mustEnqueue(t, q, "t1", body("a", "1"))
			mustReceive(t, q, 1)
			receiveNone(t, q)
			clk.Advance(time.Minute)
			d := mustReceive(t, q, 1)
			if d[0].Item.ID != it.ID || d[0].Attempt != 2 {
				t.Fatalf("redelivery = %+v", d[0])
			}
		})

		t.Run("ReceiveWakesOnEnqueue", func(t *testing.T) {
			q := open(t, WithPollInterval(time.Hour))
			done := make(chan []Delivery)
			go func() {
				got, err := q.Receive(t.Context(), 1)
				if err != nil {
					t.Error(err)
				}
				done <- got
			}()
			time.Sleep(10 * time.Millisecond)
			it := mustEnqueue(t, q, "t1", body("a", "1"))
			select {
			case got := <-done:
				if len(got) != 1 || got[0].Item.ID != it.ID {
					t.Errorf("got %+v", got)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Receive did not wake up")
			}
		})

		t.Run("RejectsInvalidUTF8", func(t *testing.T) {
			q := open(t, WithPollInterval(5*time.Millisecond))
			for _, b := range []engine.Fields{body("\xff", "1"), body("a", "\xfe")} {
				_, err := q.Enqueue(t.Context(), "t1", b)
				if errors.KindOf(err) != errors.KindMissingField {
					t.Errorf("Enqueue(%q) = %v, want MissingField", b, err)
				}
			}
			want := mustEnqueue(t, q, "t1", body("a", "café"))
			got := mustReceive(t, q, 10)
			if len(got) != 1 || got[0].Item.ID != want.ID || !reflect.DeepEqual(got[0].Item.Body, want.Body) {
				t.Fatalf("got %+v, want only %v", got, want)
			}
		})

		t.Run("Close", func(t *testing.T) {
			q := open(t, WithPollInterval(time.Hour))
			errc := make(chan error)
			go func() {
				_, err := q.Receive(t.Context(), 1)
				errc <- err
			}()
			time.Sleep(10 * time.Millisecond)
			if err := q.Close(); err != nil {
				t.Fatal(err)
			}
			select {
			case err := <-errc:
				if !stderrors.Is(err, ErrClosed) {
					t.Errorf("Receive = %v, want ErrClosed", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Receive did not return")
			}
			if _, err := q.Enqueue(t.Context(), "t1", body("a", "1")); !stderrors.Is(err, ErrClosed) {
				t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
			}
			if err := q.Close(); err != nil {
				t.Errorf("second Close = %v", err)
			}
		})
	})
}

func TestSQLiteSurvivesRestart(t *testing.T) {
	clk := newFakeClock()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := OpenSQLite(path, WithClock(clk.Now))
	if err != nil {
		t.Fatal(err)
	}
	a := mustEnqueue(t, q, "t1", body("a", "1"))
	b := mustEnqueue(t, q, "t1", body("b", "2"))
	mustReceive(t, q, 1)
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	q, err = OpenSQLite(path, WithClock(clk.Now), WithPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = q.Close() }()
	wantStats(t, q, Stats{Ready: 1, Leased: 1})
	got := mustReceive(t, q, 10)
	if len(got) != 1 || got[0].Item.ID != b.ID {
		t.Fatalf("got %+v, want only %v", got, b.ID)
	}
	// The lease taken before the restart expires.
	clk.Advance(2 * time.Minute)
	got = mustReceive(t, q, 10)
	if len(got) != 2 || got[0].Item.ID != a.ID || got[0].Attempt != 2 {
		t.Fatalf("got %+v", got)
	}
}

func TestSQLiteUndecodableRow(t *testing.T) {
	q, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"), WithPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = q.Close() }()
	now := time.Now().UnixNano()
	for _, row := range []struct{ id, body string }{
		{ksid.NewID().String(), `{"a":"1","a":"2"}`},
		{"not-an-id", `{"a":"1"}`},
		{ksid.NewID().String(), `[1]`},
	} {
		if _, err := q.db.ExecContext(t.Context(),
			`INSERT INTO items (id, table_id, body, enqueued_at, visible_at) VALUES (?, ?, ?, ?, ?)`,
			row.id, "t1", row.body, now, now); err != nil {
			t.Fatal(err)
		}
	}
	good := mustEnqueue(t, q, "t2", body("email", "a@x"))

	got := mustReceive(t, q, 10)
	if len(got) != 1 || got[0].Item.ID != good.ID {
		t.Fatalf("got %+v, want only %v", got, good.ID)
	}
	wantStats(t, q, Stats{Leased: 1, Dead: 3})
	var reason string
	if err := q.db.QueryRowContext(t.Context(), `SELECT last_error FROM items WHERE id = ?`, "not-an-id").Scan(&reason); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reason, "invalid id") {
		t.Errorf("last_error = %q", reason)
	}

	// The bad rows alone fill a batch; the good row still comes through.
	q2, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"), WithPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = q2.Close() }()
	if _, err := q2.db.ExecContext(t.Context(),
		`INSERT INTO items (id, table_id, body, enqueued_at, visible_at) VALUES (?, ?, ?, ?, ?)`,
		ksid.NewID().String(), "t1", `{"\uFFFD":"1","\uFFFD":"2"}`, now, now); err != nil {
		t.Fatal(err)
	}
	good = mustEnqueue(t, q2, "t2", body("email", "a@x"))
	got = mustReceive(t, q2, 1)
	if len(got) != 1 || got[0].Item.ID != good.ID {
		t.Fatalf("got %+v, want only %v", got, good.ID)
	}
}

func TestRetryDelay(t *testing.T) {
	o := options{backoff: time.Second}
	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 4: 8 * time.Second, 100: 4096 * time.Second} {
		if got := o.retryDelay(attempt); got != want {
			t.Errorf("retryDelay(%d) = %v, want %v", attempt, got, want)
		}
	}
}
