package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type backend struct {
	name string
	open func(t *testing.T, dir string) Store
}

var backends = []backend{
	{"file", func(t *testing.T, dir string) Store {
		t.Helper()
		s, err := NewFileStore(filepath.Join(dir, "tables"), nil)
		if err != nil {
			t.Fatalf("NewFileStore failed: %v", err)
		}
		return s
	}},
	{"bolt", func(t *testing.T, dir string) Store {
		t.Helper()
		s, err := OpenBolt(filepath.Join(dir, "tables.db"), WithNoSync(true))
		if err != nil {
			t.Fatalf("OpenBolt failed: %v", err)
		}
		return s
	}},
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func forEachBackend(t *testing.T, fn func(t *testing.T, open func() Store)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			dir := t.TempDir()
			var opened []Store
			t.Cleanup(func() {
				for _, s := range opened {
					_ = s.Close()
				}
			})
			fn(t, func() Store {
				// bbolt holds an exclusive file lock; close the previous handle
				// before reopening.
				for _, s := range opened {
					_ = s.Close()
				}
				s := b.open(t, dir)
				opened = append(opened, s)
				return s
			})
		})
	}
}

func TestCreate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		keys := Keys{PublicKey: "pub", PrivateKey: "priv"}
		if err := s.Create(ctx, "orders", keys, t0); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := s.Create(ctx, "orders", Keys{PublicKey: "other"}, t0.Add(time.Hour)); !errors.Is(err, ErrExists) {
			t.Fatalf("second Create error = %v, want ErrExists", err)
		}
		got, err := s.Get(ctx, "orders", WithAll)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Keys != keys {
			t.Errorf("Keys = %+v, want %+v", got.Keys, keys)
		}
		if len(got.Columns) != 0 || len(got.Rows) != 0 {
			t.Errorf("new table has %d columns, %d rows", len(got.Columns), len(got.Rows))
		}
		if !got.CreatedAt.Equal(t0) || !got.UpdatedAt.Equal(t0) {
			t.Errorf("timestamps = %v, %v, want %v", got.CreatedAt, got.UpdatedAt, t0)
		}
	})
}

func TestGetProjection(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		if _, err := s.Get(ctx, "missing", 0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
		}
		_ = s.Create(ctx, "orders", Keys{PublicKey: "pub", PrivateKey: "priv"}, t0)
		_ = s.Append(ctx, "orders", Row{{"c1", "v1"}}, []Column{{"h1", "c1"}}, t0)

		tests := []struct {
			name     string
			p        Projection
			wantKeys bool
			wantCols bool
			wantRows bool
		}{
			{"exists", 0, false, false, false},
			{"keys", WithKeys, true, false, false},
			{"keys and columns", WithKeys | WithColumns, true, true, false},
			{"all", WithAll, true, true, true},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.Get(ctx, "orders", tt.p)
				if err != nil {
					t.Fatal(err)
				}
				if (got.Keys.PrivateKey != "") != tt.wantKeys {
					t.Errorf("keys present = %v", got.Keys.PrivateKey != "")
				}
				if (len(got.Columns) != 0) != tt.wantCols {
					t.Errorf("columns present = %v", len(got.Columns) != 0)
				}
				if (len(got.Rows) != 0) != tt.wantRows {
					t.Errorf("rows present = %v", len(got.Rows) != 0)
				}
			})
		}
	})
}

func TestAppend(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		if err := s.Append(ctx, "missing", Row{}, nil, t0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Append(missing) error = %v, want ErrNotFound", err)
		}
		_ = s.Create(ctx, "orders", Keys{PublicKey: "pub", PrivateKey: "priv"}, t0)

		if err := s.Append(ctx, "orders", Row{{"cA", "v1"}, {"cB", "v2"}}, []Column{{"hA", "cA"}, {"hB", "cB"}}, t0.Add(time.Minute)); err != nil {
			t.Fatal(err)
		}
		// hA is already registered; its second ciphertext must be replaced by
		// the registered one.
		if err := s.Append(ctx, "orders", Row{{"cA2", "v3"}, {"cC", "v4"}}, []Column{{"hA", "cA2"}, {"hC", "cC"}}, t0.Add(2*time.Minute)); err != nil {
			t.Fatal(err)
		}

		// Reopen to check durability.
		s = open()
		got, err := s.Get(ctx, "orders", WithAll)
		if err != nil {
			t.Fatal(err)
		}
		wantCols := Registry{{"hA", "cA"}, {"hB", "cB"}, {"hC", "cC"}}
		if fmt.Sprint(got.Columns) != fmt.Sprint(wantCols) {
			t.Errorf("Columns = %v, want %v", got.Columns, wantCols)
		}
		wantRows := []Row{{{"cA", "v1"}, {"cB", "v2"}}, {{"cA", "v3"}, {"cC", "v4"}}}
		if fmt.Sprint(got.Rows) != fmt.Sprint(wantRows) {
			t.Errorf("Rows = %v, want %v", got.Rows, wantRows)
		}
		if !got.UpdatedAt.Equal(t0.Add(2 * time.Minute)) {
			t.Errorf("UpdatedAt = %v", got.UpdatedAt)
		}
	})
}

func TestConcurrentAppendRegistersOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		_ = s.Create(ctx, "orders", Keys{PublicKey: "pub"}, t0)
		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c := fmt.Sprintf("c%d", i)
				if err := s.Append(ctx, "orders", Row{{c, "v"}}, []Column{{"email", c}}, t0); err != nil {
					t.Error(err)
				}
			}()
		}
		wg.Wait()
		got, err := s.Get(ctx, "orders", WithColumns|WithRows)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Columns) != 1 {
			t.Fatalf("len(Columns) = %d, want 1", len(got.Columns))
		}
		for i, row := range got.Rows {
			if row[0].Column != got.Columns[0].Cipher {
				t.Errorf("row %d column = %q, want registered %q", i, row[0].Column, got.Columns[0].Cipher)
			}
		}
		if len(got.Rows) != 20 {
			t.Errorf("len(Rows) = %d, want 20", len(got.Rows))
		}
	})
}

func TestInvalidID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		s := open()
		for _, id := range []string{"", "../etc", "a/b", "a.b"} {
			if err := s.Create(context.Background(), id, Keys{}, t0); err == nil {
				t.Errorf("Create(%q) succeeded", id)
			}
		}
	})
}

func TestFileStoreHeaderlessFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"orders", "invoices"} {
		if err := os.WriteFile(filepath.Join(dir, id+".jsonl"), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Get(ctx, "orders", WithAll); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
	for _, id := range []string{"orders", "invoices"} {
		if err := s.Create(ctx, id, Keys{PublicKey: "pub"}, t0); err != nil {
			t.Fatalf("Create(%q) failed: %v", id, err)
		}
		got, err := s.Get(ctx, id, WithKeys)
		if err != nil {
			t.Fatalf("Get(%q) failed: %v", id, err)
		}
		if got.Keys.PublicKey != "pub" {
			t.Errorf("Get(%q).Keys = %+v", id, got.Keys)
		}
	}
}

func TestCanceledContext(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		s := open()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := s.Create(ctx, "orders", Keys{}, t0); !errors.Is(err, context.Canceled) {
			t.Errorf("Create error = %v, want context.Canceled", err)
		}
	})
}

func TestRegistryMerge(t *testing.T) {
	r := Registry{{"a", "1"}}
	got, added := r.Merge([]Column{{"a", "x"}, {"b", "2"}, {"b", "3"}, {"c", "4"}})
	if fmt.Sprint(added) != fmt.Sprint([]Column{{"b", "2"}, {"c", "4"}}) {
		t.Errorf("added = %v", added)
	}
	if fmt.Sprint(got) != fmt.Sprint(Registry{{"a", "1"}, {"b", "2"}, {"c", "4"}}) {
		t.Errorf("merged = %v", got)
	}
	if len(r) != 1 {
		t.Errorf("Merge mutated the receiver: %v", r)
	}
	if _, added := got.Merge([]Column{{"a", "z"}}); added != nil {
		t.Errorf("no-op merge added %v", added)
	}
}
