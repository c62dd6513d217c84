package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketTables = []byte("tables")
	bucketRows   = []byte("rows")
)

// boltMeta is the value stored under the table id in bucketTables.
type boltMeta struct {
	Keys      Keys      `json:"keys"`
	Columns   Registry  `json:"columns"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BoltStore stores all tables in one bbolt database. Rows live in a nested
// bucket per table keyed by a monotonic sequence.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *BoltStore) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction. Tests only.
func WithNoSync(noSync bool) BoltOption {
	return func(b *BoltStore) {
		b.noSync = noSync
	}
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string, opts ...BoltOption) (*BoltStore, error) {
	b := &BoltStore{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	b.db = db
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketTables, bucketRows} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.logger.Debug("opened bolt store", "path", path, "noSync", b.noSync)
	return b, nil
}

// Create implements Store.
func (b *BoltStore) Create(ctx context.Context, id string, keys Keys, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkID(id); err != nil {
		return err
	}
	at = at.UTC()
	data, err := json.Marshal(&boltMeta{Keys: keys, CreatedAt: at, UpdatedAt: at})
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		tables := tx.Bucket(bucketTables)
		if tables.Get([]byte(id)) != nil {
			return ErrExists
		}
		if err := tables.Put([]byte(id), data); err != nil {
			return fmt.Errorf("putting table: %w", err)
		}
		if _, err := tx.Bucket(bucketRows).CreateBucket([]byte(id)); err != nil {
			return fmt.Errorf("creating rows bucket: %w", err)
		}
		return nil
	})
}

// Get implements Store.
func (b *BoltStore) Get(ctx context.Context, id string, p Projection) (*Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, err
	}
	var t *Table
	err := b.db.View(func(tx *bbolt.Tx) error {
		meta, err := readMeta(tx, id)
		if err != nil {
			return err
		}
		t = &Table{ID: id, CreatedAt: meta.CreatedAt, UpdatedAt: meta.UpdatedAt}
		if p.Has(WithKeys) {
			t.Keys = meta.Keys
		}
		if p.Has(WithColumns) {
			t.Columns = meta.Columns
			if t.Columns == nil {
				t.Columns = Registry{}
			}
		}
		if !p.Has(WithRows) {
			return nil
		}
		rb := tx.Bucket(bucketRows).Bucket([]byte(id))
		if rb == nil {
			return fmt.Errorf("rows bucket missing for %q", id)
		}
		t.Rows = []Row{}
		// Values are only valid inside the transaction; Unmarshal copies.
		return rb.ForEach(func(k, v []byte) error {
			var row Row
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("decoding row %d: %w", binary.BigEndian.Uint64(k), err)
			}
			t.Rows = append(t.Rows, row)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Append implements Store.
func (b *BoltStore) Append(ctx context.Context, id string, row Row, cols []Column, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkID(id); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		meta, err := readMeta(tx, id)
		if err != nil {
			return err
		}
		meta.Columns, row, _ = reconcile(meta.Columns, row, cols)
		rowData, err := json.Marshal(row)
		if err != nil {
			return err
		}
		meta.UpdatedAt = at.UTC()
		rb := tx.Bucket(bucketRows).Bucket([]byte(id))
		if rb == nil {
			return fmt.Errorf("rows bucket missing for %q", id)
		}
		seq, err := rb.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		if err := rb.Put(key[:], rowData); err != nil {
			return fmt.Errorf("putting row: %w", err)
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTables).Put([]byte(id), data)
	})
}

// Close implements Store.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing bolt store")
	return b.db.Close()
}

func readMeta(tx *bbolt.Tx, id string) (*boltMeta, error) {
	v := tx.Bucket(bucketTables).Get([]byte(id))
	if v == nil {
		return nil, ErrNotFound
	}
	meta := &boltMeta{}
	if err := json.Unmarshal(v, meta); err != nil {
		return nil, fmt.Errorf("decoding table %q: %w", id, err)
	}
	return meta, nil
}
