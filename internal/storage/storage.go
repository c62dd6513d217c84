// Package storage persists encrypted tables.
//
// A [Store] only ever sees ciphertext: column names and cell values are armored
// OpenPGP messages and the private key is passphrase-locked. Two backends are
// provided, [FileStore] (one JSONL file per table) and [BoltStore] (a single
// bbolt database).
package storage

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the table does not exist.
	ErrNotFound = errors.New("table not found")
	// ErrExists is returned by Create when the table id is already taken.
	ErrExists = errors.New("table already exists")

	errInvalidID = errors.New("invalid table id")
)

// Keys is the armored OpenPGP keypair of a table. PrivateKey is locked with
// the table passphrase.
type Keys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// Column is one registry entry: the identity hash of a plaintext column name
// and the ciphertext recorded the first time that name was seen.
type Column struct {
	Hash   string `json:"hash"`
	Cipher string `json:"cipher"`
}

// Registry is the ordered list of registered columns, in first-seen order.
type Registry []Column

// Index returns a hash to ciphertext map.
func (r Registry) Index() map[string]string {
	m := make(map[string]string, len(r))
	for _, c := range r {
		m[c.Hash] = c.Cipher
	}
	return m
}

// Merge appends the columns whose hash is not yet registered and returns the
// new registry together with the columns that were actually added. Repeated
// hashes within cols keep their first occurrence.
func (r Registry) Merge(cols []Column) (Registry, []Column) {
	seen := make(map[string]struct{}, len(r)+len(cols))
	for _, c := range r {
		seen[c.Hash] = struct{}{}
	}
	var added []Column
	for _, c := range cols {
		if _, ok := seen[c.Hash]; ok {
			continue
		}
		seen[c.Hash] = struct{}{}
		added = append(added, c)
	}
	if len(added) == 0 {
		return r, nil
	}
	return append(slices.Clip(r), added...), added
}

// reconcile merges cols into reg. A column whose hash is already registered
// under another ciphertext is not added; the cells of row that use it are
// rewritten to the registered ciphertext instead. The returned row never
// aliases the argument when a rewrite happens.
func reconcile(reg Registry, row Row, cols []Column) (Registry, Row, []Column) {
	index := reg.Index()
	var swap map[string]string
	for _, c := range cols {
		existing, ok := index[c.Hash]
		if !ok {
			index[c.Hash] = c.Cipher
			continue
		}
		if existing != c.Cipher {
			if swap == nil {
				swap = map[string]string{}
			}
			swap[c.Cipher] = existing
		}
	}
	merged, added := reg.Merge(cols)
	if len(swap) != 0 {
		row = row.Clone()
		for i := range row {
			if existing, ok := swap[row[i].Column]; ok {
				row[i].Column = existing
			}
		}
	}
	return merged, row, added
}

// Cell is one field of a row: the column ciphertext and the value ciphertext.
type Cell struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

// Row holds the fields of exactly one append, in submission order.
type Row []Cell

// Clone returns a copy of the row.
func (r Row) Clone() Row {
	return slices.Clone(r)
}

// Table is a stored table. Fields not requested by the Projection are left
// zero.
type Table struct {
	ID        string
	Keys      Keys
	Columns   Registry
	Rows      []Row
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Projection selects which parts of a Table a Get returns. The zero value
// only checks for existence.
type Projection uint8

const (
	WithKeys Projection = 1 << iota
	WithColumns
	WithRows

	WithAll = WithKeys | WithColumns | WithRows
)

// Has reports whether p includes all of q.
func (p Projection) Has(q Projection) bool {
	return p&q == q
}

// Store is a durable document store of tables.
//
// Append must write the row and the registry additions as a single durable
// operation and must re-check cols against the registry it holds under its
// own lock, so that concurrent appends never register one hash twice. Cells
// that name a losing ciphertext are rewritten to the registered one.
type Store interface {
	// Create stores a new table with no columns and no rows. It returns
	// ErrExists if the id is taken.
	Create(ctx context.Context, id string, keys Keys, at time.Time) error
	// Get returns the projected table or ErrNotFound.
	Get(ctx context.Context, id string, p Projection) (*Table, error)
	// Append adds row and registers cols. It returns ErrNotFound if the table
	// does not exist.
	Append(ctx context.Context, id string, row Row, cols []Column, at time.Time) error
	// Close releases the store.
	Close() error
}

// checkID rejects ids that could escape a backend namespace. Format
// validation belongs to the caller.
func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\.`+"\x00") {
		return errInvalidID
	}
	return nil
}
