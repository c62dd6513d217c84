package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"

	"github.com/hooktable/hooktable/internal/errors"
	"github.com/hooktable/hooktable/internal/storage"
	"github.com/hooktable/hooktable/internal/tablecrypt"
)

// State is the lifecycle state of a Retrieval.
type State int32

const (
	Unauthenticated State = iota
	KeyUnlockPending
	Authorized
	CredentialsRejected
	Streaming
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "Unauthenticated"
	case KeyUnlockPending:
		return "KeyUnlockPending"
	case Authorized:
		return "Authorized"
	case CredentialsRejected:
		return "CredentialsRejected"
	case Streaming:
		return "Streaming"
	case Completed:
		return "Completed"
	case Aborted:
		return "Aborted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Retrieval is an authorized, single-use read of one table. It holds the
// unlocked private key in memory until Stream returns.
type Retrieval struct {
	e     *Engine
	table *storage.Table
	dec   tablecrypt.Decrypter
	state atomic.Int32
}

// Open reads the table and unlocks its private key with passphrase. An unknown
// table and a wrong passphrase return the same InvalidCredentials error.
func (e *Engine) Open(ctx context.Context, id, passphrase string) (*Retrieval, error) {
	if id == "" || passphrase == "" {
		return nil, errors.MissingField("password and tableId are required")
	}
	if err := ValidateTableID(id); err != nil {
		return nil, err
	}
	t, err := e.store.Get(ctx, id, storage.WithKeys)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.InvalidCredentials()
		}
		return nil, errors.DB("Error executing verification query", err)
	}
	r := &Retrieval{e: e}
	r.state.Store(int32(KeyUnlockPending))
	dec, err := e.keys.Unlock(t.Keys.PrivateKey, passphrase)
	if err != nil {
		r.state.Store(int32(CredentialsRejected))
		e.logger.InfoContext(ctx, "credentials rejected", "tableId", id)
		return nil, errors.InvalidCredentials()
	}
	// Columns and rows are read together so every row cell has its registry
	// entry.
	if r.table, err = e.store.Get(ctx, id, storage.WithColumns|storage.WithRows); err != nil {
		return nil, errors.DB("Error querying the table", err)
	}
	r.dec = dec
	r.state.Store(int32(Authorized))
	return r, nil
}

// State returns the current state.
func (r *Retrieval) State() State {
	return State(r.state.Load())
}

// TableID returns the id of the table being read.
func (r *Retrieval) TableID() string {
	return r.table.ID
}

// Stream decrypts the table into sink: the column names in registry order,
// the row count, then every row in append order. A row only contains the
// fields of its own append.
//
// A cell that fails to decrypt ends the stream with a DecryptionStreamError
// passed to sink.Close; events already written are not retracted. A canceled
// ctx stops decryption promptly. Stream may only be called once.
func (r *Retrieval) Stream(ctx context.Context, sink Sink) (err error) {
	if !r.state.CompareAndSwap(int32(Authorized), int32(Streaming)) {
		return errors.Internal("retrieval is not ready to stream", fmt.Errorf("state %s", r.State()))
	}
	defer func() {
		if err != nil {
			r.state.Store(int32(Aborted))
			r.e.logger.WarnContext(ctx, "retrieval aborted", "tableId", r.table.ID, "err", err)
		} else {
			r.state.Store(int32(Completed))
		}
		if cerr := sink.Close(err); err == nil {
			err = cerr
		}
		// Drop the unlocked key as soon as it is no longer needed.
		r.dec = nil
	}()

	cols := r.table.Columns
	names := make([]string, len(cols))
	byCipher := make(map[string]string, len(cols))
	err = Ordered(ctx, len(cols), r.e.workers,
		func(_ context.Context, i int) (string, error) {
			return r.decrypt(cols[i].Cipher)
		},
		func(i int, name string) error {
			names[i] = name
			byCipher[cols[i].Cipher] = name
			return nil
		})
	if err != nil {
		return err
	}
	if err := sink.Write(ctx, Event{Kind: EventColumns, Columns: names}); err != nil {
		return err
	}
	rows := r.table.Rows
	if err := sink.Write(ctx, Event{Kind: EventTotal, Total: len(rows)}); err != nil {
		return err
	}
	return Ordered(ctx, len(rows), r.e.workers,
		func(_ context.Context, i int) (Fields, error) {
			return r.decryptRow(rows[i], byCipher)
		},
		func(i int, f Fields) error {
			return sink.Write(ctx, Event{Kind: EventRow, Index: i, Row: f})
		})
}

func (r *Retrieval) decryptRow(row storage.Row, byCipher map[string]string) (Fields, error) {
	out := make(Fields, 0, len(row))
	for _, c := range row {
		name, ok := byCipher[c.Column]
		if !ok {
			var err error
			if name, err = r.decrypt(c.Column); err != nil {
				return nil, err
			}
		}
		value, err := r.decrypt(c.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, Field{Name: name, Value: value})
	}
	return out, nil
}

func (r *Retrieval) decrypt(armored string) (string, error) {
	s, err := r.dec.Decrypt(armored)
	if err != nil {
		return "", errors.Wrap(errors.KindDecryptionStream, "Error decrypting the table", err)
	}
	return s, nil
}

// Retrieve opens the table and returns it fully decrypted.
func (e *Engine) Retrieve(ctx context.Context, id, passphrase string) (*Result, error) {
	r, err := e.Open(ctx, id, passphrase)
	if err != nil {
		return nil, err
	}
	c := &Collector{}
	if err := r.Stream(ctx, c); err != nil {
		return nil, err
	}
	return c.Result()
}
