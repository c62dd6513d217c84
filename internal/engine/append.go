package engine

import (
	"context"

	"github.com/hooktable/hooktable/internal/errors"
	"github.com/hooktable/hooktable/internal/storage"
	"github.com/hooktable/hooktable/internal/tablecrypt"
)

// Item is one validated ingest payload.
type Item struct {
	// ID identifies the item in logs. It may be empty.
	ID      string `json:"id,omitempty"`
	TableID string `json:"tableId"`
	Fields  Fields `json:"body"`
}

// Failure records an item ProcessBatch could not append.
type Failure struct {
	Index   int         `json:"-"`
	Kind    errors.Kind `json:"errorName"`
	Message string      `json:"errorMessage"`
	Item    Item        `json:"record"`
	Err     error       `json:"-"`
}

// BatchResult is the outcome of ProcessBatch.
type BatchResult struct {
	Status string    `json:"status"`
	Failed []Failure `json:"failed"`
}

type encryptedCell struct {
	col   ResolvedColumn
	value string
}

// Append encrypts item and appends it to its table as one new row.
//
// Names already registered reuse the registry ciphertext; new names are
// encrypted and registered by the same durable write as the row. A
// redelivered item appends a second identical-plaintext row.
func (e *Engine) Append(ctx context.Context, item Item) error {
	if len(item.Fields) == 0 {
		return errors.MissingField("No data found")
	}
	seen := make(map[string]struct{}, len(item.Fields))
	for _, f := range item.Fields {
		if _, dup := seen[f.Name]; dup {
			return duplicated(f.Name)
		}
		seen[f.Name] = struct{}{}
	}

	t, err := e.Get(ctx, item.TableID, storage.WithKeys|storage.WithColumns)
	if err != nil {
		return err
	}
	pub, err := e.keys.PublicKey(t.Keys.PublicKey)
	if err != nil {
		return errors.Wrap(errors.KindEncryption, "Error encrypting the data", err)
	}
	index := t.Columns.Index()

	row := make(storage.Row, 0, len(item.Fields))
	candidates := make([]ResolvedColumn, 0, len(item.Fields))
	err = Ordered(ctx, len(item.Fields), e.workers,
		func(ctx context.Context, i int) (encryptedCell, error) {
			return encryptField(pub, index, item.Fields[i])
		},
		func(_ int, c encryptedCell) error {
			row = append(row, storage.Cell{Column: c.col.Cipher, Value: c.value})
			candidates = append(candidates, c.col)
			return nil
		})
	if err != nil {
		if _, ok := errors.As(err); ok {
			return err
		}
		if ctx.Err() != nil {
			// Shutdown; the item is retried on the next delivery.
			return errors.DB("Append interrupted", err)
		}
		return errors.Wrap(errors.KindEncryption, "Error encrypting the data", err)
	}

	added := DiffNewColumns(t.Columns, candidates)
	if err := e.store.Append(ctx, item.TableID, row, added, e.now().UTC()); err != nil {
		return errors.DB("Error updating the document", err)
	}
	e.logger.DebugContext(ctx, "row appended", "tableId", item.TableID, "item", item.ID, "fields", len(row), "newColumns", len(added))
	return nil
}

func encryptField(pub tablecrypt.Encrypter, index map[string]string, f Field) (encryptedCell, error) {
	var col ResolvedColumn
	hash := tablecrypt.IdentityHash(f.Name)
	if c, ok := index[hash]; ok {
		col = ResolvedColumn{Name: f.Name, Hash: hash, Cipher: c}
	} else {
		var err error
		if col, err = Resolve(pub, f.Name); err != nil {
			return encryptedCell{}, errors.Wrap(errors.KindEncryption, "Error encrypting the data", err)
		}
	}
	v, err := pub.Encrypt(f.Value)
	if err != nil {
		return encryptedCell{}, errors.Wrap(errors.KindEncryption, "Error encrypting the data", err)
	}
	return encryptedCell{col: col, value: v}, nil
}

// ProcessBatch appends every item independently. A failing item does not
// stop the others; it is reported in Failed with its kind and message.
func (e *Engine) ProcessBatch(ctx context.Context, items []Item) BatchResult {
	res := BatchResult{Status: "success", Failed: []Failure{}}
	for i, item := range items {
		err := e.Append(ctx, item)
		if err == nil {
			continue
		}
		kind, msg := errors.Public(err)
		e.logger.WarnContext(ctx, "append failed", "tableId", item.TableID, "item", item.ID, "kind", kind, "err", err)
		res.Failed = append(res.Failed, Failure{Index: i, Kind: kind, Message: msg, Item: item, Err: err})
	}
	return res
}
