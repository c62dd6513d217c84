package engine

import (
	"context"
	stderrors "errors"
	"regexp"

	"github.com/hooktable/hooktable/internal/errors"
	"github.com/hooktable/hooktable/internal/storage"
)

var tableIDRE = regexp.MustCompile(`^[a-z0-9-_]+$`)

// ValidateTableID checks the table id format. The returned error is an
// InvalidTableId error.
func ValidateTableID(id string) error {
	if !tableIDRE.MatchString(id) {
		return errors.InvalidTableID("tableId can only contain alphanumeric characters, hyphens, and underscores")
	}
	if len(id) < 3 || len(id) > 50 {
		return errors.InvalidTableID("tableId must be between 3 and 50 characters long")
	}
	return nil
}

// Create validates id, generates a keypair locked with passphrase and stores
// the new empty table. A malformed id fails before any key is generated.
func (e *Engine) Create(ctx context.Context, id, passphrase string) (*storage.Table, error) {
	if id == "" || passphrase == "" {
		return nil, errors.MissingField("password and tableId are required")
	}
	if err := ValidateTableID(id); err != nil {
		return nil, err
	}
	if _, err := e.store.Get(ctx, id, 0); err == nil {
		return nil, errors.New(errors.KindTableAlreadyExists, "tableId already exists")
	} else if !stderrors.Is(err, storage.ErrNotFound) {
		return nil, errors.DB("Error executing verification query", err)
	}
	pub, priv, err := e.keys.Generate(id, passphrase)
	if err != nil {
		return nil, errors.Wrap(errors.KindKeyGeneration, "Error generating PGP keys", err)
	}
	keys := storage.Keys{PublicKey: pub, PrivateKey: priv}
	now := e.now().UTC()
	if err := e.store.Create(ctx, id, keys, now); err != nil {
		if stderrors.Is(err, storage.ErrExists) {
			// Lost a race with a concurrent create.
			return nil, errors.New(errors.KindTableAlreadyExists, "tableId already exists")
		}
		return nil, errors.DB("Error executing insert query", err)
	}
	e.logger.InfoContext(ctx, "table created", "tableId", id)
	return &storage.Table{
		ID:        id,
		Keys:      keys,
		Columns:   storage.Registry{},
		Rows:      []storage.Row{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Get returns the projected table, or a TableNotFound error.
func (e *Engine) Get(ctx context.Context, id string, p storage.Projection) (*storage.Table, error) {
	t, err := e.store.Get(ctx, id, p)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.TableNotFound()
		}
		return nil, errors.DB("Error querying the table", err)
	}
	return t, nil
}

// Exists reports whether the table exists without reading keys or data.
func (e *Engine) Exists(ctx context.Context, id string) (bool, error) {
	_, err := e.Get(ctx, id, 0)
	if errors.Is(err, errors.KindTableNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
