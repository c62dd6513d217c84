// Package engine implements encrypted append-only tables: table creation,
// column identity resolution, the append pipeline and the passphrase-gated
// retrieval pipeline.
//
// The engine never sees a passphrase outside of Create and Open, never stores
// one and never logs one. Plaintext only exists in memory between an ingest
// item and its encryption, and between decryption and a Sink.
package engine

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/hooktable/hooktable/internal/storage"
	"github.com/hooktable/hooktable/internal/tablecrypt"
)

// Keyring generates and loads table keys.
type Keyring interface {
	Generate(tableID, passphrase string) (public, private string, err error)
	PublicKey(armored string) (tablecrypt.Encrypter, error)
	Unlock(armored, passphrase string) (tablecrypt.Decrypter, error)
}

// Engine ties a Store and a Keyring together. It is safe for concurrent use.
type Engine struct {
	store   storage.Store
	keys    Keyring
	logger  *slog.Logger
	now     func() time.Time
	workers int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock sets the time source for createdAt/updatedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithConcurrency bounds the number of concurrent encryptions or decryptions
// per append or retrieval.
func WithConcurrency(workers int) Option {
	return func(e *Engine) {
		if workers > 0 {
			e.workers = workers
		}
	}
}

// New returns an Engine.
func New(store storage.Store, keys Keyring, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		keys:    keys,
		logger:  slog.Default(),
		now:     time.Now,
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
