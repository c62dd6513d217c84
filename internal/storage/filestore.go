package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hooktable/hooktable/internal/jsonldb"
)

const fileVersion = "1"

// fileHeader is line 1 of a table file.
type fileHeader struct {
	Version   string    `json:"version"`
	TableID   string    `json:"tableId"`
	Keys      Keys      `json:"keys"`
	CreatedAt time.Time `json:"createdAt"`
}

// fileEntry is one appended row with the columns it registered. Keeping both
// on one line makes the row and its registry additions a single write.
type fileEntry struct {
	At      time.Time `json:"at"`
	Columns []Column  `json:"columns,omitempty"`
	Row     Row       `json:"row"`
}

func (e *fileEntry) Clone() *fileEntry {
	c := *e
	c.Columns = append([]Column(nil), e.Columns...)
	c.Row = e.Row.Clone()
	return &c
}

type fileTable struct {
	mu      sync.RWMutex
	tbl     *jsonldb.Table[fileHeader, *fileEntry]
	reg     Registry
	updated time.Time
}

// FileStore stores each table in its own JSONL file under a directory.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	tables map[string]*fileTable
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create table directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger, tables: map[string]*fileTable{}}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

// table returns the cached table, loading it from disk on first use.
func (s *FileStore) table(id string) (*fileTable, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ft, ok := s.tables[id]; ok {
		return ft, nil
	}
	tbl, err := jsonldb.Open[fileHeader, *fileEntry](s.path(id))
	if err != nil {
		if errors.Is(err, jsonldb.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ft := &fileTable{tbl: tbl, updated: tbl.Header().CreatedAt}
	for e := range tbl.All() {
		ft.reg, _ = ft.reg.Merge(e.Columns)
		ft.updated = e.At
	}
	s.tables[id] = ft
	s.logger.Debug("loaded table", "tableId", id, "path", tbl.Path(), "rows", tbl.Len(), "columns", len(ft.reg))
	return ft, nil
}

// Create implements Store.
func (s *FileStore) Create(ctx context.Context, id string, keys Keys, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[id]; ok {
		return ErrExists
	}
	h := fileHeader{Version: fileVersion, TableID: id, Keys: keys, CreatedAt: at.UTC()}
	tbl, err := jsonldb.Create[fileHeader, *fileEntry](s.path(id), h)
	if errors.Is(err, jsonldb.ErrExist) {
		// Open removes a file left without a header, freeing the name.
		if _, oerr := jsonldb.Open[fileHeader, *fileEntry](s.path(id)); errors.Is(oerr, jsonldb.ErrNotExist) {
			tbl, err = jsonldb.Create[fileHeader, *fileEntry](s.path(id), h)
		}
	}
	if err != nil {
		if errors.Is(err, jsonldb.ErrExist) {
			return ErrExists
		}
		return err
	}
	s.tables[id] = &fileTable{tbl: tbl, updated: h.CreatedAt}
	return nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, id string, p Projection) (*Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ft, err := s.table(id)
	if err != nil {
		return nil, err
	}
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	h := ft.tbl.Header()
	t := &Table{ID: id, CreatedAt: h.CreatedAt, UpdatedAt: ft.updated}
	if p.Has(WithKeys) {
		t.Keys = h.Keys
	}
	if p.Has(WithColumns) {
		t.Columns = append(Registry{}, ft.reg...)
	}
	if p.Has(WithRows) {
		t.Rows = make([]Row, 0, ft.tbl.Len())
		for e := range ft.tbl.All() {
			t.Rows = append(t.Rows, e.Row)
		}
	}
	return t, nil
}

// Append implements Store.
func (s *FileStore) Append(ctx context.Context, id string, row Row, cols []Column, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ft, err := s.table(id)
	if err != nil {
		return err
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	reg, row, added := reconcile(ft.reg, row, cols)
	e := &fileEntry{At: at.UTC(), Columns: added, Row: row}
	if err := ft.tbl.Append(e); err != nil {
		return err
	}
	ft.reg = reg
	ft.updated = e.At
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.tables)
	return nil
}
