// Package jsonldb provides a generic, concurrent-safe, append-only JSONL store.
//
// # File Format
//
// Line 1 is a header of type H written once at creation. Every following line
// is one row of type T. Rows are only ever appended; a partially written last
// line left by a crash is truncated on open. A file without a complete header
// line is removed on open and reported as missing.
//
// # Concurrency
//
// All rows are cached in memory. Reads take a read lock; Append holds the write
// lock across the file write and the in-memory update.
package jsonldb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrExist is returned by Create when the file already exists.
	ErrExist = errors.New("table already exists")
	// ErrNotExist is returned by Open when the file does not exist.
	ErrNotExist = errors.New("table does not exist")
)

// Cloner is implemented by types that can clone themselves.
type Cloner[T any] interface {
	Clone() T
}

// Table handles storage and in-memory caching for a single JSONL file.
type Table[H any, T Cloner[T]] struct {
	path string
	mu   sync.RWMutex

	header H
	rows   []T
}

// Create creates a new file at path holding only header. It fails with
// ErrExist if the file is already present, so that two racing creators never
// both succeed.
func Create[H any, T Cloner[T]](path string, header H) (*Table[H, T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	data, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrExist
		}
		return nil, fmt.Errorf("failed to create table file %s: %w", path, err)
	}
	if err := writeLine(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to close table file %s: %w", path, err)
	}
	return &Table[H, T]{path: path, header: header, rows: []T{}}, nil
}

// Open loads an existing file. It returns ErrNotExist if there is none.
func Open[H any, T Cloner[T]](path string) (*Table[H, T], error) {
	t := &Table[H, T]{path: path}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table[H, T]) load() error {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExist
		}
		return fmt.Errorf("failed to open table file %s: %w", t.path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	r := bufio.NewReader(f)
	var (
		complete int64
		lineNo   int
		rows     []T
		torn     bool
	)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] != '\n' {
			// Last line was cut short by a crash during Append.
			torn = true
			break
		}
		if len(line) > 0 {
			complete += int64(len(line))
			lineNo++
			line = bytes.TrimSpace(line)
			if lineNo == 1 {
				if err := json.Unmarshal(line, &t.header); err != nil {
					return fmt.Errorf("failed to unmarshal header in %s: %w", t.path, err)
				}
			} else if len(line) != 0 {
				var row T
				if err := json.Unmarshal(line, &row); err != nil {
					return fmt.Errorf("failed to unmarshal row %d in %s: %w", lineNo, t.path, err)
				}
				rows = append(rows, row)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read table file %s: %w", t.path, err)
		}
	}
	if lineNo == 0 {
		// A crash during Create left no complete header. Nothing was ever
		// appended, so the file is dropped and the name is free again.
		if err := os.Remove(t.path); err != nil {
			return fmt.Errorf("failed to remove headerless %s: %w", t.path, err)
		}
		return ErrNotExist
	}
	if torn {
		if err := os.Truncate(t.path, complete); err != nil {
			return fmt.Errorf("failed to truncate torn row in %s: %w", t.path, err)
		}
	}
	if rows == nil {
		rows = []T{}
	}
	t.rows = rows
	return nil
}

// Path returns the file path.
func (t *Table[H, T]) Path() string {
	return t.path
}

// Header returns the header written at creation.
func (t *Table[H, T]) Header() H {
	return t.header
}

// Len returns the number of rows.
func (t *Table[H, T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Last returns a clone of the last row, or false if empty.
func (t *Table[H, T]) Last() (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.rows) == 0 {
		var zero T
		return zero, false
	}
	return t.rows[len(t.rows)-1].Clone(), true
}

// All returns an iterator over clones of all rows, in append order.
func (t *Table[H, T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		t.mu.RLock()
		defer t.mu.RUnlock()
		for _, row := range t.rows {
			if !yield(row.Clone()) {
				return
			}
		}
	}
}

// Append adds a new row to the table and persists it. The row is written as a
// single line and synced before it becomes visible to readers.
func (t *Table[H, T]) Append(row T) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open table file for append: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := writeLine(f, data); err != nil {
		return err
	}
	t.rows = append(t.rows, row.Clone())
	return nil
}

func writeLine(f *os.File, data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync table file: %w", err)
	}
	return nil
}
