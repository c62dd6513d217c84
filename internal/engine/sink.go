package engine

import (
	"context"
	"fmt"
)

// EventKind is the type of a retrieval event.
type EventKind int

const (
	// EventColumns carries the decrypted column names in registry order.
	EventColumns EventKind = iota
	// EventTotal carries the number of rows that follow.
	EventTotal
	// EventRow carries one decrypted row.
	EventRow
)

func (k EventKind) String() string {
	switch k {
	case EventColumns:
		return "columns"
	case EventTotal:
		return "rows"
	case EventRow:
		return "row"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one unit of retrieval output. Events always arrive in the order
// columns, rows, row0, row1, ...
type Event struct {
	Kind    EventKind
	Columns []string
	Total   int
	Index   int
	Row     Fields
}

// Sink receives a retrieval. Write is called once per event, from a single
// goroutine. Close is called exactly once at the end with nil on success or
// the error that stopped the retrieval.
type Sink interface {
	Write(ctx context.Context, ev Event) error
	Close(err error) error
}

// Result is a fully decrypted table.
type Result struct {
	Columns   []string `json:"columns"`
	TotalRows int      `json:"totalRows"`
	Rows      []Fields `json:"rows"`
}

// Collector is a Sink that buffers the whole retrieval.
type Collector struct {
	res Result
	err error
}

// Write implements Sink.
func (c *Collector) Write(_ context.Context, ev Event) error {
	switch ev.Kind {
	case EventColumns:
		c.res.Columns = ev.Columns
	case EventTotal:
		c.res.TotalRows = ev.Total
		c.res.Rows = make([]Fields, 0, ev.Total)
	case EventRow:
		c.res.Rows = append(c.res.Rows, ev.Row)
	}
	return nil
}

// Close implements Sink.
func (c *Collector) Close(err error) error {
	c.err = err
	return nil
}

// Result returns the buffered table or the error the retrieval ended with.
func (c *Collector) Result() (*Result, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.res.Columns == nil {
		c.res.Columns = []string{}
	}
	if c.res.Rows == nil {
		c.res.Rows = []Fields{}
	}
	return &c.res, nil
}
