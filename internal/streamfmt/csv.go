package streamfmt

import (
	"context"
	"encoding/csv"
	"io"

	"github.com/hooktable/hooktable/internal/engine"
)

// CSV writes a header of all column names and one record per row. Fields a
// row does not have are left empty. CSV has no in-band error channel: a
// failure only stops the output.
type CSV struct {
	w       io.Writer
	cw      *csv.Writer
	columns map[string]int
	width   int
}

// NewCSV returns a CSV sink writing to w.
func NewCSV(w io.Writer) *CSV {
	return &CSV{w: w, cw: csv.NewWriter(w)}
}

// Write implements engine.Sink.
func (c *CSV) Write(_ context.Context, ev engine.Event) error {
	switch ev.Kind {
	case engine.EventColumns:
		c.columns = make(map[string]int, len(ev.Columns))
		for i, name := range ev.Columns {
			c.columns[name] = i
		}
		c.width = len(ev.Columns)
		if err := c.cw.Write(ev.Columns); err != nil {
			return err
		}
	case engine.EventTotal:
		return nil
	case engine.EventRow:
		record := make([]string, c.width)
		for _, f := range ev.Row {
			if i, ok := c.columns[f.Name]; ok {
				record[i] = f.Value
			}
		}
		if err := c.cw.Write(record); err != nil {
			return err
		}
	}
	c.cw.Flush()
	if err := c.cw.Error(); err != nil {
		return err
	}
	flush(c.w)
	return nil
}

// Close implements engine.Sink.
func (c *CSV) Close(error) error {
	c.cw.Flush()
	return c.cw.Error()
}
