package streamfmt

import (
	"context"
	"io"

	"github.com/hooktable/hooktable/internal/engine"
)

// Line writes one "<label>: <data>" line per event:
//
//	columns: ["email","name"]
//	rows: 2
//	row0: {"email":"a@x"}
//	row1: {"name":"Bob"}
//
// A failure is written as a last "<ErrorKind>: <message>" line.
type Line struct {
	w io.Writer
}

// NewLine returns a Line sink writing to w.
func NewLine(w io.Writer) *Line {
	return &Line{w: w}
}

// Write implements engine.Sink.
func (l *Line) Write(_ context.Context, ev engine.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(data)+16)
	buf = append(buf, name(ev)...)
	buf = append(buf, ": "...)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := l.w.Write(buf); err != nil {
		return err
	}
	flush(l.w)
	return nil
}

// Close implements engine.Sink.
func (l *Line) Close(err error) error {
	msg, ok := terminal(err)
	if !ok {
		return nil
	}
	if _, werr := io.WriteString(l.w, msg+"\n"); werr != nil {
		return werr
	}
	flush(l.w)
	return nil
}
