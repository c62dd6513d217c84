// Package streamfmt writes retrievals to a byte stream as they are decrypted.
//
// Each format is an engine.Sink. After every event the underlying writer is
// flushed if it implements Flush, so an http.ResponseWriter delivers rows to
// the client as soon as they are ready.
package streamfmt

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"strconv"

	"github.com/hooktable/hooktable/internal/engine"
	"github.com/hooktable/hooktable/internal/errors"
)

const (
	// ContentTypeLine is the media type of the line format.
	ContentTypeLine = "text/plain; charset=utf-8"
	// ContentTypeSSE is the media type of server-sent events.
	ContentTypeSSE = "text/event-stream"
	// ContentTypeCSV is the media type of the CSV export.
	ContentTypeCSV = "text/csv; charset=utf-8"
)

type flusher interface {
	Flush()
}

func flush(w io.Writer) {
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
}

// marshal encodes v as compact JSON without HTML escaping.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// payload returns the JSON data of a columns or row event, or the decimal row
// count.
func payload(ev engine.Event) ([]byte, error) {
	switch ev.Kind {
	case engine.EventColumns:
		return marshal(ev.Columns)
	case engine.EventTotal:
		return marshal(ev.Total)
	default:
		return marshal(ev.Row)
	}
}

// name returns the event label: "columns", "rows" or "row<N>".
func name(ev engine.Event) string {
	if ev.Kind == engine.EventRow {
		return "row" + strconv.Itoa(ev.Index)
	}
	return ev.Kind.String()
}

// terminal returns the text of the error frame for err, or false when no
// frame should be written because the consumer is gone.
func terminal(err error) (string, bool) {
	if err == nil || stderrors.Is(err, context.Canceled) {
		return "", false
	}
	kind, msg := errors.Public(err)
	return string(kind) + ": " + msg, true
}
