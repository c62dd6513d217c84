package streamfmt

import (
	"context"
	"io"

	"github.com/hooktable/hooktable/internal/engine"
)

// SSE writes server-sent events, one per retrieval event, and a final
// "error" event on failure.
type SSE struct {
	w io.Writer
}

// NewSSE returns an SSE sink writing to w.
func NewSSE(w io.Writer) *SSE {
	return &SSE{w: w}
}

func (s *SSE) event(name string, data []byte) error {
	buf := make([]byte, 0, len(name)+len(data)+16)
	buf = append(buf, "event: "...)
	buf = append(buf, name...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	if _, err := s.w.Write(buf); err != nil {
		return err
	}
	flush(s.w)
	return nil
}

// Write implements engine.Sink.
func (s *SSE) Write(_ context.Context, ev engine.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}
	return s.event(name(ev), data)
}

// Close implements engine.Sink.
func (s *SSE) Close(err error) error {
	msg, ok := terminal(err)
	if !ok {
		return nil
	}
	return s.event("error", []byte(msg))
}
