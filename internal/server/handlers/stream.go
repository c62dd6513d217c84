package handlers

import (
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/hooktable/hooktable/internal/engine"
	"github.com/hooktable/hooktable/internal/streamfmt"
)

// RetrieveStream writes the table as it is decrypted. Errors before the first
// byte are JSON error responses; later errors are a terminal frame in the
// stream.
//
// The line format is the default. Server-sent events are used when the client
// accepts text/event-stream or passes ?format=sse.
func (h *Handler) RetrieveStream(w http.ResponseWriter, r *http.Request) {
	if wantsSSE(r) {
		h.stream(w, r, streamfmt.ContentTypeSSE, "", func() engine.Sink { return streamfmt.NewSSE(w) })
		return
	}
	h.stream(w, r, streamfmt.ContentTypeLine, "", func() engine.Sink { return streamfmt.NewLine(w) })
}

// Export writes the table as a CSV attachment.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, streamfmt.ContentTypeCSV, "attachment", func() engine.Sink { return streamfmt.NewCSV(w) })
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, contentType, disposition string, newSink func() engine.Sink) {
	ctx := r.Context()
	req, err := h.credentials(w, r)
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	ret, err := h.engine.Open(ctx, req.TableID, req.Password)
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	hdr := w.Header()
	hdr.Set("Content-Type", contentType)
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("X-Accel-Buffering", "no")
	if disposition != "" {
		hdr.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": ret.TableID() + ".csv"}))
	}
	w.WriteHeader(http.StatusOK)
	if err := ret.Stream(ctx, newSink()); err != nil {
		slog.WarnContext(ctx, "stream ended early", "tableId", ret.TableID(), "err", err)
	}
}

func wantsSSE(r *http.Request) bool {
	if r.URL.Query().Get("format") == "sse" {
		return true
	}
	for part := range strings.SplitSeq(r.Header.Get("Accept"), ",") {
		if mt, _, err := mime.ParseMediaType(strings.TrimSpace(part)); err == nil && mt == streamfmt.ContentTypeSSE {
			return true
		}
	}
	return false
}
