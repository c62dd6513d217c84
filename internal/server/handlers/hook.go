package handlers

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hooktable/hooktable/internal/engine"
	"github.com/hooktable/hooktable/internal/errors"
	"github.com/hooktable/hooktable/internal/queue"
	"github.com/hooktable/hooktable/internal/server/dto"
)

// Hook validates one webhook call and queues it for encryption. The fields
// are the query parameters followed by the members of the JSON body, if any.
// The response is sent once the item is queued, before it is appended.
func (h *Handler) Hook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	item, err := h.ingest(ctx, w, r)
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	slog.DebugContext(ctx, "item queued", "tableId", item.TableID, "item", item.ID, "fields", len(item.Body))
	WriteJSON(ctx, w, http.StatusOK, dto.Success())
}

func (h *Handler) ingest(ctx context.Context, w http.ResponseWriter, r *http.Request) (queue.Item, error) {
	body, err := h.readFields(w, r)
	if err != nil {
		return queue.Item{}, err
	}
	id := r.PathValue("tableId")
	if id == "" {
		return queue.Item{}, errors.MissingField("tableId is required")
	}
	if err := engine.ValidateTableID(id); err != nil {
		return queue.Item{}, err
	}
	exists, err := h.engine.Exists(ctx, id)
	if err != nil {
		return queue.Item{}, err
	}
	if !exists {
		return queue.Item{}, errors.TableNotFound()
	}
	query, err := engine.FieldsFromQuery(r.URL.RawQuery)
	if err != nil {
		return queue.Item{}, err
	}
	fields, err := engine.MergeFields(query, body)
	if err != nil {
		return queue.Item{}, err
	}
	if err := fields.Validate(); err != nil {
		return queue.Item{}, err
	}
	item, err := h.queue.Enqueue(ctx, id, fields)
	if err != nil {
		return queue.Item{}, errors.DB("Error queueing the data", err)
	}
	return item, nil
}

// readFields decodes the JSON object body of a POST. Other methods carry no
// body.
func (h *Handler) readFields(w http.ResponseWriter, r *http.Request) (engine.Fields, error) {
	if r.Method != http.MethodPost {
		return nil, nil
	}
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	raw, err := io.ReadAll(r.Body)
	if err2 := r.Body.Close(); err == nil {
		err = err2
	}
	if err != nil {
		var mbe *http.MaxBytesError
		if stderrors.As(err, &mbe) {
			return nil, err
		}
		return nil, errors.MissingField("Failed to read request body")
	}
	return engine.DecodeFields(raw)
}
