package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hooktable/hooktable/internal/server/dto"
)

// WriteError writes err as a JSON error response. Use it in raw
// http.HandlerFunc handlers and middleware that don't go through server.Wrap.
func WriteError(ctx context.Context, w http.ResponseWriter, err error) {
	statusCode, resp := dto.NewErrorResponse(err)
	if statusCode >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "Handler error", "err", err, "statusCode", statusCode, "kind", resp.ErrorName)
	} else {
		slog.InfoContext(ctx, "Request rejected", "err", err, "statusCode", statusCode, "kind", resp.ErrorName)
	}
	WriteJSON(ctx, w, statusCode, resp)
}

// WriteJSON writes v as a JSON response.
func WriteJSON(ctx context.Context, w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "Failed to encode response", "err", err)
	}
}
