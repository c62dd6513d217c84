package handlers

import (
	"context"
	"log/slog"

	"github.com/hooktable/hooktable/internal/server/dto"
)

// Health reports the server version and the ingest backlog.
func (h *Handler) Health(ctx context.Context, _ *dto.HealthRequest) (*dto.HealthResponse, error) {
	resp := &dto.HealthResponse{Status: "ok", Version: h.version}
	st, err := h.queue.Stats(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Failed to read queue stats", "err", err)
		resp.Status = "degraded"
		return resp, nil
	}
	resp.Queue = &dto.QueueStats{Ready: st.Ready, Leased: st.Leased, Dead: st.Dead}
	return resp, nil
}
