package handlers

import (
	"context"

	"github.com/hooktable/hooktable/internal/server/dto"
)

// Create creates a table protected by the request password.
func (h *Handler) Create(ctx context.Context, req *dto.CreateRequest) (*dto.StatusResponse, error) {
	if err := h.verifyCaptcha(ctx, req.HCaptchaToken); err != nil {
		return nil, err
	}
	if _, err := h.engine.Create(ctx, req.TableID, req.Password); err != nil {
		return nil, err
	}
	return dto.Success(), nil
}

// Retrieve returns the whole decrypted table.
func (h *Handler) Retrieve(ctx context.Context, req *dto.RetrieveRequest) (*dto.RetrieveResponse, error) {
	if err := h.verifyCaptcha(ctx, req.HCaptchaToken); err != nil {
		return nil, err
	}
	res, err := h.engine.Retrieve(ctx, req.TableID, req.Password)
	if err != nil {
		return nil, err
	}
	return &dto.RetrieveResponse{
		Status: dto.StatusSuccess,
		Table:  dto.Table{Columns: res.Columns, TotalRows: res.TotalRows, Rows: res.Rows},
	}, nil
}
