// Package handlers implements the hooktable HTTP endpoints.
//
// JSON endpoints have the signature func(context.Context, *In) (*Out, error)
// and are adapted by server.Wrap. Endpoints that stream or take a free-form
// body are plain http.HandlerFunc.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hooktable/hooktable/internal/captcha"
	"github.com/hooktable/hooktable/internal/engine"
	"github.com/hooktable/hooktable/internal/errors"
	"github.com/hooktable/hooktable/internal/queue"
	"github.com/hooktable/hooktable/internal/server/dto"
	"github.com/hooktable/hooktable/internal/server/reqctx"
)

// Handler serves every endpoint.
type Handler struct {
	engine  *engine.Engine
	queue   queue.Queue
	captcha captcha.Verifier
	maxBody int64
	version string
}

// New returns a Handler. maxBody bounds request bodies in bytes.
func New(e *engine.Engine, q queue.Queue, v captcha.Verifier, maxBody int64, version string) *Handler {
	return &Handler{engine: e, queue: q, captcha: v, maxBody: maxBody, version: version}
}

// MaxBody returns the request body limit.
func (h *Handler) MaxBody() int64 {
	return h.maxBody
}

// verifyCaptcha checks token for the client in ctx.
func (h *Handler) verifyCaptcha(ctx context.Context, token string) error {
	ok, err := h.captcha.Verify(ctx, token, reqctx.ClientIP(ctx))
	if err != nil {
		slog.WarnContext(ctx, "captcha verification failed", "err", err)
	}
	if err != nil || !ok {
		return errors.New(errors.KindCaptchaFailed, "Invalid hCaptcha token")
	}
	return nil
}

// DecodeBody reads a JSON object of at most maxBody bytes from r into v. An
// empty body leaves v untouched.
func DecodeBody(w http.ResponseWriter, r *http.Request, maxBody int64, v any) error {
	if maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	}
	body, err := io.ReadAll(r.Body)
	if err2 := r.Body.Close(); err == nil {
		err = err2
	}
	if err != nil {
		var mbe *http.MaxBytesError
		if stderrors.As(err, &mbe) {
			return err
		}
		return errors.MissingField("Failed to read request body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.MissingField("Invalid JSON body")
	}
	return nil
}

// credentials decodes, validates and captcha-checks the request body of the
// streaming endpoints.
func (h *Handler) credentials(w http.ResponseWriter, r *http.Request) (*dto.CredentialsRequest, error) {
	req := &dto.CredentialsRequest{}
	if err := DecodeBody(w, r, h.maxBody, req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := h.verifyCaptcha(r.Context(), req.HCaptchaToken); err != nil {
		return nil, err
	}
	return req, nil
}
