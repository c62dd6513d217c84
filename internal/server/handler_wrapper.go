// Provides middleware for standardizing HTTP handlers.

package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hooktable/hooktable/internal/errors"
	"github.com/hooktable/hooktable/internal/server/dto"
	"github.com/hooktable/hooktable/internal/server/handlers"
	"github.com/hooktable/hooktable/internal/server/ratelimit"
	"github.com/hooktable/hooktable/internal/server/reqctx"
)

// checkRateLimit checks the tier budget of the request and wraps the
// response writer to carry the rate limit headers. It returns false after
// writing a 429 response.
func checkRateLimit(w http.ResponseWriter, r *http.Request, tier *ratelimit.Tier) (http.ResponseWriter, bool) {
	if tier == nil {
		return w, true
	}
	var identifier string
	switch tier.Scope {
	case ratelimit.ScopeTable:
		identifier = r.PathValue("tableId")
		if identifier == "" {
			return w, true
		}
	default:
		identifier = reqctx.ClientIP(r.Context())
	}
	result := tier.Limiter.Allow(tier.Key(identifier))
	w = ratelimit.NewResponseWriter(w, result)
	if !result.Allowed {
		slog.InfoContext(r.Context(), "Rate limited", "tier", tier.Name, "key", identifier)
		handlers.WriteError(r.Context(), w, errors.New(errors.KindRateLimited, "Too many requests"))
		return w, false
	}
	return w, true
}

// writeJSONResponse writes a JSON response or error response.
func writeJSONResponse[Out any](ctx context.Context, w http.ResponseWriter, output *Out, err error) {
	if err != nil {
		handlers.WriteError(ctx, w, err)
		return
	}
	handlers.WriteJSON(ctx, w, http.StatusOK, output)
}

// Wrap wraps a handler function to work as an http.Handler.
// The function must have signature: func(context.Context, *In) (*Out, error)
// where In can be unmarshalled from JSON and Out is a struct.
// *In must implement dto.Validatable.
//
// Example:
//
//	func (h *Handler) Create(ctx context.Context, req *dto.CreateRequest) (*dto.StatusResponse, error)
func Wrap[In any, PtrIn interface {
	*In
	dto.Validatable
}, Out any](fn func(context.Context, PtrIn) (*Out, error), tier *ratelimit.Tier, maxBody int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var ok bool
		if w, ok = checkRateLimit(w, r, tier); !ok {
			return
		}
		input := new(In)
		if err := handlers.DecodeBody(w, r, maxBody, input); err != nil {
			handlers.WriteError(ctx, w, err)
			return
		}
		if err := PtrIn(input).Validate(); err != nil {
			handlers.WriteError(ctx, w, err)
			return
		}
		output, err := fn(ctx, PtrIn(input))
		writeJSONResponse(ctx, w, output, err)
	})
}

// WrapRaw applies the rate limit tier to a handler that writes its own
// response.
func WrapRaw(fn http.HandlerFunc, tier *ratelimit.Tier) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ok bool
		if w, ok = checkRateLimit(w, r, tier); !ok {
			return
		}
		fn(w, r)
	})
}
