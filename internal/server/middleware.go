package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hooktable/hooktable/internal/errors"
	"github.com/hooktable/hooktable/internal/server/handlers"
	"github.com/hooktable/hooktable/internal/server/reqctx"
	"github.com/maruel/ksid"
)

// GeoChecker resolves client IPs to countries. *ipgeo.Checker implements it.
type GeoChecker interface {
	CountryCode(ip string) string
	Blocked(cc string) bool
}

// addRequestMetadataToContext adds client IP, User-Agent and a request id to
// the context.
func addRequestMetadataToContext(ctx context.Context, r *http.Request) context.Context {
	ctx = reqctx.WithClientIP(ctx, reqctx.GetClientIP(r))
	ctx = reqctx.WithUserAgent(ctx, r.Header.Get("User-Agent"))
	ctx = reqctx.WithRequestID(ctx, ksid.NewID())
	return ctx
}

// statusWriter records the response status for the access log.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

func (s *statusWriter) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (s *statusWriter) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// logRequests attaches request metadata to the context, logs one line per
// request and turns panics into 500 responses.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := addRequestMetadataToContext(r.Context(), r)
		r = r.WithContext(ctx)
		sw := &statusWriter{ResponseWriter: w}
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				slog.ErrorContext(ctx, "Handler panic", "req", reqctx.RequestID(ctx), "panic", v)
				if sw.status == 0 {
					handlers.WriteError(ctx, sw, errors.Internal("panic", nil))
				}
			}
			slog.InfoContext(ctx, "http",
				"req", reqctx.RequestID(ctx),
				"m", r.Method,
				"path", r.URL.Path,
				"s", sw.status,
				"size", sw.bytes,
				"ip", reqctx.ClientIP(ctx),
				"cc", reqctx.CountryCode(ctx),
				"d", time.Since(start).Round(time.Millisecond),
			)
		}()
		next.ServeHTTP(sw, r)
	})
}

// cors sets the CORS headers on every response and answers preflight
// requests.
func cors(allowOrigin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", allowOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if allowOrigin != "*" {
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// geoBlock resolves the client country and rejects blocked countries.
func geoBlock(geo GeoChecker, next http.Handler) http.Handler {
	if geo == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		cc := geo.CountryCode(reqctx.ClientIP(ctx))
		if cc != "" {
			ctx = reqctx.WithCountryCode(ctx, cc)
			r = r.WithContext(ctx)
		}
		if geo.Blocked(cc) {
			handlers.WriteError(ctx, w, errors.New(errors.KindForbidden, "Access denied"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
