// Package server implements the HTTP server and routing logic.
package server

import (
	"net/http"

	"github.com/hooktable/hooktable/internal/captcha"
	"github.com/hooktable/hooktable/internal/engine"
	"github.com/hooktable/hooktable/internal/errors"
	"github.com/hooktable/hooktable/internal/queue"
	"github.com/hooktable/hooktable/internal/server/handlers"
	"github.com/hooktable/hooktable/internal/server/ratelimit"
)

// Config holds everything the router needs.
type Config struct {
	Engine  *engine.Engine
	Queue   queue.Queue
	Captcha captcha.Verifier
	// Geo is optional.
	Geo GeoChecker

	AllowOrigin         string
	MaxRequestBodyBytes int64
	RateLimits          ratelimit.Limits
	Version             string
}

// Server is the hooktable HTTP API.
type Server struct {
	handler http.Handler
	tiers   *ratelimit.Tiers
}

// New creates the router. Call Close to release the rate limiters.
//
// Routes:
//
//	POST /v1/create            create a table
//	POST /v1/retrieve          decrypt a table as one JSON document
//	POST /v1/retrieveStream    decrypt a table as a stream
//	POST /v1/export            decrypt a table as CSV
//	GET|POST /v1/hook/{tableId} append one row through the queue
//	GET /v1/health
func New(cfg *Config) *Server {
	tiers := ratelimit.NewTiers(cfg.RateLimits)
	h := handlers.New(cfg.Engine, cfg.Queue, cfg.Captcha, cfg.MaxRequestBodyBytes, cfg.Version)
	maxBody := h.MaxBody()
	mux := &http.ServeMux{}

	mux.Handle("GET /v1/health", Wrap(h.Health, nil, maxBody))

	mux.Handle("POST /v1/create", Wrap(h.Create, tiers.Create, maxBody))
	mux.Handle("POST /v1/retrieve", Wrap(h.Retrieve, tiers.Retrieve, maxBody))
	mux.Handle("POST /v1/retrieveStream", WrapRaw(h.RetrieveStream, tiers.Retrieve))
	mux.Handle("POST /v1/export", WrapRaw(h.Export, tiers.Retrieve))

	mux.Handle("GET /v1/hook/{tableId}", WrapRaw(h.Hook, tiers.Ingest))
	mux.Handle("POST /v1/hook/{tableId}", WrapRaw(h.Hook, tiers.Ingest))
	mux.HandleFunc("/v1/hook/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/hook/" {
			http.NotFound(w, r)
			return
		}
		handlers.WriteError(r.Context(), w, errors.MissingField("tableId is required"))
	})

	var handler http.Handler = mux
	handler = geoBlock(cfg.Geo, handler)
	handler = cors(cfg.AllowOrigin, handler)
	handler = logRequests(handler)
	return &Server{handler: handler, tiers: tiers}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.tiers.Close()
}
