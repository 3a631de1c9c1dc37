package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NewRouter mounts h for every path and adds request logging, request IDs
// and panic recovery.
func NewRouter(h *Handler, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("range", r.Header.Get("Range")).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request served")
	}))
	r.Use(middleware.Recoverer)
	r.Handle("/*", h)
	return r
}

// Health is the body of the admin health endpoint.
type Health struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
}

// NewAdminRouter serves /healthz and, when metrics is non-nil, /metrics.
func NewAdminRouter(backend string, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Health{Status: "ok", Backend: backend})
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}
