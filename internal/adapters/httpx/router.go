// Package httpx serves the orchestrator's admin and observability endpoints.
package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RouterConfig lists the handlers mounted next to the saga API. Nil handlers are not mounted.
type RouterConfig struct {
	Metrics http.Handler
	Feed    http.Handler
	Logger  zerolog.Logger
}

// NewRouter mounts /healthz, /sagas/{id}, /metrics and /ws/state.
func NewRouter(handler *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handler.Healthz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	if cfg.Feed != nil {
		r.Method(http.MethodGet, "/ws/state", cfg.Feed)
	}

	r.Group(func(r chi.Router) {
		r.Use(requestLogger(cfg.Logger))
		r.Get("/sagas/{id}", handler.GetSaga)
	})
	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		})
	}
}
