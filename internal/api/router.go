package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterConfig tunes the middleware stack.
type RouterConfig struct {
	AllowedOrigins []string
	SyncRateLimit  int
	SyncRateWindow time.Duration
}

// Routes wires every endpoint. authenticate guards the /v1 tree; the webhook and
// health endpoints stay public.
func (h *Handler) Routes(authenticate func(http.Handler) http.Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/webhooks/strava", h.verifyWebhook)
	r.Post("/webhooks/strava", h.receiveWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authenticate)

		r.Group(func(r chi.Router) {
			r.Use(syncRateLimit(cfg))
			r.Get("/sync/stream", h.streamSync)
			r.Post("/sync", h.triggerSync)
		})
		r.Post("/sync/abort", h.abortSync)
		r.Get("/activities", h.listActivities)
	})

	return r
}

func syncRateLimit(cfg RouterConfig) func(http.Handler) http.Handler {
	if cfg.SyncRateLimit <= 0 || cfg.SyncRateWindow <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		cfg.SyncRateLimit,
		cfg.SyncRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "rate_limited")
		}),
	)
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(started)).
				Msg("http request")
		})
	}
}
