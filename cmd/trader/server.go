package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/valuestor/trader/internal/api"
	"github.com/valuestor/trader/internal/feed"
	"github.com/valuestor/trader/internal/metrics"
	"github.com/valuestor/trader/internal/store"
)

type healthStatus struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	DryRun      bool   `json:"dry_run"`
	FeedClients int    `json:"feed_clients"`
	Error       string `json:"error,omitempty"`
}

// newRouter builds the ops listener: health, metrics, the live feed and the
// operator API.
func newRouter(st store.Store, hub *feed.Hub, reviewer api.Reviewer, dryRun bool, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := healthStatus{Status: "ok", Service: "trader", DryRun: dryRun, FeedClients: hub.Clients()}
		code := http.StatusOK
		if err := st.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	})

	r.Handle("/metrics", metrics.Handler())

	// Long-lived; kept outside the request timeout.
	r.Get("/feed", hub.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(middleware.Timeout(30 * time.Second))
		api.NewService(st, reviewer, logger).Routes(r)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
