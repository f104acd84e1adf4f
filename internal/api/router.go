// Package api wires the HTTP surface of docingest.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dvloznov/docingest/internal/api/handlers"
	"github.com/dvloznov/docingest/internal/api/middleware"
	"github.com/dvloznov/docingest/internal/jobs"
	"github.com/dvloznov/docingest/internal/metrics"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig holds everything the router serves.
type RouterConfig struct {
	Service        handlers.Ingester
	Publisher      jobs.Publisher // nil disables ?async=true
	JobStore       jobs.JobStore  // nil disables /api/jobs
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer // nil disables /metrics
	Store          Pinger
	MaxUploadBytes int64
	Log            zerolog.Logger
}

// NewRouter builds the HTTP handler with middleware applied.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Log
	documents := handlers.NewDocumentsHandler(cfg.Service, cfg.Publisher, cfg.MaxUploadBytes, log)
	imports := handlers.NewImportsHandler(cfg.Service, log)
	budget := handlers.NewBudgetHandler(cfg.Service, cfg.Metrics, log)
	tiers := handlers.NewTiersHandler(cfg.Service)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/documents/ingest", methods(map[string]http.HandlerFunc{
		http.MethodPost: documents.Ingest,
	}))

	mux.HandleFunc("/api/imports", methods(map[string]http.HandlerFunc{
		http.MethodGet: imports.ListImports,
	}))
	mux.HandleFunc("/api/imports/", methods(map[string]http.HandlerFunc{
		http.MethodGet: withID("/api/imports/", "Import ID", imports.GetImport),
	}))

	mux.HandleFunc("/api/budget", methods(map[string]http.HandlerFunc{
		http.MethodGet: budget.GetBudget,
		http.MethodPut: budget.SetBudget,
	}))
	mux.HandleFunc("/api/budget/reset", methods(map[string]http.HandlerFunc{
		http.MethodPost: budget.ResetBudget,
	}))

	mux.HandleFunc("/api/tiers", methods(map[string]http.HandlerFunc{
		http.MethodGet: tiers.ListTiers,
	}))
	mux.HandleFunc("/api/tiers/estimate", methods(map[string]http.HandlerFunc{
		http.MethodPost: tiers.Estimate,
	}))

	if cfg.JobStore != nil {
		jobsHandler := handlers.NewJobsHandler(cfg.JobStore, log)
		mux.HandleFunc("/api/jobs", methods(map[string]http.HandlerFunc{
			http.MethodGet: jobsHandler.ListJobs,
		}))
		mux.HandleFunc("/api/jobs/", methods(map[string]http.HandlerFunc{
			http.MethodGet: withID("/api/jobs/", "Job ID", jobsHandler.GetJob),
		}))
	}

	if cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if cfg.Store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := cfg.Store.Ping(ctx); err != nil {
				log.Warn().Err(err).Msg("Health check failed")
				status, code = "unhealthy", http.StatusServiceUnavailable
			}
		}
		middleware.WriteJSON(w, code, map[string]string{
			"status": status,
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	return middleware.Recovery(log)(
		middleware.RequestID(
			middleware.Logger(log)(
				middleware.CORS(mux),
			),
		),
	)
}

// methods dispatches on the request method.
func methods(byMethod map[string]http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := byMethod[r.Method]
		if !ok {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		h(w, r)
	}
}

// withID extracts the trailing path segment after prefix.
func withID(prefix, what string, h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, prefix)
		if id == "" || strings.Contains(id, "/") {
			middleware.WriteError(w, http.StatusBadRequest, what+" is required")
			return
		}
		h(w, r, id)
	}
}
