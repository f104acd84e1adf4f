package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/docingest/internal/api"
	"github.com/dvloznov/docingest/internal/ingesterr"
	"github.com/dvloznov/docingest/internal/jobs/inmemory"
	"github.com/dvloznov/docingest/internal/logger"
)

const shutdownTimeout = 30 * time.Second

// Serve runs the HTTP API and the async ingest workers until ctx is
// cancelled, then shuts both down gracefully.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config
	log := a.Log

	jobStore := inmemory.NewStore()
	queue := inmemory.NewQueue(inmemory.Config{
		BufferSize: cfg.Queue.BufferSize,
		Workers:    cfg.Queue.Workers,
		MaxRetries: cfg.Queue.MaxRetries,
		Retryable:  ingesterr.IsRetryable,
		Metrics:    a.Metrics,
	}, jobStore)

	workerCtx, cancelWorkers := context.WithCancel(logger.WithContext(context.Background(), log))
	defer cancelWorkers()

	log.Info().Int("workers", cfg.Queue.Workers).Msg("Starting job workers")
	if err := queue.Start(workerCtx, a.Service.HandleJob); err != nil {
		return err
	}

	server := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: api.NewRouter(api.RouterConfig{
			Service:        a.Service,
			Publisher:      queue,
			JobStore:       jobStore,
			Metrics:        a.Metrics,
			Gatherer:       a.Registry,
			Store:          a.Store,
			MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
			Log:            log,
		}),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.Server.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		// In-flight jobs finish before the workers stop.
		if err := queue.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping job queue")
		}
		cancelWorkers()
		return nil
	})

	err := g.Wait()
	log.Info().Msg("Server exited")
	return err
}
