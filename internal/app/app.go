// Package app builds the docingest dependency graph from configuration. The
// API server and the CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/dvloznov/docingest/internal/archive"
	"github.com/dvloznov/docingest/internal/budget"
	"github.com/dvloznov/docingest/internal/config"
	"github.com/dvloznov/docingest/internal/extract"
	infraBQ "github.com/dvloznov/docingest/internal/infra/bigquery"
	infraRedis "github.com/dvloznov/docingest/internal/infra/redis"
	"github.com/dvloznov/docingest/internal/infra/sqlite"
	"github.com/dvloznov/docingest/internal/llm"
	"github.com/dvloznov/docingest/internal/metrics"
	"github.com/dvloznov/docingest/internal/ocr"
	"github.com/dvloznov/docingest/internal/pipeline"
	"github.com/dvloznov/docingest/internal/tier"
)

// Store is a repository that can be health-checked.
type Store interface {
	pipeline.Repository
	Ping(ctx context.Context) error
}

// App holds the wired components.
type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Service  *pipeline.Service
	Store    Store
	Ledger   *budget.Ledger
	Selector *tier.Selector
	// Archive is nil when no bucket is configured.
	Archive  *archive.GCSArchive
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	closers []io.Closer
}

// Close releases every client the app opened, last opened first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenLedger builds only the storage, ledger and selector. Commands that
// inspect the budget or the catalog need nothing else.
func OpenLedger(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.openStore(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.openLedger(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	catalog, err := cfg.TierCatalog()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Selector = tier.NewSelector(catalog)
	return a, nil
}

// Build wires the full ingestion service.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a, err := OpenLedger(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := a.buildService(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Storage.Backend {
	case config.BackendBigQuery:
		repo, err := infraBQ.NewRepository(ctx, cfg.GCP.ProjectID, cfg.GCP.Dataset)
		if err != nil {
			return fmt.Errorf("open bigquery repository: %w", err)
		}
		a.closers = append(a.closers, repo)
		a.Store = repo
		a.Log.Info().Str("project", cfg.GCP.ProjectID).Str("dataset", cfg.GCP.Dataset).Msg("Using BigQuery storage")
	default:
		store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.closers = append(a.closers, store)
		a.Store = store
		a.Log.Info().Str("path", cfg.Storage.SQLitePath).Msg("Using SQLite storage")
	}
	return nil
}

func (a *App) openLedger(ctx context.Context) error {
	cfg := a.Config
	var store budget.Store
	switch cfg.Budget.Store {
	case config.BackendMemory:
		store = budget.NewMemoryStore()
	case config.BackendRedis:
		rs, err := infraRedis.NewLedgerStore(ctx, infraRedis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
		if err != nil {
			return fmt.Errorf("open redis ledger: %w", err)
		}
		a.closers = append(a.closers, rs)
		store = rs
	default:
		db, ok := a.Store.(*sqlite.Store)
		if !ok {
			// BigQuery imports with a local ledger file.
			var err error
			if db, err = sqlite.Open(ctx, cfg.Storage.SQLitePath); err != nil {
				return fmt.Errorf("open sqlite ledger: %w", err)
			}
			a.closers = append(a.closers, db)
		}
		store = db.Ledger()
	}

	monthly, err := cfg.MonthlyBudget()
	if err != nil {
		return err
	}
	ledger, err := budget.NewLedger(ctx, store, budget.Config{
		MonthlyBudget: &monthly,
		HistoryLimit:  cfg.Budget.HistoryLimit,
		WarnRatio:     cfg.Budget.WarnRatio,
	})
	if err != nil {
		return fmt.Errorf("load budget ledger: %w", err)
	}
	a.Ledger = ledger
	a.Log.Info().
		Str("store", cfg.Budget.Store).
		Str("monthly_budget", monthly.StringFixed(2)).
		Msg("Budget ledger loaded")
	return nil
}

func (a *App) buildService(ctx context.Context) error {
	cfg := a.Config

	gen, err := llm.NewGeminiClient(ctx, cfg.Extraction.APIKey)
	if err != nil {
		return err
	}

	engines := []ocr.Engine{
		ocr.NewLocalEngine(cfg.OCR.PdftotextPath, cfg.OCR.TesseractPath),
		ocr.NewGeminiEngine(gen, ""),
	}
	if vision, err := ocr.NewVisionEngine(ctx); err != nil {
		a.Log.Warn().Err(err).Msg("Cloud Vision unavailable, its tiers fall back to the zero-cost tier")
	} else {
		engines = append(engines, vision)
	}

	extractor := extract.NewExtractor(gen, "")
	extractor.Temperature = float32(cfg.Extraction.Temperature)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	deps := pipeline.Deps{
		Repo:      a.Store,
		Selector:  a.Selector,
		Ledger:    a.Ledger,
		OCR:       ocr.NewRegistry(engines...),
		Extractor: extractor,
		Metrics:   a.Metrics,
	}
	if cfg.Archive.Bucket != "" {
		arch, err := archive.NewGCSArchive(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, arch)
		a.Archive = arch
		deps.Archive = arch
	} else {
		a.Log.Warn().Msg("No archive bucket configured - original documents will not be kept")
	}

	svc, err := pipeline.NewService(deps, pipeline.Options{
		OCRTimeout:     config.Seconds(cfg.Pipeline.OCRTimeoutSeconds),
		ExtractTimeout: config.Seconds(cfg.Pipeline.ExtractTimeoutSeconds),
		StoreTimeout:   config.Seconds(cfg.Pipeline.StoreTimeoutSeconds),
		Language:       cfg.OCR.Language,
		DetectTables:   cfg.OCR.DetectTables,
	})
	if err != nil {
		return err
	}
	a.Service = svc
	return nil
}
