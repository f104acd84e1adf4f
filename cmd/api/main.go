package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/dvloznov/docingest/internal/app"
	"github.com/dvloznov/docingest/internal/config"
	"github.com/dvloznov/docingest/internal/logger"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to config file (default: ./config.yaml)")
		port       = flag.String("port", "", "HTTP server port (overrides server.port)")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	log := logger.NewWithOptions(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}

	serveErr := a.Serve(ctx)
	if err := a.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close clients")
	}
	if serveErr != nil {
		log.Fatal().Err(serveErr).Msg("Server stopped with error")
	}
}
