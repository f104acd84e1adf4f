package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dvloznov/docingest/internal/app"
	"github.com/dvloznov/docingest/internal/config"
	"github.com/dvloznov/docingest/internal/logger"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	cfg *config.Config
	log zerolog.Logger
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "docingest",
		Short:         "Ingest financial documents into staging transactions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if cfg, err = config.Load(cfgFile); err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if logFormat != "" {
				cfg.Log.Format = logFormat
			}
			log = logger.NewWithOptions(logger.Options{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				Out:    os.Stderr,
			})
			cmd.SetContext(logger.WithContext(cmd.Context(), log))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or $HOME/.docingest/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")

	cmd.AddCommand(ingestCmd())
	cmd.AddCommand(reparseCmd())
	cmd.AddCommand(inspectCmd())
	cmd.AddCommand(importsCmd())
	cmd.AddCommand(tiersCmd())
	cmd.AddCommand(estimateCmd())
	cmd.AddCommand(budgetCmd())
	cmd.AddCommand(serveCmd())
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withApp builds the full service for the duration of fn.
func withApp(ctx context.Context, fn func(*app.App) error) error {
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// withLedger opens only storage and the ledger for the duration of fn.
func withLedger(ctx context.Context, fn func(*app.App) error) error {
	a, err := app.OpenLedger(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func serveCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and async ingest workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port != "" {
				cfg.Server.Port = port
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				return a.Serve(cmd.Context())
			})
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "HTTP server port (overrides server.port)")
	return cmd
}
