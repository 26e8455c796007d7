// Package cli holds the carbonsplit command tree and the start-up steps its
// commands share.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"carbonsplit/internal/allocation"
	"carbonsplit/internal/amqp"
	"carbonsplit/internal/backend"
	"carbonsplit/internal/config"
	"carbonsplit/internal/log"
	"carbonsplit/internal/sheets"
	gsheet "carbonsplit/internal/sheets/google"
	memsheet "carbonsplit/internal/sheets/memory"
)

// setupLogger installs the process logger at the configured level.
func setupLogger(level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := log.DefaultConfig()
	cfg.Level = lvl
	logger := log.New(cfg)
	log.SetDefault(logger)
	return logger, nil
}

// loadConfig reads .env files, then the environment, and validates the result.
func loadConfig(opts *RootOptions) (*config.Config, *log.Logger, error) {
	config.LoadDotEnv(opts.EnvFiles...)
	cfg := config.Load()
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}

	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// newEngine opens the configured backend and builds the engine on top of it.
// The caller closes the returned backend.
func newEngine(ctx context.Context, cfg *config.Config) (*allocation.Engine, *backend.Backend, error) {
	vat, err := cfg.VAT()
	if err != nil {
		return nil, nil, err
	}
	b, err := backend.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	engineCfg := allocation.DefaultConfig()
	engineCfg.MaxBatch = cfg.MaxBatch
	return allocation.NewEngine(b.Store, b.Store, vat, engineCfg), b, nil
}

// newAMQPClient returns nil when no broker is configured.
func newAMQPClient(cfg *config.Config) (*amqp.Client, error) {
	if cfg.AMQPURL == "" {
		return nil, nil
	}
	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		return nil, fmt.Errorf("initialize AMQP client: %w", err)
	}
	return client, nil
}

// newExporter writes to Google Sheets when a spreadsheet is configured and
// keeps the report in memory otherwise.
func newExporter(ctx context.Context, cfg *config.Config) (sheets.FundingExporter, error) {
	if !cfg.ReportEnabled() {
		return memsheet.New(), nil
	}
	client, err := gsheet.New(ctx, gsheet.Options{
		SpreadsheetID:   cfg.GoogleSpreadsheetID,
		SheetName:       cfg.GoogleReportSheetName,
		CredentialsJSON: cfg.GoogleServiceAccountJSON,
		CredentialsFile: cfg.GoogleServiceAccountFile,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize Google Sheets client: %w", err)
	}
	return client, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, logger *log.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
