package cli

import (
	"github.com/spf13/cobra"

	"carbonsplit/internal/log"
	"carbonsplit/internal/worker"
)

// NewWorkerCommand keeps the funding report export current. It consumes
// allocation events when a broker is configured and also exports on a timer.
func NewWorkerCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Export the funding report on allocation events and on a timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context(), logger)
			defer cancel()

			engine, b, err := newEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			exporter, err := newExporter(ctx, cfg)
			if err != nil {
				return err
			}
			if !cfg.ReportEnabled() {
				logger.Info("Google Sheets disabled - no GOOGLE_SPREADSHEET_ID provided")
			}

			amqpClient, err := newAMQPClient(cfg)
			if err != nil {
				return err
			}
			var consumer worker.Consumer
			if amqpClient != nil {
				defer amqpClient.Close()
				consumer = amqpClient
			}

			logger.Info("Starting carbonsplit worker",
				"interval", cfg.ReportInterval,
				"amqp_enabled", consumer != nil)

			w := worker.NewReportWorker(engine, exporter, consumer, cfg.ReportInterval)
			if err := w.Run(ctx); err != nil {
				logger.Error("Worker stopped", log.FieldError, err)
				return err
			}
			logger.Info("Worker shutdown complete")
			return nil
		},
	}
}
