package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"carbonsplit/internal/amqp"
	apphttp "carbonsplit/internal/http"
	"carbonsplit/internal/log"
	"carbonsplit/internal/middleware/ratelimit"
	"carbonsplit/internal/services"
)

// NewServeCommand runs the HTTP API.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the allocation HTTP API",
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

			amqpClient, err := newAMQPClient(cfg)
			if err != nil {
				// allocations still commit; the worker's ticker catches up
				logger.Warn("Continuing without allocation events", log.FieldError, err)
			}
			var publisher services.Publisher
			if amqpClient != nil {
				defer amqpClient.Close()
				publisher = amqpClient
			}

			rl := ratelimit.DefaultConfig()
			rl.RequestsPerSecond = cfg.RateLimitRPS
			rl.Burst = cfg.RateLimitBurst

			srv := apphttp.NewServer(":"+cfg.Port, services.NewAllocationService(engine, publisher), apphttp.Options{
				RateLimit: rl,
				Ready:     b.Ready,
				Logger:    logger,
			})
			srv.ReadTimeout = 10 * time.Second
			srv.WriteTimeout = 10 * time.Second
			srv.IdleTimeout = 60 * time.Second
			srv.MaxHeaderBytes = 1 << 16 // 64KB

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Starting carbonsplit server",
					"port", cfg.Port,
					"backend", b.Type,
					"amqp_enabled", publisher != nil)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server shutdown error", log.FieldError, err)
				return err
			}
			logger.Info("Server stopped gracefully")
			return nil
		},
	}

	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "grace period for in-flight requests")
	return cmd
}

var _ services.Publisher = (*amqp.Client)(nil)
