// Package worker keeps the published funding report in step with committed
// allocations.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"carbonsplit/internal/amqp"
	"carbonsplit/internal/core"
	"carbonsplit/internal/log"
	"carbonsplit/internal/metrics"
	"carbonsplit/internal/sheets"
)

// FundingSource builds the funding report. *allocation.Engine implements it.
type FundingSource interface {
	FundingReport(ctx context.Context) ([]core.ProjectFunding, error)
}

// Consumer delivers allocation events. *amqp.Client implements it.
type Consumer interface {
	ConsumeAllocationCommitted(ctx context.Context, handler func(context.Context, *amqp.AllocationCommittedMessage) error) error
}

// ReportWorker re-exports the funding report on every allocation event and on
// a fixed interval, so lost messages are caught up on the next tick.
type ReportWorker struct {
	source   FundingSource
	exporter sheets.FundingExporter
	consumer Consumer
	interval time.Duration
	logger   *log.Logger

	mu sync.Mutex
}

// NewReportWorker creates a worker. consumer may be nil, in which case only
// the ticker drives exports.
func NewReportWorker(source FundingSource, exporter sheets.FundingExporter, consumer Consumer, interval time.Duration) *ReportWorker {
	return &ReportWorker{
		source:   source,
		exporter: exporter,
		consumer: consumer,
		interval: interval,
		logger:   log.FromDefault().WithComponent(log.ComponentWorker),
	}
}

// Export builds the report and hands it to the exporter. Concurrent calls are
// serialized so the sheet always ends with a complete table.
func (w *ReportWorker) Export(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	started := time.Now()
	rows, err := w.source.FundingReport(ctx)
	if err != nil {
		metrics.ObserveExport(err)
		return fmt.Errorf("build funding report: %w", err)
	}
	err = w.exporter.ExportFunding(ctx, rows)
	metrics.ObserveExport(err)
	if err != nil {
		return fmt.Errorf("export funding report: %w", err)
	}

	w.logger.InfoContext(ctx, "Funding report exported",
		log.FieldRows, len(rows),
		log.FieldDuration, time.Since(started).Milliseconds())
	return nil
}

// HandleAllocationCommitted exports the report after a committed batch. A
// failure is returned so the message is requeued.
func (w *ReportWorker) HandleAllocationCommitted(ctx context.Context, msg *amqp.AllocationCommittedMessage) error {
	w.logger.InfoContext(ctx, "Processing allocation event",
		log.FieldBatchID, msg.BatchID,
		log.FieldOperation, msg.Operation,
		log.FieldContributionID, msg.ContributionID,
		log.FieldNodes, len(msg.NodeIDs))
	return w.Export(ctx)
}

// Run exports once, then consumes events and ticks until ctx is cancelled.
// Cancellation is a clean stop and returns nil. With neither a consumer nor
// an interval Run exports once and returns.
func (w *ReportWorker) Run(ctx context.Context) error {
	if err := w.Export(ctx); err != nil {
		// startup export failures are retried by the ticker
		w.logger.ErrorContext(ctx, "Startup export failed", log.FieldError, err)
	}

	g, ctx := errgroup.WithContext(ctx)

	if w.interval > 0 {
		g.Go(func() error {
			return w.tick(ctx)
		})
	}

	if w.consumer != nil {
		g.Go(func() error {
			return w.consumer.ConsumeAllocationCommitted(ctx, w.HandleAllocationCommitted)
		})
	} else {
		w.logger.InfoContext(ctx, "Skipping AMQP message consumption - no consumer available")
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *ReportWorker) tick(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Export(ctx); err != nil {
				w.logger.ErrorContext(ctx, "Periodic export failed", log.FieldError, err)
			}
		}
	}
}
