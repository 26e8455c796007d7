// Package metrics exposes the Prometheus collectors of the service.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"carbonsplit/internal/core"
)

const (
	OutcomeCommitted = "committed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonsplit_operations_total",
		Help: "Allocation operations by outcome",
	}, []string{"operation", "outcome"})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonsplit_capacity_rejections_total",
		Help: "Capacity rejections by boundary",
	}, []string{"boundary"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carbonsplit_operation_duration_seconds",
		Help:    "Time to run an allocation operation, transaction included",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"operation"})

	nodesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carbonsplit_allocation_nodes_created_total",
		Help: "Allocation nodes written",
	})

	allocatedCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carbonsplit_allocated_cents_total",
		Help: "Amount allocated from contributions, in cents",
	})

	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonsplit_events_published_total",
		Help: "Allocation events handed to the broker by result",
	}, []string{"result"})

	reportExports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonsplit_report_exports_total",
		Help: "Funding report exports by result",
	}, []string{"result"})
)

// Outcome classifies an operation error.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeCommitted
	case core.IsDomainError(err):
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}

// ObserveOperation records one allocate or resplit call.
func ObserveOperation(operation string, started time.Time, err error) {
	operationsTotal.WithLabelValues(operation, Outcome(err)).Inc()
	operationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())

	var capErr *core.InsufficientCapacityError
	if errors.As(err, &capErr) {
		rejectionsTotal.WithLabelValues(string(capErr.Boundary)).Inc()
	}
}

// ObserveNodes records nodes written by a committed operation. Only top-level
// nodes move money out of a contribution.
func ObserveNodes(nodes []core.AllocationNode) {
	nodesCreated.Add(float64(len(nodes)))
	for _, n := range nodes {
		if n.IsTopLevel() {
			allocatedCents.Add(float64(n.Amount.Cents))
		}
	}
}

func ObservePublish(err error) {
	if err != nil {
		eventsPublished.WithLabelValues("error").Inc()
		return
	}
	eventsPublished.WithLabelValues("ok").Inc()
}

func ObserveExport(err error) {
	if err != nil {
		reportExports.WithLabelValues("error").Inc()
		return
	}
	reportExports.WithLabelValues("ok").Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
