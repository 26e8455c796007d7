package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"carbonsplit/internal/allocation"
	"carbonsplit/internal/amqp"
	"carbonsplit/internal/core"
	"carbonsplit/internal/log"
	"carbonsplit/internal/metrics"
)

// Publisher announces committed batches. *amqp.Client implements it.
type Publisher interface {
	PublishAllocationCommitted(ctx context.Context, msg *amqp.AllocationCommittedMessage) error
}

// Batch is the result of one committed allocate or resplit call.
type Batch struct {
	ID    string
	Nodes []core.AllocationNode
}

// AllocationService runs engine writes, records metrics and publishes a
// notification for every committed batch.
type AllocationService struct {
	engine    *allocation.Engine
	publisher Publisher
	logger    *log.Logger
}

// NewAllocationService wires the engine to an optional publisher.
func NewAllocationService(engine *allocation.Engine, publisher Publisher) *AllocationService {
	return &AllocationService{
		engine:    engine,
		publisher: publisher,
		logger:    log.FromDefault().WithComponent(log.ComponentAllocation),
	}
}

// Engine exposes the read side.
func (s *AllocationService) Engine() *allocation.Engine {
	return s.engine
}

// Allocate splits a contribution across projects.
func (s *AllocationService) Allocate(ctx context.Context, contributionID int64, requests []allocation.Request, createdBy string) (Batch, error) {
	started := time.Now()
	nodes, err := s.engine.Allocate(ctx, contributionID, requests, createdBy)
	metrics.ObserveOperation(log.OpAllocate, started, err)
	if err != nil {
		var total core.Money
		for _, r := range requests {
			total = total.Add(r.Amount)
		}
		s.logFailure(ctx, err, log.NewFields().
			WithOperation(log.OpAllocate).
			WithAllocation(contributionID, total.Cents, createdBy))
		return Batch{}, err
	}
	return s.commit(ctx, log.OpAllocate, contributionID, nodes), nil
}

// Resplit splits an existing allocation node into children.
func (s *AllocationService) Resplit(ctx context.Context, nodeID int64, requests []allocation.SplitRequest, createdBy string) (Batch, error) {
	started := time.Now()
	nodes, err := s.engine.Resplit(ctx, nodeID, requests, createdBy)
	metrics.ObserveOperation(log.OpResplit, started, err)
	if err != nil {
		fields := log.NewFields().WithOperation(log.OpResplit)
		fields[log.FieldNodeID] = nodeID
		s.logFailure(ctx, err, fields)
		return Batch{}, err
	}
	var contributionID int64
	if len(nodes) > 0 {
		contributionID = nodes[0].ContributionID
	}
	return s.commit(ctx, log.OpResplit, contributionID, nodes), nil
}

func (s *AllocationService) commit(ctx context.Context, op string, contributionID int64, nodes []core.AllocationNode) Batch {
	metrics.ObserveNodes(nodes)
	batch := Batch{ID: uuid.NewString(), Nodes: nodes}

	ids := make([]int64, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	s.logger.InfoContext(ctx, "Allocation batch committed",
		log.FieldOperation, op,
		log.FieldBatchID, batch.ID,
		log.FieldContributionID, contributionID,
		log.FieldNodes, len(nodes))

	if err := s.publish(ctx, amqp.NewAllocationCommittedMessage(batch.ID, op, contributionID, ids)); err != nil {
		// the batch is committed; the report worker catches up on its next tick
		s.logger.ErrorContext(ctx, "Failed to publish allocation event",
			log.FieldBatchID, batch.ID,
			log.FieldError, err,
			log.FieldErrorType, log.ErrorTypeNetwork)
	}
	return batch
}

func (s *AllocationService) publish(ctx context.Context, msg *amqp.AllocationCommittedMessage) error {
	if s.publisher == nil {
		s.logger.DebugContext(ctx, "AMQP publisher not available, skipping allocation event")
		return nil
	}
	err := s.publisher.PublishAllocationCommitted(ctx, msg)
	metrics.ObservePublish(err)
	if err != nil {
		return fmt.Errorf("publish batch %s: %w", msg.BatchID, err)
	}
	return nil
}

func (s *AllocationService) logFailure(ctx context.Context, err error, fields log.LogFields) {
	fields = fields.WithError(err)

	var capErr *core.InsufficientCapacityError
	switch {
	case errors.As(err, &capErr):
		fields[log.FieldBoundary] = string(capErr.Boundary)
		fields[log.FieldErrorType] = log.ErrorTypeCapacity
	case errors.Is(err, core.ErrNotFound):
		fields[log.FieldErrorType] = log.ErrorTypeNotFound
	case core.IsDomainError(err):
		fields[log.FieldErrorType] = log.ErrorTypeValidation
	default:
		fields[log.FieldErrorType] = log.ErrorTypeDatabase
		s.logger.ErrorContext(ctx, "Allocation failed", fields.ToSlice()...)
		return
	}
	s.logger.WarnContext(ctx, "Allocation rejected", fields.ToSlice()...)
}
