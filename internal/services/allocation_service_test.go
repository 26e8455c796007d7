package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"carbonsplit/internal/allocation"
	"carbonsplit/internal/amqp"
	"carbonsplit/internal/core"
	"carbonsplit/internal/storage/memory"
	"carbonsplit/internal/tax"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*amqp.AllocationCommittedMessage
	err  error
}

func (p *recordingPublisher) PublishAllocationCommitted(_ context.Context, msg *amqp.AllocationCommittedMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func newTestService(t *testing.T, pub Publisher) *AllocationService {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	if err := store.AddContribution(ctx, core.Contribution{ID: 1, Amount: core.Euros(500), Owner: core.Individual(1)}); err != nil {
		t.Fatalf("add contribution: %v", err)
	}
	if err := store.AddProject(ctx, core.Project{ID: 10, Name: "Mangroves", Budget: core.MoneyPtr(core.Euros(1000))}); err != nil {
		t.Fatalf("add project: %v", err)
	}
	if err := store.AddProject(ctx, core.Project{ID: 11, Name: "Nursery", ParentID: core.IDPtr(10), SubBudget: core.MoneyPtr(core.Euros(200))}); err != nil {
		t.Fatalf("add project: %v", err)
	}
	for _, id := range []int64{10, 11} {
		if err := store.SetPrice(ctx, id, core.Money{Cents: 2000}); err != nil {
			t.Fatalf("set price: %v", err)
		}
	}

	vat, err := tax.NewVAT(tax.DefaultRate)
	if err != nil {
		t.Fatalf("NewVAT: %v", err)
	}
	engine := allocation.NewEngine(store, store, vat, allocation.DefaultConfig())
	return NewAllocationService(engine, pub)
}

func TestAllocationService_AllocatePublishes(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newTestService(t, pub)

	batch, err := svc.Allocate(context.Background(), 1, []allocation.Request{
		{ProjectID: 10, Amount: core.Euros(100)},
		{ProjectID: 10, Amount: core.Euros(50)},
	}, "alice")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if batch.ID == "" {
		t.Error("batch id should be set")
	}
	if len(batch.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(batch.Nodes))
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(pub.msgs))
	}

	msg := pub.msgs[0]
	if msg.BatchID != batch.ID {
		t.Errorf("message batch id = %q, want %q", msg.BatchID, batch.ID)
	}
	if msg.Operation != "allocate" || msg.ContributionID != 1 {
		t.Errorf("unexpected message %+v", msg)
	}
	if len(msg.NodeIDs) != 2 || msg.NodeIDs[0] != batch.Nodes[0].ID {
		t.Errorf("message node ids = %v", msg.NodeIDs)
	}
}

func TestAllocationService_ResplitPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newTestService(t, pub)
	ctx := context.Background()

	batch, err := svc.Allocate(ctx, 1, []allocation.Request{{ProjectID: 10, Amount: core.Euros(100)}}, "alice")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	split, err := svc.Resplit(ctx, batch.Nodes[0].ID, []allocation.SplitRequest{
		{SubProjectID: 11, Amount: core.Euros(60)},
	}, "bob")
	if err != nil {
		t.Fatalf("Resplit() error = %v", err)
	}
	if len(split.Nodes) != 1 || split.Nodes[0].CreatedBy != "bob" {
		t.Fatalf("unexpected split nodes %+v", split.Nodes)
	}
	if len(pub.msgs) != 2 {
		t.Fatalf("expected 2 published messages, got %d", len(pub.msgs))
	}
	if got := pub.msgs[1]; got.Operation != "resplit" || got.ContributionID != 1 {
		t.Errorf("unexpected resplit message %+v", got)
	}
}

func TestAllocationService_RejectionIsNotPublished(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newTestService(t, pub)

	_, err := svc.Allocate(context.Background(), 1, []allocation.Request{
		{ProjectID: 10, Amount: core.Euros(600)},
	}, "alice")
	if !errors.Is(err, core.ErrInsufficientCapacity) {
		t.Fatalf("expected ErrInsufficientCapacity, got %v", err)
	}
	if len(pub.msgs) != 0 {
		t.Errorf("rejected batch should not be published, got %d messages", len(pub.msgs))
	}
}

func TestAllocationService_PublishFailureKeepsBatch(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("connection refused")}
	svc := newTestService(t, pub)

	batch, err := svc.Allocate(context.Background(), 1, []allocation.Request{
		{ProjectID: 10, Amount: core.Euros(100)},
	}, "alice")
	if err != nil {
		t.Fatalf("publish failure must not fail the request: %v", err)
	}
	if len(batch.Nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(batch.Nodes))
	}

	totals, err := svc.Engine().ContributionTotals(context.Background(), 1)
	if err != nil {
		t.Fatalf("ContributionTotals() error = %v", err)
	}
	if totals.Amount != core.Euros(100) {
		t.Errorf("committed amount = %s, want 100.00", totals.Amount)
	}
}

func TestAllocationService_NilPublisher(t *testing.T) {
	svc := newTestService(t, nil)

	if _, err := svc.Allocate(context.Background(), 1, []allocation.Request{
		{ProjectID: 10, Amount: core.Euros(10)},
	}, "alice"); err != nil {
		t.Fatalf("Allocate() without publisher error = %v", err)
	}
}
