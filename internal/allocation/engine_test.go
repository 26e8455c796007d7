package allocation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbonsplit/internal/allocation"
	"carbonsplit/internal/core"
	"carbonsplit/internal/storage/memory"
	"carbonsplit/internal/tax"
)

// Project ids used across the tests:
//
//	P (10, budget 800) -> Q (11, sub 300), R (12, sub 200)
//	F (20, no budget)  -> G (21, sub 500) -> H (22, sub 100)
//	U (30, budget 1000, no price)
const (
	contribID int64 = 1
	otherID   int64 = 2

	projP int64 = 10
	projQ int64 = 11
	projR int64 = 12
	projF int64 = 20
	projG int64 = 21
	projH int64 = 22
	projU int64 = 30
)

var fixedNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	engine *allocation.Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	require.NoError(t, store.AddContribution(ctx, core.Contribution{ID: contribID, Amount: core.Euros(1000), Owner: core.Individual(7), CreatedAt: fixedNow}))
	require.NoError(t, store.AddContribution(ctx, core.Contribution{ID: otherID, Amount: core.Euros(1000), Owner: core.Organization(3), CreatedAt: fixedNow}))

	require.NoError(t, store.AddSegmentation(ctx, core.Segmentation{ID: 1, Name: "Forests", ChartColor: "#2e7d32"}))
	require.NoError(t, store.AddSegmentation(ctx, core.Segmentation{ID: 2, Name: "Agroforestry", ChartColor: "#f9a825"}))

	projects := []core.Project{
		{ID: projP, Name: "P", Budget: core.MoneyPtr(core.Euros(800)), SegmentationID: core.IDPtr(1)},
		{ID: projQ, Name: "Q", ParentID: core.IDPtr(projP), SubBudget: core.MoneyPtr(core.Euros(300))},
		{ID: projR, Name: "R", ParentID: core.IDPtr(projP), SubBudget: core.MoneyPtr(core.Euros(200)), SegmentationID: core.IDPtr(2)},
		{ID: projF, Name: "F"},
		{ID: projG, Name: "G", ParentID: core.IDPtr(projF), SubBudget: core.MoneyPtr(core.Euros(500))},
		{ID: projH, Name: "H", ParentID: core.IDPtr(projG), SubBudget: core.MoneyPtr(core.Euros(100))},
		{ID: projU, Name: "U", Budget: core.MoneyPtr(core.Euros(1000))},
	}
	for _, p := range projects {
		require.NoError(t, store.AddProject(ctx, p))
	}

	// 41.67 HT is 50.00 TTC at 20%.
	for _, id := range []int64{projP, projQ, projR, projF, projG, projH} {
		require.NoError(t, store.SetPrice(ctx, id, core.Money{Cents: 4167}))
	}

	vat, err := tax.NewVAT(tax.DefaultRate)
	require.NoError(t, err)

	cfg := allocation.DefaultConfig()
	cfg.Clock = func() time.Time { return fixedNow }
	return fixture{store: store, engine: allocation.NewEngine(store, store, vat, cfg)}
}

func (f fixture) remaining(t *testing.T, kind allocation.TargetKind, id int64) core.Money {
	t.Helper()
	m, err := f.engine.Remaining(context.Background(), allocation.Target{Kind: kind, ID: id})
	require.NoError(t, err)
	return m
}

func req(project int64, euros int64) allocation.Request {
	return allocation.Request{ProjectID: project, Amount: core.Euros(euros)}
}

func subReq(project, sub int64, euros int64) allocation.Request {
	return allocation.Request{ProjectID: project, SubProjectID: core.IDPtr(sub), Amount: core.Euros(euros)}
}

func TestAllocateToTopLevelProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nodes, err := f.engine.Allocate(ctx, contribID, []allocation.Request{req(projP, 600)}, "alice")
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	n := nodes[0]
	assert.Equal(t, projP, n.ProjectID)
	assert.Equal(t, core.Euros(600), n.Amount)
	assert.True(t, n.Tonnage.Equal(decimal.NewFromInt(12)), "tonnage = %s", n.Tonnage)
	assert.Equal(t, core.Euros(50), n.PriceTTC)
	assert.Equal(t, "alice", n.CreatedBy)
	assert.Equal(t, fixedNow, n.CreatedAt)
	assert.True(t, n.IsTopLevel())

	assert.Equal(t, core.Euros(400), f.remaining(t, allocation.TargetContribution, contribID))
	assert.Equal(t, core.Euros(200), f.remaining(t, allocation.TargetProject, projP))
}

func TestAllocateOverProjectBudgetIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Allocate(ctx, contribID, []allocation.Request{req(projP, 600)}, "alice")
	require.NoError(t, err)

	_, err = f.engine.Allocate(ctx, contribID, []allocation.Request{req(projP, 500)}, "alice")
	require.ErrorIs(t, err, core.ErrInsufficientCapacity)

	var capErr *core.InsufficientCapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, core.BoundaryProjectBudget, capErr.Boundary)
	assert.Equal(t, projP, capErr.TargetID)
	assert.Equal(t, core.Euros(200), capErr.Remaining)
	assert.Equal(t, core.Euros(500), capErr.Requested)

	assert.Equal(t, core.Euros(400), f.remaining(t, allocation.TargetContribution, contribID))
}

func TestResplitMakesNodeInternal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nodes, err := f.engine.Allocate(ctx, contribID, []allocation.Request{req(projP, 600)}, "alice")
	require.NoError(t, err)
	parent := nodes[0]

	children, err := f.engine.Resplit(ctx, parent.ID, []allocation.SplitRequest{
		{SubProjectID: projQ, Amount: core.Euros(250)},
		{SubProjectID: projR, Amount: core.Euros(200)},
	}, "bob")
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, c := range children {
		require.NotNil(t, c.ParentID)
		assert.Equal(t, parent.ID, *c.ParentID)
		assert.Equal(t, contribID, c.ContributionID)
		assert.Equal(t, "bob", c.CreatedBy)
	}
	assert.True(t, children[0].Tonnage.Equal(decimal.NewFromInt(5)))
	assert.True(t, children[1].Tonnage.Equal(decimal.NewFromInt(4)))

	totals, err := f.engine.ContributionTotals(ctx, contribID)
	require.NoError(t, err)
	assert.Equal(t, core.Euros(450), totals.Amount)
	assert.True(t, totals.Tonnage.Equal(decimal.NewFromInt(9)))
	assert.Equal(t, 2, totals.Leaves)

	assert.Equal(t, core.Euros(150), f.remaining(t, allocation.TargetNode, parent.ID))
	assert.Equal(t, core.Euros(550), f.remaining(t, allocation.TargetContribution, contribID))
	assert.Equal(t, core.Euros(350), f.remaining(t, allocation.TargetProject, projP))
	assert.Equal(t, core.Euros(50), f.remaining(t, allocation.TargetProject, projQ))
	assert.Equal(t, core.Money{}, f.remaining(t, allocation.TargetProject, projR))
}

func TestResplitBoundaries(t *testing.T) {
	tests := []struct {
		name     string
		splits   []allocation.SplitRequest
		sentinel error
		boundary core.Boundary
	}{
		{
			name: "sum over node amount",
			splits: []allocation.SplitRequest{
				{SubProjectID: projQ, Amount: core.Euros(300)},
				{SubProjectID: projR, Amount: core.Euros(200)},
				{SubProjectID: projQ, Amount: core.Euros(150)},
			},
			sentinel: core.ErrInsufficientCapacity,
			boundary: core.BoundaryParentAllocation,
		},
		{
			name:     "over sub-project target",
			splits:   []allocation.SplitRequest{{SubProjectID: projR, Amount: core.Euros(250)}},
			sentinel: core.ErrInsufficientCapacity,
			boundary: core.BoundarySubProjectBudget,
		},
		{
			name:     "sub-project of another tree",
			splits:   []allocation.SplitRequest{{SubProjectID: projG, Amount: core.Euros(10)}},
			sentinel: core.ErrInvalidTarget,
		},
		{
			name:     "unknown sub-project",
			splits:   []allocation.SplitRequest{{SubProjectID: 999, Amount: core.Euros(10)}},
			sentinel: core.ErrInvalidTarget,
		},
		{
			name:     "zero amount",
			splits:   []allocation.SplitRequest{{SubProjectID: projQ}},
			sentinel: core.ErrAmountMustBePositive,
		},
		{
			name:     "empty batch",
			sentinel: core.ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			nodes, err := f.engine.Allocate(ctx, contribID, []allocation.Request{req(projP, 600)}, "alice")
			require.NoError(t, err)

			_, err = f.engine.Resplit(ctx, nodes[0].ID, tt.splits, "bob")
			require.ErrorIs(t, err, tt.sentinel)
			if tt.boundary != "" {
				var capErr *core.InsufficientCapacityError
				require.ErrorAs(t, err, &capErr)
				assert.Equal(t, tt.boundary, capErr.Boundary)
			}
			assert.Len(t, f.store.Nodes(), 1, "failed split must not leave nodes behind")
		})
	}
}

func TestResplitUnknownNode(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Resplit(context.Background(), 42, []allocation.SplitRequest{{SubProjectID: projQ, Amount: core.Euros(1)}}, "bob")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestResplitInternalNodeAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nodes, err := f.engine.Allocate(ctx, contribID, []allocation.Request{req(projP, 400)}, "alice")
	require.NoError(t, err)
	parentID := nodes[0].ID

	_, err = f.engine.Resplit(ctx, parentID, []allocation.SplitRequest{{SubProjectID: projQ, Amount: core.Euros(100)}}, "bob")
	require.NoError(t, err)
	_, err = f.engine.Resplit(ctx, parentID, []allocation.SplitRequest{{SubProjectID: projR, Amount: core.Euros(150)}}, "bob")
	require.NoError(t, err)

	assert.Equal(t, core.Euros(150), f.remaining(t, allocation.TargetNode, parentID))

	_, err = f.engine.Resplit(ctx, parentID, []allocation.SplitRequest{{SubProjectID: projQ, Amount: core.Euros(151)}}, "bob")
	require.ErrorIs(t, err, core.ErrInsufficientCapacity)

	views, err := f.engine.Nodes(ctx, contribID)
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.False(t, views[0].IsLeaf())
	assert.Equal(t, 2, views[0].Children)
	assert.Equal(t, core.Euros(250), views[0].AllocatedToSplit)
	assert.Equal(t, core.Euros(150), views[0].RemainingToSplit)
	assert.True(t, views[1].IsLeaf())
	assert.True(t, views[2].IsLeaf())
}

func TestResplitAtDepth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nodes, err := f.engine.Allocate(ctx, contribID, []allocation.Request{subReq(projF, projG, 300)}, "alice")
	require.NoError(t, err)

	children, err := f.engine.Resplit(ctx, nodes[0].ID, []allocation.SplitRequest{{SubProjectID: projH, Amount: core.Euros(80)}}, "bob")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, projH, children[0].ProjectID)

	totals, err := f.engine.ProjectSubtreeTotals(ctx, projF)
	require.NoError(t, err)
	assert.Equal(t, core.Euros(80), totals.Amount)

	totals, err = f.engine.ProjectSubtreeTotals(ctx, projG)
	require.NoError(t, err)
	assert.Equal(t, core.Euros(80), totals.Amount)

	totals, err = f.engine.ProjectSubtreeTotals(ctx, projH)
	require.NoError(t, err)
	assert.Equal(t, core.Euros(80), totals.Amount)
}

func TestAllocateTargets(t *testing.T) {
	tests := []struct {
		name     string
		requests []allocation.Request
		sentinel error
		boundary core.Boundary
	}{
		{name: "sub-project", requests: []allocation.Request{subReq(projP, projQ, 300)}},
		{name: "sub-project under root without budget", requests: []allocation.Request{subReq(projF, projG, 500)}},
		{
			name:     "sub-project over its target",
			requests: []allocation.Request{subReq(projP, projR, 201)},
			sentinel: core.ErrInsufficientCapacity,
			boundary: core.BoundarySubProjectBudget,
		},
		{
			name:     "sub-projects over root budget",
			requests: []allocation.Request{req(projP, 700), subReq(projP, projQ, 150)},
			sentinel: core.ErrInsufficientCapacity,
			boundary: core.BoundaryProjectBudget,
		},
		{
			name:     "root without budget",
			requests: []allocation.Request{req(projF, 1)},
			sentinel: core.ErrInsufficientCapacity,
			boundary: core.BoundaryProjectBudget,
		},
		{
			name:     "sub-project not a direct child",
			requests: []allocation.Request{subReq(projF, projH, 10)},
			sentinel: core.ErrInvalidTarget,
		},
		{
			name:     "sub-project of another root",
			requests: []allocation.Request{subReq(projP, projG, 10)},
			sentinel: core.ErrInvalidTarget,
		},
		{
			name:     "unknown project",
			requests: []allocation.Request{req(404, 10)},
			sentinel: core.ErrInvalidTarget,
		},
		{
			name:     "zero amount",
			requests: []allocation.Request{req(projP, 0)},
			sentinel: core.ErrAmountMustBePositive,
		},
		{
			name:     "negative amount",
			requests: []allocation.Request{req(projP, -5)},
			sentinel: core.ErrAmountMustBePositive,
		},
		{
			name:     "no carbon price",
			requests: []allocation.Request{req(projU, 10)},
			sentinel: core.ErrPriceUnavailable,
		},
		{name: "empty batch", sentinel: core.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			nodes, err := f.engine.Allocate(context.Background(), contribID, tt.requests, "alice")
			if tt.sentinel == nil {
				require.NoError(t, err)
				assert.Len(t, nodes, len(tt.requests))
				return
			}
			require.ErrorIs(t, err, tt.sentinel)
			assert.Nil(t, nodes)
			if tt.boundary != "" {
				var capErr *core.InsufficientCapacityError
				require.ErrorAs(t, err, &capErr)
				assert.Equal(t, tt.boundary, capErr.Boundary)
			}
			assert.Empty(t, f.store.Nodes())
		})
	}
}

func TestAllocateOverContribution(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetPrice(context.Background(), projU, core.Money{Cents: 1000}))

	_, err := f.engine.Allocate(context.Background(), contribID, []allocation.Request{req(projP, 800), req(projU, 300)}, "alice")
	require.ErrorIs(t, err, core.ErrInsufficientCapacity)

	var capErr *core.InsufficientCapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, core.BoundaryContribution, capErr.Boundary)
	assert.Equal(t, contribID, capErr.TargetID)
	assert.Equal(t, core.Euros(200), capErr.Remaining)
	assert.Empty(t, f.store.Nodes())
}

func TestAllocateBatchCountsEarlierRequests(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Allocate(context.Background(), contribID, []allocation.Request{
		subReq(projP, projQ, 200),
		subReq(projP, projQ, 101),
	}, "alice")
	require.ErrorIs(t, err, core.ErrInsufficientCapacity)
	assert.Empty(t, f.store.Nodes())

	nodes, err := f.engine.Allocate(context.Background(), contribID, []allocation.Request{
		subReq(projP, projQ, 200),
		subReq(projP, projQ, 100),
	}, "alice")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
	assert.Equal(t, core.Money{}, f.remaining(t, allocation.TargetProject, projQ))
}

func TestAllocateBatchLimit(t *testing.T) {
	f := newFixture(t)
	requests := make([]allocation.Request, 11)
	for i := range requests {
		requests[i] = req(projP, 1)
	}
	_, err := f.engine.Allocate(context.Background(), contribID, requests, "alice")
	require.ErrorIs(t, err, core.ErrInvalidRequest)

	_, err = f.engine.Allocate(context.Background(), contribID, requests[:10], "alice")
	require.NoError(t, err)
}

func TestAllocateUnknownContribution(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Allocate(context.Background(), 99, []allocation.Request{req(projP, 1)}, "alice")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestTonnageIsFrozen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Allocate(ctx, contribID, []allocation.Request{req(projP, 100)}, "alice")
	require.NoError(t, err)

	require.NoError(t, f.store.SetPrice(ctx, projP, core.Money{Cents: 2000}))

	totals, err := f.engine.ContributionTotals(ctx, contribID)
	require.NoError(t, err)
	assert.True(t, totals.Tonnage.Equal(decimal.NewFromInt(2)), "tonnage = %s", totals.Tonnage)
}

func TestToTonnageRounding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetPrice(ctx, projU, core.Money{Cents: 2500}))

	tons, price, err := f.engine.ToTonnage(context.Background(), core.Euros(100), projU)
	require.NoError(t, err)
	assert.Equal(t, core.Euros(30), price)
	assert.Equal(t, "3.333333", tons.String())

	require.NoError(t, f.store.SetPrice(ctx, projU, core.Money{}))
	_, _, err = f.engine.ToTonnage(context.Background(), core.Euros(100), projU)
	var priceErr *core.PriceUnavailableError
	require.ErrorAs(t, err, &priceErr)
	assert.Equal(t, projU, priceErr.ProjectID)
}

func TestRemainingUndefinedTargets(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, core.Money{}, f.remaining(t, allocation.TargetProject, projF))

	noTarget := core.Project{ID: 50, Name: "no target", ParentID: core.IDPtr(projP)}
	require.NoError(t, f.store.AddProject(context.Background(), noTarget))
	_, err := f.engine.Remaining(context.Background(), allocation.Target{Kind: allocation.TargetProject, ID: 50})
	require.ErrorIs(t, err, core.ErrInvalidTarget)

	_, err = f.engine.Remaining(context.Background(), allocation.Target{Kind: "other", ID: 1})
	require.ErrorIs(t, err, core.ErrInvalidRequest)
}

// flakyStore fails the first failures transactions with a storage error.
type flakyStore struct {
	allocation.Store
	failures int
	calls    int
}

var errDiskIO = errors.New("disk I/O error")

func (s *flakyStore) RunInTransaction(ctx context.Context, fn func(tx allocation.Tx) error) error {
	s.calls++
	if s.calls <= s.failures {
		return s.Store.RunInTransaction(ctx, func(tx allocation.Tx) error {
			if err := fn(tx); err != nil {
				return err
			}
			return errDiskIO
		})
	}
	return s.Store.RunInTransaction(ctx, fn)
}

func TestPersistenceFailureIsRetriedOnce(t *testing.T) {
	f := newFixture(t)
	vat, _ := tax.NewVAT(tax.DefaultRate)

	flaky := &flakyStore{Store: f.store, failures: 1}
	engine := allocation.NewEngine(flaky, f.store, vat, allocation.DefaultConfig())
	nodes, err := engine.Allocate(context.Background(), contribID, []allocation.Request{req(projP, 100)}, "alice")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
	assert.Equal(t, 2, flaky.calls)
	assert.Len(t, f.store.Nodes(), 1)

	flaky = &flakyStore{Store: f.store, failures: 2}
	engine = allocation.NewEngine(flaky, f.store, vat, allocation.DefaultConfig())
	_, err = engine.Allocate(context.Background(), contribID, []allocation.Request{req(projP, 100)}, "alice")
	require.ErrorIs(t, err, core.ErrPersistence)
	require.ErrorIs(t, err, errDiskIO)
	assert.Equal(t, 2, flaky.calls)
	assert.Len(t, f.store.Nodes(), 1)
}

func TestDomainErrorsAreNotRetried(t *testing.T) {
	f := newFixture(t)
	vat, _ := tax.NewVAT(tax.DefaultRate)
	flaky := &flakyStore{Store: f.store}
	engine := allocation.NewEngine(flaky, f.store, vat, allocation.DefaultConfig())

	_, err := engine.Allocate(context.Background(), contribID, []allocation.Request{req(projP, 900)}, "alice")
	require.ErrorIs(t, err, core.ErrInsufficientCapacity)
	assert.Equal(t, 1, flaky.calls)
}
