package allocation_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbonsplit/internal/allocation"
	"carbonsplit/internal/core"
)

func TestConcurrentAllocationsNeverOverfund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Leave 200 on P.
	_, err := f.engine.Allocate(ctx, otherID, []allocation.Request{req(projP, 600)}, "carol")
	require.NoError(t, err)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Allocate(ctx, contribID, []allocation.Request{req(projP, 150)}, "alice")
			if err != nil {
				assert.ErrorIs(t, err, core.ErrInsufficientCapacity)
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, core.Euros(50), f.remaining(t, allocation.TargetProject, projP))
}

func TestConcurrentResplitsOnSameNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nodes, err := f.engine.Allocate(ctx, contribID, []allocation.Request{req(projP, 300)}, "alice")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := projQ
			if i%2 == 1 {
				sub = projR
			}
			_, _ = f.engine.Resplit(ctx, nodes[0].ID, []allocation.SplitRequest{{SubProjectID: sub, Amount: core.Euros(100)}}, "bob")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, core.Money{}, f.remaining(t, allocation.TargetNode, nodes[0].ID))
	checkInvariants(t, f)
}

// TestRandomOperationsKeepInvariants drives random allocate and resplit calls
// and checks every capacity rule after each one.
func TestRandomOperationsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(20240301))
	projects := []allocation.Request{
		{ProjectID: projP},
		{ProjectID: projP, SubProjectID: core.IDPtr(projQ)},
		{ProjectID: projP, SubProjectID: core.IDPtr(projR)},
		{ProjectID: projF, SubProjectID: core.IDPtr(projG)},
		{ProjectID: projF},
		{ProjectID: projF, SubProjectID: core.IDPtr(projH)},
	}

	for round := 0; round < 20; round++ {
		f := newFixture(t)
		ctx := context.Background()
		contributions := []int64{contribID, otherID}

		for step := 0; step < 40; step++ {
			existing := f.store.Nodes()
			if len(existing) > 0 && rng.Intn(3) == 0 {
				node := existing[rng.Intn(len(existing))]
				splits := make([]allocation.SplitRequest, 1+rng.Intn(3))
				for i := range splits {
					splits[i] = allocation.SplitRequest{
						SubProjectID: []int64{projQ, projR, projG, projH}[rng.Intn(4)],
						Amount:       core.Money{Cents: int64(rng.Intn(20000)) - 500},
					}
				}
				_, err := f.engine.Resplit(ctx, node.ID, splits, "rng")
				requireDomainError(t, err)
			} else {
				requests := make([]allocation.Request, 1+rng.Intn(3))
				for i := range requests {
					requests[i] = projects[rng.Intn(len(projects))]
					requests[i].Amount = core.Money{Cents: int64(rng.Intn(40000)) - 500}
				}
				_, err := f.engine.Allocate(ctx, contributions[rng.Intn(2)], requests, "rng")
				requireDomainError(t, err)
			}
			checkInvariants(t, f)
		}
	}
}

func requireDomainError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		return
	}
	require.True(t, core.IsDomainError(err), "unexpected error: %v", err)
	require.False(t, errors.Is(err, core.ErrPersistence))
}

func checkInvariants(t *testing.T, f fixture) {
	t.Helper()
	nodes := f.store.Nodes()

	children := map[int64]core.Money{}
	hasChildren := map[int64]bool{}
	byID := map[int64]core.AllocationNode{}
	for _, n := range nodes {
		byID[n.ID] = n
		if n.ParentID != nil {
			children[*n.ParentID] = children[*n.ParentID].Add(n.Amount)
			hasChildren[*n.ParentID] = true
		}
	}

	perContribution := map[int64]core.Money{}
	perProject := map[int64]core.Money{}
	for _, n := range nodes {
		// Children never exceed their parent node.
		require.False(t, n.Amount.Less(children[n.ID]), "node %d over-split", n.ID)
		require.True(t, n.Amount.IsPositive())
		if n.ParentID != nil {
			parent, ok := byID[*n.ParentID]
			require.True(t, ok)
			require.NotEqual(t, parent.ProjectID, n.ProjectID)
		}
		// Tonnage matches the frozen price.
		require.True(t, n.Tonnage.Equal(n.Amount.Decimal().DivRound(n.PriceTTC.Decimal(), 6)))
		if hasChildren[n.ID] {
			continue
		}
		perContribution[n.ContributionID] = perContribution[n.ContributionID].Add(n.Amount)
		perProject[n.ProjectID] = perProject[n.ProjectID].Add(n.Amount)
	}

	for id, used := range perContribution {
		require.False(t, core.Euros(1000).Less(used), "contribution %d over-allocated: %s", id, used)
	}
	subBudgets := map[int64]core.Money{projQ: core.Euros(300), projR: core.Euros(200), projG: core.Euros(500), projH: core.Euros(100)}
	for id, budget := range subBudgets {
		require.False(t, budget.Less(perProject[id]), "project %d over its target: %s", id, perProject[id])
	}
	rootP := perProject[projP].Add(perProject[projQ]).Add(perProject[projR])
	require.False(t, core.Euros(800).Less(rootP), "root P over budget: %s", rootP)
	require.Zero(t, perProject[projF].Cents, "root without budget received direct funding")

	totals, err := f.engine.ContributionTotals(context.Background(), contribID)
	require.NoError(t, err)
	require.Equal(t, perContribution[contribID], totals.Amount)
}
