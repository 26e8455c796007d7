package allocation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"carbonsplit/internal/core"
)

// Scope narrows segmentation totals. The zero Scope covers every allocation.
type Scope struct {
	Owner          *core.Owner
	ContributionID *int64
}

// ContributionTotals sums the leaves of a contribution.
func (e *Engine) ContributionTotals(ctx context.Context, contributionID int64) (core.Totals, error) {
	var totals core.Totals
	err := e.view(ctx, "contribution totals", func(r Reader) error {
		if _, err := r.Contribution(ctx, contributionID); err != nil {
			return err
		}
		leaves, err := r.LeafNodes(ctx, LeafFilter{ContributionID: &contributionID})
		if err != nil {
			return err
		}
		totals = sumLeaves(leaves)
		return nil
	})
	return totals, err
}

// ProjectSubtreeTotals sums the leaves allocated to the project or any of its
// descendants.
func (e *Engine) ProjectSubtreeTotals(ctx context.Context, projectID int64) (core.Totals, error) {
	var totals core.Totals
	err := e.view(ctx, "project totals", func(r Reader) error {
		if _, err := r.Project(ctx, projectID); err != nil {
			return err
		}
		ids, err := resolver{r: r}.subtreeIDs(ctx, projectID)
		if err != nil {
			return err
		}
		leaves, err := r.LeafNodes(ctx, LeafFilter{ProjectIDs: ids})
		if err != nil {
			return err
		}
		totals = sumLeaves(leaves)
		return nil
	})
	return totals, err
}

// SegmentationTotals groups leaves by the nearest segmentation found walking
// up from the leaf's project. Leaves with none land in the undefined bucket,
// which is always listed last.
func (e *Engine) SegmentationTotals(ctx context.Context, scope Scope) ([]core.SegmentationTotal, error) {
	var out []core.SegmentationTotal
	err := e.view(ctx, "segmentation totals", func(r Reader) error {
		leaves, err := r.LeafNodes(ctx, LeafFilter{ContributionID: scope.ContributionID, Owner: scope.Owner})
		if err != nil {
			return err
		}

		seg := segmentationLookup{r: r, byProject: map[int64]*int64{}}
		buckets := map[int64]*core.SegmentationTotal{}
		var undefined *core.SegmentationTotal

		for _, leaf := range leaves {
			segID, err := seg.resolve(ctx, leaf.ProjectID)
			if err != nil {
				return err
			}
			if segID == nil {
				if undefined == nil {
					undefined = &core.SegmentationTotal{Bucket: core.UndefinedSegmentation, Name: core.UndefinedSegmentation}
				}
				undefined.Totals = undefined.Totals.AddNode(leaf)
				continue
			}
			b, ok := buckets[*segID]
			if !ok {
				b, err = seg.bucket(ctx, *segID)
				if err != nil {
					return err
				}
				buckets[*segID] = b
			}
			b.Totals = b.Totals.AddNode(leaf)
		}

		out = make([]core.SegmentationTotal, 0, len(buckets)+1)
		for _, b := range buckets {
			out = append(out, *b)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Name != out[j].Name {
				return out[i].Name < out[j].Name
			}
			return *out[i].SegmentationID < *out[j].SegmentationID
		})
		if undefined != nil {
			out = append(out, *undefined)
		}
		return nil
	})
	return out, err
}

type segmentationLookup struct {
	r         Reader
	byProject map[int64]*int64
}

// resolve returns the segmentation of the project or of its closest ancestor
// carrying one.
func (s segmentationLookup) resolve(ctx context.Context, projectID int64) (*int64, error) {
	if id, ok := s.byProject[projectID]; ok {
		return id, nil
	}
	var visited []int64
	var found *int64
	cur := projectID
	for depth := 0; ; depth++ {
		if depth > maxDepth {
			return nil, fmt.Errorf("project %d: ancestry deeper than %d", projectID, maxDepth)
		}
		if id, ok := s.byProject[cur]; ok {
			found = id
			break
		}
		p, err := s.r.Project(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("load project %d: %w", cur, err)
		}
		visited = append(visited, cur)
		if p.SegmentationID != nil {
			found = p.SegmentationID
			break
		}
		if p.ParentID == nil {
			break
		}
		cur = *p.ParentID
	}
	for _, id := range visited {
		s.byProject[id] = found
	}
	return found, nil
}

func (s segmentationLookup) bucket(ctx context.Context, id int64) (*core.SegmentationTotal, error) {
	segID := id
	b := &core.SegmentationTotal{
		Bucket:         fmt.Sprintf("segmentation:%d", id),
		SegmentationID: &segID,
		Name:           fmt.Sprintf("segmentation %d", id),
	}
	seg, err := s.r.Segmentation(ctx, id)
	switch {
	case err == nil:
		b.Name = seg.Name
		b.ChartColor = seg.ChartColor
	case !errors.Is(err, core.ErrNotFound):
		return nil, fmt.Errorf("load segmentation %d: %w", id, err)
	}
	return b, nil
}

// Nodes lists every allocation node of a contribution with how much of it has
// been split further. Top-level nodes come first, then by creation order.
func (e *Engine) Nodes(ctx context.Context, contributionID int64) ([]core.NodeView, error) {
	var views []core.NodeView
	err := e.view(ctx, "list allocations", func(r Reader) error {
		if _, err := r.Contribution(ctx, contributionID); err != nil {
			return err
		}
		nodes, err := r.NodesByContribution(ctx, contributionID)
		if err != nil {
			return err
		}

		childCount := map[int64]int{}
		childSum := map[int64]core.Money{}
		for _, n := range nodes {
			if n.ParentID == nil {
				continue
			}
			childCount[*n.ParentID]++
			childSum[*n.ParentID] = childSum[*n.ParentID].Add(n.Amount)
		}

		views = make([]core.NodeView, 0, len(nodes))
		for _, n := range nodes {
			allocated := childSum[n.ID]
			views = append(views, core.NodeView{
				AllocationNode:   n,
				Children:         childCount[n.ID],
				AllocatedToSplit: allocated,
				RemainingToSplit: n.Amount.Sub(allocated),
			})
		}
		sort.SliceStable(views, func(i, j int) bool {
			ti, tj := views[i].IsTopLevel(), views[j].IsTopLevel()
			if ti != tj {
				return ti
			}
			return views[i].ID < views[j].ID
		})
		return nil
	})
	return views, err
}

// Offer is a project that can currently receive an allocation.
type Offer struct {
	Project       core.Project
	Remaining     core.Money
	ChildProjects int
}

// AvailableTargets lists the top-level projects a contribution can be
// allocated to: those with sub-projects to route funding through, and those
// with a budget that is not yet reached.
func (e *Engine) AvailableTargets(ctx context.Context) ([]Offer, error) {
	var offers []Offer
	err := e.view(ctx, "available targets", func(r Reader) error {
		roots, err := r.RootProjects(ctx)
		if err != nil {
			return err
		}
		res := resolver{r: r}
		for _, p := range roots {
			children, err := r.ChildProjects(ctx, p.ID)
			if err != nil {
				return err
			}
			remaining, err := res.rootProject(ctx, p)
			if err != nil {
				return err
			}
			if len(children) == 0 && !remaining.IsPositive() {
				continue
			}
			offers = append(offers, Offer{Project: p, Remaining: remaining, ChildProjects: len(children)})
		}
		return nil
	})
	return offers, err
}

// AvailableSubProjects lists the direct children of a project that have a
// funding target with capacity left.
func (e *Engine) AvailableSubProjects(ctx context.Context, projectID int64) ([]Offer, error) {
	var offers []Offer
	err := e.view(ctx, "available sub-projects", func(r Reader) error {
		if _, err := r.Project(ctx, projectID); err != nil {
			return err
		}
		children, err := r.ChildProjects(ctx, projectID)
		if err != nil {
			return err
		}
		res := resolver{r: r}
		for _, c := range children {
			if c.SubBudget == nil {
				continue
			}
			remaining, err := res.subProject(ctx, c)
			if err != nil {
				return err
			}
			if !remaining.IsPositive() {
				continue
			}
			grandChildren, err := r.ChildProjects(ctx, c.ID)
			if err != nil {
				return err
			}
			offers = append(offers, Offer{Project: c, Remaining: remaining, ChildProjects: len(grandChildren)})
		}
		return nil
	})
	return offers, err
}

// FundingReport returns one row per top-level project with what its subtree
// has received so far.
func (e *Engine) FundingReport(ctx context.Context) ([]core.ProjectFunding, error) {
	var rows []core.ProjectFunding
	err := e.view(ctx, "funding report", func(r Reader) error {
		roots, err := r.RootProjects(ctx)
		if err != nil {
			return err
		}
		res := resolver{r: r}
		rows = make([]core.ProjectFunding, 0, len(roots))
		for _, p := range roots {
			ids, err := res.subtreeIDs(ctx, p.ID)
			if err != nil {
				return err
			}
			leaves, err := r.LeafNodes(ctx, LeafFilter{ProjectIDs: ids})
			if err != nil {
				return err
			}
			totals := sumLeaves(leaves)

			row := core.ProjectFunding{
				ProjectID:     p.ID,
				Name:          p.Name,
				Budget:        p.Budget,
				Funded:        totals.Amount,
				FundedPercent: fundedPercent(totals.Amount, p.Budget),
				Tonnage:       totals.Tonnage,
				ChildProjects: len(ids) - 1,
			}
			if p.SegmentationID != nil {
				seg, err := r.Segmentation(ctx, *p.SegmentationID)
				if err != nil && !errors.Is(err, core.ErrNotFound) {
					return err
				}
				row.SegmentationName = seg.Name
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Prices are looked up outside the view: providers may use their own
	// connection.
	for i := range rows {
		price, err := e.prices.ActivePrice(ctx, rows[i].ProjectID)
		switch {
		case err == nil:
			rows[i].ActivePriceHT = core.MoneyPtr(price)
		case errors.Is(err, core.ErrPriceUnavailable), errors.Is(err, core.ErrNotFound):
		default:
			return nil, fmt.Errorf("load carbon price of project %d: %w", rows[i].ProjectID, err)
		}
	}
	return rows, nil
}

func fundedPercent(funded core.Money, budget *core.Money) decimal.Decimal {
	if budget == nil || !budget.IsPositive() {
		return decimal.Zero
	}
	return funded.Decimal().Mul(decimal.NewFromInt(100)).DivRound(budget.Decimal(), 2)
}

func sumLeaves(leaves []core.AllocationNode) core.Totals {
	totals := core.Totals{Tonnage: decimal.Zero}
	for _, n := range leaves {
		totals = totals.AddNode(n)
	}
	return totals
}
