package allocation

import (
	"context"
	"fmt"

	"carbonsplit/internal/core"
)

// maxDepth bounds ancestry walks so a corrupted parent chain cannot loop.
const maxDepth = 64

type TargetKind string

const (
	TargetContribution TargetKind = "contribution"
	TargetProject      TargetKind = "project"
	TargetNode         TargetKind = "node"
)

// Target identifies something an amount can be allocated against.
type Target struct {
	Kind TargetKind
	ID   int64
}

// Remaining reports the amount still available at target. Projects resolve to
// the budget rule for roots and the sub-budget rule otherwise.
func (e *Engine) Remaining(ctx context.Context, target Target) (core.Money, error) {
	var remaining core.Money
	err := e.view(ctx, "remaining", func(r Reader) error {
		res := resolver{r: r}
		var err error
		switch target.Kind {
		case TargetContribution:
			var c core.Contribution
			if c, err = r.Contribution(ctx, target.ID); err != nil {
				return err
			}
			remaining, err = res.contribution(ctx, c)
		case TargetProject:
			var p core.Project
			if p, err = r.Project(ctx, target.ID); err != nil {
				return err
			}
			if p.IsRoot() {
				remaining, err = res.rootProject(ctx, p)
			} else {
				remaining, err = res.subProject(ctx, p)
			}
		case TargetNode:
			var n core.AllocationNode
			if n, err = r.Node(ctx, target.ID); err != nil {
				return err
			}
			remaining, err = res.node(ctx, n)
		default:
			return fmt.Errorf("%w: unknown target kind %q", core.ErrInvalidRequest, target.Kind)
		}
		return err
	})
	return remaining, err
}

// resolver computes remaining capacity through whatever Reader it is given, so
// that inside a transaction it sees the transaction's own writes.
type resolver struct {
	r Reader
}

func (res resolver) leafSum(ctx context.Context, filter LeafFilter) (core.Money, error) {
	leaves, err := res.r.LeafNodes(ctx, filter)
	if err != nil {
		return core.Money{}, fmt.Errorf("list leaf allocations: %w", err)
	}
	var sum core.Money
	for _, n := range leaves {
		sum = sum.Add(n.Amount)
	}
	return sum, nil
}

func (res resolver) contribution(ctx context.Context, c core.Contribution) (core.Money, error) {
	id := c.ID
	used, err := res.leafSum(ctx, LeafFilter{ContributionID: &id})
	if err != nil {
		return core.Money{}, err
	}
	return c.Amount.Sub(used), nil
}

// rootProject treats an undefined budget as nothing left to fund.
func (res resolver) rootProject(ctx context.Context, p core.Project) (core.Money, error) {
	if p.Budget == nil {
		return core.Money{}, nil
	}
	ids, err := res.subtreeIDs(ctx, p.ID)
	if err != nil {
		return core.Money{}, err
	}
	used, err := res.leafSum(ctx, LeafFilter{ProjectIDs: ids})
	if err != nil {
		return core.Money{}, err
	}
	return p.Budget.Sub(used).ClampZero(), nil
}

// subProject fails when the project has no funding target of its own: such
// projects are not offered for allocation.
func (res resolver) subProject(ctx context.Context, p core.Project) (core.Money, error) {
	if p.SubBudget == nil {
		return core.Money{}, &core.InvalidTargetError{ProjectID: p.ID, Reason: "sub-project has no funding target"}
	}
	used, err := res.leafSum(ctx, LeafFilter{ProjectIDs: []int64{p.ID}})
	if err != nil {
		return core.Money{}, err
	}
	return p.SubBudget.Sub(used).ClampZero(), nil
}

func (res resolver) node(ctx context.Context, n core.AllocationNode) (core.Money, error) {
	children, err := res.r.ChildNodes(ctx, n.ID)
	if err != nil {
		return core.Money{}, fmt.Errorf("list child allocations: %w", err)
	}
	allocated := core.Money{}
	for _, c := range children {
		allocated = allocated.Add(c.Amount)
	}
	return n.Amount.Sub(allocated), nil
}

// subtreeIDs returns rootID and every descendant project id, breadth first.
func (res resolver) subtreeIDs(ctx context.Context, rootID int64) ([]int64, error) {
	ids := []int64{rootID}
	seen := map[int64]bool{rootID: true}
	for i := 0; i < len(ids); i++ {
		children, err := res.r.ChildProjects(ctx, ids[i])
		if err != nil {
			return nil, fmt.Errorf("list child projects of %d: %w", ids[i], err)
		}
		for _, c := range children {
			if seen[c.ID] {
				return nil, fmt.Errorf("project tree cycle at %d", c.ID)
			}
			seen[c.ID] = true
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

// ancestors returns p followed by its parents up to the root.
func (res resolver) ancestors(ctx context.Context, p core.Project) ([]core.Project, error) {
	chain := []core.Project{p}
	for cur := p; cur.ParentID != nil; {
		if len(chain) > maxDepth {
			return nil, fmt.Errorf("project %d: ancestry deeper than %d", p.ID, maxDepth)
		}
		parent, err := res.r.Project(ctx, *cur.ParentID)
		if err != nil {
			return nil, fmt.Errorf("load parent of project %d: %w", cur.ID, err)
		}
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

// checkProject verifies amount fits the project boundaries along the ancestry
// chain: the sub-budget of a non-root target and the budget of its root.
func (res resolver) checkProject(ctx context.Context, target core.Project, amount core.Money) error {
	if target.IsRoot() {
		remaining, err := res.rootProject(ctx, target)
		if err != nil {
			return err
		}
		if remaining.Less(amount) {
			return &core.InsufficientCapacityError{
				Boundary:  core.BoundaryProjectBudget,
				TargetID:  target.ID,
				Remaining: remaining,
				Requested: amount,
			}
		}
		return nil
	}

	remaining, err := res.subProject(ctx, target)
	if err != nil {
		return err
	}
	if remaining.Less(amount) {
		return &core.InsufficientCapacityError{
			Boundary:  core.BoundarySubProjectBudget,
			TargetID:  target.ID,
			Remaining: remaining,
			Requested: amount,
		}
	}

	chain, err := res.ancestors(ctx, target)
	if err != nil {
		return err
	}
	root := chain[len(chain)-1]
	if root.Budget == nil {
		// Roots without a budget only route funding to their sub-projects.
		return nil
	}
	return res.checkProject(ctx, root, amount)
}
