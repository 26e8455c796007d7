package allocation

import (
	"context"
	"fmt"

	"carbonsplit/internal/core"
	applog "carbonsplit/internal/log"
)

// SplitRequest moves Amount of a node down to one of its project's children.
type SplitRequest struct {
	SubProjectID int64
	Amount       core.Money
}

// Resplit distributes part of an existing node to direct child projects of
// the node's project. The node keeps its amount as a ceiling and stops being
// counted in aggregates once it has children; that transition is permanent.
// A node that already has children may be split again while it has capacity
// left.
func (e *Engine) Resplit(ctx context.Context, nodeID int64, requests []SplitRequest, createdBy string) ([]core.AllocationNode, error) {
	if err := e.checkBatch(len(requests)); err != nil {
		return nil, err
	}

	targetIDs := make([]int64, 0, len(requests))
	for _, req := range requests {
		targetIDs = append(targetIDs, req.SubProjectID)
	}
	quotes := e.quotes(ctx, targetIDs)

	var created []core.AllocationNode
	err := e.runInTransaction(ctx, "resplit", func(tx Tx) error {
		created = created[:0]
		res := resolver{r: tx}

		node, err := tx.Node(ctx, nodeID)
		if err != nil {
			return err
		}

		targets := make([]core.Project, len(requests))
		var total core.Money
		for i, req := range requests {
			sub, err := loadTarget(ctx, tx, req.SubProjectID)
			if err != nil {
				return fmt.Errorf("split %d: %w", i, err)
			}
			if !sub.IsChildOf(node.ProjectID) {
				return fmt.Errorf("split %d: %w", i, &core.InvalidTargetError{
					ProjectID: sub.ID,
					Reason:    fmt.Sprintf("not a direct child of project %d", node.ProjectID),
				})
			}
			if !req.Amount.IsPositive() {
				return fmt.Errorf("split %d: %w", i, core.ErrAmountMustBePositive)
			}
			targets[i] = sub
			total = total.Add(req.Amount)
		}

		remaining, err := res.node(ctx, node)
		if err != nil {
			return err
		}
		if remaining.Less(total) {
			return &core.InsufficientCapacityError{
				Boundary:  core.BoundaryParentAllocation,
				TargetID:  node.ID,
				Remaining: remaining.ClampZero(),
				Requested: total,
			}
		}

		if err := e.checkLeafGrowth(ctx, tx, res, node, total); err != nil {
			return err
		}

		parentID := node.ID
		for i, req := range requests {
			sub := targets[i]
			subRemaining, err := res.subProject(ctx, sub)
			if err != nil {
				return fmt.Errorf("split %d: %w", i, err)
			}
			if subRemaining.Less(req.Amount) {
				return fmt.Errorf("split %d: %w", i, &core.InsufficientCapacityError{
					Boundary:  core.BoundarySubProjectBudget,
					TargetID:  sub.ID,
					Remaining: subRemaining,
					Requested: req.Amount,
				})
			}

			tonnage, price, err := e.convert(req.Amount, quotes[sub.ID])
			if err != nil {
				return fmt.Errorf("split %d: %w", i, err)
			}

			child, err := tx.InsertNode(ctx, core.AllocationNode{
				ContributionID: node.ContributionID,
				ProjectID:      sub.ID,
				ParentID:       &parentID,
				Amount:         req.Amount,
				Tonnage:        tonnage,
				PriceTTC:       price,
				CreatedBy:      createdBy,
				CreatedAt:      e.config.Clock(),
			})
			if err != nil {
				return fmt.Errorf("insert split allocation: %w", err)
			}
			created = append(created, child)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Allocation re-split",
		applog.FieldNodeID, nodeID,
		applog.FieldNodes, len(created),
		applog.FieldCreatedBy, createdBy)

	return created, nil
}

// checkLeafGrowth guards the contribution and root budget when a split adds
// to the leaf sums. Splitting a leaf replaces its amount with the children's,
// which never grows the sums; splitting an internal node again adds the full
// requested amount.
func (e *Engine) checkLeafGrowth(ctx context.Context, tx Tx, res resolver, node core.AllocationNode, total core.Money) error {
	children, err := tx.ChildNodes(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("list child allocations: %w", err)
	}
	growth := total
	if len(children) == 0 {
		growth = total.Sub(node.Amount)
	}
	if !growth.IsPositive() {
		return nil
	}

	contribution, err := tx.Contribution(ctx, node.ContributionID)
	if err != nil {
		return err
	}
	remaining, err := res.contribution(ctx, contribution)
	if err != nil {
		return err
	}
	if remaining.Less(growth) {
		return &core.InsufficientCapacityError{
			Boundary:  core.BoundaryContribution,
			TargetID:  contribution.ID,
			Remaining: remaining.ClampZero(),
			Requested: growth,
		}
	}

	project, err := tx.Project(ctx, node.ProjectID)
	if err != nil {
		return err
	}
	chain, err := res.ancestors(ctx, project)
	if err != nil {
		return err
	}
	root := chain[len(chain)-1]
	if root.Budget == nil {
		return nil
	}
	rootRemaining, err := res.rootProject(ctx, root)
	if err != nil {
		return err
	}
	if rootRemaining.Less(growth) {
		return &core.InsufficientCapacityError{
			Boundary:  core.BoundaryProjectBudget,
			TargetID:  root.ID,
			Remaining: rootRemaining,
			Requested: growth,
		}
	}
	return nil
}
