package allocation

import (
	"context"
	"errors"
	"fmt"

	"carbonsplit/internal/core"
	applog "carbonsplit/internal/log"
)

// Request allocates Amount to ProjectID, or to SubProjectID when set, in
// which case the sub-project must be a direct child of ProjectID.
type Request struct {
	ProjectID    int64
	SubProjectID *int64
	Amount       core.Money
}

// Allocate creates one leaf node per request for the contribution. The batch
// is all or nothing: the first failing request aborts the transaction and no
// node is kept. Earlier requests of the batch count against later ones.
func (e *Engine) Allocate(ctx context.Context, contributionID int64, requests []Request, createdBy string) ([]core.AllocationNode, error) {
	if err := e.checkBatch(len(requests)); err != nil {
		return nil, err
	}

	targetIDs := make([]int64, 0, len(requests))
	for _, req := range requests {
		if req.SubProjectID != nil {
			targetIDs = append(targetIDs, *req.SubProjectID)
		} else {
			targetIDs = append(targetIDs, req.ProjectID)
		}
	}
	quotes := e.quotes(ctx, targetIDs)

	var created []core.AllocationNode
	err := e.runInTransaction(ctx, "allocate", func(tx Tx) error {
		created = created[:0]
		res := resolver{r: tx}

		contribution, err := tx.Contribution(ctx, contributionID)
		if err != nil {
			return err
		}

		for i, req := range requests {
			target, err := e.resolveTarget(ctx, tx, req)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			if !req.Amount.IsPositive() {
				return fmt.Errorf("request %d: %w", i, core.ErrAmountMustBePositive)
			}
			if err := res.checkProject(ctx, target, req.Amount); err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}

			remaining, err := res.contribution(ctx, contribution)
			if err != nil {
				return err
			}
			if remaining.Less(req.Amount) {
				return fmt.Errorf("request %d: %w", i, &core.InsufficientCapacityError{
					Boundary:  core.BoundaryContribution,
					TargetID:  contribution.ID,
					Remaining: remaining.ClampZero(),
					Requested: req.Amount,
				})
			}

			tonnage, price, err := e.convert(req.Amount, quotes[target.ID])
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}

			node, err := tx.InsertNode(ctx, core.AllocationNode{
				ContributionID: contribution.ID,
				ProjectID:      target.ID,
				Amount:         req.Amount,
				Tonnage:        tonnage,
				PriceTTC:       price,
				CreatedBy:      createdBy,
				CreatedAt:      e.config.Clock(),
			})
			if err != nil {
				return fmt.Errorf("insert allocation: %w", err)
			}
			created = append(created, node)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Contribution allocated",
		applog.FieldContributionID, contributionID,
		applog.FieldNodes, len(created),
		applog.FieldCreatedBy, createdBy)

	return created, nil
}

func (e *Engine) checkBatch(n int) error {
	if n == 0 {
		return fmt.Errorf("%w: no allocation requested", core.ErrInvalidRequest)
	}
	if n > e.config.MaxBatch {
		return fmt.Errorf("%w: %d allocations requested, at most %d allowed", core.ErrInvalidRequest, n, e.config.MaxBatch)
	}
	return nil
}

// resolveTarget returns the deepest project named by the request.
func (e *Engine) resolveTarget(ctx context.Context, r Reader, req Request) (core.Project, error) {
	project, err := loadTarget(ctx, r, req.ProjectID)
	if err != nil {
		return core.Project{}, err
	}
	if req.SubProjectID == nil {
		return project, nil
	}
	sub, err := loadTarget(ctx, r, *req.SubProjectID)
	if err != nil {
		return core.Project{}, err
	}
	if !sub.IsChildOf(project.ID) {
		return core.Project{}, &core.InvalidTargetError{
			ProjectID: sub.ID,
			Reason:    fmt.Sprintf("not a direct child of project %d", project.ID),
		}
	}
	return sub, nil
}

// loadTarget reports a missing project as an invalid target.
func loadTarget(ctx context.Context, r Reader, id int64) (core.Project, error) {
	p, err := r.Project(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return core.Project{}, &core.InvalidTargetError{ProjectID: id, Reason: "project does not exist"}
	}
	return p, err
}
