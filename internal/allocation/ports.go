package allocation

import (
	"context"

	"carbonsplit/internal/core"
)

// Ports consumed by the engine.
type (
	// TaxHelper turns a tax-exclusive price into a tax-inclusive one.
	TaxHelper interface {
		TaxInclusive(price core.Money) core.Money
	}

	// PriceProvider returns the active tax-exclusive carbon price per ton of a
	// project. Implementations return an error wrapping core.ErrPriceUnavailable
	// when the project has none.
	PriceProvider interface {
		ActivePrice(ctx context.Context, projectID int64) (core.Money, error)
	}

	// LeafFilter narrows LeafNodes. Zero-valued fields do not filter.
	LeafFilter struct {
		ContributionID *int64
		ProjectIDs     []int64
		Owner          *core.Owner
	}

	// Reader is the read side shared by transactions and views.
	Reader interface {
		Contribution(ctx context.Context, id int64) (core.Contribution, error)
		Project(ctx context.Context, id int64) (core.Project, error)
		ChildProjects(ctx context.Context, projectID int64) ([]core.Project, error)
		RootProjects(ctx context.Context) ([]core.Project, error)
		Segmentation(ctx context.Context, id int64) (core.Segmentation, error)
		Node(ctx context.Context, id int64) (core.AllocationNode, error)
		ChildNodes(ctx context.Context, nodeID int64) ([]core.AllocationNode, error)
		NodesByContribution(ctx context.Context, contributionID int64) ([]core.AllocationNode, error)
		// LeafNodes returns nodes that have no children at the time of the call.
		LeafNodes(ctx context.Context, filter LeafFilter) ([]core.AllocationNode, error)
	}

	// Tx is a unit of work. Everything read through it stays consistent with
	// what is written until the transaction ends.
	Tx interface {
		Reader
		InsertNode(ctx context.Context, n core.AllocationNode) (core.AllocationNode, error)
	}

	// Store runs transactions. RunInTransaction must serialize writers so that
	// capacity checks and inserts made inside fn cannot interleave with another
	// transaction; it commits only when fn returns nil.
	Store interface {
		RunInTransaction(ctx context.Context, fn func(tx Tx) error) error
		View(ctx context.Context, fn func(r Reader) error) error
	}
)

// PriceFunc adapts a plain function to PriceProvider.
type PriceFunc func(ctx context.Context, projectID int64) (core.Money, error)

func (f PriceFunc) ActivePrice(ctx context.Context, projectID int64) (core.Money, error) {
	return f(ctx, projectID)
}
