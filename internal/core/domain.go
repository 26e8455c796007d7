package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	OwnerIndividual   OwnerKind = "individual"
	OwnerOrganization OwnerKind = "organization"
)

// UndefinedSegmentation is the reporting bucket for projects whose ancestry
// carries no segmentation.
const UndefinedSegmentation = "undefined"

type (
	OwnerKind string

	// Owner is the party a contribution was made by or on behalf of.
	Owner struct {
		Kind OwnerKind
		ID   int64
	}

	Contribution struct {
		ID        int64
		Amount    Money
		Owner     Owner
		CreatedAt time.Time
	}

	Project struct {
		ID             int64
		Name           string
		ParentID       *int64
		Budget         *Money // cost_global_ttc, meaningful on roots
		SubBudget      *Money // amount_wanted_ttc, meaningful below roots
		SegmentationID *int64
	}

	Segmentation struct {
		ID         int64
		Name       string
		ChartColor string
	}

	// AllocationNode is a share of a contribution assigned to a project. A node
	// with children is internal: its Amount only bounds the children's sum.
	AllocationNode struct {
		ID             int64
		ContributionID int64
		ProjectID      int64
		ParentID       *int64
		Amount         Money
		Tonnage        decimal.Decimal
		PriceTTC       Money // carbon price per ton used for Tonnage
		CreatedBy      string
		CreatedAt      time.Time
	}
)

// Individual returns an owner for a natural person.
func Individual(id int64) Owner {
	return Owner{Kind: OwnerIndividual, ID: id}
}

// Organization returns an owner for an organization.
func Organization(id int64) Owner {
	return Owner{Kind: OwnerOrganization, ID: id}
}

func (o Owner) IsZero() bool {
	return o.Kind == "" && o.ID == 0
}

func (o Owner) String() string {
	return fmt.Sprintf("%s:%d", o.Kind, o.ID)
}

// ParseOwner parses the "kind:id" form produced by String.
func ParseOwner(s string) (Owner, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Owner{}, fmt.Errorf("invalid owner %q", s)
	}
	var n int64
	if _, err := fmt.Sscanf(id, "%d", &n); err != nil {
		return Owner{}, fmt.Errorf("invalid owner id %q: %w", id, err)
	}
	o := Owner{Kind: OwnerKind(kind), ID: n}
	if err := o.Validate(); err != nil {
		return Owner{}, err
	}
	return o, nil
}

func (o Owner) Validate() error {
	switch o.Kind {
	case OwnerIndividual, OwnerOrganization:
	default:
		return fmt.Errorf("invalid owner kind %q", o.Kind)
	}
	if o.ID <= 0 {
		return errors.New("owner id must be positive")
	}
	return nil
}

func (c Contribution) Validate() error {
	if err := c.Amount.Validate(); err != nil {
		return err
	}
	return c.Owner.Validate()
}

// IsRoot reports whether the project has no parent.
func (p Project) IsRoot() bool {
	return p.ParentID == nil
}

func (p Project) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("empty project name")
	}
	if p.ParentID != nil && *p.ParentID == p.ID && p.ID != 0 {
		return errors.New("project cannot be its own parent")
	}
	if p.Budget != nil && p.Budget.Cents < 0 {
		return errors.New("negative budget")
	}
	if p.SubBudget != nil && p.SubBudget.Cents < 0 {
		return errors.New("negative sub budget")
	}
	return nil
}

// IsChildOf reports whether the project's direct parent is parentID.
func (p Project) IsChildOf(parentID int64) bool {
	return p.ParentID != nil && *p.ParentID == parentID
}

// IsTopLevel reports whether the node was allocated directly from the
// contribution rather than split from another node.
func (n AllocationNode) IsTopLevel() bool {
	return n.ParentID == nil
}

// MoneyPtr is a small helper for optional budgets.
func MoneyPtr(m Money) *Money {
	return &m
}

// IDPtr is a small helper for optional references.
func IDPtr(id int64) *int64 {
	return &id
}
