package core

import "github.com/shopspring/decimal"

// Totals is a leaf-only sum of allocation amounts and tonnage.
type Totals struct {
	Amount  Money
	Tonnage decimal.Decimal
	Leaves  int
}

// AddNode accumulates a leaf node into the totals.
func (t Totals) AddNode(n AllocationNode) Totals {
	return Totals{
		Amount:  t.Amount.Add(n.Amount),
		Tonnage: t.Tonnage.Add(n.Tonnage),
		Leaves:  t.Leaves + 1,
	}
}

// SegmentationTotal is one reporting bucket. SegmentationID is nil for the
// undefined bucket.
type SegmentationTotal struct {
	Bucket         string
	SegmentationID *int64
	Name           string
	ChartColor     string
	Totals
}

// NodeView is an allocation node with the state of its split.
type NodeView struct {
	AllocationNode
	Children         int
	AllocatedToSplit Money
	RemainingToSplit Money
}

// IsLeaf reports whether the node currently counts in aggregates.
func (v NodeView) IsLeaf() bool {
	return v.Children == 0
}

// ProjectFunding is one row of the funding report for a top-level project.
type ProjectFunding struct {
	ProjectID        int64
	Name             string
	Budget           *Money
	Funded           Money
	FundedPercent    decimal.Decimal
	Tonnage          decimal.Decimal
	ActivePriceHT    *Money
	SegmentationName string
	ChildProjects    int
}
