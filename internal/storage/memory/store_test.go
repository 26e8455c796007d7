package memory

import (
	"context"
	"errors"
	"testing"

	"carbonsplit/internal/allocation"
	"carbonsplit/internal/core"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s := New()
	if err := s.AddContribution(ctx, core.Contribution{ID: 1, Amount: core.Euros(100), Owner: core.Individual(1)}); err != nil {
		t.Fatalf("AddContribution: %v", err)
	}
	if err := s.AddProject(ctx, core.Project{ID: 1, Name: "root"}); err != nil {
		t.Fatalf("AddProject: %v", err)
	}
	if err := s.AddProject(ctx, core.Project{ID: 2, Name: "child", ParentID: core.IDPtr(1)}); err != nil {
		t.Fatalf("AddProject: %v", err)
	}
	return s
}

func TestAddProjectRequiresParent(t *testing.T) {
	s := New()
	err := s.AddProject(context.Background(), core.Project{ID: 2, Name: "orphan", ParentID: core.IDPtr(1)})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRollbackOnError(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTransaction(ctx, func(tx allocation.Tx) error {
		if _, err := tx.InsertNode(ctx, core.AllocationNode{ContributionID: 1, ProjectID: 1, Amount: core.Euros(10)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := len(s.Nodes()); got != 0 {
		t.Fatalf("expected rollback, found %d nodes", got)
	}
}

func TestLeafNodes(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	var parent, child core.AllocationNode
	err := s.RunInTransaction(ctx, func(tx allocation.Tx) error {
		var err error
		parent, err = tx.InsertNode(ctx, core.AllocationNode{ContributionID: 1, ProjectID: 1, Amount: core.Euros(50)})
		if err != nil {
			return err
		}
		// The transaction sees its own write.
		leaves, err := tx.LeafNodes(ctx, allocation.LeafFilter{})
		if err != nil || len(leaves) != 1 {
			t.Fatalf("leaves inside tx = %v, %v", leaves, err)
		}
		child, err = tx.InsertNode(ctx, core.AllocationNode{ContributionID: 1, ProjectID: 2, ParentID: core.IDPtr(parent.ID), Amount: core.Euros(20)})
		return err
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}

	tests := []struct {
		name   string
		filter allocation.LeafFilter
		want   []int64
	}{
		{"all", allocation.LeafFilter{}, []int64{child.ID}},
		{"by project", allocation.LeafFilter{ProjectIDs: []int64{1}}, nil},
		{"by child project", allocation.LeafFilter{ProjectIDs: []int64{2}}, []int64{child.ID}},
		{"empty project list", allocation.LeafFilter{ProjectIDs: []int64{}}, nil},
		{"by owner", allocation.LeafFilter{Owner: &core.Owner{Kind: core.OwnerIndividual, ID: 1}}, []int64{child.ID}},
		{"other owner", allocation.LeafFilter{Owner: &core.Owner{Kind: core.OwnerOrganization, ID: 1}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int64
			err := s.View(ctx, func(r allocation.Reader) error {
				leaves, err := r.LeafNodes(ctx, tt.filter)
				for _, l := range leaves {
					got = append(got, l.ID)
				}
				return err
			})
			if err != nil {
				t.Fatalf("View: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestInsertNodeUnknownParent(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	err := s.RunInTransaction(ctx, func(tx allocation.Tx) error {
		_, err := tx.InsertNode(ctx, core.AllocationNode{ContributionID: 1, ProjectID: 2, ParentID: core.IDPtr(99), Amount: core.Euros(1)})
		return err
	})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActivePrice(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	if _, err := s.ActivePrice(ctx, 1); !errors.Is(err, core.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	if err := s.SetPrice(ctx, 1, core.Euros(12)); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}
	p, err := s.ActivePrice(ctx, 1)
	if err != nil || p != core.Euros(12) {
		t.Fatalf("ActivePrice = %v, %v", p, err)
	}
	if err := s.SetPrice(ctx, 1, core.Money{Cents: -1}); err == nil {
		t.Fatal("expected error for negative price")
	}
}
