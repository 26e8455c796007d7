// Package catalog loads projects, segmentations, carbon prices and
// contributions from a JSON file into a store.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"carbonsplit/internal/core"
)

// Seeder is implemented by both stores.
type Seeder interface {
	AddSegmentation(ctx context.Context, s core.Segmentation) error
	AddProject(ctx context.Context, p core.Project) error
	SetPrice(ctx context.Context, projectID int64, price core.Money) error
	AddContribution(ctx context.Context, c core.Contribution) error
}

type (
	Catalog struct {
		Segmentations []Segmentation `json:"segmentations"`
		Projects      []Project      `json:"projects"`
		Contributions []Contribution `json:"contributions"`
	}

	Segmentation struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		ChartColor string `json:"chart_color"`
	}

	// Project amounts are decimal euro strings such as "1250.00".
	Project struct {
		ID             int64  `json:"id"`
		Name           string `json:"name"`
		ParentID       *int64 `json:"parent_id,omitempty"`
		Budget         string `json:"cost_global_ttc,omitempty"`
		SubBudget      string `json:"amount_wanted_ttc,omitempty"`
		SegmentationID *int64 `json:"segmentation_id,omitempty"`
		PriceHT        string `json:"carbon_price_ht,omitempty"`
	}

	Contribution struct {
		ID        int64     `json:"id"`
		Amount    string    `json:"amount"`
		Owner     string    `json:"owner"`
		CreatedAt time.Time `json:"created_at"`
	}
)

// Stats counts what Apply wrote.
type Stats struct {
	Segmentations int
	Projects      int
	Prices        int
	Contributions int
}

func LoadFile(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := json.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	return c, nil
}

// Apply writes the catalog in dependency order. Projects must list parents
// before their children.
func (c Catalog) Apply(ctx context.Context, s Seeder) (Stats, error) {
	var stats Stats
	for _, seg := range c.Segmentations {
		if err := s.AddSegmentation(ctx, core.Segmentation(seg)); err != nil {
			return stats, err
		}
		stats.Segmentations++
	}

	for _, p := range c.Projects {
		project, err := p.toCore()
		if err != nil {
			return stats, err
		}
		if err := s.AddProject(ctx, project); err != nil {
			return stats, err
		}
		stats.Projects++
		if p.PriceHT == "" {
			continue
		}
		price, err := parseAmount(p.PriceHT)
		if err != nil {
			return stats, fmt.Errorf("project %d: carbon price: %w", p.ID, err)
		}
		if err := s.SetPrice(ctx, p.ID, price); err != nil {
			return stats, err
		}
		stats.Prices++
	}

	for _, raw := range c.Contributions {
		contribution, err := raw.toCore()
		if err != nil {
			return stats, err
		}
		if err := s.AddContribution(ctx, contribution); err != nil {
			return stats, err
		}
		stats.Contributions++
	}
	return stats, nil
}

func (p Project) toCore() (core.Project, error) {
	project := core.Project{
		ID:             p.ID,
		Name:           p.Name,
		ParentID:       p.ParentID,
		SegmentationID: p.SegmentationID,
	}
	if p.Budget != "" {
		m, err := parseAmount(p.Budget)
		if err != nil {
			return core.Project{}, fmt.Errorf("project %d: budget: %w", p.ID, err)
		}
		project.Budget = &m
	}
	if p.SubBudget != "" {
		m, err := parseAmount(p.SubBudget)
		if err != nil {
			return core.Project{}, fmt.Errorf("project %d: sub budget: %w", p.ID, err)
		}
		project.SubBudget = &m
	}
	return project, nil
}

func (c Contribution) toCore() (core.Contribution, error) {
	amount, err := core.ParseMoney(c.Amount)
	if err != nil {
		return core.Contribution{}, fmt.Errorf("contribution %d: amount %q: %w", c.ID, c.Amount, err)
	}
	owner, err := core.ParseOwner(c.Owner)
	if err != nil {
		return core.Contribution{}, fmt.Errorf("contribution %d: %w", c.ID, err)
	}
	return core.Contribution{ID: c.ID, Amount: amount, Owner: owner, CreatedAt: c.CreatedAt}, nil
}

// parseAmount accepts zero, unlike core.ParseMoney: a budget may be empty.
func parseAmount(s string) (core.Money, error) {
	if s == "0" || s == "0.00" {
		return core.Money{}, nil
	}
	return core.ParseMoney(s)
}
