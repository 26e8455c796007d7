// Package sheets holds the outbound ports of the funding report and the
// tabular layout shared by its adapters.
package sheets

import (
	"context"

	"carbonsplit/internal/core"
)

// Ports for outbound adapters.
type (
	// FundingExporter replaces the published funding report with rows.
	FundingExporter interface {
		ExportFunding(ctx context.Context, rows []core.ProjectFunding) error
	}

	// FundingReader returns the last exported table, header included.
	FundingReader interface {
		ReadFunding(ctx context.Context) ([][]string, error)
	}
)
