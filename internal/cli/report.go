package cli

import (
	"encoding/csv"

	"github.com/spf13/cobra"

	"carbonsplit/internal/sheets"
	"carbonsplit/internal/worker"
)

// NewReportCommand prints the funding report, or exports it once with
// --export.
func NewReportCommand(opts *RootOptions) *cobra.Command {
	var export bool

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the funding report as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			engine, b, err := newEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			if export {
				exporter, err := newExporter(ctx, cfg)
				if err != nil {
					return err
				}
				return worker.NewReportWorker(engine, exporter, nil, 0).Export(ctx)
			}

			rows, err := engine.FundingReport(ctx)
			if err != nil {
				return err
			}
			w := csv.NewWriter(cmd.OutOrStdout())
			if err := w.WriteAll(sheets.Table(rows)); err != nil {
				return err
			}
			return w.Error()
		},
	}

	cmd.Flags().BoolVar(&export, "export", false, "write the report to the configured exporter instead of stdout")
	return cmd
}
