package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"carbonsplit/internal/backend"
	"carbonsplit/internal/config"
)

// NewSeedCommand loads a catalog file into the SQLite database.
func NewSeedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <catalog.json>",
		Short: "Load projects, prices and contributions from a catalog file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.DataBackend != config.BackendSQLite {
				return fmt.Errorf("seed needs DATA_BACKEND=%s, got %q", config.BackendSQLite, cfg.DataBackend)
			}
			// Open would apply CATALOG_FILE too; seed only the argument
			cfg.CatalogFile = ""

			b, err := backend.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			stats, err := backend.Seed(cmd.Context(), b.Store, args[0])
			if err != nil {
				return err
			}
			logger.Info("Catalog loaded",
				"projects", stats.Projects,
				"segmentations", stats.Segmentations,
				"prices", stats.Prices,
				"contributions", stats.Contributions)
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d projects, %d segmentations, %d prices, %d contributions\n",
				stats.Projects, stats.Segmentations, stats.Prices, stats.Contributions)
			return nil
		},
	}
}
