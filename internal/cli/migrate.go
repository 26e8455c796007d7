package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"carbonsplit/internal/storage"
)

// NewMigrateCommand manages the SQLite schema.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the SQLite schema",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default SQLITE_DB_PATH)")

	path := func() (string, error) {
		cfg, _, err := loadConfig(opts)
		if err != nil {
			return "", err
		}
		if dbPath != "" {
			return dbPath, nil
		}
		return cfg.SQLiteDBPath, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := path()
			if err != nil {
				return err
			}
			return storage.RunMigrations(p)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert the last migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := path()
			if err != nil {
				return err
			}
			return storage.RollbackMigrations(p, steps)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := path()
			if err != nil {
				return err
			}
			version, dirty, err := storage.SchemaVersion(p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", version, dirty)
			return nil
		},
	})

	return cmd
}
