package backend

import (
	"context"
	"fmt"

	"carbonsplit/internal/catalog"
	"carbonsplit/internal/config"
	"carbonsplit/internal/log"
	"carbonsplit/internal/storage"
	"carbonsplit/internal/storage/memory"
)

// Open creates the backend named by cfg.DataBackend and seeds it from
// cfg.CatalogFile when one is configured.
func Open(ctx context.Context, cfg *config.Config) (*Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app config is nil")
	}
	logger := log.FromDefault().WithComponent(log.ComponentBackend)

	var (
		b   *Backend
		err error
	)
	switch t := Type(cfg.DataBackend); t {
	case SQLite:
		b, err = openSQLite(cfg.SQLiteDBPath)
	case Memory:
		b = &Backend{Type: Memory, Store: memory.New()}
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", t)
	}
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "Initialized backend", "type", b.Type, "db_path", cfg.SQLiteDBPath)

	if cfg.CatalogFile != "" {
		stats, err := Seed(ctx, b.Store, cfg.CatalogFile)
		if err != nil {
			b.Close()
			return nil, err
		}
		logger.InfoContext(ctx, "Seeded catalog",
			log.FieldPath, cfg.CatalogFile,
			"projects", stats.Projects,
			"segmentations", stats.Segmentations,
			"prices", stats.Prices,
			"contributions", stats.Contributions)
	}
	return b, nil
}

func openSQLite(path string) (*Backend, error) {
	repo, err := storage.NewSQLiteRepository(path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}
	return &Backend{
		Type:    SQLite,
		Store:   repo,
		Ready:   repo,
		Cleanup: repo.Close,
	}, nil
}

// Seed loads a catalog file into s.
func Seed(ctx context.Context, s catalog.Seeder, path string) (catalog.Stats, error) {
	c, err := catalog.LoadFile(path)
	if err != nil {
		return catalog.Stats{}, err
	}
	stats, err := c.Apply(ctx, s)
	if err != nil {
		return stats, fmt.Errorf("apply catalog %s: %w", path, err)
	}
	return stats, nil
}
