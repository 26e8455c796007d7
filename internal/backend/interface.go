// Package backend builds the storage selected by configuration.
package backend

import (
	"context"

	"carbonsplit/internal/allocation"
	"carbonsplit/internal/catalog"
)

// Store is what both storage backends provide.
type Store interface {
	allocation.Store
	allocation.PriceProvider
	catalog.Seeder
}

// Pinger is implemented by backends with a connection to check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CleanupFunc releases backend resources.
type CleanupFunc func() error

// Backend is an opened store plus its lifecycle hooks. Ready is nil when the
// store has nothing to check.
type Backend struct {
	Type    Type
	Store   Store
	Ready   Pinger
	Cleanup CleanupFunc
}

// Close runs Cleanup when set.
func (b *Backend) Close() error {
	if b == nil || b.Cleanup == nil {
		return nil
	}
	return b.Cleanup()
}

// Type names a storage backend.
type Type string

const (
	SQLite Type = "sqlite"
	Memory Type = "memory"
)

// String implements fmt.Stringer
func (t Type) String() string {
	return string(t)
}

// IsValid returns true if the backend type is valid
func (t Type) IsValid() bool {
	switch t {
	case SQLite, Memory:
		return true
	default:
		return false
	}
}
