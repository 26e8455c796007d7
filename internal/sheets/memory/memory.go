package memory

import (
	"context"
	"sync"

	"carbonsplit/internal/core"
	ports "carbonsplit/internal/sheets"
)

var (
	_ ports.FundingExporter = (*Store)(nil)
	_ ports.FundingReader   = (*Store)(nil)
)

// Store keeps the last exported funding table in memory.
type Store struct {
	mu      sync.Mutex
	table   [][]string
	exports int
}

func New() *Store {
	return &Store{}
}

// ExportFunding replaces the stored table.
func (s *Store) ExportFunding(_ context.Context, rows []core.ProjectFunding) error {
	table := ports.Table(rows)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = table
	s.exports++
	return nil
}

// ReadFunding returns a copy of the last exported table, or nil before the
// first export.
func (s *Store) ReadFunding(_ context.Context) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.table == nil {
		return nil, nil
	}
	out := make([][]string, len(s.table))
	for i, row := range s.table {
		out[i] = append([]string(nil), row...)
	}
	return out, nil
}

// Exports reports how many times the table was replaced.
func (s *Store) Exports() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exports
}
