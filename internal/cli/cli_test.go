package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `{
  "segmentations": [{"id": 1, "name": "Forests"}],
  "projects": [{"id": 10, "name": "Mangroves", "cost_global_ttc": "1000.00", "segmentation_id": 1, "carbon_price_ht": "20.00"}],
  "contributions": [{"id": 1, "amount": "500.00", "owner": "individual:7", "created_at": "2024-03-01T10:00:00Z"}]
}`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))
	return path
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "worker", "migrate", "report", "seed"} {
		assert.Contains(t, names, want)
	}
}

func TestMigrateUpAndVersion(t *testing.T) {
	t.Setenv("DATA_BACKEND", "sqlite")
	t.Setenv("SQLITE_DB_PATH", filepath.Join(t.TempDir(), "carbonsplit.db"))

	_, err := run(t, "migrate", "up")
	require.NoError(t, err)

	out, err := run(t, "migrate", "version")
	require.NoError(t, err)
	assert.Equal(t, "version 1 dirty=false\n", out)
}

func TestSeedThenReport(t *testing.T) {
	t.Setenv("DATA_BACKEND", "sqlite")
	t.Setenv("SQLITE_DB_PATH", filepath.Join(t.TempDir(), "carbonsplit.db"))

	out, err := run(t, "seed", writeCatalog(t))
	require.NoError(t, err)
	assert.Contains(t, out, "loaded 1 projects")

	out, err = run(t, "report")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "Project ID,Project,"))
	assert.True(t, strings.HasPrefix(lines[1], "10,Mangroves,Forests,1000.00,"))
}

func TestSeedRequiresSQLite(t *testing.T) {
	t.Setenv("DATA_BACKEND", "memory")
	_, err := run(t, "seed", writeCatalog(t))
	assert.Error(t, err)
}

func TestInvalidConfigFailsFast(t *testing.T) {
	t.Setenv("DATA_BACKEND", "sheets")
	_, err := run(t, "report")
	assert.Error(t, err)

	_, err = run(t, "--log-level", "loud", "report")
	assert.Error(t, err)
}
