package migrations

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circularity-platform/pkg/database"
	"circularity-platform/pkg/logging"
	"circularity-platform/pkg/metrics"
)

func memoryDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(&database.Config{
		Driver:       database.DriverSQLite,
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, logging.Discard(), metrics.NewCollector("test", prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAllIsOrderedAndComplete(t *testing.T) {
	all, err := All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].Version)
	assert.Equal(t, "run_ledger", all[0].Name)
	assert.Equal(t, "reference_tables", all[1].Name)
	for _, m := range all {
		assert.NotEmpty(t, statements(m.Up))
		assert.NotEmpty(t, statements(m.Down))
	}
}

func TestStatements(t *testing.T) {
	got := statements("CREATE TABLE a (x INTEGER);\n\nCREATE TABLE b (y TEXT);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INTEGER)", "CREATE TABLE b (y TEXT)"}, got)
}

func TestUpDown(t *testing.T) {
	ctx := context.Background()
	db := memoryDB(t)
	log := logging.Discard()

	n, err := Up(ctx, db, log)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, table := range []string{"pipeline_runs", "year_results", "parameter_snapshots", "product_catalogue", "country_mappings", "rate_parameters"} {
		ok, err := db.TableExists(ctx, table)
		require.NoError(t, err)
		assert.True(t, ok, table)
	}

	n, err = Up(ctx, db, log)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second run is a no-op")

	n, err = Down(ctx, db, log, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := db.TableExists(ctx, "rate_parameters")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = db.TableExists(ctx, "pipeline_runs")
	require.NoError(t, err)
	assert.True(t, ok)

	applied, err := Applied(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, applied)
}
