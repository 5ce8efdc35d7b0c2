package repository

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circularity-platform/internal/countries"
	"circularity-platform/internal/migrations"
	"circularity-platform/internal/models"
	"circularity-platform/pkg/database"
	"circularity-platform/pkg/logging"
	"circularity-platform/pkg/metrics"
)

func newTestRepo(t *testing.T) (WarehouseRepository, *database.DB) {
	t.Helper()
	log := logging.Discard()
	db, err := database.Open(&database.Config{
		Driver:       database.DriverSQLite,
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, log, metrics.NewCollector("test", prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = migrations.Up(context.Background(), db, log)
	require.NoError(t, err)
	return NewWarehouseRepository(db, log, metrics.NewCollector("test", prometheus.NewRegistry())), db
}

func indicatorRow(product, iso string, year int, prod float64) models.IndicatorRow {
	h := models.HarmonizedRow{ProductCode: product, CountryISO: iso, Year: year, Level: models.LevelCountry}
	h.Set(models.ProductionVolume, models.Some(prod), models.ProvenanceProdcom)
	h.Set(models.ImportVolume, models.Some(10), models.ProvenanceComext)
	h.Set(models.ExportVolume, models.Some(5), models.ProvenanceFallback)
	h.Set(models.ImportValue, models.Missing, models.ProvenanceNone)
	return models.IndicatorRow{
		HarmonizedRow:        h,
		ApparentConsumptionT: models.Some(prod + 5),
		ConfigHash:           "abc",
	}
}

func TestRawAppendAndLoadLatestFetch(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	_, err := repo.LoadRaw(ctx, "prodcom_ds_056120_2020")
	var nf *models.NotFoundError
	require.ErrorAs(t, err, &nf)

	first := []models.RawObservation{
		{DatasetID: "DS-056120", TimePeriod: "2020", ReportingEntityCode: "DE", ProductCode: "28211330", IndicatorCode: "PRODQNT", Value: "1", FetchedAt: "2024-01-01T00:00:00Z"},
	}
	second := []models.RawObservation{
		{DatasetID: "DS-056120", TimePeriod: "2020", ReportingEntityCode: "DE", ProductCode: "28211330", IndicatorCode: "PRODQNT", Value: "2", FetchedAt: "2024-02-01T00:00:00Z"},
		{DatasetID: "DS-056120", TimePeriod: "2020", ReportingEntityCode: "FR", ProductCode: "28211330", IndicatorCode: "PRODQNT", Value: "3", FetchedAt: "2024-02-01T00:00:00Z"},
	}

	n, err := repo.AppendRaw(ctx, "prodcom_ds_056120_2020", first)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = repo.AppendRaw(ctx, "prodcom_ds_056120_2020", second)
	require.NoError(t, err)

	rows, err := repo.LoadRaw(ctx, "prodcom_ds_056120_2020")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2", rows[0].Value)
	assert.Equal(t, "FR", rows[1].ReportingEntityCode)
}

func TestAppendRawRejectsBadTableName(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := repo.AppendRaw(context.Background(), "x; DROP TABLE pipeline_runs", nil)
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestReplaceYearIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	out := YearOutput{
		Indicators: []models.IndicatorRow{indicatorRow("28211330", "DE", 2020, 100), indicatorRow("28211330", "FR", 2020, 50)},
		Snapshots: []models.ParameterSnapshot{{
			RunID: "run-1", Year: 2020, ProductCode: "28211330", Strategy: models.StrategyRecycling,
			CurrentRatePct: decimal.RequireFromString("12.5"), PotentialRatePct: decimal.NewFromInt(40), ConfigHash: "abc",
		}},
	}
	for _, r := range out.Indicators {
		out.Harmonized = append(out.Harmonized, r.HarmonizedRow)
	}

	require.NoError(t, repo.ReplaceYear(ctx, 2020, out))
	first, err := repo.LoadIndicators(ctx, 2020)
	require.NoError(t, err)

	require.NoError(t, repo.ReplaceYear(ctx, 2020, out))
	second, err := repo.LoadIndicators(ctx, 2020)
	require.NoError(t, err)

	require.Len(t, second, 2)
	assert.Equal(t, first, second)

	de := second[0]
	assert.Equal(t, "DE", de.CountryISO)
	assert.Equal(t, 100.0, de.ProductionVolumeT.V)
	assert.False(t, de.ImportValueEUR.Valid, "NULL survives storage")
	assert.Equal(t, models.ProvenanceFallback, de.SourceFlags[models.ExportVolume])
	assert.Equal(t, "abc", de.ConfigHash)

	h, err := repo.LoadHarmonized(ctx, 2020)
	require.NoError(t, err)
	assert.Len(t, h, 2)

	snaps, err := repo.Snapshots(ctx, "run-1", 2020)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].CurrentRatePct.Equal(decimal.RequireFromString("12.5")))
}

func TestReplaceYearShrinks(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	big := YearOutput{Indicators: []models.IndicatorRow{indicatorRow("1", "DE", 2019, 1), indicatorRow("1", "FR", 2019, 2)}}
	require.NoError(t, repo.ReplaceYear(ctx, 2019, big))
	small := YearOutput{Indicators: []models.IndicatorRow{indicatorRow("1", "DE", 2019, 3)}}
	require.NoError(t, repo.ReplaceYear(ctx, 2019, small))

	rows, err := repo.LoadIndicators(ctx, 2019)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3.0, rows[0].ProductionVolumeT.V)
}

func TestRebuildAllYearsAndQuery(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	require.NoError(t, repo.ReplaceYear(ctx, 2019, YearOutput{Indicators: []models.IndicatorRow{indicatorRow("28211330", "DE", 2019, 1)}}))
	require.NoError(t, repo.ReplaceYear(ctx, 2020, YearOutput{Indicators: []models.IndicatorRow{
		indicatorRow("28211330", "DE", 2020, 2),
		indicatorRow("26201100", "FR", 2020, 3),
	}}))

	years, err := repo.RebuildAllYears(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2019, 2020}, years)

	rows, total, err := repo.QueryIndicators(ctx, IndicatorFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, rows, 3)

	de := "de"
	rows, total, err = repo.QueryIndicators(ctx, IndicatorFilter{CountryISO: &de, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, rows, 1)
	assert.Equal(t, 2019, rows[0].Year)

	y := 2020
	code := "26.20.11.00"
	rows, total, err = repo.QueryIndicators(ctx, IndicatorFilter{Year: &y, ProductCode: &code, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "FR", rows[0].CountryISO)

	missing := 1999
	rows, total, err = repo.QueryIndicators(ctx, IndicatorFilter{Year: &missing, Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, rows)
}

func TestRunLedger(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	_, err := repo.GetRun(ctx, "nope")
	var nf *models.NotFoundError
	require.ErrorAs(t, err, &nf)

	run := &models.PipelineRun{RunID: "run-1", StartedAt: "2024-01-01T00:00:00Z", Status: models.StatusRunning, ConfigHash: "abc", YearsRequested: 2}
	require.NoError(t, repo.CreateRun(ctx, run))

	require.NoError(t, repo.SaveYearResult(ctx, &models.YearResult{RunID: "run-1", Year: 2020, Status: models.StatusRunning}))
	require.NoError(t, repo.SaveYearResult(ctx, &models.YearResult{RunID: "run-1", Year: 2020, Status: models.StatusSucceeded, IndicatorRows: 4, DurationMS: 12}))
	require.NoError(t, repo.SaveYearResult(ctx, &models.YearResult{RunID: "run-1", Year: 2019, Status: models.StatusFailed, Error: "boom"}))

	run.Status = models.StatusPartial
	run.FinishedAt = "2024-01-01T00:01:00Z"
	run.YearsSucceeded, run.YearsFailed = 1, 1
	require.NoError(t, repo.FinishRun(ctx, run))

	got, err := repo.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, got.Status)
	require.Len(t, got.Years, 2)
	assert.Equal(t, 2019, got.Years[0].Year)
	assert.Equal(t, "boom", got.Years[0].Error)
	assert.Equal(t, 4, got.Years[1].IndicatorRows)

	runs, total, err := repo.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "run-1", runs[0].RunID)

	err = repo.FinishRun(ctx, &models.PipelineRun{RunID: "ghost"})
	require.ErrorAs(t, err, &nf)
}

func TestSyncReference(t *testing.T) {
	ctx := context.Background()
	repo, db := newTestRepo(t)

	w := 0.05
	ref := Reference{
		Catalogue: []models.ProductCatalogEntry{{ProductID: 1, ProductName: "Washers", ProductionCode: "28211330", TradeCodes: []string{"841869", "845011"}, ValidFrom: 2015, WeightPerUnitT: &w}},
		Countries: countries.DefaultMappings(),
		Rates: []models.RateParameters{{ProductCode: "28211330", Strategy: models.StrategyRecycling,
			CurrentRatePct: decimal.NewFromInt(10), PotentialRatePct: decimal.NewFromInt(30)}},
	}
	require.NoError(t, repo.SyncReference(ctx, ref))
	require.NoError(t, repo.SyncReference(ctx, ref))

	count := func(table string) int64 {
		var n int64
		require.NoError(t, db.GetContext(ctx, "count", &n, "SELECT COUNT(*) FROM "+table))
		return n
	}
	assert.EqualValues(t, 1, count("product_catalogue"))
	assert.EqualValues(t, 2, count("product_trade_codes"))
	assert.EqualValues(t, len(ref.Countries), count("country_mappings"))
	assert.EqualValues(t, 1, count("rate_parameters"))
}
