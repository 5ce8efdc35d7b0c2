package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circularity-platform/internal/config"
	"circularity-platform/internal/countries"
	"circularity-platform/internal/fetch"
	"circularity-platform/internal/migrations"
	"circularity-platform/internal/models"
	"circularity-platform/internal/params"
	"circularity-platform/internal/repository"
	"circularity-platform/pkg/database"
	"circularity-platform/pkg/logging"
	"circularity-platform/pkg/metrics"
)

const (
	prodcomTable = "prodcom_ds_056120_2020"
	comextTable  = "comext_ds045409_2020"
)

func testParams(t *testing.T) *params.AnalysisParameters {
	t.Helper()
	w := 0.1
	pct := func(s string) config.Percent { return config.Percent{Decimal: decimal.RequireFromString(s)} }
	cat := &config.CatalogueFile{
		Products: []config.ProductSpec{{
			ID: 1, Name: "Washing machines", ProductionCode: "28211330", TradeCodes: []string{"841869"},
			ValidFrom: 2010, WeightPerUnitT: &w,
			Composition: []models.MaterialShare{{Material: "steel", Share: 1}},
		}},
		Materials: []config.MaterialSpec{{Name: "steel", RecoveryRate: 0.8}},
	}
	rates := &config.RatesFile{Rates: []config.RateSpec{
		{ProductCode: "28211330", Strategy: models.StrategyRefurbishment, CurrentRatePct: pct("5"), PotentialRatePct: pct("20")},
		{ProductCode: "28211330", Strategy: models.StrategyRecycling, CurrentRatePct: pct("30"), PotentialRatePct: pct("50")},
	}}
	p, err := params.Build(params.Sources{ProdcomDataset: "DS-056120", ComextDataset: "DS045409"}, cat, rates, logging.Discard())
	require.NoError(t, err)
	return p
}

type fixture struct {
	repo repository.WarehouseRepository
	svc  *PipelineService
	reg  *prometheus.Registry
}

func newFixture(t *testing.T, wrap func(repository.WarehouseRepository) repository.WarehouseRepository) *fixture {
	t.Helper()
	log := logging.Discard()
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("test", reg)

	db, err := database.Open(&database.Config{
		Driver:       database.DriverSQLite,
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, log, m)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = migrations.Up(context.Background(), db, log)
	require.NoError(t, err)

	repo := repository.NewWarehouseRepository(db, log, m)
	if wrap != nil {
		repo = wrap(repo)
	}
	svc := NewPipelineService(repo, testParams(t), PipelineOptions{
		Concurrency: 2,
		YearTimeout: time.Minute,
		BackupDir:   t.TempDir(),
	}, log, m)

	ids := 0
	svc.newRunID = func() string {
		ids++
		return fmt.Sprintf("run-%d", ids)
	}
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, ids, 0, time.UTC) }
	return &fixture{repo: repo, svc: svc, reg: reg}
}

func raw(dataset, period, product, reporter, flow, indicator, value string) models.RawObservation {
	return models.RawObservation{DatasetID: dataset, TimePeriod: period, ProductCode: product,
		ReportingEntityCode: reporter, Flow: flow, Partner: "WORLD", IndicatorCode: indicator,
		Value: value, FetchedAt: "2024-01-01T00:00:00Z"}
}

func (f *fixture) seedScenario(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.repo.AppendRaw(ctx, prodcomTable, []models.RawObservation{
		raw("DS-056120", "2020", "28211330", "DE", "", "PRODQNT", "1000"),
		raw("DS-056120", "2020", "28211330", "DE", "", "QNTUNIT", "p/st"),
		raw("DS-056120", "2020", "28211330", "FR", "", "PRODQNT", "500"),
		raw("DS-056120", "2020", "28211330", "FR", "", "QNTUNIT", "p/st"),
		raw("DS-056120", "2020", "28211330", "FR", "", "EXPQNT", "200"),
	})
	require.NoError(t, err)
	_, err = f.repo.AppendRaw(ctx, comextTable, []models.RawObservation{
		raw("DS045409", "2020", "841869", "DE", "1", "QUANTITY_IN_KG", "50000"),
		raw("DS045409", "2020", "841869", "DE", "2", "QUANTITY_IN_KG", "0"),
		raw("DS045409", "2020", "841869", "FR", "1", "QUANTITY_IN_KG", "10000"),
		raw("DS045409", "2020", "841869", "FR", "2", "QUANTITY_IN_KG", ":c"),
	})
	require.NoError(t, err)
}

func findRow(t *testing.T, rows []models.IndicatorRow, iso string, lvl models.Level) models.IndicatorRow {
	t.Helper()
	for _, r := range rows {
		if r.CountryISO == iso && r.Level == lvl {
			return r
		}
	}
	t.Fatalf("no %s row for %s", lvl, iso)
	return models.IndicatorRow{}
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seedScenario(t)

	summary, err := f.svc.Run(ctx, []int{2020})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, summary.Status)
	require.Len(t, summary.Years, 1)
	assert.Equal(t, models.StatusSucceeded, summary.Years[0].Status)
	// FR exports are confidential in trade data and filled at country and EU level
	assert.Equal(t, 2, summary.Years[0].FallbackFills)

	rows, err := f.repo.LoadIndicators(ctx, 2020)
	require.NoError(t, err)

	de := findRow(t, rows, "DE", models.LevelCountry)
	assert.InDelta(t, 100.0, de.ProductionVolumeT.V, 1e-9)
	assert.InDelta(t, 50.0, de.ImportVolumeT.V, 1e-9)
	require.True(t, de.ExportVolumeT.Valid)
	assert.Equal(t, 0.0, de.ExportVolumeT.V)
	assert.InDelta(t, 150.0, de.ApparentConsumptionT.V, 1e-9)
	assert.InDelta(t, 30.0, de.RefurbishmentSavingsT.V, 1e-9)
	assert.InDelta(t, 0.5*0.8*150, de.RecyclingSavingsT.V, 1e-9)
	assert.Equal(t, f.svc.params.ConfigHash(), de.ConfigHash)

	fr := findRow(t, rows, "FR", models.LevelCountry)
	assert.InDelta(t, 20.0, fr.ExportVolumeT.V, 1e-9)
	assert.Equal(t, models.ProvenanceFallback, fr.SourceFlags[models.ExportVolume])

	eu := findRow(t, rows, countries.EUAggregate, models.LevelEUAggregate)
	assert.InDelta(t, 150.0, eu.ProductionVolumeT.V, 1e-9)
	assert.InDelta(t, 60.0, eu.ImportVolumeT.V, 1e-9)

	snaps, err := f.repo.Snapshots(ctx, summary.RunID, 2020)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)

	got, err := f.repo.GetRun(ctx, summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.Len(t, got.Years, 1)

	all, total, err := f.repo.QueryIndicators(ctx, repository.IndicatorFilter{Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, len(rows), total)
	assert.Len(t, all, len(rows))
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seedScenario(t)

	_, err := f.svc.Run(ctx, []int{2020})
	require.NoError(t, err)
	first, err := f.repo.LoadIndicators(ctx, 2020)
	require.NoError(t, err)

	_, err = f.svc.Run(ctx, []int{2020})
	require.NoError(t, err)
	second, err := f.repo.LoadIndicators(ctx, 2020)
	require.NoError(t, err)

	assert.Equal(t, first, second)

	runs, total, err := f.repo.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, runs, 2)
}

func TestRunContinuesPastFailedYear(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seedScenario(t)

	summary, err := f.svc.Run(ctx, []int{2021, 2020, 2020})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, summary.Status)
	assert.Equal(t, 2, summary.YearsRequested)
	require.Len(t, summary.Years, 2)

	assert.Equal(t, 2020, summary.Years[0].Year)
	assert.Equal(t, models.StatusSucceeded, summary.Years[0].Status)
	assert.Equal(t, 2021, summary.Years[1].Year)
	assert.Equal(t, models.StatusFailed, summary.Years[1].Status)
	assert.Contains(t, summary.Years[1].Error, "raw_data not found")

	_, err = f.repo.LoadIndicators(ctx, 2021)
	var nf *models.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestRunMappingGapYieldsNoRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.repo.AppendRaw(ctx, prodcomTable, []models.RawObservation{
		raw("DS-056120", "2020", "99999999", "DE", "", "PRODQNT", "1000"),
		raw("DS-056120", "2020", "99999999", "DE", "", "QNTUNIT", "kg"),
	})
	require.NoError(t, err)

	summary, err := f.svc.Run(ctx, []int{2020})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, summary.Status)
	assert.Equal(t, 1, summary.Years[0].MappingGaps)
	assert.Zero(t, summary.Years[0].IndicatorRows)

	rows, err := f.repo.LoadIndicators(ctx, 2020)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRunRejectsEmptyYears(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Run(context.Background(), nil)
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
}

type failingWrites struct {
	repository.WarehouseRepository
}

func (failingWrites) ReplaceYear(ctx context.Context, year int, out repository.YearOutput) error {
	return &repository.PersistenceError{Table: "indicators_2020", Err: errors.New("disk full")}
}

func TestRunWritesBackupWhenPersistenceFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(r repository.WarehouseRepository) repository.WarehouseRepository {
		return failingWrites{r}
	})
	f.seedScenario(t)

	summary, err := f.svc.Run(ctx, []int{2020})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, summary.Status)

	yr := summary.Years[0]
	assert.Equal(t, models.StatusFailed, yr.Status)
	assert.Contains(t, yr.Error, "disk full")
	require.NotEmpty(t, yr.BackupPath)

	data, err := os.ReadFile(yr.BackupPath)
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, models.IndicatorColumns, records[0])
	assert.Greater(t, len(records), 1)
}

// stalledYear blocks writes for one year until the year's context ends.
type stalledYear struct {
	repository.WarehouseRepository
	year  int
	calls atomic.Int32
}

func (s *stalledYear) ReplaceYear(ctx context.Context, year int, out repository.YearOutput) error {
	if year != s.year {
		return s.WarehouseRepository.ReplaceYear(ctx, year, out)
	}
	s.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestRunFailsTimedOutYearWithoutRetry(t *testing.T) {
	ctx := context.Background()
	stalled := &stalledYear{year: 2019}
	f := newFixture(t, func(r repository.WarehouseRepository) repository.WarehouseRepository {
		stalled.WarehouseRepository = r
		return stalled
	})
	f.svc.opts.YearTimeout = 300 * time.Millisecond
	f.seedScenario(t)

	_, err := f.repo.AppendRaw(ctx, "prodcom_ds_056120_2019", []models.RawObservation{
		raw("DS-056120", "2019", "28211330", "DE", "", "PRODQNT", "900"),
		raw("DS-056120", "2019", "28211330", "DE", "", "QNTUNIT", "p/st"),
	})
	require.NoError(t, err)

	summary, err := f.svc.Run(ctx, []int{2019, 2020})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, summary.Status)
	require.Len(t, summary.Years, 2)

	assert.Equal(t, 2019, summary.Years[0].Year)
	assert.Equal(t, models.StatusFailed, summary.Years[0].Status)
	assert.Contains(t, summary.Years[0].Error, context.DeadlineExceeded.Error())
	assert.Empty(t, summary.Years[0].BackupPath)
	assert.EqualValues(t, 1, stalled.calls.Load())

	assert.Equal(t, 2020, summary.Years[1].Year)
	assert.Equal(t, models.StatusSucceeded, summary.Years[1].Status)

	got, err := f.repo.GetRun(ctx, summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, got.Status)

	_, err = f.repo.LoadIndicators(ctx, 2019)
	var nf *models.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestIngestThenRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	payloads := map[string]string{
		prodcomTable: "DECL,PRCCODE,INDICATORS,OBS_VALUE\nDE,28211330,PRODQNT,1000\nDE,28211330,QNTUNIT,p/st\nbroken,line\n",
		comextTable:  "reporter,product,flow,partner,indicator,value\nDE,841869,1,WORLD,QUANTITY_IN_KG,50000\n",
	}
	fetcher := fetch.FetcherFunc(func(ctx context.Context, req fetch.Request) (io.ReadCloser, error) {
		table, err := req.Table()
		if err != nil {
			return nil, err
		}
		body, ok := payloads[table]
		if !ok {
			return nil, fetch.ErrNotPublished
		}
		return io.NopCloser(strings.NewReader(body)), nil
	})
	retrying := fetch.NewRetrying(fetcher, fetch.RetryPolicy{MaxAttempts: 2}, logging.Discard(),
		metrics.NewCollector("ingest", prometheus.NewRegistry()))

	ing := NewIngestionService(f.repo, retrying, logging.Discard(), f.svc.metrics)
	res, err := ing.Ingest(ctx, []fetch.Request{
		{Source: models.SourceProdcom, DatasetID: "DS-056120", Year: 2020},
		{Source: models.SourceComext, DatasetID: "DS045409", Year: 2020},
		{Source: models.SourceComext, DatasetID: "DS045409", Year: 2021},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.SuccessfulRecords)
	assert.Equal(t, 1, res.FailedRecords)
	assert.Equal(t, []string{"comext/DS045409/2021"}, res.Gaps)
	assert.Empty(t, res.Errors)

	summary, err := f.svc.Run(ctx, []int{2020})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, summary.Status)

	rows, err := f.repo.LoadIndicators(ctx, 2020)
	require.NoError(t, err)
	de := findRow(t, rows, "DE", models.LevelCountry)
	assert.InDelta(t, 100.0, de.ProductionVolumeT.V, 1e-9)
	assert.InDelta(t, 50.0, de.ImportVolumeT.V, 1e-9)

	var buf bytes.Buffer
	n, err := NewIndicatorService(f.repo, logging.Discard(), f.svc.metrics).Export(ctx, &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, len(rows), n)
	assert.True(t, strings.HasPrefix(buf.String(), "product_code,country_iso,year,level"))
}
