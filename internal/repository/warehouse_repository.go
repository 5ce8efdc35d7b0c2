package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"circularity-platform/internal/codes"
	"circularity-platform/internal/models"
	"circularity-platform/pkg/database"
	"circularity-platform/pkg/logging"
	"circularity-platform/pkg/metrics"
)

// Derived table kinds.
const (
	HarmonizedKind = "harmonized"
	IndicatorsKind = "indicators"
	AllYearsTable  = "indicators_all_years"
)

// WarehouseRepository provides data access for the analytical warehouse
type WarehouseRepository interface {
	// Raw table operations
	AppendRaw(ctx context.Context, table string, rows []models.RawObservation) (int, error)
	LoadRaw(ctx context.Context, table string) ([]models.RawObservation, error)

	// Per-year derived table operations
	ReplaceYear(ctx context.Context, year int, out YearOutput) error
	LoadHarmonized(ctx context.Context, year int) ([]models.HarmonizedRow, error)
	LoadIndicators(ctx context.Context, year int) ([]models.IndicatorRow, error)
	QueryIndicators(ctx context.Context, filter IndicatorFilter) ([]models.IndicatorRow, int, error)
	IndicatorYears(ctx context.Context) ([]int, error)
	RebuildAllYears(ctx context.Context) ([]int, error)

	// Run ledger operations
	CreateRun(ctx context.Context, run *models.PipelineRun) error
	FinishRun(ctx context.Context, run *models.PipelineRun) error
	SaveYearResult(ctx context.Context, res *models.YearResult) error
	GetRun(ctx context.Context, runID string) (*models.RunSummary, error)
	ListRuns(ctx context.Context, limit, offset int) ([]models.PipelineRun, int, error)
	Snapshots(ctx context.Context, runID string, year int) ([]models.ParameterSnapshot, error)

	// Reference table operations
	SyncReference(ctx context.Context, ref Reference) error

	// Utility operations
	HealthCheck(ctx context.Context) error
}

// YearOutput is everything written for one year in one transaction.
type YearOutput struct {
	Harmonized []models.HarmonizedRow
	Indicators []models.IndicatorRow
	Snapshots  []models.ParameterSnapshot
}

// IndicatorFilter defines filters for querying indicator rows. A nil Year
// reads the multi-year table.
type IndicatorFilter struct {
	Year        *int
	ProductCode *string
	CountryISO  *string
	Level       *models.Level
	Limit       int
	Offset      int
}

// warehouseRepository implements WarehouseRepository
type warehouseRepository struct {
	db      *database.DB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewWarehouseRepository creates a new warehouse repository
func NewWarehouseRepository(db *database.DB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) WarehouseRepository {
	return &warehouseRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

var textColumns = map[string]bool{
	"product_code": true, "country_iso": true, "level": true,
	"source_flags": true, "config_hash": true,
}

// columnsDDL renders portable column definitions for a derived table.
func columnsDDL(columns []string) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		switch {
		case textColumns[c]:
			defs[i] = c + " TEXT NOT NULL DEFAULT ''"
		case c == "year":
			defs[i] = c + " INTEGER NOT NULL"
		default:
			defs[i] = c + " DOUBLE PRECISION"
		}
	}
	return strings.Join(defs, ", ")
}

func rawDDL() string {
	defs := make([]string, len(models.RawColumns))
	for i, c := range models.RawColumns {
		defs[i] = c + " TEXT NOT NULL DEFAULT ''"
	}
	return strings.Join(defs, ", ")
}

// AppendRaw creates table when needed and appends rows to it.
func (r *warehouseRepository) AppendRaw(ctx context.Context, table string, rows []models.RawObservation) (int, error) {
	quoted, err := database.QuoteIdent(table)
	if err != nil {
		return 0, &models.ValidationError{Field: "table", Value: table, Message: err.Error()}
	}

	args := make([][]interface{}, len(rows))
	for i := range rows {
		args[i] = rows[i].Args()
	}

	err = r.db.RunTx(ctx, "append_raw", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+quoted+" ("+rawDDL()+")"); err != nil {
			return fmt.Errorf("failed to create raw table: %w", err)
		}
		return database.InsertRows(ctx, tx, quoted, models.RawColumns, args)
	})
	if err != nil {
		return 0, &PersistenceError{Table: table, Err: err}
	}

	r.metrics.RecordRowsPersisted(table, len(rows))
	r.logger.Debug(ctx, "[REPO_APPEND_RAW] Raw rows appended", logging.Fields{
		"table": table,
		"count": len(rows),
	})
	return len(rows), nil
}

// LoadRaw returns the rows of the most recent fetch stored in table, so a
// re-ingested payload supersedes earlier ones without rewriting history.
func (r *warehouseRepository) LoadRaw(ctx context.Context, table string) ([]models.RawObservation, error) {
	quoted, err := database.QuoteIdent(table)
	if err != nil {
		return nil, &models.ValidationError{Field: "table", Value: table, Message: err.Error()}
	}
	exists, err := r.db.TableExists(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to check raw table: %w", err)
	}
	if !exists {
		return nil, &models.NotFoundError{Resource: "raw_table", ID: table}
	}

	query := `SELECT ` + strings.Join(models.RawColumns, ", ") + ` FROM ` + quoted + `
		WHERE fetched_at = (SELECT MAX(fetched_at) FROM ` + quoted + `)
		ORDER BY product_code, reporting_entity_code, indicator_code, flow, partner`

	var rows []models.RawObservation
	if err := r.db.SelectContext(ctx, "load_raw", &rows, query); err != nil {
		return nil, fmt.Errorf("failed to load raw table %s: %w", table, err)
	}
	return rows, nil
}

// ReplaceYear swaps in the year's harmonized and indicator tables and records
// the parameter snapshot, all inside one transaction.
func (r *warehouseRepository) ReplaceYear(ctx context.Context, year int, out YearOutput) error {
	harmonized := codes.YearTable(HarmonizedKind, year)
	indicators := codes.YearTable(IndicatorsKind, year)

	hArgs := make([][]interface{}, len(out.Harmonized))
	for i := range out.Harmonized {
		hArgs[i] = out.Harmonized[i].Args()
	}
	iArgs := make([][]interface{}, len(out.Indicators))
	for i := range out.Indicators {
		iArgs[i] = out.Indicators[i].Args()
	}

	err := r.db.RunTx(ctx, "replace_year", func(tx *sqlx.Tx) error {
		if err := database.ReplaceTable(ctx, tx, harmonized, columnsDDL(models.HarmonizedColumns), func(staging string) error {
			return database.InsertRows(ctx, tx, staging, models.HarmonizedColumns, hArgs)
		}); err != nil {
			return err
		}
		if err := database.ReplaceTable(ctx, tx, indicators, columnsDDL(models.IndicatorColumns), func(staging string) error {
			return database.InsertRows(ctx, tx, staging, models.IndicatorColumns, iArgs)
		}); err != nil {
			return err
		}
		return insertSnapshots(ctx, tx, out.Snapshots)
	})
	if err != nil {
		r.metrics.RecordDBError("replace_year_error")
		return &PersistenceError{Table: indicators, Err: err}
	}

	r.metrics.RecordRowsPersisted(harmonized, len(out.Harmonized))
	r.metrics.RecordRowsPersisted(indicators, len(out.Indicators))
	r.logger.Info(ctx, "[REPO_REPLACE_YEAR] Year tables replaced", logging.Fields{
		"year":            year,
		"harmonized_rows": len(out.Harmonized),
		"indicator_rows":  len(out.Indicators),
		"snapshots":       len(out.Snapshots),
	})
	return nil
}

func insertSnapshots(ctx context.Context, tx *sqlx.Tx, snaps []models.ParameterSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	for _, s := range snaps {
		k := s.RunID + "|" + strconv.Itoa(s.Year)
		if seen[k] {
			continue
		}
		seen[k] = true
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM parameter_snapshots WHERE run_id = ? AND year = ?`), s.RunID, s.Year); err != nil {
			return fmt.Errorf("failed to clear snapshot: %w", err)
		}
	}

	cols := []string{"run_id", "year", "product_code", "strategy", "current_rate_pct", "potential_rate_pct", "config_hash"}
	rows := make([][]interface{}, len(snaps))
	for i, s := range snaps {
		rows[i] = []interface{}{s.RunID, s.Year, s.ProductCode, string(s.Strategy), s.CurrentRatePct, s.PotentialRatePct, s.ConfigHash}
	}
	return database.InsertRows(ctx, tx, "parameter_snapshots", cols, rows)
}

func (r *warehouseRepository) loadYear(ctx context.Context, kind string, year int, columns []string, dest interface{}) error {
	table := codes.YearTable(kind, year)
	exists, err := r.db.TableExists(ctx, table)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", table, err)
	}
	if !exists {
		return &models.NotFoundError{Resource: kind + "_table", ID: strconv.Itoa(year)}
	}
	query := `SELECT ` + strings.Join(columns, ", ") + ` FROM ` + table + ` ORDER BY level, product_code, country_iso`
	if err := r.db.SelectContext(ctx, "load_"+kind, dest, query); err != nil {
		return fmt.Errorf("failed to load %s: %w", table, err)
	}
	return nil
}

// LoadHarmonized returns the stored harmonized rows of one year.
func (r *warehouseRepository) LoadHarmonized(ctx context.Context, year int) ([]models.HarmonizedRow, error) {
	var rows []models.HarmonizedRow
	if err := r.loadYear(ctx, HarmonizedKind, year, models.HarmonizedColumns, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// LoadIndicators returns the stored indicator rows of one year.
func (r *warehouseRepository) LoadIndicators(ctx context.Context, year int) ([]models.IndicatorRow, error) {
	var rows []models.IndicatorRow
	if err := r.loadYear(ctx, IndicatorsKind, year, models.IndicatorColumns, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// QueryIndicators retrieves indicator rows with filtering and pagination
func (r *warehouseRepository) QueryIndicators(ctx context.Context, filter IndicatorFilter) ([]models.IndicatorRow, int, error) {
	table := AllYearsTable
	if filter.Year != nil {
		table = codes.YearTable(IndicatorsKind, *filter.Year)
	}
	exists, err := r.db.TableExists(ctx, table)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to check %s: %w", table, err)
	}
	if !exists {
		return []models.IndicatorRow{}, 0, nil
	}

	where := " WHERE 1=1"
	args := []interface{}{}
	if filter.ProductCode != nil {
		where += " AND product_code = ?"
		args = append(args, codes.NormalizeProductCode(*filter.ProductCode))
	}
	if filter.CountryISO != nil {
		where += " AND country_iso = ?"
		args = append(args, strings.ToUpper(*filter.CountryISO))
	}
	if filter.Level != nil {
		where += " AND level = ?"
		args = append(args, string(*filter.Level))
	}

	var total int
	if err := r.db.GetContext(ctx, "count_indicators", &total, `SELECT COUNT(*) FROM `+table+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count indicators: %w", err)
	}

	query := `SELECT ` + strings.Join(models.IndicatorColumns, ", ") + ` FROM ` + table + where +
		` ORDER BY year, level, product_code, country_iso LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	var rows []models.IndicatorRow
	if err := r.db.SelectContext(ctx, "query_indicators", &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to query indicators: %w", err)
	}
	if rows == nil {
		rows = []models.IndicatorRow{}
	}
	return rows, total, nil
}

// IndicatorYears lists the years that have an indicator table.
func (r *warehouseRepository) IndicatorYears(ctx context.Context) ([]int, error) {
	names, err := r.db.ListTables(ctx, IndicatorsKind+"_")
	if err != nil {
		return nil, fmt.Errorf("failed to list indicator tables: %w", err)
	}
	var years []int
	for _, n := range names {
		y, err := strconv.Atoi(strings.TrimPrefix(n, IndicatorsKind+"_"))
		if err != nil {
			continue
		}
		years = append(years, y)
	}
	sort.Ints(years)
	return years, nil
}

// RebuildAllYears replaces the multi-year table with the union of every
// indicator year table and returns the years included.
func (r *warehouseRepository) RebuildAllYears(ctx context.Context) ([]int, error) {
	years, err := r.IndicatorYears(ctx)
	if err != nil {
		return nil, err
	}
	cols := strings.Join(models.IndicatorColumns, ", ")

	err = r.db.RunTx(ctx, "rebuild_all_years", func(tx *sqlx.Tx) error {
		return database.ReplaceTable(ctx, tx, AllYearsTable, columnsDDL(models.IndicatorColumns), func(staging string) error {
			for _, y := range years {
				src := codes.YearTable(IndicatorsKind, y)
				if _, err := tx.ExecContext(ctx, "INSERT INTO "+staging+" ("+cols+") SELECT "+cols+" FROM "+src); err != nil {
					return fmt.Errorf("failed to copy %s: %w", src, err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, &PersistenceError{Table: AllYearsTable, Err: err}
	}

	r.logger.Info(ctx, "[REPO_REBUILD_ALL_YEARS] Multi-year table rebuilt", logging.Fields{
		"years": years,
	})
	return years, nil
}

// HealthCheck performs a health check on the repository
func (r *warehouseRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}
