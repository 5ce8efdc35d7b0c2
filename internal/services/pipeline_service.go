package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"circularity-platform/internal/codes"
	"circularity-platform/internal/export"
	"circularity-platform/internal/extract"
	"circularity-platform/internal/harmonize"
	"circularity-platform/internal/indicators"
	"circularity-platform/internal/models"
	"circularity-platform/internal/params"
	"circularity-platform/internal/repository"
	"circularity-platform/internal/units"
	"circularity-platform/pkg/logging"
	"circularity-platform/pkg/metrics"
)

// PipelineOptions bound a batch run.
type PipelineOptions struct {
	Concurrency int
	YearTimeout time.Duration
	BackupDir   string
}

// PipelineService runs the per-year harmonization batch. Years are
// independent; each one reads its raw tables, computes its rows and replaces
// its own tables.
type PipelineService struct {
	repo      repository.WarehouseRepository
	params    *params.AnalysisParameters
	extractor *extract.Extractor
	engine    *harmonize.Engine
	calc      *indicators.Calculator
	opts      PipelineOptions
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector

	now      func() time.Time
	newRunID func() string
}

// NewPipelineService creates a new pipeline service
func NewPipelineService(repo repository.WarehouseRepository, p *params.AnalysisParameters, opts PipelineOptions, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *PipelineService {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &PipelineService{
		repo:      repo,
		params:    p,
		extractor: extract.New(p.Catalogue(), p.Countries(), logger),
		engine:    harmonize.NewEngine(logger),
		calc:      indicators.NewCalculator(p, logger),
		opts:      opts,
		logger:    logger,
		metrics:   metricsCollector,
		now:       time.Now,
		newRunID:  uuid.NewString,
	}
}

// YearComputation is the in-memory outcome of one year before persistence.
type YearComputation struct {
	Year       int
	Harmonized []models.HarmonizedRow
	Indicators []models.IndicatorRow
	Fills      []harmonize.Fill
	Dropped    int
	Production *extract.Report
	Trade      *extract.Report
}

// Compute runs extraction, harmonization and the indicator calculation over
// one year's raw rows. It touches no storage.
func (s *PipelineService) Compute(ctx context.Context, year int, prodcom, comext []models.RawObservation) (*YearComputation, error) {
	conv := s.params.Converter()
	if s.params.DeriveWeights() {
		derived := units.DeriveWeights(s.extractor.WeightSamples(ctx, comext, year))
		conv = conv.WithDerivedWeights(derived)
		s.logger.Debug(ctx, "[UNIT_WEIGHTS] Derived unit weights from trade data", logging.Fields{
			"products": len(derived),
		})
	}

	timer := s.metrics.StageTimer("extract_production")
	pf, prodReport := s.extractor.Production(ctx, prodcom, year, conv)
	timer.ObserveDuration()

	timer = s.metrics.StageTimer("extract_trade")
	trade, tradeReport := s.extractor.Trade(ctx, comext, year, conv)
	timer.ObserveDuration()

	s.recordReport(prodReport)
	s.recordReport(tradeReport)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("year %d interrupted after extraction: %w", year, err)
	}

	timer = s.metrics.StageTimer("harmonize")
	merged, err := s.engine.Harmonize(ctx, harmonize.Input{
		Year:       year,
		Production: pf.Production,
		OwnTrade:   pf.OwnTrade,
		Trade:      trade,
	})
	timer.ObserveDuration()
	if err != nil {
		return nil, err
	}
	for _, f := range merged.Fills {
		s.metrics.RecordFallbackFill(string(f.Metric), string(f.Level))
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("year %d interrupted after harmonization: %w", year, err)
	}

	timer = s.metrics.StageTimer("indicators")
	rows := s.calc.Compute(ctx, year, merged.Rows)
	timer.ObserveDuration()

	return &YearComputation{
		Year:       year,
		Harmonized: merged.Rows,
		Indicators: rows,
		Fills:      merged.Fills,
		Dropped:    merged.Dropped,
		Production: prodReport,
		Trade:      tradeReport,
	}, nil
}

func (s *PipelineService) recordReport(rep *extract.Report) {
	src := string(rep.Source)
	for range rep.MappingGaps {
		s.metrics.RecordMappingGap(src)
	}
	for unit, n := range rep.Unconvertible {
		s.metrics.UnconvertibleTotal.WithLabelValues(unit).Add(float64(n))
	}
	for reason, n := range rep.Sentinels {
		s.metrics.SentinelValuesTotal.WithLabelValues(src, reason).Add(float64(n))
	}
	if rep.Unparseable > 0 {
		s.metrics.UnparseableValuesTotal.WithLabelValues(src).Add(float64(rep.Unparseable))
	}
}

// Run processes years with bounded parallelism and records the run. A failed
// year never stops the others; the summary reports every year.
func (s *PipelineService) Run(ctx context.Context, years []int) (*models.RunSummary, error) {
	years = uniqueSorted(years)
	if len(years) == 0 {
		return nil, &models.ValidationError{Field: "years", Message: "no years requested"}
	}

	run := models.PipelineRun{
		RunID:          s.newRunID(),
		StartedAt:      s.timestamp(),
		Status:         models.StatusRunning,
		ConfigHash:     s.params.ConfigHash(),
		YearsRequested: len(years),
	}
	ctx = logging.WithRunID(ctx, run.RunID)

	s.logger.Info(ctx, "[PIPELINE_START] Starting pipeline run", logging.Fields{
		"years":       years,
		"concurrency": s.opts.Concurrency,
		"config_hash": run.ConfigHash,
		"stage":       "INITIALIZATION",
	})

	if err := s.repo.SyncReference(ctx, repository.Reference{
		Catalogue: s.params.Catalogue().Entries(),
		Countries: s.params.Countries().Mappings(),
		Rates:     s.params.Rates(),
	}); err != nil {
		return nil, fmt.Errorf("failed to prepare reference tables: %w", err)
	}
	if err := s.repo.CreateRun(ctx, &run); err != nil {
		return nil, err
	}

	results := make([]models.YearResult, len(years))
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, year := range years {
		i, year := i, year
		g.Go(func() error {
			results[i] = s.processYear(ctx, run.RunID, year)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Status == models.StatusSucceeded {
			run.YearsSucceeded++
		} else {
			run.YearsFailed++
		}
	}
	switch {
	case run.YearsFailed == 0:
		run.Status = models.StatusSucceeded
	case run.YearsSucceeded == 0:
		run.Status = models.StatusFailed
	default:
		run.Status = models.StatusPartial
	}

	if run.YearsSucceeded > 0 {
		if _, err := s.repo.RebuildAllYears(ctx); err != nil {
			s.logger.Error(ctx, "[PIPELINE_ALL_YEARS_ERROR] Failed to rebuild multi-year table", nil, err)
		}
	}

	run.FinishedAt = s.timestamp()
	if err := s.repo.FinishRun(context.WithoutCancel(ctx), &run); err != nil {
		s.logger.Error(ctx, "[PIPELINE_LEDGER_ERROR] Failed to record run outcome", nil, err)
	}

	s.logger.Info(ctx, "[PIPELINE_COMPLETE] Pipeline run completed", logging.Fields{
		"status":          run.Status,
		"years_succeeded": run.YearsSucceeded,
		"years_failed":    run.YearsFailed,
		"stage":           "COMPLETE",
	})
	return &models.RunSummary{PipelineRun: run, Years: results}, nil
}

func (s *PipelineService) processYear(parent context.Context, runID string, year int) models.YearResult {
	start := time.Now()
	ctx := logging.WithYear(parent, year)
	if s.opts.YearTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.YearTimeout)
		defer cancel()
	}

	res := models.YearResult{RunID: runID, Year: year, Status: models.StatusSucceeded}
	err := s.runYear(ctx, runID, &res)
	res.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Status = models.StatusFailed
		res.Error = err.Error()
		s.logger.Error(ctx, "[YEAR_FAILED] Year failed; continuing with other years", logging.Fields{
			"backup_path": res.BackupPath,
		}, err)
	} else {
		s.logger.Info(ctx, "[YEAR_COMPLETE] Year processed", logging.Fields{
			"harmonized_rows": res.HarmonizedRows,
			"fallback_fills":  res.FallbackFills,
			"mapping_gaps":    res.MappingGaps,
			"duration_ms":     res.DurationMS,
		})
	}
	s.metrics.RecordYear(res.Status)

	if err := s.repo.SaveYearResult(context.WithoutCancel(ctx), &res); err != nil {
		s.logger.Error(ctx, "[PIPELINE_LEDGER_ERROR] Failed to record year outcome", nil, err)
	}
	return res
}

func (s *PipelineService) runYear(ctx context.Context, runID string, res *models.YearResult) error {
	year := res.Year

	timer := s.metrics.StageTimer("load_raw")
	prodcom, prodOK, err := s.loadRaw(ctx, models.SourceProdcom, s.params.ProdcomDataset(), year)
	if err != nil {
		return err
	}
	comext, comextOK, err := s.loadRaw(ctx, models.SourceComext, s.params.ComextDataset(), year)
	if err != nil {
		return err
	}
	timer.ObserveDuration()
	if !prodOK && !comextOK {
		return &models.NotFoundError{Resource: "raw_data", ID: fmt.Sprint(year)}
	}

	comp, err := s.Compute(ctx, year, prodcom, comext)
	if err != nil {
		return err
	}
	res.HarmonizedRows = len(comp.Harmonized)
	res.IndicatorRows = len(comp.Indicators)
	res.MappingGaps = len(comp.Production.MappingGaps) + len(comp.Trade.MappingGaps)
	res.Unconvertible = comp.Production.UnconvertibleTotal() + comp.Trade.UnconvertibleTotal()
	res.Sentinels = comp.Production.SentinelTotal() + comp.Trade.SentinelTotal()
	res.FallbackFills = len(comp.Fills)

	timer = s.metrics.StageTimer("persist")
	defer timer.ObserveDuration()

	err = s.repo.ReplaceYear(ctx, year, repository.YearOutput{
		Harmonized: comp.Harmonized,
		Indicators: comp.Indicators,
		Snapshots:  s.snapshots(runID, year),
	})
	var pe *repository.PersistenceError
	if errors.As(err, &pe) {
		res.BackupPath = s.backup(ctx, runID, year, comp.Indicators)
	}
	return err
}

// loadRaw returns the latest rows of one raw table. A missing table is a
// partial-data gap, not an error.
func (s *PipelineService) loadRaw(ctx context.Context, src models.Source, dataset string, year int) ([]models.RawObservation, bool, error) {
	table, err := codes.TableName(string(src), dataset, year)
	if err != nil {
		return nil, false, err
	}
	rows, err := s.repo.LoadRaw(ctx, table)
	var nf *models.NotFoundError
	if errors.As(err, &nf) {
		s.logger.Warn(ctx, "[RAW_MISSING] No raw table for source; proceeding with partial data", logging.Fields{
			"source": src,
			"table":  table,
		})
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

func (s *PipelineService) snapshots(runID string, year int) []models.ParameterSnapshot {
	rates := s.params.Rates()
	out := make([]models.ParameterSnapshot, 0, len(rates))
	for _, r := range rates {
		out = append(out, models.ParameterSnapshot{
			RunID:            runID,
			Year:             year,
			ProductCode:      r.ProductCode,
			Strategy:         r.Strategy,
			CurrentRatePct:   r.CurrentRatePct,
			PotentialRatePct: r.PotentialRatePct,
			ConfigHash:       s.params.ConfigHash(),
		})
	}
	return out
}

// backup writes the year's indicator rows to CSV after a failed write and
// returns the file path, or "" when the backup failed too.
func (s *PipelineService) backup(ctx context.Context, runID string, year int, rows []models.IndicatorRow) string {
	if s.opts.BackupDir == "" {
		return ""
	}
	path := export.BackupPath(s.opts.BackupDir, runID, year)
	if err := export.WriteFile(path, rows); err != nil {
		s.logger.Error(ctx, "[BACKUP_ERROR] Failed to write backup", logging.Fields{
			"path": path,
		}, err)
		return ""
	}
	s.metrics.BackupExportsTotal.Inc()
	s.logger.Warn(ctx, "[BACKUP_WRITTEN] Persistence failed; rows saved to backup", logging.Fields{
		"path": path,
		"rows": len(rows),
	})
	return path
}

func (s *PipelineService) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func uniqueSorted(years []int) []int {
	seen := make(map[int]bool, len(years))
	out := make([]int, 0, len(years))
	for _, y := range years {
		if !seen[y] {
			seen[y] = true
			out = append(out, y)
		}
	}
	sort.Ints(out)
	return out
}
