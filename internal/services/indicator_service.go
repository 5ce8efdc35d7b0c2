package services

import (
	"context"
	"fmt"
	"io"

	"circularity-platform/internal/export"
	"circularity-platform/internal/models"
	"circularity-platform/internal/repository"
	"circularity-platform/pkg/logging"
	"circularity-platform/pkg/metrics"
)

// IndicatorService handles read access to computed indicators and runs
type IndicatorService struct {
	repo    repository.WarehouseRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewIndicatorService creates a new indicator service
func NewIndicatorService(repo repository.WarehouseRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *IndicatorService {
	return &IndicatorService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// GetIndicators retrieves indicator rows with filtering
func (s *IndicatorService) GetIndicators(ctx context.Context, filter repository.IndicatorFilter) ([]models.IndicatorRow, int, error) {
	return s.repo.QueryIndicators(ctx, filter)
}

// GetRuns retrieves pipeline runs, newest first
func (s *IndicatorService) GetRuns(ctx context.Context, limit, offset int) ([]models.PipelineRun, int, error) {
	return s.repo.ListRuns(ctx, limit, offset)
}

// GetRun retrieves one run with its year results
func (s *IndicatorService) GetRun(ctx context.Context, runID string) (*models.RunSummary, error) {
	return s.repo.GetRun(ctx, runID)
}

// Export writes the indicator rows of the given years, or of every stored
// year when none are given, as one CSV document.
func (s *IndicatorService) Export(ctx context.Context, w io.Writer, years []int) (int, error) {
	if len(years) == 0 {
		var err error
		years, err = s.repo.IndicatorYears(ctx)
		if err != nil {
			return 0, err
		}
	}

	var rows []models.IndicatorRow
	for _, y := range uniqueSorted(years) {
		yearRows, err := s.repo.LoadIndicators(ctx, y)
		if err != nil {
			return 0, fmt.Errorf("failed to export %d: %w", y, err)
		}
		rows = append(rows, yearRows...)
	}
	if err := export.WriteCSV(w, rows); err != nil {
		return 0, fmt.Errorf("failed to write export: %w", err)
	}

	s.logger.Info(ctx, "[EXPORT_COMPLETE] Indicators exported", logging.Fields{
		"years": years,
		"rows":  len(rows),
	})
	return len(rows), nil
}

// HealthCheck reports warehouse reachability.
func (s *IndicatorService) HealthCheck(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}
