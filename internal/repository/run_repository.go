package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"circularity-platform/internal/models"
	"circularity-platform/pkg/logging"
)

const runColumns = `run_id, started_at, finished_at, status, config_hash, years_requested, years_succeeded, years_failed`

const yearColumns = `run_id, year, status, error, harmonized_rows, indicator_rows, mapping_gaps,
	unconvertible, sentinels, fallback_fills, backup_path, duration_ms`

// CreateRun records the start of a batch.
func (r *warehouseRepository) CreateRun(ctx context.Context, run *models.PipelineRun) error {
	query := `
		INSERT INTO pipeline_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, "insert_run", query,
		run.RunID,
		run.StartedAt,
		run.FinishedAt,
		run.Status,
		run.ConfigHash,
		run.YearsRequested,
		run.YearsSucceeded,
		run.YearsFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	r.logger.Debug(ctx, "[REPO_CREATE_RUN] Run created", logging.Fields{
		"run_id":      run.RunID,
		"config_hash": run.ConfigHash,
	})
	return nil
}

// FinishRun stores the final status and counts of a batch.
func (r *warehouseRepository) FinishRun(ctx context.Context, run *models.PipelineRun) error {
	query := `
		UPDATE pipeline_runs
		SET finished_at = ?, status = ?, years_succeeded = ?, years_failed = ?
		WHERE run_id = ?
	`
	res, err := r.db.ExecContext(ctx, "finish_run", query,
		run.FinishedAt, run.Status, run.YearsSucceeded, run.YearsFailed, run.RunID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &models.NotFoundError{Resource: "pipeline_run", ID: run.RunID}
	}
	return nil
}

// SaveYearResult inserts or replaces the outcome of one year of a run.
func (r *warehouseRepository) SaveYearResult(ctx context.Context, res *models.YearResult) error {
	query := `
		INSERT INTO year_results (` + yearColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, year) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			harmonized_rows = EXCLUDED.harmonized_rows,
			indicator_rows = EXCLUDED.indicator_rows,
			mapping_gaps = EXCLUDED.mapping_gaps,
			unconvertible = EXCLUDED.unconvertible,
			sentinels = EXCLUDED.sentinels,
			fallback_fills = EXCLUDED.fallback_fills,
			backup_path = EXCLUDED.backup_path,
			duration_ms = EXCLUDED.duration_ms
	`
	_, err := r.db.ExecContext(ctx, "upsert_year_result", query,
		res.RunID,
		res.Year,
		res.Status,
		res.Error,
		res.HarmonizedRows,
		res.IndicatorRows,
		res.MappingGaps,
		res.Unconvertible,
		res.Sentinels,
		res.FallbackFills,
		res.BackupPath,
		res.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to save year result: %w", err)
	}
	return nil
}

// GetRun retrieves a run with its per-year results.
func (r *warehouseRepository) GetRun(ctx context.Context, runID string) (*models.RunSummary, error) {
	var summary models.RunSummary
	err := r.db.GetContext(ctx, "get_run", &summary.PipelineRun,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "pipeline_run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	err = r.db.SelectContext(ctx, "list_year_results", &summary.Years,
		`SELECT `+yearColumns+` FROM year_results WHERE run_id = ? ORDER BY year`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get year results: %w", err)
	}
	if summary.Years == nil {
		summary.Years = []models.YearResult{}
	}
	return &summary, nil
}

// ListRuns retrieves runs, newest first, with pagination
func (r *warehouseRepository) ListRuns(ctx context.Context, limit, offset int) ([]models.PipelineRun, int, error) {
	var total int
	if err := r.db.GetContext(ctx, "count_runs", &total, `SELECT COUNT(*) FROM pipeline_runs`); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	var runs []models.PipelineRun
	err := r.db.SelectContext(ctx, "list_runs", &runs,
		`SELECT `+runColumns+` FROM pipeline_runs ORDER BY started_at DESC, run_id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	if runs == nil {
		runs = []models.PipelineRun{}
	}
	return runs, total, nil
}

// Snapshots returns the rates recorded for a run and year.
func (r *warehouseRepository) Snapshots(ctx context.Context, runID string, year int) ([]models.ParameterSnapshot, error) {
	var snaps []models.ParameterSnapshot
	err := r.db.SelectContext(ctx, "list_snapshots", &snaps, `
		SELECT run_id, year, product_code, strategy, current_rate_pct, potential_rate_pct, config_hash
		FROM parameter_snapshots
		WHERE run_id = ? AND year = ?
		ORDER BY product_code, strategy
	`, runID, year)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return snaps, nil
}
