package models

import (
	"github.com/shopspring/decimal"
)

// Run and year statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusPartial   = "partial"
)

// PipelineRun is one batch invocation over a set of years. Timestamps are
// RFC 3339 strings so both warehouse drivers store them identically.
type PipelineRun struct {
	RunID          string `json:"run_id" db:"run_id"`
	StartedAt      string `json:"started_at" db:"started_at"`
	FinishedAt     string `json:"finished_at,omitempty" db:"finished_at"`
	Status         string `json:"status" db:"status"`
	ConfigHash     string `json:"config_hash" db:"config_hash"`
	YearsRequested int    `json:"years_requested" db:"years_requested"`
	YearsSucceeded int    `json:"years_succeeded" db:"years_succeeded"`
	YearsFailed    int    `json:"years_failed" db:"years_failed"`
}

// YearResult is the outcome of one year within a run.
type YearResult struct {
	RunID          string `json:"run_id" db:"run_id"`
	Year           int    `json:"year" db:"year"`
	Status         string `json:"status" db:"status"`
	Error          string `json:"error,omitempty" db:"error"`
	HarmonizedRows int    `json:"harmonized_rows" db:"harmonized_rows"`
	IndicatorRows  int    `json:"indicator_rows" db:"indicator_rows"`
	MappingGaps    int    `json:"mapping_gaps" db:"mapping_gaps"`
	Unconvertible  int    `json:"unconvertible" db:"unconvertible"`
	Sentinels      int    `json:"sentinels" db:"sentinels"`
	FallbackFills  int    `json:"fallback_fills" db:"fallback_fills"`
	BackupPath     string `json:"backup_path,omitempty" db:"backup_path"`
	DurationMS     int64  `json:"duration_ms" db:"duration_ms"`
}

// ParameterSnapshot records a rate in effect when a year was computed.
type ParameterSnapshot struct {
	RunID            string          `json:"run_id" db:"run_id"`
	Year             int             `json:"year" db:"year"`
	ProductCode      string          `json:"product_code" db:"product_code"`
	Strategy         Strategy        `json:"strategy" db:"strategy"`
	CurrentRatePct   decimal.Decimal `json:"current_rate_pct" db:"current_rate_pct"`
	PotentialRatePct decimal.Decimal `json:"potential_rate_pct" db:"potential_rate_pct"`
	ConfigHash       string          `json:"config_hash" db:"config_hash"`
}

// RunSummary is a run together with its per-year results.
type RunSummary struct {
	PipelineRun
	Years []YearResult `json:"years"`
}
