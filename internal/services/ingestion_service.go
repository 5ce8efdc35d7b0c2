package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"circularity-platform/internal/fetch"
	"circularity-platform/internal/models"
	"circularity-platform/internal/repository"
	"circularity-platform/pkg/logging"
	"circularity-platform/pkg/metrics"
)

// IngestionService loads raw dataset payloads into the warehouse's raw long
// tables.
type IngestionService struct {
	repo    repository.WarehouseRepository
	fetcher fetch.Fetcher
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	now     func() time.Time
}

// IngestionResult contains ingestion statistics
type IngestionResult struct {
	Requests          int
	TotalRecords      int
	SuccessfulRecords int
	FailedRecords     int
	Gaps              []string
	Duration          time.Duration
	Errors            []string
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(repo repository.WarehouseRepository, fetcher fetch.Fetcher, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *IngestionService {
	return &IngestionService{
		repo:    repo,
		fetcher: fetcher,
		logger:  logger,
		metrics: metricsCollector,
		now:     time.Now,
	}
}

// Ingest fetches and stores every request. A payload that cannot be fetched
// is recorded as a gap and the remaining requests continue.
func (s *IngestionService) Ingest(ctx context.Context, requests []fetch.Request) (*IngestionResult, error) {
	startTime := time.Now()

	s.logger.Info(ctx, "[INGEST_START] Starting raw ingestion", logging.Fields{
		"requests": len(requests),
		"stage":    "INITIALIZATION",
	})

	result := &IngestionResult{Requests: len(requests), Errors: make([]string, 0)}

	for _, req := range requests {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		fileResult, err := s.ingestOne(ctx, req)
		var gap *fetch.GapError
		switch {
		case errors.As(err, &gap):
			result.Gaps = append(result.Gaps, req.String())
			s.metrics.RecordIngestionError("fetch_gap")
			continue
		case err != nil:
			result.Errors = append(result.Errors, fmt.Sprintf("failed to ingest %s: %v", req, err))
			s.logger.Error(ctx, "[INGEST_REQUEST_ERROR] Payload ingestion failed", logging.Fields{
				"request": req.String(),
				"stage":   "PAYLOAD_PROCESSING",
			}, err)
			s.metrics.RecordIngestionError("payload_error")
			continue
		}

		result.TotalRecords += fileResult.TotalRecords
		result.SuccessfulRecords += fileResult.SuccessfulRecords
		result.FailedRecords += fileResult.FailedRecords

		s.logger.Info(ctx, "[INGEST_REQUEST_SUCCESS] Payload ingested", logging.Fields{
			"request":            req.String(),
			"table":              fileResult.Table,
			"total_records":      fileResult.TotalRecords,
			"successful_records": fileResult.SuccessfulRecords,
			"failed_records":     fileResult.FailedRecords,
			"stage":              "PAYLOAD_COMPLETE",
		})
	}

	result.Duration = time.Since(startTime)

	s.logger.Info(ctx, "[INGEST_COMPLETE] Raw ingestion completed", logging.Fields{
		"requests":           result.Requests,
		"total_records":      result.TotalRecords,
		"successful_records": result.SuccessfulRecords,
		"failed_records":     result.FailedRecords,
		"gaps":               len(result.Gaps),
		"error_count":        len(result.Errors),
		"duration_seconds":   result.Duration.Seconds(),
		"stage":              "COMPLETE",
	})
	return result, nil
}

// PayloadResult contains per-payload ingestion statistics
type PayloadResult struct {
	Table             string
	TotalRecords      int
	SuccessfulRecords int
	FailedRecords     int
}

func (s *IngestionService) ingestOne(ctx context.Context, req fetch.Request) (*PayloadResult, error) {
	table, err := req.Table()
	if err != nil {
		return nil, err
	}

	body, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	fetchedAt := s.now().UTC().Format(time.RFC3339Nano)
	rows, failed, err := ParsePayload(body, req, fetchedAt)
	if err != nil {
		return nil, err
	}
	for range failed {
		s.metrics.RecordIngestionError("parse_error")
	}

	if _, err := s.repo.AppendRaw(ctx, table, rows); err != nil {
		return nil, err
	}
	s.metrics.IngestionRowsTotal.WithLabelValues(string(req.Source)).Add(float64(len(rows)))

	return &PayloadResult{
		Table:             table,
		TotalRecords:      len(rows) + len(failed),
		SuccessfulRecords: len(rows),
		FailedRecords:     len(failed),
	}, nil
}

// headerAliases maps the column names used in published extracts to raw
// table columns.
var headerAliases = map[string]string{
	"geo":        "reporting_entity_code",
	"reporter":   "reporting_entity_code",
	"decl":       "reporting_entity_code",
	"prccode":    "product_code",
	"product":    "product_code",
	"indicators": "indicator_code",
	"indicator":  "indicator_code",
	"obs_value":  "value",
	"period":     "time_period",
}

var requiredColumns = []string{"reporting_entity_code", "product_code", "indicator_code", "value"}

// ParsePayload reads a header-led CSV payload into raw rows. Lines with the
// wrong field count are returned as failures; a missing required column
// rejects the payload. Rows are stamped with fetchedAt and, when the payload
// does not say, the request's dataset and year.
func ParsePayload(r io.Reader, req fetch.Request, fetchedAt string) ([]models.RawObservation, []int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if alias, ok := headerAliases[name]; ok {
			name = alias
		}
		index[name] = i
	}
	for _, c := range requiredColumns {
		if _, ok := index[c]; !ok {
			return nil, nil, &models.ValidationError{Field: c, Message: "payload for " + req.String() + " has no " + c + " column"}
		}
	}

	get := func(rec []string, col string) string {
		if i, ok := index[col]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var rows []models.RawObservation
	var failed []int
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			failed = append(failed, line)
			continue
		}

		obs := models.RawObservation{
			DatasetID:           get(rec, "dataset_id"),
			TimePeriod:          get(rec, "time_period"),
			ReportingEntityCode: get(rec, "reporting_entity_code"),
			ProductCode:         get(rec, "product_code"),
			Flow:                get(rec, "flow"),
			Partner:             get(rec, "partner"),
			IndicatorCode:       get(rec, "indicator_code"),
			Value:               get(rec, "value"),
			FetchedAt:           fetchedAt,
			OriginalCode:        get(rec, "original_code"),
		}
		if obs.DatasetID == "" {
			obs.DatasetID = req.DatasetID
		}
		if obs.TimePeriod == "" {
			obs.TimePeriod = fmt.Sprint(req.Year)
		}
		if obs.OriginalCode == "" {
			obs.OriginalCode = obs.ProductCode
		}
		rows = append(rows, obs)
	}
	return rows, failed, nil
}
