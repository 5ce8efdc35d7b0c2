package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"circularity-platform/internal/models"
	"circularity-platform/internal/repository"
	"circularity-platform/pkg/logging"
	"circularity-platform/pkg/metrics"
)

// IndicatorReader is the read side the API serves from.
type IndicatorReader interface {
	GetIndicators(ctx context.Context, filter repository.IndicatorFilter) ([]models.IndicatorRow, int, error)
	GetRuns(ctx context.Context, limit, offset int) ([]models.PipelineRun, int, error)
	GetRun(ctx context.Context, runID string) (*models.RunSummary, error)
	Export(ctx context.Context, w io.Writer, years []int) (int, error)
	HealthCheck(ctx context.Context) error
}

// IndicatorHandler handles indicator and run API endpoints
type IndicatorHandler struct {
	service IndicatorReader
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewIndicatorHandler creates a new indicator handler
func NewIndicatorHandler(service IndicatorReader, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *IndicatorHandler {
	return &IndicatorHandler{
		service: service,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// pagination reads page and limit, falling back to defaults on bad input.
func pagination(r *http.Request) (page, limit int) {
	page, limit = 1, defaultLimit
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxLimit {
		limit = l
	}
	return page, limit
}

func (h *IndicatorHandler) observe(endpoint string, start time.Time) {
	h.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// GetIndicators handles GET /api/indicators
func (h *IndicatorHandler) GetIndicators(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe("/api/indicators", time.Now())

	q := r.URL.Query()
	page, limit := pagination(r)
	filter := repository.IndicatorFilter{
		Limit:  limit,
		Offset: (page - 1) * limit,
	}

	if s := q.Get("year"); s != "" {
		year, err := strconv.Atoi(s)
		if err != nil || year < 1900 || year > 2100 {
			h.sendError(w, "/api/indicators", "invalid year, expected a four-digit integer", http.StatusBadRequest)
			return
		}
		filter.Year = &year
	}
	if s := strings.TrimSpace(q.Get("product_code")); s != "" {
		filter.ProductCode = &s
	}
	if s := strings.TrimSpace(q.Get("country")); s != "" {
		filter.CountryISO = &s
	}
	if s := q.Get("level"); s != "" {
		lvl := models.Level(s)
		if lvl != models.LevelCountry && lvl != models.LevelEUAggregate {
			h.sendError(w, "/api/indicators", "invalid level, expected country or eu_aggregate", http.StatusBadRequest)
			return
		}
		filter.Level = &lvl
	}

	rows, total, err := h.service.GetIndicators(ctx, filter)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_INDICATORS_ERROR] Failed to get indicators", logging.Fields{
			"filter": filter,
		}, err)
		h.metrics.RecordAPIError("internal_error", "/api/indicators")
		h.sendError(w, "/api/indicators", "failed to retrieve indicators", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest("/api/indicators", "GET", "200")
	h.sendJSON(w, PaginatedResponse{
		Data:       rows,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}, http.StatusOK)
}

// ExportIndicators handles GET /api/indicators/export, streaming CSV for the
// years listed in the comma-separated years parameter or for every year.
func (h *IndicatorHandler) ExportIndicators(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe("/api/indicators/export", time.Now())

	var years []int
	if s := r.URL.Query().Get("years"); s != "" {
		for _, part := range strings.Split(s, ",") {
			y, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				h.sendError(w, "/api/indicators/export", "invalid years, expected comma-separated integers", http.StatusBadRequest)
				return
			}
			years = append(years, y)
		}
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="indicators.csv"`)
	n, err := h.service.Export(ctx, w, years)
	if err != nil {
		// headers may be gone already; log and let the client see a short body
		h.logger.Error(ctx, "[API_EXPORT_ERROR] Failed to export indicators", logging.Fields{
			"years": years,
		}, err)
		h.metrics.RecordAPIError("internal_error", "/api/indicators/export")
		return
	}
	h.logger.Debug(ctx, "[API_EXPORT] Indicators exported", logging.Fields{"rows": n})
	h.metrics.RecordAPIRequest("/api/indicators/export", "GET", "200")
}

// GetRuns handles GET /api/runs
func (h *IndicatorHandler) GetRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe("/api/runs", time.Now())

	page, limit := pagination(r)
	runs, total, err := h.service.GetRuns(ctx, limit, (page-1)*limit)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_RUNS_ERROR] Failed to get runs", nil, err)
		h.metrics.RecordAPIError("internal_error", "/api/runs")
		h.sendError(w, "/api/runs", "failed to retrieve runs", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest("/api/runs", "GET", "200")
	h.sendJSON(w, PaginatedResponse{
		Data:       runs,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}, http.StatusOK)
}

// GetRun handles GET /api/runs/{run_id}
func (h *IndicatorHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe("/api/runs/{run_id}", time.Now())

	runID := mux.Vars(r)["run_id"]
	run, err := h.service.GetRun(ctx, runID)
	var nf *models.NotFoundError
	switch {
	case errors.As(err, &nf):
		h.sendError(w, "/api/runs/{run_id}", nf.Error(), http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error(ctx, "[API_GET_RUN_ERROR] Failed to get run", logging.Fields{
			"run_id": runID,
		}, err)
		h.metrics.RecordAPIError("internal_error", "/api/runs/{run_id}")
		h.sendError(w, "/api/runs/{run_id}", "failed to retrieve run", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest("/api/runs/{run_id}", "GET", "200")
	h.sendJSON(w, run, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *IndicatorHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if err := h.service.HealthCheck(ctx); err != nil {
		h.logger.Warn(ctx, "[HEALTH_CHECK_FAILED] Warehouse unreachable", logging.Fields{
			"error": err.Error(),
		})
		status["status"] = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, status, code)
}

// sendJSON sends a JSON response
func (h *IndicatorHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response, counted under the route template
func (h *IndicatorHandler) sendError(w http.ResponseWriter, endpoint, message string, statusCode int) {
	h.metrics.RecordAPIRequest(endpoint, "GET", strconv.Itoa(statusCode))

	h.sendJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// RegisterRoutes registers all indicator API routes
func (h *IndicatorHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/indicators", h.GetIndicators).Methods("GET")
	router.HandleFunc("/api/indicators/export", h.ExportIndicators).Methods("GET")
	router.HandleFunc("/api/runs", h.GetRuns).Methods("GET")
	router.HandleFunc("/api/runs/{run_id}", h.GetRun).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}
