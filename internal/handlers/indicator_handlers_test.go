package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circularity-platform/internal/models"
	"circularity-platform/internal/repository"
	"circularity-platform/pkg/logging"
	"circularity-platform/pkg/metrics"
)

type stubReader struct {
	lastFilter repository.IndicatorFilter
	rows       []models.IndicatorRow
	total      int
	runs       map[string]*models.RunSummary
	exported   []int
	err        error
	healthErr  error
}

func (s *stubReader) GetIndicators(ctx context.Context, f repository.IndicatorFilter) ([]models.IndicatorRow, int, error) {
	s.lastFilter = f
	return s.rows, s.total, s.err
}

func (s *stubReader) GetRuns(ctx context.Context, limit, offset int) ([]models.PipelineRun, int, error) {
	var out []models.PipelineRun
	for _, r := range s.runs {
		out = append(out, r.PipelineRun)
	}
	return out, len(out), s.err
}

func (s *stubReader) GetRun(ctx context.Context, id string) (*models.RunSummary, error) {
	if s.err != nil {
		return nil, s.err
	}
	r, ok := s.runs[id]
	if !ok {
		return nil, &models.NotFoundError{Resource: "run", ID: id}
	}
	return r, nil
}

func (s *stubReader) Export(ctx context.Context, w io.Writer, years []int) (int, error) {
	s.exported = years
	fmt.Fprintln(w, "product_code,country_iso")
	return 0, s.err
}

func (s *stubReader) HealthCheck(ctx context.Context) error {
	return s.healthErr
}

func newRouter(s *stubReader) *mux.Router {
	h := NewIndicatorHandler(s, logging.Discard(), metrics.NewCollector("test", prometheus.NewRegistry()))
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func do(t *testing.T, r http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestGetIndicatorsFilters(t *testing.T) {
	row := models.IndicatorRow{ApparentConsumptionT: models.Some(150)}
	row.ProductCode, row.CountryISO, row.Year, row.Level = "28211330", "DE", 2020, models.LevelCountry
	s := &stubReader{rows: []models.IndicatorRow{row}, total: 201}

	rec := do(t, newRouter(s), "/api/indicators?year=2020&product_code=28.21.13.30&country=de&level=country&page=3&limit=50")
	require.Equal(t, http.StatusOK, rec.Code)

	f := s.lastFilter
	require.NotNil(t, f.Year)
	assert.Equal(t, 2020, *f.Year)
	assert.Equal(t, "28.21.13.30", *f.ProductCode)
	assert.Equal(t, "de", *f.CountryISO)
	assert.Equal(t, models.LevelCountry, *f.Level)
	assert.Equal(t, 50, f.Limit)
	assert.Equal(t, 100, f.Offset)

	var body struct {
		Data       []map[string]interface{} `json:"data"`
		Total      int                      `json:"total"`
		TotalPages int                      `json:"total_pages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 201, body.Total)
	assert.Equal(t, 5, body.TotalPages)
	require.Len(t, body.Data, 1)
	assert.Equal(t, 150.0, body.Data[0]["apparent_consumption_t"])
	assert.Nil(t, body.Data[0]["production_volume_t"])
}

func TestGetIndicatorsRejectsBadInput(t *testing.T) {
	tests := []string{
		"/api/indicators?year=twenty",
		"/api/indicators?year=20",
		"/api/indicators?level=region",
	}
	for _, target := range tests {
		t.Run(target, func(t *testing.T) {
			rec := do(t, newRouter(&stubReader{}), target)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, http.StatusBadRequest, resp.Code)
		})
	}
}

func TestGetIndicatorsDefaultsAndFailure(t *testing.T) {
	s := &stubReader{err: errors.New("db down")}
	rec := do(t, newRouter(s), "/api/indicators?limit=5000&page=-1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, defaultLimit, s.lastFilter.Limit)
	assert.Zero(t, s.lastFilter.Offset)
	assert.Nil(t, s.lastFilter.Year)
}

func TestGetRun(t *testing.T) {
	s := &stubReader{runs: map[string]*models.RunSummary{
		"run-1": {PipelineRun: models.PipelineRun{RunID: "run-1", Status: models.StatusPartial},
			Years: []models.YearResult{{RunID: "run-1", Year: 2020, Status: models.StatusFailed, Error: "raw_data not found: 2020"}}},
	}}
	r := newRouter(s)

	rec := do(t, r, "/api/runs/run-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StatusPartial, got.Status)
	require.Len(t, got.Years, 1)
	assert.Equal(t, models.StatusFailed, got.Years[0].Status)

	rec = do(t, r, "/api/runs/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, r, "/api/runs")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExportIndicators(t *testing.T) {
	s := &stubReader{}
	r := newRouter(s)

	rec := do(t, r, "/api/indicators/export?years=2020,2019")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, []int{2020, 2019}, s.exported)

	rec = do(t, r, "/api/indicators/export?years=2020,x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	rec := do(t, newRouter(&stubReader{}), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, newRouter(&stubReader{healthErr: errors.New("no db")}), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestErrorsCountedPerRouteTemplate(t *testing.T) {
	m := metrics.NewCollector("test", prometheus.NewRegistry())
	h := NewIndicatorHandler(&stubReader{}, logging.Discard(), m)
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, http.StatusNotFound, do(t, r, "/api/runs/"+id).Code)
	}
	assert.Equal(t, http.StatusBadRequest, do(t, r, "/api/indicators?year=abc").Code)

	assert.Equal(t, 2, testutil.CollectAndCount(m.APIRequestsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("/api/runs/{run_id}", "GET", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("/api/indicators", "GET", "400")))
}
