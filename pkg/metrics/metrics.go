package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector provides application metrics collection
type Collector struct {
	// API Metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	APIErrorsTotal     *prometheus.CounterVec

	// Ingestion Metrics
	IngestionRowsTotal   *prometheus.CounterVec
	IngestionErrorsTotal *prometheus.CounterVec
	FetchAttemptsTotal   *prometheus.CounterVec

	// Pipeline Metrics
	YearsProcessedTotal    *prometheus.CounterVec
	StageDuration          *prometheus.HistogramVec
	MappingGapsTotal       *prometheus.CounterVec
	UnconvertibleTotal     *prometheus.CounterVec
	SentinelValuesTotal    *prometheus.CounterVec
	UnparseableValuesTotal *prometheus.CounterVec
	FallbackFillsTotal     *prometheus.CounterVec
	RowsPersistedTotal     *prometheus.CounterVec
	BackupExportsTotal     prometheus.Counter

	// Database Metrics
	DBQueryDuration  *prometheus.HistogramVec
	DBConnectionPool *prometheus.GaugeVec
	DBErrorsTotal    *prometheus.CounterVec
}

// NewCollector registers the platform metrics on reg. Passing nil uses the
// process-wide default registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		APIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests by endpoint, method, and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		APIRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"endpoint"},
		),

		APIErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_errors_total",
				Help:      "Total number of API errors by type",
			},
			[]string{"error_type", "endpoint"},
		),

		IngestionRowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingestion_rows_total",
				Help:      "Raw observation rows appended to source tables",
			},
			[]string{"source"},
		),

		IngestionErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingestion_errors_total",
				Help:      "Total number of ingestion errors by type",
			},
			[]string{"error_type"},
		),

		FetchAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_attempts_total",
				Help:      "Fetch attempts against the statistical sources by outcome",
			},
			[]string{"outcome"},
		),

		YearsProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "years_processed_total",
				Help:      "Per-year pipeline units by final status",
			},
			[]string{"status"},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each per-year pipeline stage in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"stage"},
		),

		MappingGapsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mapping_gaps_total",
				Help:      "Observations excluded because no product mapping covered them",
			},
			[]string{"source"},
		),

		UnconvertibleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unconvertible_observations_total",
				Help:      "Quantity observations excluded because their unit could not be converted to tonnes",
			},
			[]string{"unit"},
		),

		SentinelValuesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sentinel_values_total",
				Help:      "Confidential or missing markers found in raw values",
			},
			[]string{"source", "reason"},
		),

		UnparseableValuesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unparseable_values_total",
				Help:      "Raw values dropped because they were neither numeric nor a known sentinel",
			},
			[]string{"source"},
		),

		FallbackFillsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallback_fills_total",
				Help:      "Trade metrics filled from the production source's own trade indicators",
			},
			[]string{"metric", "level"},
		),

		RowsPersistedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_persisted_total",
				Help:      "Rows written to derived tables by table kind",
			},
			[]string{"table"},
		),

		BackupExportsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backup_exports_total",
				Help:      "Flat-file backups written after a persistence failure",
			},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration in seconds by query type",
				Buckets:   []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 5},
			},
			[]string{"query_type"},
		),

		DBConnectionPool: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connection_pool",
				Help:      "Database connection pool statistics",
			},
			[]string{"state"}, // "in_use", "idle", "total"
		),

		DBErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_errors_total",
				Help:      "Total number of database errors by type",
			},
			[]string{"error_type"},
		),
	}
}

// Timer provides timing functionality for operations
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer creates a new timer
func (c *Collector) NewTimer(histogram prometheus.Observer) *Timer {
	return &Timer{
		start:    time.Now(),
		observer: histogram,
	}
}

// StageTimer starts a timer for one pipeline stage.
func (c *Collector) StageTimer(stage string) *Timer {
	return c.NewTimer(c.StageDuration.WithLabelValues(stage))
}

// ObserveDuration records the elapsed time since timer creation
func (t *Timer) ObserveDuration() time.Duration {
	duration := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(duration.Seconds())
	}
	return duration
}

// RecordAPIRequest increments API request counter
func (c *Collector) RecordAPIRequest(endpoint, method, status string) {
	c.APIRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// RecordAPIError increments API error counter
func (c *Collector) RecordAPIError(errorType, endpoint string) {
	c.APIErrorsTotal.WithLabelValues(errorType, endpoint).Inc()
}

// RecordIngestionError increments ingestion error counter
func (c *Collector) RecordIngestionError(errorType string) {
	c.IngestionErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordFetchAttempt counts one fetch outcome ("success", "retry", "permanent", "gap").
func (c *Collector) RecordFetchAttempt(outcome string) {
	c.FetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordYear counts a finished per-year unit ("succeeded", "failed").
func (c *Collector) RecordYear(status string) {
	c.YearsProcessedTotal.WithLabelValues(status).Inc()
}

// RecordMappingGap counts an observation excluded for lack of a product mapping.
func (c *Collector) RecordMappingGap(source string) {
	c.MappingGapsTotal.WithLabelValues(source).Inc()
}

// RecordFallbackFill counts a trade metric filled from the production source.
func (c *Collector) RecordFallbackFill(metric, level string) {
	c.FallbackFillsTotal.WithLabelValues(metric, level).Inc()
}

// RecordRowsPersisted adds n rows written to a derived table kind.
func (c *Collector) RecordRowsPersisted(table string, n int) {
	c.RowsPersistedTotal.WithLabelValues(table).Add(float64(n))
}

// RecordDBError increments database error counter
func (c *Collector) RecordDBError(errorType string) {
	c.DBErrorsTotal.WithLabelValues(errorType).Inc()
}

// UpdateDBConnectionPool updates database connection pool metrics
func (c *Collector) UpdateDBConnectionPool(inUse, idle, total int) {
	c.DBConnectionPool.WithLabelValues("in_use").Set(float64(inUse))
	c.DBConnectionPool.WithLabelValues("idle").Set(float64(idle))
	c.DBConnectionPool.WithLabelValues("total").Set(float64(total))
}
