// Package metrics provides datastore metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DatastoreMetrics contains Prometheus metrics for detection storage
type DatastoreMetrics struct {
	registry *prometheus.Registry

	// Database operation metrics
	dbOperationsTotal      *prometheus.CounterVec
	dbOperationDuration    *prometheus.HistogramVec
	dbOperationErrorsTotal *prometheus.CounterVec

	// Transaction metrics
	dbTransactionsTotal   *prometheus.CounterVec
	dbTransactionDuration *prometheus.HistogramVec

	// Row metrics
	detectionsSavedTotal prometheus.Counter
	picksSavedTotal      prometheus.Counter
	queryResultSizeHist  *prometheus.HistogramVec

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewDatastoreMetrics creates and registers new datastore metrics
func NewDatastoreMetrics(registry *prometheus.Registry) (*DatastoreMetrics, error) {
	m := &DatastoreMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *DatastoreMetrics) initMetrics() error {
	m.dbOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_db_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"}, // operation: db_insert, db_query, db_delete; status: success, error
	)

	m.dbOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_db_operation_duration_seconds",
			Help:    "Time taken for database operations",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15), // 1ms to ~32s
		},
		[]string{"operation"},
	)

	m.dbOperationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation", "error_type"},
	)

	m.dbTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_db_transactions_total",
			Help: "Total number of database transactions",
		},
		[]string{"status"}, // status: commit, rollback
	)

	m.dbTransactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_db_transaction_duration_seconds",
			Help:    "Time taken for database transactions",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15), // 1ms to ~32s
		},
		[]string{"operation"},
	)

	m.detectionsSavedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "datastore_detections_saved_total",
		Help: "Total number of detection rows written",
	})

	m.picksSavedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "datastore_picks_saved_total",
		Help: "Total number of pick rows written",
	})

	m.queryResultSizeHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_db_query_result_size_rows",
			Help:    "Number of rows returned by database queries",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		},
		[]string{"operation"},
	)

	m.collectors = []prometheus.Collector{
		m.dbOperationsTotal,
		m.dbOperationDuration,
		m.dbOperationErrorsTotal,
		m.dbTransactionsTotal,
		m.dbTransactionDuration,
		m.detectionsSavedTotal,
		m.picksSavedTotal,
		m.queryResultSizeHist,
	}

	return nil
}

// Describe implements the Collector interface
func (m *DatastoreMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *DatastoreMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordTransaction records a finished database transaction
func (m *DatastoreMetrics) RecordTransaction(status string) {
	m.dbTransactionsTotal.WithLabelValues(status).Inc()
}

// RecordTransactionDuration records the duration of a transaction
func (m *DatastoreMetrics) RecordTransactionDuration(operation string, seconds float64) {
	m.dbTransactionDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordRowsSaved records how many detection and pick rows a save wrote
func (m *DatastoreMetrics) RecordRowsSaved(detections, picks int) {
	m.detectionsSavedTotal.Add(float64(detections))
	m.picksSavedTotal.Add(float64(picks))
}

// RecordQueryResultSize records the size of query results
func (m *DatastoreMetrics) RecordQueryResultSize(operation string, resultSize int) {
	m.queryResultSizeHist.WithLabelValues(operation).Observe(float64(resultSize))
}

// RecordOperation implements the Recorder interface.
// Supported operations: "db_insert", "db_query", "db_delete", "transaction".
// Status values: "success", "error"
func (m *DatastoreMetrics) RecordOperation(operation, status string) {
	switch operation {
	case OpTransaction:
		m.dbTransactionsTotal.WithLabelValues(status).Inc()
	default:
		m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
	}
}

// RecordDuration implements the Recorder interface.
func (m *DatastoreMetrics) RecordDuration(operation string, seconds float64) {
	switch operation {
	case OpTransaction:
		m.dbTransactionDuration.WithLabelValues(LabelCommit).Observe(seconds)
	default:
		m.dbOperationDuration.WithLabelValues(operation).Observe(seconds)
	}
}

// RecordError implements the Recorder interface.
func (m *DatastoreMetrics) RecordError(operation, errorType string) {
	m.dbOperationErrorsTotal.WithLabelValues(operation, errorType).Inc()
	m.dbOperationsTotal.WithLabelValues(operation, LabelError).Inc()
}
