// Package metrics provides pipeline metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains Prometheus metrics for the detection pipeline
type PipelineMetrics struct {
	registry *prometheus.Registry

	// Stage metrics
	stageOperationsTotal *prometheus.CounterVec
	stageDuration        *prometheus.HistogramVec

	// Throughput metrics
	detectionsProcessedTotal prometheus.Counter
	detectionsStoredTotal    prometheus.Counter
	channelsPreparedGauge    prometheus.Gauge

	// Error tracking fed by the error hook
	errorsTotal *prometheus.CounterVec

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewPipelineMetrics creates and registers new pipeline metrics
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *PipelineMetrics) initMetrics() error {
	m.stageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_operations_total",
			Help: "Total number of pipeline stage runs",
		},
		[]string{"stage", "status"}, // stage: process, lagcalc, store, export
	)

	m.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Time taken by each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12), // 10ms to ~40s
		},
		[]string{"stage"},
	)

	m.detectionsProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_detections_processed_total",
		Help: "Total number of detections run through the pipeline",
	})

	m.detectionsStoredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_detections_stored_total",
		Help: "Total number of detections persisted to outputs",
	})

	m.channelsPreparedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_channels_prepared",
		Help: "Channels prepared in the most recent stream preparation",
	})

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_errors_total",
			Help: "Total number of errors by component and category",
		},
		[]string{"component", "category"},
	)

	m.collectors = []prometheus.Collector{
		m.stageOperationsTotal,
		m.stageDuration,
		m.detectionsProcessedTotal,
		m.detectionsStoredTotal,
		m.channelsPreparedGauge,
		m.errorsTotal,
	}

	return nil
}

// Describe implements the Collector interface
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordDetectionsProcessed adds to the processed detection count
func (m *PipelineMetrics) RecordDetectionsProcessed(count int) {
	m.detectionsProcessedTotal.Add(float64(count))
}

// RecordDetectionsStored adds to the stored detection count
func (m *PipelineMetrics) RecordDetectionsStored(count int) {
	m.detectionsStoredTotal.Add(float64(count))
}

// UpdateChannelsPrepared sets the channel count of the latest preparation
func (m *PipelineMetrics) UpdateChannelsPrepared(count int) {
	m.channelsPreparedGauge.Set(float64(count))
}

// RecordOperation implements the Recorder interface.
// Supported operations: "process", "lagcalc", "store", "export".
// Status values: "success", "error"
func (m *PipelineMetrics) RecordOperation(operation, status string) {
	m.stageOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements the Recorder interface.
func (m *PipelineMetrics) RecordDuration(operation string, seconds float64) {
	m.stageDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements the Recorder interface. The pipeline also feeds
// every built error through here via the error hook, labelled by the
// component it came from.
func (m *PipelineMetrics) RecordError(operation, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}
