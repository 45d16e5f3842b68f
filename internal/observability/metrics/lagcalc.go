// Package metrics provides pick refinement metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LagCalcMetrics contains Prometheus metrics for pick refinement
type LagCalcMetrics struct {
	registry *prometheus.Registry

	// Refinement metrics
	refinementsTotal   *prometheus.CounterVec
	refinementDuration prometheus.Histogram

	// Pick metrics
	picksTotal          prometheus.Counter
	correlationPeakHist prometheus.Histogram

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewLagCalcMetrics creates and registers new pick refinement metrics
func NewLagCalcMetrics(registry *prometheus.Registry) (*LagCalcMetrics, error) {
	m := &LagCalcMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *LagCalcMetrics) initMetrics() error {
	m.refinementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lagcalc_refinements_total",
			Help: "Total number of detections run through pick refinement",
		},
		[]string{"status"}, // status: picked, empty, skipped
	)

	m.refinementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lagcalc_refinement_duration_seconds",
		Help:    "Time taken to refine one family",
		Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12), // 10ms to ~40s
	})

	m.picksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lagcalc_picks_total",
		Help: "Total number of picks produced",
	})

	m.correlationPeakHist = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lagcalc_correlation_peak",
		Help:    "Peak correlation values of accepted picks",
		Buckets: prometheus.LinearBuckets(BucketCorrStart, BucketCorrWidth, BucketCorrCount),
	})

	m.collectors = []prometheus.Collector{
		m.refinementsTotal,
		m.refinementDuration,
		m.picksTotal,
		m.correlationPeakHist,
	}

	return nil
}

// Describe implements the Collector interface
func (m *LagCalcMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *LagCalcMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordRefinement records the outcome of one detection's refinement
func (m *LagCalcMetrics) RecordRefinement(status string) {
	m.refinementsTotal.WithLabelValues(status).Inc()
}

// RecordPicks adds to the produced pick count
func (m *LagCalcMetrics) RecordPicks(count int) {
	m.picksTotal.Add(float64(count))
}

// RecordCorrelationPeak records the peak correlation of an accepted pick
func (m *LagCalcMetrics) RecordCorrelationPeak(value float64) {
	m.correlationPeakHist.Observe(value)
}

// RecordOperation implements the Recorder interface.
func (m *LagCalcMetrics) RecordOperation(operation, status string) {
	m.refinementsTotal.WithLabelValues(status).Inc()
}

// RecordDuration implements the Recorder interface.
func (m *LagCalcMetrics) RecordDuration(operation string, seconds float64) {
	m.refinementDuration.Observe(seconds)
}

// RecordError implements the Recorder interface.
func (m *LagCalcMetrics) RecordError(operation, errorType string) {
	m.refinementsTotal.WithLabelValues(LabelError).Inc()
}
