// Package observability provides metrics and monitoring capabilities for the detection pipeline.
package observability

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tremorlab/quakescan-go/internal/errors"
	"github.com/tremorlab/quakescan-go/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry  *prometheus.Registry
	Pipeline  *metrics.PipelineMetrics
	LagCalc   *metrics.LagCalcMetrics
	Datastore *metrics.DatastoreMetrics
}

// NewMetrics creates a new instance of Metrics, initializing all metric collectors.
// It returns an error if any metric collector fails to initialize.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	pipelineMetrics, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline metrics: %w", err)
	}

	lagCalcMetrics, err := metrics.NewLagCalcMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create lagcalc metrics: %w", err)
	}

	datastoreMetrics, err := metrics.NewDatastoreMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create datastore metrics: %w", err)
	}

	m := &Metrics{
		registry:  registry,
		Pipeline:  pipelineMetrics,
		LagCalc:   lagCalcMetrics,
		Datastore: datastoreMetrics,
	}

	// Feed every built error into the pipeline error counter
	initializeErrorTracking(pipelineMetrics)

	return m, nil
}

// Gatherer exposes the private registry for scraping or testing without
// letting callers register their own collectors on it.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

var errorTrackingOnce sync.Once

// initializeErrorTracking routes the error hook into metrics. Only the
// first Metrics instance wins, later instances observe nothing, which
// keeps the hook stable when tests build many registries.
func initializeErrorTracking(pipelineMetrics *metrics.PipelineMetrics) {
	errorTrackingOnce.Do(func() {
		errors.SetErrorHook(func(ee *errors.EnhancedError) {
			pipelineMetrics.RecordError(ee.GetComponent(), ee.GetCategory())
		})
	})
}
