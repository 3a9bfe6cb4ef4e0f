// internal/monitoring/metrics.go

// Package monitoring exposes pipeline metrics and health over HTTP.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsManager owns the Prometheus collectors for the extraction
// pipeline. Every manager carries its own registry so multiple
// instances can coexist in one process.
type MetricsManager struct {
	registry *prometheus.Registry

	diocesesProcessed *prometheus.CounterVec
	parishesExtracted *prometheus.CounterVec
	scheduleFacts     *prometheus.CounterVec
	extractionTime    *prometheus.HistogramVec
	extractionStages  *prometheus.CounterVec

	pagesLoaded  *prometheus.CounterVec
	pageLoadTime *prometheus.HistogramVec

	breakerState  *prometheus.GaugeVec
	breakerTrips  *prometheus.CounterVec
	cacheOps      *prometheus.CounterVec
	rateLimitHits *prometheus.CounterVec

	tasksQueued   prometheus.Gauge
	tasksActive   prometheus.Gauge
	workerCount   prometheus.Gauge
	errorsByType  *prometheus.CounterVec
	aiInvocations *prometheus.CounterVec
}

// MetricsConfig names the metric tree.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Subsystem string `yaml:"subsystem" json:"subsystem"`
}

// NewMetricsManager creates and registers the pipeline collectors.
func NewMetricsManager(cfg MetricsConfig) *MetricsManager {
	if cfg.Namespace == "" {
		cfg.Namespace = "diocesan_vitality"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "pipeline"
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	mm := &MetricsManager{registry: registry}

	mm.diocesesProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "dioceses_processed_total",
		Help:      "Dioceses processed, by terminal status",
	}, []string{"status"})

	mm.parishesExtracted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "parishes_extracted_total",
		Help:      "Parishes persisted, by extractor that produced them",
	}, []string{"extractor"})

	mm.scheduleFacts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "schedule_facts_total",
		Help:      "Schedule facts persisted, by fact type",
	}, []string{"fact_type"})

	mm.extractionTime = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "extraction_duration_seconds",
		Help:      "End-to-end extraction duration per diocese",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
	}, []string{"strategy"})

	mm.extractionStages = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "extraction_stages_total",
		Help:      "Extractor stage attempts, by stage and outcome",
	}, []string{"stage", "outcome"})

	mm.pagesLoaded = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "pages_loaded_total",
		Help:      "Browser page loads, by outcome",
	}, []string{"outcome"})

	mm.pageLoadTime = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "page_load_duration_seconds",
		Help:      "Browser page load latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"domain"})

	mm.breakerState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"breaker"})

	mm.breakerTrips = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "breaker_trips_total",
		Help:      "Circuit breaker open transitions",
	}, []string{"breaker"})

	mm.cacheOps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "cache_operations_total",
		Help:      "Cache operations, by operation and result",
	}, []string{"operation", "result"})

	mm.rateLimitHits = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "rate_limit_throttles_total",
		Help:      "Tasks throttled by per-domain rate limits",
	}, []string{"domain"})

	mm.tasksQueued = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "tasks_queued",
		Help:      "Extraction tasks waiting in the scheduler queue",
	})

	mm.tasksActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "tasks_active",
		Help:      "Extraction tasks currently executing",
	})

	mm.workerCount = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "scheduler_workers",
		Help:      "Scheduler worker goroutines",
	})

	mm.errorsByType = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "errors_total",
		Help:      "Classified errors, by type",
	}, []string{"type"})

	mm.aiInvocations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "ai_invocations_total",
		Help:      "AI fallback analyses, by outcome",
	}, []string{"outcome"})

	return mm
}

// Registry exposes the manager's registry for the HTTP handler.
func (mm *MetricsManager) Registry() *prometheus.Registry { return mm.registry }

func (mm *MetricsManager) RecordDiocese(status string, strategy string, duration time.Duration) {
	mm.diocesesProcessed.WithLabelValues(status).Inc()
	if strategy != "" {
		mm.extractionTime.WithLabelValues(strategy).Observe(duration.Seconds())
	}
}

func (mm *MetricsManager) RecordParishes(extractorName string, count int) {
	mm.parishesExtracted.WithLabelValues(extractorName).Add(float64(count))
}

func (mm *MetricsManager) RecordScheduleFacts(factType string, count int) {
	mm.scheduleFacts.WithLabelValues(factType).Add(float64(count))
}

func (mm *MetricsManager) RecordStage(stage, outcome string) {
	mm.extractionStages.WithLabelValues(stage, outcome).Inc()
}

func (mm *MetricsManager) RecordPageLoad(domain string, duration time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	mm.pagesLoaded.WithLabelValues(outcome).Inc()
	mm.pageLoadTime.WithLabelValues(domain).Observe(duration.Seconds())
}

// SetBreakerState mirrors a breaker transition into the state gauge and
// counts trips to open.
func (mm *MetricsManager) SetBreakerState(name string, state float64) {
	mm.breakerState.WithLabelValues(name).Set(state)
	if state == 2 {
		mm.breakerTrips.WithLabelValues(name).Inc()
	}
}

func (mm *MetricsManager) RecordCacheOp(operation, result string) {
	mm.cacheOps.WithLabelValues(operation, result).Inc()
}

func (mm *MetricsManager) RecordThrottle(domain string) {
	mm.rateLimitHits.WithLabelValues(domain).Inc()
}

func (mm *MetricsManager) SetSchedulerGauges(queued, active, workers int) {
	mm.tasksQueued.Set(float64(queued))
	mm.tasksActive.Set(float64(active))
	mm.workerCount.Set(float64(workers))
}

func (mm *MetricsManager) RecordError(errType string) {
	mm.errorsByType.WithLabelValues(errType).Inc()
}

func (mm *MetricsManager) RecordAI(success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	mm.aiInvocations.WithLabelValues(outcome).Inc()
}
