package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for pipeline runs, the broadcast hub
// and artifact reconciliation. All methods are safe on a nil receiver.
type Metrics struct {
	runsActive    prometheus.Gauge
	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	linesDropped  *prometheus.CounterVec

	eventsPublished   *prometheus.CounterVec
	subscribersActive prometheus.Gauge
	subscribersPruned prometheus.Counter

	artifactsDiscovered prometheus.Counter
	reconcileOutcomes   *prometheus.CounterVec
	artifactsSwept      prometheus.Counter
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Collectors already registered under the same name are reused; any other
// registration error panics, mirroring promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		runsActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scout",
			Subsystem: "pipeline",
			Name:      "runs_active",
			Help:      "Number of pipeline processes currently running.",
		})),
		runsTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scout",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by terminal status.",
		}, []string{"status"})),
		runDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scout",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Wall time of pipeline runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		})),
		stageDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scout",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration spent in each workflow stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "status"})),
		stageFailures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scout",
			Subsystem: "pipeline",
			Name:      "stage_failures_total",
			Help:      "Workflow stage executions that failed.",
		}, []string{"stage", "best_effort"})),
		linesDropped: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scout",
			Subsystem: "decoder",
			Name:      "lines_dropped_total",
			Help:      "Output lines that produced no event, by reason.",
		}, []string{"reason"})),
		eventsPublished: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scout",
			Subsystem: "hub",
			Name:      "events_published_total",
			Help:      "Events accepted by the broadcast hub, by type.",
		}, []string{"type"})),
		subscribersActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scout",
			Subsystem: "hub",
			Name:      "subscribers_active",
			Help:      "Live subscribers across all sessions.",
		})),
		subscribersPruned: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scout",
			Subsystem: "hub",
			Name:      "subscribers_pruned_total",
			Help:      "Subscribers removed after a failed delivery.",
		})),
		artifactsDiscovered: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scout",
			Subsystem: "artifacts",
			Name:      "discovered_total",
			Help:      "Artifacts announced to sessions.",
		})),
		reconcileOutcomes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scout",
			Subsystem: "artifacts",
			Name:      "reconciliations_total",
			Help:      "Finished reconciliation windows by outcome.",
		}, []string{"outcome"})),
		artifactsSwept: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scout",
			Subsystem: "artifacts",
			Name:      "swept_total",
			Help:      "Artifacts deleted by the retention sweep.",
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

// RunStarted marks a pipeline run as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

// RunFinished records the terminal status and duration of a run.
func (m *Metrics) RunFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// ObserveStageDuration records the time spent in a stage with the provided status label.
func (m *Metrics) ObserveStageDuration(stage, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// IncStageFailure increments the failure counter for the given stage.
func (m *Metrics) IncStageFailure(stage string, bestEffort bool) {
	if m == nil {
		return
	}
	label := "false"
	if bestEffort {
		label = "true"
	}
	m.stageFailures.WithLabelValues(stage, label).Inc()
}

// IncLineDropped counts an output line the decoder ignored.
func (m *Metrics) IncLineDropped(reason string) {
	if m == nil {
		return
	}
	m.linesDropped.WithLabelValues(reason).Inc()
}

// IncEventPublished counts an event accepted by the hub.
func (m *Metrics) IncEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// SubscriberAdded tracks a new live subscriber.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribersActive.Inc()
}

// SubscriberRemoved tracks a subscriber leaving; pruned marks removal after
// a failed delivery.
func (m *Metrics) SubscriberRemoved(pruned bool) {
	if m == nil {
		return
	}
	m.subscribersActive.Dec()
	if pruned {
		m.subscribersPruned.Inc()
	}
}

// IncArtifactDiscovered counts an announced artifact.
func (m *Metrics) IncArtifactDiscovered() {
	if m == nil {
		return
	}
	m.artifactsDiscovered.Inc()
}

// IncReconcileOutcome counts a finished reconciliation window.
func (m *Metrics) IncReconcileOutcome(outcome string) {
	if m == nil {
		return
	}
	m.reconcileOutcomes.WithLabelValues(outcome).Inc()
}

// AddArtifactsSwept counts artifacts deleted by retention.
func (m *Metrics) AddArtifactsSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.artifactsSwept.Add(float64(n))
}
