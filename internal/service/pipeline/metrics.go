package pipeline

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chudopalovba/diplom/internal/domain"
)

// Metrics tracks pipeline activity. A nil *Metrics records nothing.
type Metrics struct {
	runsTriggered    *prometheus.CounterVec
	runsFinished     *prometheus.CounterVec
	stageTransitions *prometheus.CounterVec
	progressEvents   *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
}

var runDurationBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600}

// NewMetrics registers pipeline collectors on reg, reusing collectors that are already
// registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "pipeline",
			Name:      "runs_triggered_total",
			Help:      "Trigger attempts by run kind and result",
		}, []string{"kind", "result"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "pipeline",
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status",
		}, []string{"kind", "status"}),
		stageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "pipeline",
			Name:      "stage_transitions_total",
			Help:      "Applied stage status changes",
		}, []string{"stage", "status"}),
		progressEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "pipeline",
			Name:      "progress_events_total",
			Help:      "Progress reports by outcome",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Wall time from trigger to terminal status",
			Buckets:   runDurationBuckets,
		}, []string{"kind", "status"}),
	}
	if reg == nil {
		return m
	}
	m.runsTriggered = registerCounter(reg, m.runsTriggered)
	m.runsFinished = registerCounter(reg, m.runsFinished)
	m.stageTransitions = registerCounter(reg, m.stageTransitions)
	m.progressEvents = registerCounter(reg, m.progressEvents)
	if err := reg.Register(m.runDuration); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				m.runDuration = existing
			}
		}
	}
	return m
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) triggered(kind domain.RunKind, result string) {
	if m == nil {
		return
	}
	m.runsTriggered.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) progress(outcome Outcome) {
	if m == nil {
		return
	}
	m.progressEvents.WithLabelValues(string(outcome)).Inc()
}

// transitions counts stage changes between before and after and the run's finish.
func (m *Metrics) transitions(before, after domain.PipelineRun) {
	if m == nil {
		return
	}
	for i, st := range after.Stages {
		if i < len(before.Stages) && before.Stages[i].Status == st.Status {
			continue
		}
		m.stageTransitions.WithLabelValues(string(st.Name), string(st.Status)).Inc()
	}
	if !before.Status.Terminal() && after.Status.Terminal() {
		m.runsFinished.WithLabelValues(string(after.Kind), string(after.Status)).Inc()
		if after.FinishedAt != nil {
			m.runDuration.WithLabelValues(string(after.Kind), string(after.Status)).Observe(after.FinishedAt.Sub(after.StartedAt).Seconds())
		}
	}
}
