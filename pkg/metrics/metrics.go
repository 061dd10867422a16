// Package metrics exposes Prometheus collectors for the ingest, session,
// reconciliation and control paths.
package metrics

import (
	"net/http"

	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raterudder/chargerudder/pkg/types"
)

const namespace = "chargerudder"

// Sample results.
const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
)

// Metrics holds every collector. The zero value is not usable; a nil
// *Metrics drops all observations.
type Metrics struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	samples       *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	reconcile     *prometheus.CounterVec
	discrepancies prometheus.Counter
	efficiency    *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	actuations    *prometheus.CounterVec
	controlStatus *prometheus.GaugeVec
	taskErrors    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
}

// Configured returns Metrics on a dedicated registry that also carries the Go
// runtime and process collectors.
func Configured() *Metrics {
	m := &Metrics{}
	runtime := lflag.Bool("metrics-runtime", true, "Export Go runtime and process metrics")
	lflag.Do(func() {
		reg := prometheus.NewRegistry()
		if *runtime {
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}
		*m = *New(reg)
	})
	return m
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Ingested samples by kind and result.",
		}, []string{"kind", "result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_records_total",
			Help:      "Session records written by source and status.",
		}, []string{"source", "status"}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_outcomes_total",
			Help:      "Reconciliation outcomes by record source.",
		}, []string{"source", "outcome"}),
		discrepancies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_energy_discrepancies_total",
			Help:      "Merged sessions whose live and authoritative energy disagree.",
		}),
		efficiency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "charging_efficiency_percent",
			Help:      "Energy added to the vehicle as a percentage of the energy the charger delivered, per merged session.",
			Buckets:   []float64{60, 70, 75, 80, 85, 88, 90, 92, 94, 96, 98, 100, 105},
		}, []string{"device"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_transitions_total",
			Help:      "Controller transitions by target status.",
		}, []string{"entity", "to"}),
		actuations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_actuation_failures_total",
			Help:      "Transitions whose actuation failed.",
		}, []string{"entity"}),
		controlStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_status",
			Help:      "1 for the current controller status of each entity.",
		}, []string{"entity", "status"}),
		taskErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_errors_total",
			Help:      "Background task iterations that failed.",
		}, []string{"task"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Background task iteration latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"task"}),
	}
	reg.MustRegister(
		m.samples,
		m.sessions,
		m.reconcile,
		m.discrepancies,
		m.efficiency,
		m.transitions,
		m.actuations,
		m.controlStatus,
		m.taskErrors,
		m.taskDuration,
	)
	m.registerer = reg
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// WatchPriceWindow exports the size of the price window and the number of
// snapshot recomputes, read on every scrape.
func (m *Metrics) WatchPriceWindow(size func() int, recomputes func() uint64) {
	if m == nil || m.registerer == nil {
		return
	}
	m.registerer.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "price_window_samples",
			Help:      "Price samples in the rolling window.",
		}, func() float64 { return float64(size()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_snapshot_recomputes_total",
			Help:      "Price distribution snapshot recomputes.",
		}, func() float64 { return float64(recomputes()) }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Sample counts one sample of kind ("power" or "price") with the given result.
func (m *Metrics) Sample(kind, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.samples.WithLabelValues(kind, result).Add(float64(n))
}

// Sessions counts written session records.
func (m *Metrics) Sessions(records []types.SessionRecord) {
	if m == nil {
		return
	}
	for _, rec := range records {
		m.sessions.WithLabelValues(rec.Source.String(), string(rec.Status)).Inc()
		if rec.EnergyDiscrepancy {
			m.discrepancies.Inc()
		}
		if rec.Canonical() && rec.Efficiency != nil {
			m.efficiency.WithLabelValues(rec.DeviceID).Observe(rec.Efficiency.Percent)
		}
	}
}

// Reconcile counts a reconciliation outcome.
func (m *Metrics) Reconcile(source types.SessionSource, outcome string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(source.String(), outcome).Inc()
}

// Transition counts a controller transition.
func (m *Metrics) Transition(tr types.Transition) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(tr.EntityID, string(tr.To)).Inc()
	if tr.ActuationError != "" {
		m.actuations.WithLabelValues(tr.EntityID).Inc()
	}
}

// ControlStates sets the status gauge so exactly one status per entity is 1.
func (m *Metrics) ControlStates(states []types.ControlState) {
	if m == nil {
		return
	}
	all := []types.ControlStatus{
		types.ControlStatusUnknown,
		types.ControlStatusIdle,
		types.ControlStatusRunning,
		types.ControlStatusPausedByPrice,
	}
	for _, st := range states {
		for _, s := range all {
			v := 0.0
			if s == st.Status {
				v = 1
			}
			m.controlStatus.WithLabelValues(st.EntityID, string(s)).Set(v)
		}
	}
}

// Task records one iteration of a background task.
func (m *Metrics) Task(task string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(task).Observe(seconds)
	if err != nil {
		m.taskErrors.WithLabelValues(task).Inc()
	}
}
