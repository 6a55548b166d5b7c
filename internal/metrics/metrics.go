// Package metrics defines the Prometheus collectors shared by the dispatch
// engine, the fault detector, the motion operator and the sequence server.
//
// Collectors live on a Metrics value bound to a registry so tests can use a
// private registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector exported by a gangway process.
type Metrics struct {
	// CommandsDispatched counts commands handed to segment connections.
	CommandsDispatched prometheus.Counter
	// DispatchErrors counts statement errors by SQLSTATE.
	DispatchErrors *prometheus.CounterVec
	// SignalsSent counts finish/cancel signals sent to segments.
	SignalsSent *prometheus.CounterVec
	// DispatchDuration is the time from dispatch until a connection finished.
	DispatchDuration prometheus.Histogram
	// Probes counts fault detector probes by outcome.
	Probes *prometheus.CounterVec
	// MotionTuples counts tuples moved by motion id and direction.
	MotionTuples *prometheus.CounterVec
	// SequenceAllocations counts nextval requests served by result.
	SequenceAllocations *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers all collectors with reg. When reg is nil a fresh registry is used.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		CommandsDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "gangway_dispatch_commands_total",
			Help: "Total number of commands dispatched to segments",
		}),
		DispatchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gangway_dispatch_errors_total",
			Help: "Statement errors recorded by the dispatcher",
		}, []string{"sqlstate"}),
		SignalsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gangway_dispatch_signals_total",
			Help: "Finish and cancel signals sent to segments",
		}, []string{"mode"}),
		DispatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gangway_dispatch_duration_seconds",
			Help:    "Time from dispatch until a segment connection finished",
			Buckets: prometheus.DefBuckets,
		}),
		Probes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gangway_fts_probes_total",
			Help: "Fault detector probes by outcome",
		}, []string{"result"}),
		MotionTuples: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gangway_motion_tuples_total",
			Help: "Tuples moved by motion operators",
		}, []string{"motion", "direction"}),
		SequenceAllocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gangway_sequence_allocations_total",
			Help: "Sequence values served to segments",
		}, []string{"result"}),
		gatherer: reg,
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Dispatched records one command send.
func (m *Metrics) Dispatched() {
	if m == nil {
		return
	}
	m.CommandsDispatched.Inc()
}

// DispatchError records a statement error code.
func (m *Metrics) DispatchError(sqlstate string) {
	if m == nil {
		return
	}
	m.DispatchErrors.WithLabelValues(sqlstate).Inc()
}

// Signal records a finish or cancel signal.
func (m *Metrics) Signal(mode string) {
	if m == nil {
		return
	}
	m.SignalsSent.WithLabelValues(mode).Inc()
}

// ObserveDispatch records how long one connection took to finish.
func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchDuration.Observe(d.Seconds())
}

// Probe records one fault detector probe outcome.
func (m *Metrics) Probe(result string) {
	if m == nil {
		return
	}
	m.Probes.WithLabelValues(result).Inc()
}

// Motion records tuples moved by one motion node.
func (m *Metrics) Motion(motion, direction string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MotionTuples.WithLabelValues(motion, direction).Add(float64(n))
}

// Sequence records one nextval outcome.
func (m *Metrics) Sequence(result string) {
	if m == nil {
		return
	}
	m.SequenceAllocations.WithLabelValues(result).Inc()
}
