// Package metrics exposes the engine's Prometheus collectors, grounded on the
// teacher's pkg/metrics registry-and-namespace convention
// (namespace "stormstack", one subsystem per engine component).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds the engine's Prometheus collectors. Callers that want a
// fully isolated registry (tests, multiple engines in one process) should
// use NewRecorder(prometheus.NewRegistry()) instead of the package-level one.
var Registry = prometheus.NewRegistry()

// Recorder groups every collector the engine emits. A single Recorder is
// normally shared by every container in a process.
type Recorder struct {
	TicksTotal          *prometheus.CounterVec
	TickDuration        *prometheus.HistogramVec
	CommandsDrained     *prometheus.CounterVec
	CommandsRejected    *prometheus.CounterVec
	SandboxTraps        *prometheus.CounterVec
	SandboxInvocations  *prometheus.CounterVec
	ModulesDisabled     *prometheus.CounterVec
	SnapshotBytes       *prometheus.HistogramVec
	DeltaBytes          *prometheus.HistogramVec
	SubscribersActive   *prometheus.GaugeVec
	SubscribersDropped  *prometheus.CounterVec
	MatchesActive       prometheus.Gauge
}

// NewRecorder registers the engine's collectors against reg (or the package
// Registry, if nil) and returns a Recorder ready for use.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = Registry
	}

	r := &Recorder{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormstack", Subsystem: "match", Name: "ticks_total",
			Help: "Total number of ticks advanced, per match.",
		}, []string{"match_id"}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stormstack", Subsystem: "match", Name: "tick_duration_seconds",
			Help:    "Duration of a single match tick.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"match_id"}),
		CommandsDrained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormstack", Subsystem: "queue", Name: "commands_drained_total",
			Help: "Total number of commands drained for execution.",
		}, []string{"match_id"}),
		CommandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormstack", Subsystem: "queue", Name: "commands_rejected_total",
			Help: "Total number of commands rejected at enqueue time, by reason.",
		}, []string{"match_id", "reason"}),
		SandboxTraps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormstack", Subsystem: "sandbox", Name: "traps_total",
			Help: "Total number of sandbox traps (fuel, epoch, capability), by module and reason.",
		}, []string{"module_id", "reason"}),
		SandboxInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormstack", Subsystem: "sandbox", Name: "invocations_total",
			Help: "Total number of sandbox invocations, by module and entry point.",
		}, []string{"module_id", "entry_point"}),
		ModulesDisabled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormstack", Subsystem: "module", Name: "disabled_total",
			Help: "Total number of times a module was disabled for a match after exceeding its failure budget.",
		}, []string{"module_id"}),
		SnapshotBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stormstack", Subsystem: "snapshot", Name: "full_bytes",
			Help:    "Size in bytes of full snapshots emitted.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"match_id"}),
		DeltaBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stormstack", Subsystem: "snapshot", Name: "delta_bytes",
			Help:    "Size in bytes of deltas emitted.",
			Buckets: prometheus.ExponentialBuckets(32, 4, 10),
		}, []string{"match_id"}),
		SubscribersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stormstack", Subsystem: "router", Name: "subscribers_active",
			Help: "Current number of active subscribers, per match.",
		}, []string{"match_id"}),
		SubscribersDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormstack", Subsystem: "router", Name: "subscribers_dropped_total",
			Help: "Total number of subscribers dropped for being overloaded.",
		}, []string{"match_id"}),
		MatchesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stormstack", Subsystem: "container", Name: "matches_active",
			Help: "Current number of active matches across all containers in this process.",
		}),
	}

	reg.MustRegister(
		r.TicksTotal, r.TickDuration, r.CommandsDrained, r.CommandsRejected,
		r.SandboxTraps, r.SandboxInvocations, r.ModulesDisabled,
		r.SnapshotBytes, r.DeltaBytes, r.SubscribersActive, r.SubscribersDropped,
		r.MatchesActive,
	)
	return r
}

// Noop returns a Recorder that records into an isolated, unregistered
// registry — useful for tests and call sites that want zero global state.
func Noop() *Recorder {
	return NewRecorder(prometheus.NewRegistry())
}
