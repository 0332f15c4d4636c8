// Package telemetry holds the engine's Prometheus metrics and tracing setup.
//
// Metric naming:
//   - canarywatch_ prefix for every metric
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry is served on /metrics. It carries the Go runtime collectors too.
var Registry = prometheus.NewRegistry()

var (
	// ProbeRunsTotal counts completed runs by probe and result (pass|fail).
	ProbeRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canarywatch_probe_runs_total",
			Help: "Completed probe runs by probe and result.",
		},
		[]string{"probe", "result"},
	)

	ProbeRunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canarywatch_probe_run_duration_seconds",
			Help:    "Duration of probe runs in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"probe"},
	)

	// ProbeRunsSkippedTotal counts ticks dropped because the previous run
	// of the same probe was still in flight.
	ProbeRunsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canarywatch_probe_runs_skipped_total",
			Help: "Ticks skipped because the probe's previous run was still in flight.",
		},
		[]string{"probe"},
	)

	// AlarmState is 1 for the alarm's current state and 0 for the others.
	AlarmState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canarywatch_alarm_state",
			Help: "Current alarm state (1 for the active state label).",
		},
		[]string{"alarm", "state"},
	)

	AlarmTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canarywatch_alarm_transitions_total",
			Help: "Alarm state transitions by alarm and new state.",
		},
		[]string{"alarm", "to"},
	)

	// DeliveriesTotal counts subscriber deliveries by topic, kind and result (ok|failed).
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canarywatch_deliveries_total",
			Help: "Notification deliveries by topic, subscriber kind and result.",
		},
		[]string{"topic", "kind", "result"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ProbeRunsTotal,
		ProbeRunDurationSeconds,
		ProbeRunsSkippedTotal,
		AlarmState,
		AlarmTransitionsTotal,
		DeliveriesTotal,
	)
}

// RecordProbeRun records metrics for a completed probe run.
func RecordProbeRun(probe string, success bool, duration time.Duration) {
	result := "pass"
	if !success {
		result = "fail"
	}
	ProbeRunsTotal.WithLabelValues(probe, result).Inc()
	ProbeRunDurationSeconds.WithLabelValues(probe).Observe(duration.Seconds())
}

func RecordSkippedRun(probe string) {
	ProbeRunsSkippedTotal.WithLabelValues(probe).Inc()
}

// SetAlarmState flips the state gauges of one alarm to current.
func SetAlarmState(alarm, current string, all ...string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		AlarmState.WithLabelValues(alarm, s).Set(v)
	}
}

func RecordTransition(alarm, to string) {
	AlarmTransitionsTotal.WithLabelValues(alarm, to).Inc()
}

func RecordDelivery(topic, kind string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	DeliveriesTotal.WithLabelValues(topic, kind, result).Inc()
}
