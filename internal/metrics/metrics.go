package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "client",
			Name:      "state_transitions_total",
			Help:      "Number of ledger state transitions per client.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botfleet",
			Subsystem: "client",
			Name:      "current_state",
			Help:      "Current ledger state of clients (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	ipcDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "ipc",
			Name:      "deliveries_total",
			Help:      "Control message deliveries by command and result.",
		}, []string{"command", "result"},
	)
	ipcWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "botfleet",
			Subsystem: "ipc",
			Name:      "delivery_wait_seconds",
			Help:      "Time from starting a delivery until its outcome was known.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"},
	)
	bundleSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "bundle",
			Name:      "steps_total",
			Help:      "Integration bundle steps (unpack, install, configure, upgrade) by result.",
		}, []string{"bundle", "step", "result"},
	)
	bundleStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "botfleet",
			Subsystem: "bundle",
			Name:      "step_duration_seconds",
			Help:      "Duration of integration bundle steps.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"bundle", "step"},
	)
	consoleCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "console",
			Name:      "commands_total",
			Help:      "Operator console commands by result.",
		}, []string{"command", "result"},
	)
	workerLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "supervisor",
			Name:      "worker_launches_total",
			Help:      "Worker processes launched by the supervisor.",
		}, []string{"name", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		stateTransitions, currentStates, ipcDeliveries, ipcWait,
		bundleSteps, bundleStepDuration, consoleCommands, workerLaunches,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing collector
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register has succeeded.

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

// SetCurrentState marks state active for name and clears the other known states.
func SetCurrentState(name, state string, known ...string) {
	if !regOK.Load() {
		return
	}
	for _, s := range known {
		currentStates.WithLabelValues(name, s).Set(0)
	}
	currentStates.WithLabelValues(name, state).Set(1)
}

// ForgetClient drops every per-client series of name.
func ForgetClient(name string) {
	if regOK.Load() {
		currentStates.DeletePartialMatch(prometheus.Labels{"name": name})
		stateTransitions.DeletePartialMatch(prometheus.Labels{"name": name})
		workerLaunches.DeletePartialMatch(prometheus.Labels{"name": name})
	}
}

func RecordIPCDelivery(command, result string) {
	if regOK.Load() {
		ipcDeliveries.WithLabelValues(command, result).Inc()
	}
}

func ObserveIPCWait(command string, d time.Duration) {
	if regOK.Load() {
		ipcWait.WithLabelValues(command).Observe(d.Seconds())
	}
}

func RecordBundleStep(bundle, step string, d time.Duration, err error) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	bundleSteps.WithLabelValues(bundle, step, result).Inc()
	bundleStepDuration.WithLabelValues(bundle, step).Observe(d.Seconds())
}

func IncConsoleCommand(command, result string) {
	if regOK.Load() {
		consoleCommands.WithLabelValues(command, result).Inc()
	}
}

func IncWorkerLaunch(name string, err error) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	workerLaunches.WithLabelValues(name, result).Inc()
}
