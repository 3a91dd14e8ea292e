package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// States exported through supervisor_state. Kept in sync with supervisor.State.
var States = []string{"checking", "running", "crashed_waiting", "halted", "stopped"}

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crashguard",
			Subsystem: "supervisor",
			Name:      "launches_total",
			Help:      "Number of child process launch attempts.",
		}, []string{"server"},
	)
	crashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crashguard",
			Subsystem: "supervisor",
			Name:      "crashes_total",
			Help:      "Number of observed child exits, by exit code.",
		}, []string{"server", "exit_code"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crashguard",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts.",
		}, []string{"server"},
	)
	halts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crashguard",
			Subsystem: "supervisor",
			Name:      "halts_total",
			Help:      "Number of times the crash limit halted supervision.",
		}, []string{"server"},
	)
	windowCrashes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crashguard",
			Subsystem: "supervisor",
			Name:      "window_crashes",
			Help:      "Crashes currently inside the sliding time window.",
		}, []string{"server"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crashguard",
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"server", "state"},
	)
	reporterEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crashguard",
			Subsystem: "reporter",
			Name:      "events_total",
			Help:      "Lifecycle events delivered to the reporter sink, by result.",
		}, []string{"type", "result"},
	)
	reporterDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crashguard",
			Subsystem: "reporter",
			Name:      "dropped_total",
			Help:      "Lifecycle events dropped because the queue was full or closed.",
		},
	)
	ledgerDegraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crashguard",
			Subsystem: "ledger",
			Name:      "degraded_total",
			Help:      "Number of times the crash ledger fell back to memory.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{launches, crashes, restarts, halts, windowCrashes, currentState, reporterEvents, reporterDropped, ledgerDegraded}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncLaunch(server string) {
	if regOK.Load() {
		launches.WithLabelValues(server).Inc()
	}
}

func IncCrash(server string, exitCode int) {
	if regOK.Load() {
		crashes.WithLabelValues(server, strconv.Itoa(exitCode)).Inc()
	}
}

func IncRestart(server string) {
	if regOK.Load() {
		restarts.WithLabelValues(server).Inc()
	}
}

func IncHalt(server string) {
	if regOK.Load() {
		halts.WithLabelValues(server).Inc()
	}
}

func SetWindowCrashes(server string, n int) {
	if regOK.Load() {
		windowCrashes.WithLabelValues(server).Set(float64(n))
	}
}

// SetState marks state as the only active state for server.
func SetState(server, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		var v float64
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(server, s).Set(v)
	}
}

func IncReporterEvent(typ, result string) {
	if regOK.Load() {
		reporterEvents.WithLabelValues(typ, result).Inc()
	}
}

func IncReporterDropped() {
	if regOK.Load() {
		reporterDropped.Inc()
	}
}

func IncLedgerDegraded() {
	if regOK.Load() {
		ledgerDegraded.Inc()
	}
}
