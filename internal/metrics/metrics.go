package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portkill"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of requested service stops.",
		}, []string{"name"},
	)
	serviceExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "unexpected_exits_total",
			Help:      "Number of services that exited without being stopped.",
		}, []string{"name"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "auto_restarts_total",
			Help:      "Number of automatic restarts after an unexpected exit.",
		}, []string{"name"},
	)
	serviceStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn until the service was considered started.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	runningServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "running",
			Help:      "Current number of running services.",
		},
	)

	guardPolls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "polls_total",
			Help:      "Number of completed guard poll cycles.",
		},
	)
	guardSkips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "skipped_polls_total",
			Help:      "Poll ticks skipped because the previous cycle was still running.",
		},
	)
	guardEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "events_total",
			Help:      "Observed transitions per kind.",
		}, []string{"kind"},
	)
	guardEnforcements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "enforcements_total",
			Help:      "Processes terminated by a guard rule.",
		}, []string{"target", "result"},
	)
	portOccupied = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "port_occupied",
			Help:      "1 when a watched port has a listener.",
		}, []string{"port"},
	)

	kills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "kills_total",
			Help:      "Processes stopped on request by port.",
		}, []string{"result"},
	)

	ledgerRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "records_total",
			Help:      "Number of restart records saved.",
		},
	)
	ledgerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "restarts_total",
			Help:      "Respawns from a restart record.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStops, serviceExits, serviceRestarts, serviceStartDuration, runningServices,
		guardPolls, guardSkips, guardEvents, guardEnforcements, portOccupied,
		kills, ledgerRecords, ledgerRestarts,
	}
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncServiceStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncServiceStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}

func IncServiceExit(name string) {
	if regOK.Load() {
		serviceExits.WithLabelValues(name).Inc()
	}
}

func IncServiceRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}

func ObserveStartDuration(name string, seconds float64) {
	if regOK.Load() {
		serviceStartDuration.WithLabelValues(name).Observe(seconds)
	}
}

func SetRunningServices(n int) {
	if regOK.Load() {
		runningServices.Set(float64(n))
	}
}

func IncGuardPoll() {
	if regOK.Load() {
		guardPolls.Inc()
	}
}

func IncGuardSkip() {
	if regOK.Load() {
		guardSkips.Inc()
	}
}

func IncGuardEvent(kind string) {
	if regOK.Load() {
		guardEvents.WithLabelValues(kind).Inc()
	}
}

func IncEnforcement(target, result string) {
	if regOK.Load() {
		guardEnforcements.WithLabelValues(target, result).Inc()
	}
}

func SetPortOccupied(port int, occupied bool) {
	if regOK.Load() {
		var v float64
		if occupied {
			v = 1
		}
		portOccupied.WithLabelValues(strconv.Itoa(port)).Set(v)
	}
}

func IncKill(result string) {
	if regOK.Load() {
		kills.WithLabelValues(result).Inc()
	}
}

func IncLedgerRecord() {
	if regOK.Load() {
		ledgerRecords.Inc()
	}
}

func IncLedgerRestart(result string) {
	if regOK.Load() {
		ledgerRestarts.WithLabelValues(result).Inc()
	}
}
