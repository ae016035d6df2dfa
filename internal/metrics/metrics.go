package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servo",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions per service.",
		}, []string{"service", "from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "servo",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current lifecycle state of services (1 = active state, 0 = inactive).",
		}, []string{"service", "state"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "servo",
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Health probe round-trip time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servo",
			Subsystem: "health",
			Name:      "probe_failures_total",
			Help:      "Number of failed health probes.",
		}, []string{"service"},
	)
	circuitTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servo",
			Subsystem: "circuit",
			Name:      "trips_total",
			Help:      "Number of circuit breaker trips.",
		}, []string{"service"},
	)
	killEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servo",
			Subsystem: "kill",
			Name:      "escalations_total",
			Help:      "Terminal kill escalation outcomes per service.",
		}, []string{"service", "phase"},
	)
	servicesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "servo",
			Subsystem: "orchestrator",
			Name:      "services_running",
			Help:      "Number of services currently in the running state.",
		},
	)
	servicesHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "servo",
			Subsystem: "orchestrator",
			Name:      "services_healthy",
			Help:      "Number of services whose last health probe succeeded.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		stateTransitions, currentState, probeDuration, probeFailures,
		circuitTrips, killEscalations, servicesRunning, servicesHealthy,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler returns the promhttp handler for the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// Known lifecycle states; used to zero out gauge series on transition.
var knownStates = []string{"stopped", "starting", "warmup", "running", "error", "circuit_open", "external"}

// ObserveTransition records a state transition and flips the current-state gauge.
func ObserveTransition(service, from, to string) {
	stateTransitions.WithLabelValues(service, from, to).Inc()
	for _, s := range knownStates {
		v := 0.0
		if s == to {
			v = 1.0
		}
		currentState.WithLabelValues(service, s).Set(v)
	}
}

// ObserveProbe records one health probe outcome.
func ObserveProbe(service string, seconds float64, healthy bool) {
	probeDuration.WithLabelValues(service).Observe(seconds)
	if !healthy {
		probeFailures.WithLabelValues(service).Inc()
	}
}

// IncCircuitTrip counts one breaker trip.
func IncCircuitTrip(service string) { circuitTrips.WithLabelValues(service).Inc() }

// IncKillEscalation counts a terminal escalation outcome (killed or zombie).
func IncKillEscalation(service, phase string) {
	killEscalations.WithLabelValues(service, phase).Inc()
}

// SetFleetGauges publishes the orchestrator-wide running/healthy counts.
func SetFleetGauges(running, healthy int) {
	servicesRunning.Set(float64(running))
	servicesHealthy.Set(float64(healthy))
}
