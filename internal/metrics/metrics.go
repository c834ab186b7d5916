// Package metrics holds the Prometheus collectors of the service.
//
// Collectors are registered on a private registry at package init, so the
// exported vars are always usable. Callers outside this package go through
// the Observe helpers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tokaysec"

var (
	registry = newRegistry()
	factory  = promauto.With(registry)

	OperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Operations handled by the service, by outcome",
		},
		[]string{"operation", "outcome"},
	)
	OperationDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of service operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"operation"},
	)
	AuthzDecisionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authz_decisions_total",
			Help:      "Access control decisions",
		},
		[]string{"operation", "decision"},
	)
	KeyRotationsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "key_rotations_total",
		Help:      "Data key rotations",
	})
	KeyUnwrapsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_unwraps_total",
			Help:      "Data key unwraps through the root key provider",
		},
		[]string{"provider", "status"},
	)
	RetentionPurgedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_purged_total",
		Help:      "Tombstoned secrets purged by retention",
	})
	RetentionRewrappedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_rewrapped_total",
		Help:      "Secret versions re-sealed under the active data key",
	})
	RetentionRewrapFailuresTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_rewrap_failures_total",
		Help:      "Secret versions the rewrap job could not re-seal",
	})
	RetentionRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_runs_total",
			Help:      "Scheduled retention job runs",
		},
		[]string{"job", "status"},
	)
	KMSCircuitState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kms_circuit_state",
			Help:      "Circuit breaker position per KMS endpoint (0 closed, 1 open, 2 half-open)",
		},
		[]string{"endpoint"},
	)
	AuditWriteFailuresTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_write_failures_total",
		Help:      "Audit entries that could not be stored",
	})
)

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the process registry.
func Registry() *prometheus.Registry { return registry }

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveOperation records one finished operation.
func ObserveOperation(operation, outcome string, start time.Time) {
	OperationsTotal.WithLabelValues(operation, outcome).Inc()
	OperationDurationSeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveDecision records an access control decision.
func ObserveDecision(operation string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	AuthzDecisionsTotal.WithLabelValues(operation, decision).Inc()
}

// ObserveUnwrap records a DEK unwrap through provider.
func ObserveUnwrap(provider string, err error) {
	KeyUnwrapsTotal.WithLabelValues(provider, status(err)).Inc()
}

func ObserveRotation() { KeyRotationsTotal.Inc() }

func ObservePurge() { RetentionPurgedTotal.Inc() }

// ObserveRewrap records one version handled by the rewrap job.
func ObserveRewrap(err error) {
	if err != nil {
		RetentionRewrapFailuresTotal.Inc()
		return
	}
	RetentionRewrappedTotal.Inc()
}

// ObserveRetentionRun records a scheduled job run.
func ObserveRetentionRun(job string, err error) {
	RetentionRunsTotal.WithLabelValues(job, status(err)).Inc()
}

// ObserveCircuitState records the breaker position of a KMS endpoint.
func ObserveCircuitState(endpoint string, state int) {
	KMSCircuitState.WithLabelValues(endpoint).Set(float64(state))
}

func ObserveAuditWriteFailure() { AuditWriteFailuresTotal.Inc() }

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
