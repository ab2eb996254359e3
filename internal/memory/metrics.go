package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GatewayWrites counts write decisions.
	// Labels: kind, outcome (accepted, rejected, error), reason
	GatewayWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cogflow",
			Subsystem: "gateway",
			Name:      "writes_total",
			Help:      "Memory writes by kind, outcome and rejection reason",
		},
		[]string{"kind", "outcome", "reason"},
	)

	// GatewayValidations counts artifacts promoted to validated.
	GatewayValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cogflow",
			Subsystem: "gateway",
			Name:      "validations_total",
			Help:      "Artifacts validated by kind",
		},
		[]string{"kind"},
	)

	// SecretsRedacted counts secrets removed before shared writes.
	// Labels: rule (gitleaks rule id)
	SecretsRedacted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cogflow",
			Subsystem: "gateway",
			Name:      "secrets_redacted_total",
			Help:      "Secrets redacted from shared artifacts",
		},
		[]string{"rule"},
	)

	// BackendStoreDuration tracks backend store latency.
	BackendStoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cogflow",
			Subsystem: "memory",
			Name:      "store_duration_seconds",
			Help:      "Duration of backend store calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)
