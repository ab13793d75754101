package operations

import (
	"time"

	"github.com/3scale/ovpn-access-manager/pkg/lifecycle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// operationsTotal counts lifecycle operations
	// Labels: operation, result (success or the error kind)
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ovpn_lifecycle_operations_total",
			Help: "Total number of client lifecycle operations grouped by operation and result",
		},
		[]string{"operation", "result"},
	)

	// operationDuration tracks how long operations take, signing included
	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ovpn_lifecycle_operation_duration_seconds",
			Help:    "Duration of client lifecycle operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"operation"},
	)

	// blockedClients is the size of the blocklist as last observed
	blockedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ovpn_blocked_clients",
			Help: "Number of suspended clients in the blocklist",
		},
	)
)

var resultLabels = map[error]string{
	lifecycle.ErrInvalidName:      "invalid_name",
	lifecycle.ErrAlreadyExists:    "already_exists",
	lifecycle.ErrNotFound:         "not_found",
	lifecycle.ErrInvalidState:     "invalid_state",
	lifecycle.ErrAlreadyRevoked:   "already_revoked",
	lifecycle.ErrAuthority:        "authority_error",
	lifecycle.ErrAuthorityTimeout: "authority_timeout",
	lifecycle.ErrStorage:          "storage_error",
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	if l, ok := resultLabels[lifecycle.Kind(err)]; ok {
		return l
	}
	return "error"
}

// recordOperation records the outcome of an operation started at start
func recordOperation(op string, start time.Time, err error) {
	operationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// recordBlocked records the number of suspended clients
func recordBlocked(n int) {
	blockedClients.Set(float64(n))
}
