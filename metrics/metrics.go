// Package metrics exposes Prometheus collectors for the session lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var (
	AttestationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicesession_attestations_total",
		Help: "Full attestation runs by outcome.",
	}, []string{"outcome"})
	AttestationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "devicesession_attestation_duration_seconds",
		Help:    "Duration of full attestation runs, challenge to token.",
		Buckets: prometheus.DefBuckets,
	})
	RefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicesession_refreshes_total",
		Help: "Token exchanges with a device identifier by outcome.",
	}, []string{"outcome"})
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicesession_state_transitions_total",
		Help: "Session state transitions by destination state.",
	}, []string{"state"})
	GatewayUnauthorized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicesession_gateway_unauthorized_total",
		Help: "Application responses with status 401 seen by the gateway.",
	})
)

// Outcome returns the outcome label for err.
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
