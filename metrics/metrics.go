package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_tokens_issued_total",
			Help: "Total number of CSRF tokens issued",
		},
		[]string{"reason"}, // init, rotation_eager, rotation_scheduled
	)

	TokenValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_token_validations_total",
			Help: "Total number of token validation attempts",
		},
		[]string{"outcome"}, // valid, invalid, expired
	)

	TokenValidationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bastion_token_validation_duration_seconds",
			Help:    "Time taken to validate a token",
			Buckets: prometheus.DefBuckets,
		},
	)

	DevicesRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_devices_registered_total",
			Help: "Total number of device fingerprint registrations",
		},
	)

	SuspicionEscalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_suspicion_escalations_total",
			Help: "Total number of suspicion level escalations",
		},
		[]string{"level"},
	)

	SessionsCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_sessions_cleaned_total",
			Help: "Total number of session cleanups across all managers",
		},
	)
)
