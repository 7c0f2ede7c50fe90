package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vnmchuo/voice-metering/internal/ledger"
)

var (
	EventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_events_recorded_total",
			Help: "Usage events folded into session totals",
		},
		[]string{"kind"},
	)

	EventsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metering_events_rejected_total",
			Help: "Usage events dropped as taxonomy errors",
		},
	)

	LedgerWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_ledger_writes_total",
			Help: "Authorize-and-record attempts by service type and outcome",
		},
		[]string{"service_type", "outcome"},
	)

	BilledCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_billed_cost_usd_total",
			Help: "Cost recorded to the ledger in USD",
		},
		[]string{"service_type"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metering_active_sessions",
			Help: "Sessions currently accepting usage events",
		},
	)

	FinalizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metering_finalize_duration_seconds",
			Help:    "Time spent draining and settling a session",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Outcome maps a ledger error to a metric label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "recorded"
	case errors.Is(err, ledger.ErrInsufficientCredit):
		return "insufficient_credit"
	case errors.Is(err, ledger.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ledger.ErrLedgerUnavailable):
		return "unavailable"
	}
	return "error"
}

// ObserveLedger counts one ledger attempt and, on success, its cost.
func ObserveLedger(serviceType ledger.ServiceType, cost float64, err error) {
	LedgerWrites.WithLabelValues(string(serviceType), Outcome(err)).Inc()
	if err == nil && cost > 0 {
		BilledCost.WithLabelValues(string(serviceType)).Add(cost)
	}
}
