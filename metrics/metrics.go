// Package metrics holds the Prometheus collectors for the ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Booking results.
const (
	ResultReserved           = "reserved"
	ResultCancelled          = "cancelled"
	ResultCancelNotFound     = "cancel_not_found"
	ResultCancelError        = "cancel_error"
	ResultSlotFull           = "slot_full"
	ResultInsufficientCredit = "insufficient_credit"
	ResultAlreadyBooked      = "already_booked"
	ResultInvalid            = "invalid"
	ResultError              = "error"
)

var (
	BookingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buvle_bookings_total",
		Help: "Reservation and cancellation attempts by result",
	}, []string{"result"})

	PaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buvle_payments_total",
		Help: "Payment confirmations by outcome",
	}, []string{"outcome"})

	ChargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buvle_charges_total",
		Help: "Charges opened with the payment provider by period kind",
	}, []string{"kind"})

	CreditsGrantedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buvle_credits_granted_total",
		Help: "Credits added to student balances by source",
	}, []string{"source"})

	RefillRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buvle_refill_runs_total",
		Help: "Monthly refills applied",
	})

	TxDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buvle_ledger_tx_duration_seconds",
		Help:    "Duration of ledger transactions by operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)
