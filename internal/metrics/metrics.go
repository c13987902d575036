package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InitiationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolpay_payment_initiations_total",
		Help: "STK push initiations by outcome (accepted, validation_failed, gateway_failed).",
	}, []string{"outcome"})

	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolpay_payment_resolutions_total",
		Help: "Terminal transitions by final status.",
	}, []string{"status"})

	DuplicateSignalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "schoolpay_duplicate_resolution_signals_total",
		Help: "Resolution signals that arrived after the attempt was already terminal.",
	})

	OrphanCallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "schoolpay_orphan_callbacks_total",
		Help: "Callbacks with no matching payment attempt.",
	})

	MalformedCallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "schoolpay_malformed_callbacks_total",
		Help: "Callback payloads that could not be parsed.",
	})

	VerifyQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolpay_verify_queries_total",
		Help: "Verification status queries by result (resolved, inconclusive, error).",
	}, []string{"result"})

	BalanceAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "schoolpay_balance_applications_total",
		Help: "Exactly-once balance decrements performed.",
	})
)
