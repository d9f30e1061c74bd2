package txn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triteia",
			Subsystem: "txn",
			Name:      "attempts_total",
			Help:      "Transaction attempts started.",
		},
		[]string{"backend"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triteia",
			Subsystem: "txn",
			Name:      "retries_total",
			Help:      "Attempts that failed with a retryable error and were retried.",
		},
		[]string{"backend"},
	)

	exhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triteia",
			Subsystem: "txn",
			Name:      "exhausted_total",
			Help:      "Units of work that ran out of retry attempts.",
		},
		[]string{"backend"},
	)
)
