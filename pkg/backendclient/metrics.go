package backendclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mxpane",
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Requests sent to the message-proxy backend.",
		},
		[]string{"method", "status"},
	)

	retriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mxpane",
			Subsystem: "backend",
			Name:      "retries_total",
			Help:      "Idempotent requests that were repeated after a failure.",
		},
	)

	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mxpane",
			Subsystem: "push",
			Name:      "reconnects_total",
			Help:      "Push channel reconnect attempts.",
		},
	)
)
