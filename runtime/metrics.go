package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Diagnostic counters for the invocation loop. Registered on the default
// registry; embedding processes that expose /metrics get them for free.
var (
	invocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lambda_runtime",
		Name:      "invocations_total",
		Help:      "Invocations processed, labelled by outcome disposition.",
	}, []string{"disposition"})

	fetchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lambda_runtime",
		Name:      "fetch_retries_total",
		Help:      "Retries of the next-invocation call after retryable transport errors.",
	})
)

const (
	dispositionSuccess      = "success"
	dispositionHandlerError = "handler_error"
	dispositionPanic        = "panic"
	dispositionStreamError  = "stream_error"
)
