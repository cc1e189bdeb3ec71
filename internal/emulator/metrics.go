package emulator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// invokesTotal counts synchronous invokes by result. Served on /metrics.
var invokesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lambda_emulator",
	Name:      "invokes_total",
	Help:      "Synchronous invocations handled by the emulator, by result.",
}, []string{"result"})
